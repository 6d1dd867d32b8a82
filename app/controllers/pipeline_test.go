package controllers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/app/repository"
	"github.com/ManuelReschke/HookFox/internal/pkg/dispatch"
	"github.com/ManuelReschke/HookFox/internal/pkg/handlers"
	"github.com/ManuelReschke/HookFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/HookFox/internal/pkg/manager"
	"github.com/ManuelReschke/HookFox/internal/pkg/marketplace"
	"github.com/ManuelReschke/HookFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/HookFox/internal/pkg/webhook"
)

const pipelineSecret = "whsec_pipeline"

type countingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *countingNotifier) SendSystemMessage(ctx context.Context, channelID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type pipeline struct {
	db       *gorm.DB
	events   repository.WebhookEventRepository
	queue    *jobqueue.Queue
	notifier *countingNotifier
	app      *fiber.App
}

// newPipeline wires receiver, queue, dispatcher and handlers the way the
// server does, on SQLite and miniredis.
func newPipeline(t *testing.T, maxAttempts int) *pipeline {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	tables := append(models.RawEventTableModels(), &models.WebhookEvent{}, &models.Order{}, &models.Merchant{}, &models.ChatMessage{})
	require.NoError(t, db.AutoMigrate(tables...))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := jobqueue.NewQueue(client, jobqueue.Options{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  5 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
		MaxAttempts:  maxAttempts,
	})
	events := repository.NewWebhookEventRepository(db)
	notifier := &countingNotifier{}

	reg := dispatch.NewRegistry()
	handlers.Register(reg, handlers.Services{
		Orders:    marketplace.NewOrderStore(db),
		Merchants: marketplace.NewMerchantStore(db),
		Chat:      marketplace.NewChatStore(db),
		Notifier:  notifier,
	})
	dispatch.NewDispatcher(reg, events, nil).Attach(q)

	receiver := webhook.NewReceiver(
		[]*webhook.Provider{webhook.PaymentProvider(pipelineSecret), webhook.ChatProvider(pipelineSecret)},
		events, q, nil, webhook.ReceiverConfig{},
	)
	intake := counter.NewIntakeCounter(client, "")
	receiver.SetCounter(intake)

	app := fiber.New()
	app.Post("/webhooks/:provider", NewWebhookController(receiver, 0).HandleWebhook)
	admin := NewWebhookAdminController(events, q, manager.New(manager.Deps{Queue: q, Ledger: events}, manager.Config{})).
		WithIntakeCounts(intake)
	app.Get("/admin/metrics", admin.HandleMetrics)
	app.Get("/admin/:provider/events", admin.HandleListEvents)
	app.Post("/admin/:provider/events/:eventID/replay", admin.HandleReplay)
	app.Post("/admin/queue/pause", admin.HandlePause)
	app.Post("/admin/queue/resume", admin.HandleResume)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return &pipeline{db: db, events: events, queue: q, notifier: notifier, app: app}
}

func (p *pipeline) sign(body string) map[string]string {
	return map[string]string{"X-Payment-Signature": webhook.NewHMACSHA256Verifier(pipelineSecret).Sign([]byte(body))}
}

func (p *pipeline) rawEvent(t *testing.T, eventID string) *models.RawWebhookEvent {
	t.Helper()
	ev, err := p.events.GetByEventID(context.Background(), models.ProviderPayment, eventID)
	require.NoError(t, err)
	return ev
}

func TestPipeline_TransferPaysOrderExactlyOnce(t *testing.T) {
	p := newPipeline(t, 3)
	require.NoError(t, p.db.Create(&models.Order{OrderNumber: "ORD-1", Status: models.OrderStatusAwaitingPayment, ChatChannelID: "order-1"}).Error)
	p.queue.Start()

	body := `{"type":"transfer.updated","id":"evt_1","transfer":{"id":"TR_1","state":"SUCCEEDED","tags":{"order_id":"ORD-1"}}}`

	status, resp := post(t, p.app, "/webhooks/payment", body, p.sign(body))
	assert.Equal(t, 200, status)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "evt_1", resp["event_id"])

	for i := 0; i < 3; i++ {
		status, resp := post(t, p.app, "/webhooks/payment", body, p.sign(body))
		assert.Equal(t, 200, status)
		assert.Equal(t, true, resp["success"])
		assert.Equal(t, "evt_1", resp["event_id"])
	}

	assert.Eventually(t, func() bool {
		ev, err := p.events.GetByEventID(context.Background(), models.ProviderPayment, "evt_1")
		return err == nil && ev.IsProcessed()
	}, 3*time.Second, 10*time.Millisecond)

	var order models.Order
	require.NoError(t, p.db.Where("order_number = ?", "ORD-1").First(&order).Error)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	require.NotNil(t, order.TransferID)
	assert.Equal(t, "TR_1", *order.TransferID)

	var rows int64
	require.NoError(t, p.db.Table(models.RawEventTable(models.ProviderPayment)).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)

	// A delivery after processing is a duplicate and changes nothing.
	status, resp = post(t, p.app, "/webhooks/payment", body, p.sign(body))
	assert.Equal(t, 200, status)
	assert.Equal(t, true, resp["duplicate"])
	assert.Equal(t, 1, p.notifier.count())
}

func TestPipeline_BadSignatureWritesNothing(t *testing.T) {
	p := newPipeline(t, 3)
	body := `{"type":"transfer.updated","id":"evt_2","transfer":{"id":"TR_2","state":"SUCCEEDED"}}`

	status, resp := post(t, p.app, "/webhooks/payment", body, map[string]string{"X-Payment-Signature": "sha256=00"})
	assert.Equal(t, 401, status)
	assert.Equal(t, "invalid_signature", resp["error"])

	var rows int64
	require.NoError(t, p.db.Table(models.RawEventTable(models.ProviderPayment)).Count(&rows).Error)
	assert.Zero(t, rows)
	metrics, err := p.queue.GetMetrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, metrics.Waiting)
}

func TestPipeline_RetryExhaustionThenReplay(t *testing.T) {
	p := newPipeline(t, 3)
	p.queue.Start()

	// No order carries TR_9 yet, so every attempt fails with a retryable error.
	body := `{"type":"transfer.updated","id":"evt_9","transfer":{"id":"TR_9","state":"SUCCEEDED"}}`
	status, _ := post(t, p.app, "/webhooks/payment", body, p.sign(body))
	require.Equal(t, 200, status)

	assert.Eventually(t, func() bool {
		return p.rawEvent(t, "evt_9").Status == models.WebhookStatusFailed
	}, 3*time.Second, 10*time.Millisecond)
	ev := p.rawEvent(t, "evt_9")
	assert.Equal(t, 3, ev.AttemptCount)
	assert.Contains(t, ev.Error, "order not found")

	status, list := get(t, p.app, "/admin/payment/events?status=failed")
	assert.Equal(t, 200, status)
	assert.Len(t, list["events"], 1)

	// The operator links the order and replays.
	transfer := "TR_9"
	require.NoError(t, p.db.Create(&models.Order{OrderNumber: "ORD-9", TransferID: &transfer, Status: models.OrderStatusAwaitingPayment}).Error)

	status, resp := post(t, p.app, "/admin/payment/events/evt_9/replay", "", nil)
	assert.Equal(t, 202, status)
	assert.NotEmpty(t, resp["job_id"])

	assert.Eventually(t, func() bool {
		return p.rawEvent(t, "evt_9").IsProcessed()
	}, 3*time.Second, 10*time.Millisecond)

	status, resp = post(t, p.app, "/admin/payment/events/evt_9/replay", "", nil)
	assert.Equal(t, 409, status)
	assert.Equal(t, "not_failed", resp["error"])

	status, _ = post(t, p.app, "/admin/payment/events/evt_404/replay", "", nil)
	assert.Equal(t, 404, status)
}

func TestPipeline_PauseResumeAndMetrics(t *testing.T) {
	p := newPipeline(t, 3)
	require.NoError(t, p.db.Create(&models.Order{OrderNumber: "ORD-3", Status: models.OrderStatusAwaitingPayment}).Error)
	p.queue.Start()

	status, _ := post(t, p.app, "/admin/queue/pause", "", nil)
	require.Equal(t, 200, status)

	body := `{"type":"transfer.created","id":"evt_3","transfer":{"id":"TR_3","state":"PENDING","tags":{"order_id":"ORD-3"}}}`
	status, _ = post(t, p.app, "/webhooks/payment", body, p.sign(body))
	require.Equal(t, 200, status)

	status, metrics := get(t, p.app, "/admin/metrics")
	assert.Equal(t, 200, status)
	queue := metrics["queue"].(map[string]interface{})
	assert.EqualValues(t, 1, queue["paused"])
	payment := metrics["events"].(map[string]interface{})["payment"].(map[string]interface{})
	assert.EqualValues(t, 1, payment["pending"])
	intake := metrics["intake"].(map[string]interface{})["payment"].(map[string]interface{})
	assert.EqualValues(t, 1, intake["accepted"])

	status, _ = post(t, p.app, "/admin/queue/resume", "", nil)
	require.Equal(t, 200, status)
	assert.Eventually(t, func() bool {
		return p.rawEvent(t, "evt_3").IsProcessed()
	}, 3*time.Second, 10*time.Millisecond)

	status, _ = get(t, p.app, "/admin/unknown/events")
	assert.Equal(t, 404, status)
}

func get(t *testing.T, app *fiber.App, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	require.NoError(t, decodeJSON(resp, &out))
	return resp.StatusCode, out
}
