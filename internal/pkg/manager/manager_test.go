package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/HookFox/internal/pkg/webhook"
)

type fakeLedger struct {
	stale  map[string][]models.RawWebhookEvent
	cutoff time.Time
	byID   map[string]*models.RawWebhookEvent
}

func (l *fakeLedger) GetByEventID(ctx context.Context, provider, eventID string) (*models.RawWebhookEvent, error) {
	ev, ok := l.byID[eventID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *ev
	return &cp, nil
}

func (l *fakeLedger) ResetForReplay(ctx context.Context, provider string, id uint) (bool, error) {
	for _, ev := range l.byID {
		if ev.ID == id && ev.Status == models.WebhookStatusFailed {
			ev.Status = models.WebhookStatusPending
			return true, nil
		}
	}
	return false, nil
}

func (l *fakeLedger) ListStaleUnsettled(ctx context.Context, provider string, updatedBefore time.Time, limit int) ([]models.RawWebhookEvent, error) {
	l.cutoff = updatedBefore
	return l.stale[provider], nil
}

type fakeReceiver struct {
	mu   sync.Mutex
	got  []string
	fail bool
}

func (r *fakeReceiver) Redeliver(ctx context.Context, d webhook.SpooledDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("db down")
	}
	r.got = append(r.got, d.EventID)
	return nil
}

func (r *fakeReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newQueue(client *redis.Client) *jobqueue.Queue {
	return jobqueue.NewQueue(client, jobqueue.Options{Workers: 1, PollInterval: 5 * time.Millisecond})
}

func TestReconcile_ReenqueuesLostJobsOnce(t *testing.T) {
	client := newRedis(t)
	q := newQueue(client)
	ledger := &fakeLedger{stale: map[string][]models.RawWebhookEvent{
		models.ProviderPayment: {
			{ID: 1, EventID: "evt_1", EventType: "transfer.updated", Status: models.WebhookStatusPending, Payload: `{"id":"evt_1"}`},
			{ID: 2, EventID: "evt_2", EventType: "transfer.updated", Status: models.WebhookStatusProcessing, Payload: `{"id":"evt_2"}`},
		},
	}}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(Deps{Queue: q, Ledger: ledger}, Config{ReconcileStale: 5 * time.Minute})
	m.now = func() time.Time { return now }

	ctx := context.Background()
	n, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, now.Add(-5*time.Minute), ledger.cutoff)

	n, err = m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "live jobs are not duplicated")

	metrics, err := q.GetMetrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, metrics.Waiting)
}

func TestDrainSpool(t *testing.T) {
	client := newRedis(t)
	spool := webhook.NewRedisSpool(client, "")
	ctx := context.Background()
	for _, id := range []string{"evt_1", "evt_2"} {
		require.NoError(t, spool.Push(ctx, webhook.SpooledDelivery{Provider: models.ProviderPayment, EventID: id}))
	}

	receiver := &fakeReceiver{fail: true}
	m := New(Deps{Queue: newQueue(client), Spool: spool, Receiver: receiver}, Config{})

	n, err := m.DrainSpool(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	receiver.fail = false
	n, err = m.DrainSpool(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"evt_1", "evt_2"}, receiver.got)
}

func TestManager_StartRunsTasksAndStops(t *testing.T) {
	client := newRedis(t)
	spool := webhook.NewRedisSpool(client, "")
	ctx := context.Background()
	require.NoError(t, spool.Push(ctx, webhook.SpooledDelivery{Provider: models.ProviderPayment, EventID: "evt_1"}))

	receiver := &fakeReceiver{}
	m := New(Deps{Queue: newQueue(client), Spool: spool, Receiver: receiver}, Config{
		SpoolDrainInterval: 10 * time.Millisecond,
		ShutdownTimeout:    time.Second,
	})

	assert.False(t, m.IsRunning())
	m.Start()
	m.Start()
	assert.True(t, m.IsRunning())

	assert.Eventually(t, func() bool { return receiver.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	require.NoError(t, m.Stop())
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()
	assert.Equal(t, 5*time.Second, cfg.SpoolDrainInterval)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileStale)
	assert.Equal(t, time.Hour, cfg.ArchiveInterval)
}

func TestReplay(t *testing.T) {
	client := newRedis(t)
	q := newQueue(client)
	ledger := &fakeLedger{byID: map[string]*models.RawWebhookEvent{
		"evt_f": {ID: 4, EventID: "evt_f", EventType: "transfer.updated", Status: models.WebhookStatusFailed, Payload: `{}`},
		"evt_p": {ID: 5, EventID: "evt_p", EventType: "transfer.updated", Status: models.WebhookStatusProcessed, Payload: `{}`},
	}}
	m := New(Deps{Queue: q, Ledger: ledger}, Config{})
	ctx := context.Background()

	job, err := m.Replay(ctx, models.ProviderPayment, "evt_f")
	require.NoError(t, err)
	assert.Equal(t, webhook.JobRef(models.ProviderPayment, 4), job.Ref)
	assert.Equal(t, models.WebhookStatusPending, ledger.byID["evt_f"].Status)

	_, err = m.Replay(ctx, models.ProviderPayment, "evt_f")
	assert.True(t, errors.Is(err, ErrNotReplayable))
	_, err = m.Replay(ctx, models.ProviderPayment, "evt_p")
	assert.True(t, errors.Is(err, ErrNotReplayable))
	_, err = m.Replay(ctx, models.ProviderPayment, "evt_missing")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}
