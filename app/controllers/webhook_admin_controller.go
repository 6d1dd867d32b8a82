package controllers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/app/repository"
	"github.com/ManuelReschke/HookFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/HookFox/internal/pkg/manager"
)

// QueueAdmin is the part of the job queue the admin API controls.
type QueueAdmin interface {
	GetMetrics(ctx context.Context) (*jobqueue.Metrics, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Replayer re-runs failed events.
type Replayer interface {
	Replay(ctx context.Context, provider, eventID string) (*jobqueue.Job, error)
}

// IntakeCounts reports intake outcomes per provider.
type IntakeCounts interface {
	Snapshot(ctx context.Context) (map[string]map[string]int64, error)
}

// WebhookAdminController is the operator API of the webhook pipeline.
type WebhookAdminController struct {
	events   repository.WebhookEventRepository
	queue    QueueAdmin
	replayer Replayer
	intake   IntakeCounts
}

func NewWebhookAdminController(events repository.WebhookEventRepository, queue QueueAdmin, replayer Replayer) *WebhookAdminController {
	return &WebhookAdminController{events: events, queue: queue, replayer: replayer}
}

// WithIntakeCounts adds intake outcome counts to the metrics response.
func (ac *WebhookAdminController) WithIntakeCounts(counts IntakeCounts) *WebhookAdminController {
	ac.intake = counts
	return ac
}

// HandleMetrics returns queue metrics and ledger counts per provider.
func (ac *WebhookAdminController) HandleMetrics(c *fiber.Ctx) error {
	ctx := c.UserContext()

	metrics, err := ac.queue.GetMetrics(ctx)
	if err != nil {
		return ac.internalError(c, "queue metrics unavailable", err)
	}

	ledger := fiber.Map{}
	for _, provider := range models.Providers() {
		counts, err := ac.events.CountByStatus(ctx, provider)
		if err != nil {
			return ac.internalError(c, "ledger counts unavailable", err)
		}
		ledger[provider] = counts
	}

	resp := fiber.Map{"queue": metrics, "events": ledger}
	if ac.intake != nil {
		intake, err := ac.intake.Snapshot(ctx)
		if err != nil {
			return ac.internalError(c, "intake counts unavailable", err)
		}
		resp["intake"] = intake
	}
	return c.JSON(resp)
}

// HandleListEvents lists stored events of a provider, filtered by ?status=.
func (ac *WebhookAdminController) HandleListEvents(c *fiber.Ctx) error {
	provider := c.Params("provider")
	if !models.IsKnownProvider(provider) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_provider"})
	}

	status := c.Query("status")
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	events, err := ac.events.ListByStatus(c.UserContext(), provider, status, offset, limit)
	if err != nil {
		return ac.internalError(c, "failed to list events", err)
	}
	return c.JSON(fiber.Map{"events": events, "offset": offset, "limit": limit})
}

// HandleReplay resets a failed event to pending and enqueues it again.
func (ac *WebhookAdminController) HandleReplay(c *fiber.Ctx) error {
	provider := c.Params("provider")
	if !models.IsKnownProvider(provider) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_provider"})
	}
	eventID := c.Params("eventID")

	job, err := ac.replayer.Replay(c.UserContext(), provider, eventID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	case errors.Is(err, manager.ErrNotReplayable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "not_failed", "message": err.Error()})
	case err != nil:
		return ac.internalError(c, "failed to replay event", err)
	}

	log.Infof("[Admin] Replayed %s event_id=%s job=%s", provider, eventID, job.ID)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true, "event_id": eventID, "job_id": job.ID})
}

// HandlePause stops workers from taking new jobs.
func (ac *WebhookAdminController) HandlePause(c *fiber.Ctx) error {
	if err := ac.queue.Pause(c.UserContext()); err != nil {
		return ac.internalError(c, "failed to pause queue", err)
	}
	log.Warn("[Admin] Webhook queue paused")
	return c.JSON(fiber.Map{"success": true, "paused": true})
}

// HandleResume lets workers take jobs again.
func (ac *WebhookAdminController) HandleResume(c *fiber.Ctx) error {
	if err := ac.queue.Resume(c.UserContext()); err != nil {
		return ac.internalError(c, "failed to resume queue", err)
	}
	log.Info("[Admin] Webhook queue resumed")
	return c.JSON(fiber.Map{"success": true, "paused": false})
}

func (ac *WebhookAdminController) internalError(c *fiber.Ctx, message string, err error) error {
	log.Errorf("[Admin] %s: %v", message, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": message})
}
