package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/app/repository"
	"github.com/ManuelReschke/HookFox/internal/pkg/events"
	"github.com/ManuelReschke/HookFox/internal/pkg/jobqueue"
)

const UnhandledEventNote = "unhandled event type"

// Ledger is the part of the idempotency ledger the dispatcher drives.
type Ledger interface {
	GetByID(ctx context.Context, provider string, id uint) (*models.RawWebhookEvent, error)
	MarkProcessing(ctx context.Context, provider string, id uint) (bool, error)
	MarkProcessed(ctx context.Context, provider string, id uint, note string) error
	RecordAttemptFailure(ctx context.Context, provider string, id uint, errMsg string) error
	MarkFailed(ctx context.Context, provider string, id uint, errMsg string) error
}

// Dispatcher runs queue jobs through the registered handlers and keeps the
// ledger status in step.
type Dispatcher struct {
	registry  *Registry
	ledger    Ledger
	publisher events.Publisher
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. A nil publisher disables outcome events.
func NewDispatcher(registry *Registry, ledger Ledger, publisher events.Publisher) *Dispatcher {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Dispatcher{
		registry:  registry,
		ledger:    ledger,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Attach registers the dispatcher as the handler of webhook jobs on q.
func (d *Dispatcher) Attach(q *jobqueue.Queue) {
	q.RegisterHandler(d.Matches, d.Dispatch)
	q.OnFailed(d.HandleFailed)
}

// Matches accepts jobs that reference a stored webhook event.
func (d *Dispatcher) Matches(job *jobqueue.Job) bool {
	return job.Provider != "" && job.RawEventID != 0
}

// Dispatch processes one job. A returned error makes the queue retry.
func (d *Dispatcher) Dispatch(ctx context.Context, job *jobqueue.Job) error {
	ev, err := d.ledger.GetByID(ctx, job.Provider, job.RawEventID)
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, repository.ErrUnknownProvider) {
		return jobqueue.Permanent(fmt.Errorf("load %s event %d: %w", job.Provider, job.RawEventID, err))
	}
	if err != nil {
		return fmt.Errorf("load %s event %d: %w", job.Provider, job.RawEventID, err)
	}

	if ev.IsProcessed() {
		log.Debugf("[Dispatch] %s event_id=%s already processed, skipping", job.Provider, ev.EventID)
		return nil
	}

	handler, ok := d.registry.Resolve(job.Provider, ev.EventType)
	if !ok {
		log.Infof("[Dispatch] %s event_id=%s type=%s has no handler, acknowledging", job.Provider, ev.EventID, ev.EventType)
		return d.settle(ctx, job, ev, UnhandledEventNote)
	}

	claimed, err := d.ledger.MarkProcessing(ctx, job.Provider, ev.ID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if !claimed {
		log.Debugf("[Dispatch] %s event_id=%s processed concurrently, skipping", job.Provider, ev.EventID)
		return nil
	}

	payload := json.RawMessage(ev.Payload)
	if len(payload) == 0 {
		payload = job.Payload
	}
	herr := handler(ctx, Event{
		Provider:   job.Provider,
		EventType:  ev.EventType,
		EventID:    ev.EventID,
		RawEventID: ev.ID,
		Payload:    payload,
		Attempt:    job.AttemptsMade + 1,
		ReceivedAt: ev.ReceivedAt,
	})

	switch {
	case herr == nil:
		return d.settle(ctx, job, ev, "")
	case errors.Is(herr, ErrMalformedPayload):
		log.Warnf("[Dispatch] %s event_id=%s type=%s dropped: %v", job.Provider, ev.EventID, ev.EventType, herr)
		return d.settle(ctx, job, ev, herr.Error())
	default:
		if err := d.ledger.RecordAttemptFailure(ctx, job.Provider, ev.ID, herr.Error()); err != nil {
			log.Errorf("[Dispatch] %s event_id=%s failed to record attempt: %v", job.Provider, ev.EventID, err)
		}
		log.Warnf("[Dispatch] %s event_id=%s type=%s attempt %d failed: %v",
			job.Provider, ev.EventID, ev.EventType, job.AttemptsMade+1, herr)
		return fmt.Errorf("%s handler: %w", ev.EventType, herr)
	}
}

// HandleFailed marks the event failed once its job failed terminally.
func (d *Dispatcher) HandleFailed(ctx context.Context, job *jobqueue.Job, cause error) {
	if !d.Matches(job) {
		return
	}
	msg := cause.Error()
	if err := d.ledger.MarkFailed(ctx, job.Provider, job.RawEventID, msg); err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Errorf("[Dispatch] %s event_id=%s failed to mark failed: %v", job.Provider, job.EventID, err)
		}
		return
	}
	log.Errorf("[Dispatch] %s event_id=%s type=%s failed after %d attempts: %s",
		job.Provider, job.EventID, job.EventType, job.AttemptsMade, msg)

	d.publish(ctx, events.Outcome{
		Provider:  job.Provider,
		EventID:   job.EventID,
		EventType: job.EventType,
		Status:    models.WebhookStatusFailed,
		Error:     msg,
		Attempts:  job.AttemptsMade,
		SettledAt: d.now(),
	})
}

func (d *Dispatcher) settle(ctx context.Context, job *jobqueue.Job, ev *models.RawWebhookEvent, note string) error {
	if err := d.ledger.MarkProcessed(ctx, job.Provider, ev.ID, note); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	d.publish(ctx, events.Outcome{
		Provider:  job.Provider,
		EventID:   ev.EventID,
		EventType: ev.EventType,
		Status:    models.WebhookStatusProcessed,
		Error:     note,
		Attempts:  job.AttemptsMade + 1,
		SettledAt: d.now(),
	})
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, o events.Outcome) {
	if err := d.publisher.Publish(ctx, o); err != nil {
		log.Warnf("[Dispatch] %s event_id=%s outcome not published: %v", o.Provider, o.EventID, err)
	}
}
