package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/jobqueue"
)

const (
	DefaultLatencyBudget = 200 * time.Millisecond
	MalformedPayloadNote = "malformed payload"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownProvider  = errors.New("unknown webhook provider")
)

// Ledger is the part of the idempotency ledger the receiver writes to.
type Ledger interface {
	InsertIfAbsent(ctx context.Context, provider string, event *models.RawWebhookEvent) (bool, *models.RawWebhookEvent, error)
}

// Enqueuer schedules asynchronous processing of stored events.
type Enqueuer interface {
	EnqueueUnique(ctx context.Context, spec jobqueue.JobSpec) (*jobqueue.Job, bool, error)
}

// Spooler parks verified deliveries the ledger could not take.
type Spooler interface {
	Push(ctx context.Context, d SpooledDelivery) error
}

// OutcomeCounter records intake outcomes for the admin metrics.
type OutcomeCounter interface {
	Add(ctx context.Context, provider, outcome string) error
}

// Outcome classifies how a delivery was handled.
type Outcome string

const (
	OutcomeUnauthorized     Outcome = "unauthorized"
	OutcomePing             Outcome = "ping"
	OutcomeAccepted         Outcome = "accepted"
	OutcomeRequeued         Outcome = "requeued"
	OutcomeAlreadyProcessed Outcome = "duplicate"
	OutcomeMalformed        Outcome = "malformed"
	OutcomeSpooled          Outcome = "spooled"
	OutcomeFailed           Outcome = "failed"
)

// Result describes a handled delivery.
type Result struct {
	Outcome   Outcome
	Provider  string
	EventID   string
	EventType string
	JobID     string
	Duration  time.Duration
	Err       error
}

// ReceiverConfig tunes the receiver.
type ReceiverConfig struct {
	LatencyBudget time.Duration
}

// ReceiverConfigFromEnv reads WEBHOOK_LATENCY_BUDGET.
func ReceiverConfigFromEnv() ReceiverConfig {
	return ReceiverConfig{
		LatencyBudget: env.GetEnvDuration("WEBHOOK_LATENCY_BUDGET", DefaultLatencyBudget),
	}
}

// Receiver verifies, records and enqueues webhook deliveries. It does no
// business processing.
type Receiver struct {
	providers map[string]*Provider
	ledger    Ledger
	queue     Enqueuer
	spool     Spooler
	counter   OutcomeCounter
	cfg       ReceiverConfig
	now       func() time.Time
}

// NewReceiver creates a receiver. spool may be nil.
func NewReceiver(providers []*Provider, ledger Ledger, queue Enqueuer, spool Spooler, cfg ReceiverConfig) *Receiver {
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = DefaultLatencyBudget
	}
	byName := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		byName[p.Name] = p
	}
	return &Receiver{
		providers: byName,
		ledger:    ledger,
		queue:     queue,
		spool:     spool,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetCounter makes the receiver count every outcome.
func (r *Receiver) SetCounter(c OutcomeCounter) {
	r.counter = c
}

// Provider returns the adapter registered under name.
func (r *Receiver) Provider(name string) (*Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Receive handles one delivery. Only an unknown provider is returned as an
// error; every other failure is reported through the result so the caller
// can still acknowledge the delivery. A panic after the signature check is
// reported the same way.
func (r *Receiver) Receive(ctx context.Context, provider string, d Delivery) (res *Result, err error) {
	p, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = r.now()
	}

	res = &Result{Provider: provider}
	defer r.finish(ctx, res, d.ReceivedAt)

	if !p.Verifier.Verify(d.Body, d.Header(p.SignatureHeader)) {
		res.Outcome = OutcomeUnauthorized
		res.Err = ErrInvalidSignature
		return res, nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("intake panic: %v", rec)
			err = nil
		}
	}()

	if d.IsPing() {
		res.Outcome = OutcomePing
		return res, nil
	}

	e := p.Describe(d)
	res.EventID = e.EventID
	res.EventType = e.EventType

	stored, created, err := r.store(ctx, provider, d, e)
	if err != nil {
		res.Err = err
		res.Outcome = OutcomeFailed
		if r.spool != nil {
			spooled := SpooledDelivery{
				Provider:   provider,
				EventID:    e.EventID,
				EventType:  e.EventType,
				Attempt:    e.Attempt,
				Malformed:  e.Malformed,
				Body:       d.Body,
				Headers:    d.Headers,
				ReceivedAt: d.ReceivedAt,
			}
			if serr := r.spool.Push(ctx, spooled); serr != nil {
				log.Errorf("[Webhook] Spool unavailable, delivery lost provider=%s event_id=%s: %v", provider, e.EventID, serr)
			} else {
				res.Outcome = OutcomeSpooled
			}
		}
		return res, nil
	}

	r.enqueue(ctx, provider, stored, created, res)
	return res, nil
}

// Redeliver stores and enqueues a spooled delivery. Only ledger errors are
// returned; an enqueue failure is left to the reconciler.
func (r *Receiver) Redeliver(ctx context.Context, s SpooledDelivery) error {
	if _, ok := r.providers[s.Provider]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, s.Provider)
	}
	stored, created, err := r.store(ctx, s.Provider, s.delivery(), s.envelope())
	if err != nil {
		return err
	}
	res := &Result{Provider: s.Provider, EventID: s.EventID, EventType: s.EventType}
	r.enqueue(ctx, s.Provider, stored, created, res)
	log.Infof("[Webhook] Redelivered spooled event provider=%s event_id=%s outcome=%s", s.Provider, s.EventID, res.Outcome)
	return nil
}

func (r *Receiver) store(ctx context.Context, provider string, d Delivery, e Envelope) (*models.RawWebhookEvent, bool, error) {
	raw := &models.RawWebhookEvent{
		EventID:          e.EventID,
		EventType:        e.EventType,
		Payload:          string(d.Body),
		TransportHeaders: datatypes.NewJSONType(d.Headers),
		Status:           models.WebhookStatusPending,
		DeliveryAttempt:  e.Attempt,
		ReceivedAt:       d.ReceivedAt,
	}
	if e.Malformed {
		now := r.now()
		raw.Status = models.WebhookStatusProcessed
		raw.Error = MalformedPayloadNote
		raw.ProcessedAt = &now
	}

	created, stored, err := r.ledger.InsertIfAbsent(ctx, provider, raw)
	if err != nil {
		return nil, false, fmt.Errorf("ledger insert: %w", err)
	}
	return stored, created, nil
}

func (r *Receiver) enqueue(ctx context.Context, provider string, stored *models.RawWebhookEvent, created bool, res *Result) {
	if stored.IsProcessed() {
		if created {
			res.Outcome = OutcomeMalformed
		} else {
			res.Outcome = OutcomeAlreadyProcessed
		}
		return
	}

	job, _, err := r.queue.EnqueueUnique(ctx, JobSpecFor(provider, stored))
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("enqueue: %w", err)
		return
	}
	res.JobID = job.ID
	if created {
		res.Outcome = OutcomeAccepted
	} else {
		res.Outcome = OutcomeRequeued
	}
}

func (r *Receiver) finish(ctx context.Context, res *Result, receivedAt time.Time) {
	res.Duration = r.now().Sub(receivedAt)

	if r.counter != nil {
		if err := r.counter.Add(ctx, res.Provider, string(res.Outcome)); err != nil {
			log.Warnf("[Webhook] Failed to count %s outcome %s: %v", res.Provider, res.Outcome, err)
		}
	}

	switch {
	case res.Outcome == OutcomeUnauthorized:
		log.Warnf("[Webhook] Rejected %s delivery: invalid signature", res.Provider)
	case res.Err != nil:
		log.Errorf("[Webhook] %s event_id=%s type=%s outcome=%s: %v",
			res.Provider, res.EventID, res.EventType, res.Outcome, res.Err)
	default:
		log.Infof("[Webhook] %s event_id=%s type=%s outcome=%s job=%s took=%s",
			res.Provider, res.EventID, res.EventType, res.Outcome, res.JobID, res.Duration)
	}

	if res.Duration > r.cfg.LatencyBudget {
		log.Warnf("[Webhook] %s event_id=%s acknowledged in %s, over the %s budget",
			res.Provider, res.EventID, res.Duration, r.cfg.LatencyBudget)
	}
}
