package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/HookFox/internal/pkg/webhook"
)

// Queue is the job queue the manager starts and drains on shutdown.
type Queue interface {
	Start()
	Close(ctx context.Context) error
	EnqueueUnique(ctx context.Context, spec jobqueue.JobSpec) (*jobqueue.Job, bool, error)
}

// Spool holds deliveries the ledger could not take at intake.
type Spool interface {
	Drain(ctx context.Context, max int, fn func(context.Context, webhook.SpooledDelivery) error) (int, error)
}

// Redeliverer stores a spooled delivery.
type Redeliverer interface {
	Redeliver(ctx context.Context, d webhook.SpooledDelivery) error
}

// Ledger is the part of the event repository the manager uses.
type Ledger interface {
	GetByEventID(ctx context.Context, provider, eventID string) (*models.RawWebhookEvent, error)
	ResetForReplay(ctx context.Context, provider string, id uint) (bool, error)
	ListStaleUnsettled(ctx context.Context, provider string, updatedBefore time.Time, limit int) ([]models.RawWebhookEvent, error)
}

// ErrNotReplayable is returned when replaying an event that is not failed.
var ErrNotReplayable = errors.New("only failed events can be replayed")

// Archiver moves settled events to cold storage.
type Archiver interface {
	RunOnce(ctx context.Context) (int, error)
}

// Config holds the background task intervals. A zero interval disables a task.
type Config struct {
	SpoolDrainInterval time.Duration
	SpoolDrainBatch    int
	ReconcileInterval  time.Duration
	ReconcileStale     time.Duration
	ReconcileBatch     int
	ArchiveInterval    time.Duration
	ShutdownTimeout    time.Duration
}

func LoadConfig() Config {
	return Config{
		SpoolDrainInterval: env.GetEnvDuration("SPOOL_DRAIN_INTERVAL", 5*time.Second),
		SpoolDrainBatch:    env.GetEnvInt("SPOOL_DRAIN_BATCH", 100),
		ReconcileInterval:  env.GetEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileStale:     env.GetEnvDuration("RECONCILE_STALE_AFTER", 5*time.Minute),
		ReconcileBatch:     env.GetEnvInt("RECONCILE_BATCH", 200),
		ArchiveInterval:    env.GetEnvDuration("ARCHIVE_INTERVAL", time.Hour),
		ShutdownTimeout:    env.GetEnvDuration("QUEUE_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// Deps are the collaborators of the manager. Spool, Receiver, Ledger and
// Archiver are optional; their task is skipped when missing.
type Deps struct {
	Queue    Queue
	Spool    Spool
	Receiver Redeliverer
	Ledger   Ledger
	Archiver Archiver
}

// Manager runs the job queue and the periodic maintenance tasks of the
// pipeline: spool drain, reconciliation of lost jobs and archiving.
type Manager struct {
	deps    Deps
	cfg     Config
	now     func() time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func New(deps Deps, cfg Config) *Manager {
	if cfg.SpoolDrainBatch <= 0 {
		cfg.SpoolDrainBatch = 100
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = 200
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Manager{
		deps: deps,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Start starts the queue and the background tasks.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Manager] Starting job queue and background tasks")

	m.deps.Queue.Start()

	if m.deps.Spool != nil && m.deps.Receiver != nil {
		m.every("spool drain", m.cfg.SpoolDrainInterval, func(ctx context.Context) error {
			_, err := m.DrainSpool(ctx)
			return err
		})
	}
	if m.deps.Ledger != nil {
		m.every("reconciler", m.cfg.ReconcileInterval, func(ctx context.Context) error {
			_, err := m.Reconcile(ctx)
			return err
		})
	}
	if m.deps.Archiver != nil {
		m.every("archiver", m.cfg.ArchiveInterval, func(ctx context.Context) error {
			_, err := m.deps.Archiver.RunOnce(ctx)
			return err
		})
	}

	log.Info("[Manager] Started successfully")
}

func (m *Manager) every(name string, interval time.Duration, task func(ctx context.Context) error) {
	if interval <= 0 {
		log.Infof("[Manager] %s disabled", name)
		return
	}
	stopCh := m.stopCh
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Infof("[Manager] Started %s (interval: %s)", name, interval)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stopCh
			cancel()
		}()

		for {
			select {
			case <-stopCh:
				log.Infof("[Manager] %s stopping", name)
				return
			case <-ticker.C:
				if err := task(ctx); err != nil && ctx.Err() == nil {
					log.Errorf("[Manager] %s failed: %v", name, err)
				}
			}
		}
	}()
}

// IsRunning reports whether the manager is started.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stop stops the background tasks and closes the queue, waiting up to the
// shutdown timeout for in-flight jobs.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	log.Info("[Manager] Stopping job queue and background tasks...")

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()
	if err := m.deps.Queue.Close(ctx); err != nil {
		return fmt.Errorf("close queue: %w", err)
	}

	log.Info("[Manager] Stopped successfully")
	return nil
}

// DrainSpool stores and enqueues spooled deliveries. Draining stops at the
// first delivery the ledger still rejects.
func (m *Manager) DrainSpool(ctx context.Context) (int, error) {
	if m.deps.Spool == nil || m.deps.Receiver == nil {
		return 0, nil
	}
	n, err := m.deps.Spool.Drain(ctx, m.cfg.SpoolDrainBatch, m.deps.Receiver.Redeliver)
	if n > 0 {
		log.Infof("[Manager] Drained %d spooled deliveries", n)
	}
	return n, err
}

// Reconcile enqueues stored events that are unsettled and untouched for
// longer than the stale window. Events with a live job are deduplicated by
// the queue.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	if m.deps.Ledger == nil {
		return 0, nil
	}
	cutoff := m.now().Add(-m.cfg.ReconcileStale)
	created := 0

	for _, provider := range models.Providers() {
		events, err := m.deps.Ledger.ListStaleUnsettled(ctx, provider, cutoff, m.cfg.ReconcileBatch)
		if err != nil {
			return created, fmt.Errorf("list stale %s events: %w", provider, err)
		}
		for i := range events {
			ev := &events[i]
			job, isNew, err := m.deps.Queue.EnqueueUnique(ctx, webhook.JobSpecFor(provider, ev))
			if err != nil {
				return created, fmt.Errorf("re-enqueue %s event_id=%s: %w", provider, ev.EventID, err)
			}
			if isNew {
				created++
				log.Warnf("[Manager] Re-enqueued lost job provider=%s event_id=%s status=%s job=%s",
					provider, ev.EventID, ev.Status, job.ID)
			}
		}
	}
	return created, nil
}

// Replay resets a failed event to pending and enqueues it again. If the
// enqueue fails the event stays pending and the reconciler picks it up.
func (m *Manager) Replay(ctx context.Context, provider, eventID string) (*jobqueue.Job, error) {
	if m.deps.Ledger == nil {
		return nil, errors.New("no ledger configured")
	}
	ev, err := m.deps.Ledger.GetByEventID(ctx, provider, eventID)
	if err != nil {
		return nil, err
	}
	reset, err := m.deps.Ledger.ResetForReplay(ctx, provider, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("reset %s event_id=%s: %w", provider, eventID, err)
	}
	if !reset {
		return nil, fmt.Errorf("%s event_id=%s is %s: %w", provider, eventID, ev.Status, ErrNotReplayable)
	}

	ev.Status = models.WebhookStatusPending
	job, _, err := m.deps.Queue.EnqueueUnique(ctx, webhook.JobSpecFor(provider, ev))
	if err != nil {
		return nil, fmt.Errorf("enqueue replay of %s event_id=%s: %w", provider, eventID, err)
	}
	log.Infof("[Manager] Replayed %s event_id=%s job=%s", provider, eventID, job.ID)
	return job, nil
}
