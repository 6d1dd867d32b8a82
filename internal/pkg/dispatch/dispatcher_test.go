package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/internal/pkg/events"
	"github.com/ManuelReschke/HookFox/internal/pkg/jobqueue"
)

type fakeLedger struct {
	mu       sync.Mutex
	rows     map[uint]*models.RawWebhookEvent
	getErr   error
	failures []string
}

func newFakeLedger(rows ...*models.RawWebhookEvent) *fakeLedger {
	l := &fakeLedger{rows: map[uint]*models.RawWebhookEvent{}}
	for _, r := range rows {
		l.rows[r.ID] = r
	}
	return l
}

func (l *fakeLedger) row(id uint) (*models.RawWebhookEvent, error) {
	r, ok := l.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return r, nil
}

func (l *fakeLedger) GetByID(ctx context.Context, provider string, id uint) (*models.RawWebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.getErr != nil {
		return nil, l.getErr
	}
	r, err := l.row(id)
	if err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (l *fakeLedger) MarkProcessing(ctx context.Context, provider string, id uint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.row(id)
	if err != nil {
		return false, err
	}
	if r.IsProcessed() {
		return false, nil
	}
	r.Status = models.WebhookStatusProcessing
	return true, nil
}

func (l *fakeLedger) MarkProcessed(ctx context.Context, provider string, id uint, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.row(id)
	if err != nil {
		return err
	}
	if !r.IsProcessed() {
		r.Status = models.WebhookStatusProcessed
		r.Error = note
	}
	return nil
}

func (l *fakeLedger) RecordAttemptFailure(ctx context.Context, provider string, id uint, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.row(id)
	if err != nil {
		return err
	}
	r.Status = models.WebhookStatusPending
	r.AttemptCount++
	r.Error = errMsg
	l.failures = append(l.failures, errMsg)
	return nil
}

func (l *fakeLedger) MarkFailed(ctx context.Context, provider string, id uint, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.row(id)
	if err != nil {
		return err
	}
	if !r.IsProcessed() {
		r.Status = models.WebhookStatusFailed
		r.Error = errMsg
	}
	return nil
}

type recordingPublisher struct {
	outcomes []events.Outcome
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, o events.Outcome) error {
	p.outcomes = append(p.outcomes, o)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func pendingEvent(id uint, eventType string) *models.RawWebhookEvent {
	return &models.RawWebhookEvent{
		ID:        id,
		EventID:   fmt.Sprintf("evt_%d", id),
		EventType: eventType,
		Payload:   fmt.Sprintf(`{"id":"evt_%d","type":"%s"}`, id, eventType),
		Status:    models.WebhookStatusPending,
	}
}

func jobFor(ev *models.RawWebhookEvent) *jobqueue.Job {
	return &jobqueue.Job{
		ID:          "job-1",
		Provider:    models.ProviderPayment,
		EventType:   ev.EventType,
		RawEventID:  ev.ID,
		EventID:     ev.EventID,
		Payload:     json.RawMessage(ev.Payload),
		MaxAttempts: 10,
	}
}

func TestDispatch_SuccessMarksProcessed(t *testing.T) {
	ev := pendingEvent(1, "transfer.updated")
	ledger := newFakeLedger(ev)
	pub := &recordingPublisher{}
	reg := NewRegistry()

	var got Event
	reg.Register(models.ProviderPayment, "transfer.updated", func(ctx context.Context, e Event) error {
		got = e
		assert.Equal(t, models.WebhookStatusProcessing, ledger.rows[1].Status)
		return nil
	})

	d := NewDispatcher(reg, ledger, pub)
	require.NoError(t, d.Dispatch(context.Background(), jobFor(ev)))

	assert.Equal(t, "evt_1", got.EventID)
	assert.Equal(t, 1, got.Attempt)
	assert.JSONEq(t, ev.Payload, string(got.Payload))
	assert.Equal(t, models.WebhookStatusProcessed, ledger.rows[1].Status)
	require.Len(t, pub.outcomes, 1)
	assert.Equal(t, models.WebhookStatusProcessed, pub.outcomes[0].Status)
}

func TestDispatch_AlreadyProcessedSkipsHandler(t *testing.T) {
	ev := pendingEvent(2, "transfer.updated")
	ev.Status = models.WebhookStatusProcessed
	reg := NewRegistry()
	calls := 0
	reg.Register(models.ProviderPayment, "transfer.updated", func(ctx context.Context, e Event) error {
		calls++
		return nil
	})

	d := NewDispatcher(reg, newFakeLedger(ev), nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch(context.Background(), jobFor(ev)))
	}
	assert.Equal(t, 0, calls)
}

func TestDispatch_UnknownEventTypeIsAcknowledged(t *testing.T) {
	ev := pendingEvent(3, "refund.created")
	ledger := newFakeLedger(ev)

	d := NewDispatcher(NewRegistry(), ledger, nil)
	require.NoError(t, d.Dispatch(context.Background(), jobFor(ev)))

	assert.Equal(t, models.WebhookStatusProcessed, ledger.rows[3].Status)
	assert.Equal(t, UnhandledEventNote, ledger.rows[3].Error)
}

func TestDispatch_MalformedPayloadIsNotRetried(t *testing.T) {
	ev := pendingEvent(4, "transfer.updated")
	ledger := newFakeLedger(ev)
	reg := NewRegistry()
	reg.Register(models.ProviderPayment, "transfer.updated", func(ctx context.Context, e Event) error {
		return fmt.Errorf("%w: transfer.id is required", ErrMalformedPayload)
	})

	d := NewDispatcher(reg, ledger, nil)
	require.NoError(t, d.Dispatch(context.Background(), jobFor(ev)))

	assert.Equal(t, models.WebhookStatusProcessed, ledger.rows[4].Status)
	assert.Contains(t, ledger.rows[4].Error, "transfer.id is required")
	assert.Empty(t, ledger.failures)
}

func TestDispatch_HandlerErrorIsRecordedAndReturned(t *testing.T) {
	ev := pendingEvent(5, "transfer.updated")
	ledger := newFakeLedger(ev)
	reg := NewRegistry()
	boom := errors.New("orders table locked")
	reg.Register(models.ProviderPayment, "transfer.updated", func(ctx context.Context, e Event) error {
		return boom
	})

	d := NewDispatcher(reg, ledger, nil)
	err := d.Dispatch(context.Background(), jobFor(ev))
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.False(t, jobqueue.IsPermanent(err))

	assert.Equal(t, models.WebhookStatusPending, ledger.rows[5].Status)
	assert.Equal(t, 1, ledger.rows[5].AttemptCount)
	assert.Equal(t, []string{"orders table locked"}, ledger.failures)
}

func TestDispatch_MissingEventIsPermanent(t *testing.T) {
	d := NewDispatcher(NewRegistry(), newFakeLedger(), nil)

	err := d.Dispatch(context.Background(), &jobqueue.Job{Provider: models.ProviderPayment, RawEventID: 99})
	require.Error(t, err)
	assert.True(t, jobqueue.IsPermanent(err))

	ledger := newFakeLedger()
	ledger.getErr = errors.New("too many connections")
	err = NewDispatcher(NewRegistry(), ledger, nil).Dispatch(context.Background(), &jobqueue.Job{Provider: models.ProviderPayment, RawEventID: 1})
	require.Error(t, err)
	assert.False(t, jobqueue.IsPermanent(err))
}

func TestHandleFailed_MarksEventFailed(t *testing.T) {
	ev := pendingEvent(6, "transfer.updated")
	ledger := newFakeLedger(ev)
	pub := &recordingPublisher{err: errors.New("kafka down")}

	d := NewDispatcher(NewRegistry(), ledger, pub)
	job := jobFor(ev)
	job.AttemptsMade = 10
	d.HandleFailed(context.Background(), job, errors.New("orders table locked"))

	assert.Equal(t, models.WebhookStatusFailed, ledger.rows[6].Status)
	assert.Equal(t, "orders table locked", ledger.rows[6].Error)
	require.Len(t, pub.outcomes, 1, "publish errors are only logged")
	assert.Equal(t, 10, pub.outcomes[0].Attempts)

	// Processed events are never moved back.
	done := pendingEvent(7, "transfer.updated")
	done.Status = models.WebhookStatusProcessed
	ledger.rows[7] = done
	d.HandleFailed(context.Background(), jobFor(done), errors.New("late"))
	assert.Equal(t, models.WebhookStatusProcessed, ledger.rows[7].Status)
}

func TestMatches(t *testing.T) {
	d := NewDispatcher(NewRegistry(), newFakeLedger(), nil)

	assert.True(t, d.Matches(&jobqueue.Job{Provider: "chat", RawEventID: 1}))
	assert.False(t, d.Matches(&jobqueue.Job{Provider: "chat"}))
	assert.False(t, d.Matches(&jobqueue.Job{RawEventID: 1}))
}
