package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/HookFox/app/models"
)

// ErrUnknownProvider is returned for providers without a raw event table.
var ErrUnknownProvider = errors.New("unknown webhook provider")

// WebhookEventRepository is the idempotency ledger and raw event store.
// Every status write is a single conditional UPDATE; a processed event can
// never be moved to another status.
type WebhookEventRepository interface {
	// InsertIfAbsent stores event unless its event_id already exists and
	// returns the stored row either way.
	InsertIfAbsent(ctx context.Context, provider string, event *models.RawWebhookEvent) (bool, *models.RawWebhookEvent, error)
	GetByID(ctx context.Context, provider string, id uint) (*models.RawWebhookEvent, error)
	GetByEventID(ctx context.Context, provider, eventID string) (*models.RawWebhookEvent, error)

	// MarkProcessing claims the event for a handler run. It returns false
	// when the event is already processed.
	MarkProcessing(ctx context.Context, provider string, id uint) (bool, error)
	MarkProcessed(ctx context.Context, provider string, id uint, note string) error
	RecordAttemptFailure(ctx context.Context, provider string, id uint, errMsg string) error
	MarkFailed(ctx context.Context, provider string, id uint, errMsg string) error
	ResetForReplay(ctx context.Context, provider string, id uint) (bool, error)

	ListByStatus(ctx context.Context, provider, status string, offset, limit int) ([]models.RawWebhookEvent, error)
	// ListStaleUnsettled returns pending or processing events untouched since updatedBefore.
	ListStaleUnsettled(ctx context.Context, provider string, updatedBefore time.Time, limit int) ([]models.RawWebhookEvent, error)
	ListArchivable(ctx context.Context, provider string, receivedBefore time.Time, limit int) ([]models.RawWebhookEvent, error)
	MarkArchived(ctx context.Context, provider string, id uint, prunePayload bool) error
	CountByStatus(ctx context.Context, provider string) (map[string]int64, error)
}

// Repositories bundles every repository the application uses.
type Repositories struct {
	WebhookEvent WebhookEventRepository
}
