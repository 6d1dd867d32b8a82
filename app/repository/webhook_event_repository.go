package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/HookFox/app/models"
)

type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a ledger backed by GORM.
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

func (r *webhookEventRepository) table(ctx context.Context, tx *gorm.DB, provider string) (*gorm.DB, error) {
	if !models.IsKnownProvider(provider) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Table(models.RawEventTable(provider)), nil
}

func (r *webhookEventRepository) InsertIfAbsent(ctx context.Context, provider string, event *models.RawWebhookEvent) (bool, *models.RawWebhookEvent, error) {
	if event == nil || event.EventID == "" {
		return false, nil, fmt.Errorf("event_id is required")
	}
	if event.Status == "" {
		event.Status = models.WebhookStatusPending
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	var (
		created bool
		stored  models.RawWebhookEvent
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q, err := r.table(ctx, tx, provider)
		if err != nil {
			return err
		}
		res := q.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).Create(event)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected > 0

		q, _ = r.table(ctx, tx, provider)
		if err := q.Where("event_id = ?", event.EventID).First(&stored).Error; err != nil {
			return err
		}
		if created {
			return syncTracking(ctx, tx, provider, &stored)
		}
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *webhookEventRepository) GetByID(ctx context.Context, provider string, id uint) (*models.RawWebhookEvent, error) {
	q, err := r.table(ctx, nil, provider)
	if err != nil {
		return nil, err
	}
	var ev models.RawWebhookEvent
	if err := q.Where("id = ?", id).First(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *webhookEventRepository) GetByEventID(ctx context.Context, provider, eventID string) (*models.RawWebhookEvent, error) {
	q, err := r.table(ctx, nil, provider)
	if err != nil {
		return nil, err
	}
	var ev models.RawWebhookEvent
	if err := q.Where("event_id = ?", eventID).First(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *webhookEventRepository) MarkProcessing(ctx context.Context, provider string, id uint) (bool, error) {
	claimed := false
	err := r.transition(ctx, provider, id, func(q *gorm.DB) *gorm.DB {
		return q.Where("status <> ?", models.WebhookStatusProcessed).
			Updates(map[string]interface{}{
				"status":     models.WebhookStatusProcessing,
				"updated_at": time.Now().UTC(),
			})
	}, func(ev *models.RawWebhookEvent) {
		claimed = ev.Status == models.WebhookStatusProcessing
	})
	return claimed, err
}

func (r *webhookEventRepository) MarkProcessed(ctx context.Context, provider string, id uint, note string) error {
	now := time.Now().UTC()
	return r.transition(ctx, provider, id, func(q *gorm.DB) *gorm.DB {
		return q.Where("status <> ?", models.WebhookStatusProcessed).
			Updates(map[string]interface{}{
				"status":       models.WebhookStatusProcessed,
				"processed_at": now,
				"error":        note,
				"updated_at":   now,
			})
	}, nil)
}

func (r *webhookEventRepository) RecordAttemptFailure(ctx context.Context, provider string, id uint, errMsg string) error {
	return r.transition(ctx, provider, id, func(q *gorm.DB) *gorm.DB {
		return q.Where("status <> ?", models.WebhookStatusProcessed).
			Updates(map[string]interface{}{
				"status":        models.WebhookStatusPending,
				"attempt_count": gorm.Expr("attempt_count + 1"),
				"error":         errMsg,
				"updated_at":    time.Now().UTC(),
			})
	}, nil)
}

func (r *webhookEventRepository) MarkFailed(ctx context.Context, provider string, id uint, errMsg string) error {
	return r.transition(ctx, provider, id, func(q *gorm.DB) *gorm.DB {
		return q.Where("status <> ?", models.WebhookStatusProcessed).
			Updates(map[string]interface{}{
				"status":     models.WebhookStatusFailed,
				"error":      errMsg,
				"updated_at": time.Now().UTC(),
			})
	}, nil)
}

func (r *webhookEventRepository) ResetForReplay(ctx context.Context, provider string, id uint) (bool, error) {
	reset := false
	err := r.transition(ctx, provider, id, func(q *gorm.DB) *gorm.DB {
		res := q.Where("status = ?", models.WebhookStatusFailed).
			Updates(map[string]interface{}{
				"status":     models.WebhookStatusPending,
				"updated_at": time.Now().UTC(),
			})
		reset = res.Error == nil && res.RowsAffected > 0
		return res
	}, nil)
	return reset, err
}

// transition runs a conditional update on one raw event, re-reads the row and
// mirrors it into the tracking table, all in one transaction.
func (r *webhookEventRepository) transition(ctx context.Context, provider string, id uint, update func(q *gorm.DB) *gorm.DB, after func(ev *models.RawWebhookEvent)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q, err := r.table(ctx, tx, provider)
		if err != nil {
			return err
		}
		if err := update(q.Where("id = ?", id)).Error; err != nil {
			return err
		}

		var ev models.RawWebhookEvent
		q, _ = r.table(ctx, tx, provider)
		if err := q.Where("id = ?", id).First(&ev).Error; err != nil {
			return err
		}
		if after != nil {
			after(&ev)
		}
		return syncTracking(ctx, tx, provider, &ev)
	})
}

func (r *webhookEventRepository) ListByStatus(ctx context.Context, provider, status string, offset, limit int) ([]models.RawWebhookEvent, error) {
	q, err := r.table(ctx, nil, provider)
	if err != nil {
		return nil, err
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit <= 0 {
		limit = 50
	}
	var events []models.RawWebhookEvent
	err = q.Order("id DESC").Offset(offset).Limit(limit).Find(&events).Error
	return events, err
}

func (r *webhookEventRepository) ListStaleUnsettled(ctx context.Context, provider string, updatedBefore time.Time, limit int) ([]models.RawWebhookEvent, error) {
	q, err := r.table(ctx, nil, provider)
	if err != nil {
		return nil, err
	}
	var events []models.RawWebhookEvent
	err = q.Where("status IN ? AND updated_at < ?",
		[]string{models.WebhookStatusPending, models.WebhookStatusProcessing}, updatedBefore).
		Order("id ASC").Limit(limit).Find(&events).Error
	return events, err
}

func (r *webhookEventRepository) ListArchivable(ctx context.Context, provider string, receivedBefore time.Time, limit int) ([]models.RawWebhookEvent, error) {
	q, err := r.table(ctx, nil, provider)
	if err != nil {
		return nil, err
	}
	var events []models.RawWebhookEvent
	err = q.Where("status IN ? AND archived_at IS NULL AND received_at < ?",
		[]string{models.WebhookStatusProcessed, models.WebhookStatusFailed}, receivedBefore).
		Order("id ASC").Limit(limit).Find(&events).Error
	return events, err
}

func (r *webhookEventRepository) MarkArchived(ctx context.Context, provider string, id uint, prunePayload bool) error {
	q, err := r.table(ctx, nil, provider)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"archived_at": now,
		"updated_at":  now,
	}
	if prunePayload {
		updates["payload"] = ""
	}
	return q.Where("id = ? AND archived_at IS NULL", id).Updates(updates).Error
}

func (r *webhookEventRepository) CountByStatus(ctx context.Context, provider string) (map[string]int64, error) {
	q, err := r.table(ctx, nil, provider)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Status string
		Total  int64
	}
	if err := q.Select("status, COUNT(*) AS total").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := map[string]int64{
		models.WebhookStatusPending:    0,
		models.WebhookStatusProcessing: 0,
		models.WebhookStatusProcessed:  0,
		models.WebhookStatusFailed:     0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// syncTracking upserts the provider-neutral tracking row for ev.
func syncTracking(ctx context.Context, tx *gorm.DB, provider string, ev *models.RawWebhookEvent) error {
	tracking := &models.WebhookEvent{
		Provider:     provider,
		EventID:      ev.EventID,
		EventType:    ev.EventType,
		Status:       ev.Status,
		RawEventID:   ev.ID,
		AttemptCount: ev.AttemptCount,
		LastError:    ev.Error,
		ReceivedAt:   ev.ReceivedAt,
		ProcessedAt:  ev.ProcessedAt,
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "event_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"event_type",
			"status",
			"raw_event_id",
			"attempt_count",
			"last_error",
			"processed_at",
			"updated_at",
		}),
	}).Create(tracking).Error
}
