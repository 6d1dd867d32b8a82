package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HookFox/app/models"
)

// Ledger is the part of the event repository the archiver uses.
type Ledger interface {
	ListArchivable(ctx context.Context, provider string, receivedBefore time.Time, limit int) ([]models.RawWebhookEvent, error)
	MarkArchived(ctx context.Context, provider string, id uint, prunePayload bool) error
}

// Document is the archived form of one settled event.
type Document struct {
	Provider        string            `json:"provider"`
	EventID         string            `json:"event_id"`
	EventType       string            `json:"event_type"`
	Status          string            `json:"status"`
	Error           string            `json:"error,omitempty"`
	AttemptCount    int               `json:"attempt_count"`
	DeliveryAttempt int               `json:"delivery_attempt"`
	Headers         map[string]string `json:"headers"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	RawPayload      string            `json:"raw_payload,omitempty"`
	ReceivedAt      time.Time         `json:"received_at"`
	ProcessedAt     *time.Time        `json:"processed_at,omitempty"`
}

func newDocument(provider string, ev *models.RawWebhookEvent) Document {
	doc := Document{
		Provider:        provider,
		EventID:         ev.EventID,
		EventType:       ev.EventType,
		Status:          ev.Status,
		Error:           ev.Error,
		AttemptCount:    ev.AttemptCount,
		DeliveryAttempt: ev.DeliveryAttempt,
		Headers:         ev.Headers(),
		ReceivedAt:      ev.ReceivedAt,
		ProcessedAt:     ev.ProcessedAt,
	}
	if json.Valid([]byte(ev.Payload)) {
		doc.Payload = json.RawMessage(ev.Payload)
	} else {
		doc.RawPayload = ev.Payload
	}
	return doc
}

// Archiver copies settled events to object storage and marks them archived.
// The ledger row itself stays, it is the dedup record.
type Archiver struct {
	ledger Ledger
	store  Store
	cfg    *Config
	now    func() time.Time
}

func NewArchiver(ledger Ledger, store Store, cfg *Config) *Archiver {
	return &Archiver{ledger: ledger, store: store, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// RunOnce archives up to one batch per provider and returns how many events
// were archived. Failed events keep their payload so they can be replayed.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	cutoff := a.now().Add(-a.cfg.After)
	archived := 0

	for _, provider := range models.Providers() {
		events, err := a.ledger.ListArchivable(ctx, provider, cutoff, a.cfg.BatchSize)
		if err != nil {
			return archived, fmt.Errorf("list archivable %s events: %w", provider, err)
		}

		for i := range events {
			ev := &events[i]
			body, err := json.Marshal(newDocument(provider, ev))
			if err != nil {
				return archived, err
			}

			key := ObjectKey(provider, ev.EventID, ev.ReceivedAt)
			meta := map[string]string{
				"provider":   provider,
				"event-type": ev.EventType,
				"status":     ev.Status,
				"attempts":   strconv.Itoa(ev.AttemptCount),
			}
			if err := a.store.Put(ctx, key, body, meta); err != nil {
				return archived, err
			}

			prune := a.cfg.PrunePayload && ev.IsProcessed()
			if err := a.ledger.MarkArchived(ctx, provider, ev.ID, prune); err != nil {
				return archived, fmt.Errorf("mark %s event_id=%s archived: %w", provider, ev.EventID, err)
			}
			archived++
		}
	}

	if archived > 0 {
		log.Infof("[Archive] Archived %d settled webhook events", archived)
	}
	return archived, nil
}
