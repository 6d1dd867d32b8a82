package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ProviderPayment = "payment"
	ProviderChat    = "chat"
)

const (
	WebhookStatusPending    = "pending"
	WebhookStatusProcessing = "processing"
	WebhookStatusProcessed  = "processed"
	WebhookStatusFailed     = "failed"
)

// Providers lists every webhook provider with its own raw event table.
func Providers() []string {
	return []string{ProviderPayment, ProviderChat}
}

// IsKnownProvider reports whether p has a raw event table.
func IsKnownProvider(p string) bool {
	for _, known := range Providers() {
		if p == known {
			return true
		}
	}
	return false
}

// RawEventTable returns the raw event table of a provider.
func RawEventTable(provider string) string {
	return provider + "_webhook_events"
}

// RawWebhookEvent is the durable record of one received provider delivery.
// The same shape is stored in one table per provider (see RawEventTable);
// event_id is unique inside each table and is the idempotency key.
type RawWebhookEvent struct {
	ID               uint                                 `gorm:"primaryKey" json:"id"`
	EventID          string                               `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_id"`
	EventType        string                               `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Payload          string                               `gorm:"type:longtext;not null" json:"payload"`
	TransportHeaders datatypes.JSONType[map[string]string] `json:"transport_headers"`
	Status           string                               `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	AttemptCount     int                                  `gorm:"not null;default:0" json:"attempt_count"`
	DeliveryAttempt  int                                  `gorm:"not null;default:0" json:"delivery_attempt"`
	Error            string                               `gorm:"type:text" json:"error,omitempty"`
	ReceivedAt       time.Time                            `gorm:"type:timestamp;not null;index" json:"received_at"`
	ProcessedAt      *time.Time                           `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ArchivedAt       *time.Time                           `gorm:"type:timestamp;default:null;index" json:"archived_at,omitempty"`
	CreatedAt        time.Time                            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time                            `gorm:"autoUpdateTime" json:"updated_at"`
}

// Headers returns the stored transport headers.
func (e *RawWebhookEvent) Headers() map[string]string {
	h := e.TransportHeaders.Data()
	if h == nil {
		return map[string]string{}
	}
	return h
}

// IsProcessed reports whether the event reached its write-once completion state.
func (e *RawWebhookEvent) IsProcessed() bool {
	return e.Status == WebhookStatusProcessed
}

// PaymentWebhookEvent and ChatWebhookEvent only exist so AutoMigrate creates
// one table (with table-scoped index names) per provider. Reads and writes go
// through RawWebhookEvent with an explicit table.
type PaymentWebhookEvent struct {
	RawWebhookEvent
}

func (PaymentWebhookEvent) TableName() string { return RawEventTable(ProviderPayment) }

type ChatWebhookEvent struct {
	RawWebhookEvent
}

func (ChatWebhookEvent) TableName() string { return RawEventTable(ProviderChat) }

// RawEventTableModels returns the migration models for every provider table.
func RawEventTableModels() []interface{} {
	return []interface{}{&PaymentWebhookEvent{}, &ChatWebhookEvent{}}
}
