package models

import "time"

// WebhookEvent is the provider-neutral tracking row kept next to every raw
// event. It mirrors the raw record's lifecycle so operators can query all
// providers from one table.
type WebhookEvent struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Provider     string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1;index:idx_webhook_events_provider_status,priority:1" json:"provider"`
	EventID      string     `gorm:"type:varchar(191);not null;index:ux_webhook_events_provider_event,unique,priority:2" json:"event_id"`
	EventType    string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Status       string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_webhook_events_provider_status,priority:2" json:"status"`
	RawEventID   uint       `gorm:"not null" json:"raw_event_id"`
	AttemptCount int        `gorm:"not null;default:0" json:"attempt_count"`
	LastError    string     `gorm:"type:text" json:"last_error,omitempty"`
	ReceivedAt   time.Time  `gorm:"type:timestamp;not null" json:"received_at"`
	ProcessedAt  *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
