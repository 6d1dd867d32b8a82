package models

import "time"

// ChatMessage is the local copy of a message delivered by the chat provider.
type ChatMessage struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	MessageID         string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"message_id"`
	ChannelID         string     `gorm:"type:varchar(191);not null;index" json:"channel_id"`
	SenderID          string     `gorm:"type:varchar(191);index" json:"sender_id"`
	MessageType       string     `gorm:"type:varchar(32)" json:"message_type"`
	Text              string     `gorm:"type:text" json:"text"`
	ProviderCreatedAt *time.Time `gorm:"type:timestamp;default:null" json:"provider_created_at,omitempty"`
	ProviderUpdatedAt *time.Time `gorm:"type:timestamp;default:null" json:"provider_updated_at,omitempty"`
	ProviderDeletedAt *time.Time `gorm:"type:timestamp;default:null" json:"provider_deleted_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsDeleted reports whether the provider removed the message.
func (m *ChatMessage) IsDeleted() bool {
	return m.ProviderDeletedAt != nil
}
