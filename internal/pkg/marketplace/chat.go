package marketplace

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/HookFox/app/models"
)

// MessageUpsert is a message as reported by a chat event.
type MessageUpsert struct {
	MessageID   string
	ChannelID   string
	SenderID    string
	MessageType string
	Text        string
	CreatedAt   *time.Time
	UpdatedAt   time.Time
}

// ChatStore keeps the local copy of chat messages.
type ChatStore struct {
	db *gorm.DB
}

func NewChatStore(db *gorm.DB) *ChatStore {
	return &ChatStore{db: db}
}

// UpsertMessage stores the message unless a newer version or a deletion is
// already recorded. It reports whether the row changed.
func (s *ChatStore) UpsertMessage(ctx context.Context, m MessageUpsert) (bool, error) {
	if m.MessageID == "" {
		return false, errors.New("message id is required")
	}
	updatedAt := m.UpdatedAt.UTC()

	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).Create(&models.ChatMessage{
			MessageID:         m.MessageID,
			ChannelID:         m.ChannelID,
			SenderID:          m.SenderID,
			MessageType:       m.MessageType,
			Text:              m.Text,
			ProviderCreatedAt: m.CreatedAt,
			ProviderUpdatedAt: &updatedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			changed = true
			return nil
		}

		res = tx.Model(&models.ChatMessage{}).
			Where("message_id = ? AND provider_deleted_at IS NULL", m.MessageID).
			Where("provider_updated_at IS NULL OR provider_updated_at < ?", updatedAt).
			Updates(map[string]interface{}{
				"channel_id":          m.ChannelID,
				"sender_id":           m.SenderID,
				"message_type":        m.MessageType,
				"text":                m.Text,
				"provider_updated_at": updatedAt,
				"updated_at":          time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected > 0
		return nil
	})
	return changed, err
}

// MarkDeleted soft deletes a message. An unknown message is recorded as a
// tombstone so a late message.new cannot resurrect it.
func (s *ChatStore) MarkDeleted(ctx context.Context, messageID, channelID string, deletedAt time.Time) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}
	deletedAt = deletedAt.UTC()

	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).Create(&models.ChatMessage{
			MessageID:         messageID,
			ChannelID:         channelID,
			ProviderDeletedAt: &deletedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			changed = true
			return nil
		}

		res = tx.Model(&models.ChatMessage{}).
			Where("message_id = ? AND provider_deleted_at IS NULL", messageID).
			Updates(map[string]interface{}{
				"provider_deleted_at": deletedAt,
				"updated_at":          time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected > 0
		return nil
	})
	return changed, err
}

// GetMessage loads a message.
func (s *ChatStore) GetMessage(ctx context.Context, messageID string) (*models.ChatMessage, error) {
	var m models.ChatMessage
	if err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
