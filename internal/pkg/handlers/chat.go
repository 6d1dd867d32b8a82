package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/internal/pkg/dispatch"
	"github.com/ManuelReschke/HookFox/internal/pkg/marketplace"
)

const (
	EventMessageNew     = "message.new"
	EventMessageUpdated = "message.updated"
	EventMessageDeleted = "message.deleted"
)

type chatPayload struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	CID       string `json:"cid"`
	Message   struct {
		ID        string     `json:"id" validate:"required"`
		CID       string     `json:"cid"`
		Type      string     `json:"type"`
		Text      string     `json:"text"`
		CreatedAt *time.Time `json:"created_at"`
		UpdatedAt *time.Time `json:"updated_at"`
		DeletedAt *time.Time `json:"deleted_at"`
		User      struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"message"`
	CreatedAt *time.Time `json:"created_at"`
}

// channel returns the channel id, stripping the "type:" prefix of a cid.
func (p *chatPayload) channel() string {
	if p.ChannelID != "" {
		return p.ChannelID
	}
	for _, cid := range []string{p.CID, p.Message.CID} {
		if cid == "" {
			continue
		}
		if i := strings.IndexByte(cid, ':'); i >= 0 {
			return cid[i+1:]
		}
		return cid
	}
	return ""
}

// ChatHandlers mirrors chat provider messages locally.
type ChatHandlers struct {
	store ChatStore
}

func NewChatHandlers(store ChatStore) *ChatHandlers {
	return &ChatHandlers{store: store}
}

func (h *ChatHandlers) Register(reg *dispatch.Registry) {
	reg.Register(models.ProviderChat, EventMessageNew, h.HandleMessage)
	reg.Register(models.ProviderChat, EventMessageUpdated, h.HandleMessage)
	reg.Register(models.ProviderChat, EventMessageDeleted, h.HandleMessageDeleted)
}

// HandleMessage stores a new or edited message.
func (h *ChatHandlers) HandleMessage(ctx context.Context, ev dispatch.Event) error {
	var p chatPayload
	if err := decode(ev.Payload, &p); err != nil {
		return err
	}
	channel := p.channel()
	if channel == "" {
		return fmt.Errorf("%w: message %s has no channel", ErrMalformedPayload, p.Message.ID)
	}

	changed, err := h.store.UpsertMessage(ctx, marketplace.MessageUpsert{
		MessageID:   p.Message.ID,
		ChannelID:   channel,
		SenderID:    p.Message.User.ID,
		MessageType: p.Message.Type,
		Text:        p.Message.Text,
		CreatedAt:   p.Message.CreatedAt,
		UpdatedAt:   firstTime(ev.ReceivedAt, p.Message.UpdatedAt, p.Message.CreatedAt, p.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", p.Message.ID, err)
	}
	log.Debugf("[Dispatch] chat event_id=%s message=%s changed=%t", ev.EventID, p.Message.ID, changed)
	return nil
}

// HandleMessageDeleted soft deletes a message.
func (h *ChatHandlers) HandleMessageDeleted(ctx context.Context, ev dispatch.Event) error {
	var p chatPayload
	if err := decode(ev.Payload, &p); err != nil {
		return err
	}

	changed, err := h.store.MarkDeleted(ctx, p.Message.ID, p.channel(),
		firstTime(ev.ReceivedAt, p.Message.DeletedAt, p.CreatedAt))
	if err != nil {
		return fmt.Errorf("delete message %s: %w", p.Message.ID, err)
	}
	log.Debugf("[Dispatch] chat event_id=%s message=%s deleted changed=%t", ev.EventID, p.Message.ID, changed)
	return nil
}
