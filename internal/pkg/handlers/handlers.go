package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/HookFox/internal/pkg/dispatch"
	"github.com/ManuelReschke/HookFox/internal/pkg/marketplace"
)

// ErrMalformedPayload is returned for payloads that fail to decode or
// validate. The dispatcher settles such events without retrying.
var ErrMalformedPayload = dispatch.ErrMalformedPayload

// OrderService applies transfer states to orders.
type OrderService interface {
	ApplyTransferState(ctx context.Context, u marketplace.TransferUpdate) (*marketplace.TransferResult, error)
}

// MerchantService records merchant onboarding decisions.
type MerchantService interface {
	UpdateOnboardingStatus(ctx context.Context, u marketplace.MerchantUpdate) (bool, error)
}

// ChatStore keeps the local copy of chat messages.
type ChatStore interface {
	UpsertMessage(ctx context.Context, m marketplace.MessageUpsert) (bool, error)
	MarkDeleted(ctx context.Context, messageID, channelID string, deletedAt time.Time) (bool, error)
}

// ChatNotifier posts system messages into order channels.
type ChatNotifier interface {
	SendSystemMessage(ctx context.Context, channelID, text string) error
}

// Services bundles the domain collaborators of the handlers. Notifier is
// optional.
type Services struct {
	Orders    OrderService
	Merchants MerchantService
	Chat      ChatStore
	Notifier  ChatNotifier
}

// Register adds every payment and chat handler to reg.
func Register(reg *dispatch.Registry, svc Services) {
	p := &PaymentHandlers{orders: svc.Orders, merchants: svc.Merchants, notifier: svc.Notifier}
	p.Register(reg)

	c := &ChatHandlers{store: svc.Chat}
	c.Register(reg)
}

var validate = validator.New()

// decode unmarshals and validates a payload.
func decode(payload []byte, dst interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// firstTime returns the first non-nil timestamp, or fallback.
func firstTime(fallback time.Time, ts ...*time.Time) time.Time {
	for _, t := range ts {
		if t != nil && !t.IsZero() {
			return t.UTC()
		}
	}
	return fallback.UTC()
}
