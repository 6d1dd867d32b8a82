package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/internal/pkg/dispatch"
	"github.com/ManuelReschke/HookFox/internal/pkg/marketplace"
)

const (
	EventTransferCreated           = "transfer.created"
	EventTransferUpdated           = "transfer.updated"
	EventMerchantCreated           = "merchant.created"
	EventMerchantUpdated           = "merchant.updated"
	EventMerchantOnboardingUpdated = "merchant.onboarding.updated"
)

type transferPayload struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Transfer struct {
		ID       string            `json:"id" validate:"required"`
		State    string            `json:"state" validate:"required"`
		Amount   int64             `json:"amount"`
		Currency string            `json:"currency"`
		Tags     map[string]string `json:"tags"`
	} `json:"transfer"`
}

// orderNumber reads the order reference the checkout puts on a transfer.
func (p *transferPayload) orderNumber() string {
	for _, key := range []string{"order_id", "order_number"} {
		if v := p.Transfer.Tags[key]; v != "" {
			return v
		}
	}
	return ""
}

type merchantPayload struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Merchant struct {
		ID                string     `json:"id" validate:"required"`
		Identity          string     `json:"identity"`
		OnboardingState   string     `json:"onboarding_state" validate:"required"`
		ProcessingEnabled bool       `json:"processing_enabled"`
		UpdatedAt         *time.Time `json:"updated_at"`
		CreatedAt         *time.Time `json:"created_at"`
	} `json:"merchant"`
}

// PaymentHandlers applies payment provider events.
type PaymentHandlers struct {
	orders    OrderService
	merchants MerchantService
	notifier  ChatNotifier
}

func NewPaymentHandlers(orders OrderService, merchants MerchantService, notifier ChatNotifier) *PaymentHandlers {
	return &PaymentHandlers{orders: orders, merchants: merchants, notifier: notifier}
}

func (h *PaymentHandlers) Register(reg *dispatch.Registry) {
	reg.Register(models.ProviderPayment, EventTransferCreated, h.HandleTransfer)
	reg.Register(models.ProviderPayment, EventTransferUpdated, h.HandleTransfer)
	reg.Register(models.ProviderPayment, EventMerchantCreated, h.HandleMerchant)
	reg.Register(models.ProviderPayment, EventMerchantUpdated, h.HandleMerchant)
	reg.Register(models.ProviderPayment, EventMerchantOnboardingUpdated, h.HandleMerchant)
}

// HandleTransfer moves the order of a transfer forward.
func (h *PaymentHandlers) HandleTransfer(ctx context.Context, ev dispatch.Event) error {
	var p transferPayload
	if err := decode(ev.Payload, &p); err != nil {
		return err
	}

	res, err := h.orders.ApplyTransferState(ctx, marketplace.TransferUpdate{
		TransferID:  p.Transfer.ID,
		State:       p.Transfer.State,
		OrderNumber: p.orderNumber(),
		AmountCents: p.Transfer.Amount,
		Currency:    p.Transfer.Currency,
	})
	if err != nil {
		return fmt.Errorf("apply transfer %s: %w", p.Transfer.ID, err)
	}

	if !res.Changed {
		log.Debugf("[Dispatch] payment event_id=%s transfer=%s state=%s: order %s unchanged",
			ev.EventID, p.Transfer.ID, p.Transfer.State, res.Order.OrderNumber)
		return nil
	}
	log.Infof("[Dispatch] payment event_id=%s transfer=%s: order %s is now %s",
		ev.EventID, p.Transfer.ID, res.Order.OrderNumber, res.Order.Status)

	if res.BecamePaid {
		h.notifyPaid(ctx, ev, res.Order)
	}
	return nil
}

// notifyPaid is best effort; the order update stands whatever happens here.
func (h *PaymentHandlers) notifyPaid(ctx context.Context, ev dispatch.Event, order *models.Order) {
	if h.notifier == nil || order.ChatChannelID == "" {
		return
	}
	text := fmt.Sprintf("Payment for order %s received.", order.OrderNumber)
	if err := h.notifier.SendSystemMessage(ctx, order.ChatChannelID, text); err != nil {
		log.Warnf("[Dispatch] payment event_id=%s: system message for order %s failed: %v",
			ev.EventID, order.OrderNumber, err)
	}
}

// HandleMerchant records the onboarding decision of a merchant.
func (h *PaymentHandlers) HandleMerchant(ctx context.Context, ev dispatch.Event) error {
	var p merchantPayload
	if err := decode(ev.Payload, &p); err != nil {
		return err
	}

	changed, err := h.merchants.UpdateOnboardingStatus(ctx, marketplace.MerchantUpdate{
		MerchantID:        p.Merchant.ID,
		IdentityID:        p.Merchant.Identity,
		State:             p.Merchant.OnboardingState,
		ProcessingEnabled: p.Merchant.ProcessingEnabled,
		ChangedAt:         firstTime(ev.ReceivedAt, p.Merchant.UpdatedAt, p.Merchant.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("update merchant %s: %w", p.Merchant.ID, err)
	}
	log.Infof("[Dispatch] payment event_id=%s merchant=%s state=%s changed=%t",
		ev.EventID, p.Merchant.ID, p.Merchant.OnboardingState, changed)
	return nil
}
