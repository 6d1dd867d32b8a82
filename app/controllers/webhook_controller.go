package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/HookFox/internal/pkg/webhook"
)

// Receiver is the intake pipeline behind the webhook endpoints.
type Receiver interface {
	Receive(ctx context.Context, provider string, d webhook.Delivery) (*webhook.Result, error)
}

// WebhookController accepts provider webhook deliveries.
type WebhookController struct {
	receiver Receiver
	timeout  time.Duration
}

// NewWebhookController creates the intake controller. timeout bounds the
// synchronous ledger and queue work of one delivery.
func NewWebhookController(receiver Receiver, timeout time.Duration) *WebhookController {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookController{receiver: receiver, timeout: timeout}
}

// HandleWebhook handles POST /webhooks/:provider.
//
// Every verified delivery is answered with 200, including internal failures,
// so the provider does not start a retry storm. Only a bad signature gets 401.
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	provider := c.Params("provider")
	delivery := webhook.Delivery{
		Body:       append([]byte(nil), c.BodyRaw()...),
		Headers:    requestHeaders(c),
		ReceivedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), wc.timeout)
	defer cancel()

	res, err := wc.receiver.Receive(ctx, provider, delivery)
	if err != nil {
		if errors.Is(err, webhook.ErrUnknownProvider) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_provider"})
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "error": "processing failed"})
	}
	return c.Status(statusFor(res)).JSON(responseFor(res))
}

func statusFor(res *webhook.Result) int {
	if res.Outcome == webhook.OutcomeUnauthorized {
		return fiber.StatusUnauthorized
	}
	return fiber.StatusOK
}

func responseFor(res *webhook.Result) fiber.Map {
	switch res.Outcome {
	case webhook.OutcomeUnauthorized:
		return fiber.Map{"error": "invalid_signature"}
	case webhook.OutcomePing:
		return fiber.Map{"ok": true, "ping": true}
	case webhook.OutcomeAccepted, webhook.OutcomeRequeued:
		return fiber.Map{"success": true, "event_id": res.EventID, "job_id": res.JobID}
	case webhook.OutcomeAlreadyProcessed:
		return fiber.Map{"success": true, "event_id": res.EventID, "duplicate": true, "message": "already processed"}
	case webhook.OutcomeMalformed:
		return fiber.Map{"success": true, "event_id": res.EventID, "message": webhook.MalformedPayloadNote}
	default:
		return fiber.Map{"received": true, "error": "processing failed"}
	}
}

func requestHeaders(c *fiber.Ctx) map[string]string {
	headers := make(map[string]string)
	for key, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	return headers
}
