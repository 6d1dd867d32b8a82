package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/HookFox/app/controllers"
)

type WebhookRouter struct {
	webhooks    *controllers.WebhookController
	healthCheck func() error
}

func NewWebhookRouter(webhooks *controllers.WebhookController, healthCheck func() error) *WebhookRouter {
	return &WebhookRouter{webhooks: webhooks, healthCheck: healthCheck}
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		if h.healthCheck != nil {
			if err := h.healthCheck(); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
			}
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Provider deliveries: no auth middleware, the signature is the auth.
	if h.webhooks != nil {
		app.Post("/webhooks/:provider", h.webhooks.HandleWebhook)
	}
}
