package router

import (
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/HookFox/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps are the controllers and middleware settings the routes need.
// Admin may be nil on intake-only deployments.
type Deps struct {
	Webhooks    *controllers.WebhookController
	Admin       *controllers.WebhookAdminController
	AdminUsers  map[string]string // user to bcrypt hash
	Limiter     LimiterConfig
	HealthCheck func() error
	// OpenAPI, when set, validates admin requests.
	OpenAPI *openapi3.T
}

func InstallRouter(app *fiber.App, deps Deps) {
	routers := []Router{NewWebhookRouter(deps.Webhooks, deps.HealthCheck)}
	if deps.Admin != nil {
		routers = append(routers, NewApiRouter(deps.Admin, deps.AdminUsers, deps.Limiter, deps.OpenAPI))
	}
	setup(app, routers...)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
