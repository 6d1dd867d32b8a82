package router

import (
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/HookFox/app/controllers"
)

// LimiterConfig rate limits the admin API. Storage may be nil for an in
// memory limiter.
type LimiterConfig struct {
	Max        int
	Expiration time.Duration
	Storage    fiber.Storage
}

type ApiRouter struct {
	admin    *controllers.WebhookAdminController
	users    map[string]string
	limiter  LimiterConfig
	validate fiber.Handler
}

// NewApiRouter creates the admin routes. When doc is set, requests are
// checked against it after authentication.
func NewApiRouter(admin *controllers.WebhookAdminController, users map[string]string, lc LimiterConfig, doc *openapi3.T) *ApiRouter {
	if lc.Max <= 0 {
		lc.Max = 60
	}
	if lc.Expiration <= 0 {
		lc.Expiration = time.Minute
	}
	r := &ApiRouter{admin: admin, users: users, limiter: lc}
	if doc != nil {
		validate, err := requestValidator(doc)
		if err != nil {
			log.Warnf("[API] OpenAPI request validation disabled: %v", err)
		} else {
			r.validate = validate
		}
	}
	return r
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        h.limiter.Max,
		Expiration: h.limiter.Expiration,
		Storage:    h.limiter.Storage,
	}))

	v1 := api.Group("/v1/webhooks", adminAuth(h.users))
	if h.validate != nil {
		v1.Use(h.validate)
	}
	v1.Get("/metrics", h.admin.HandleMetrics)
	v1.Post("/queue/pause", h.admin.HandlePause)
	v1.Post("/queue/resume", h.admin.HandleResume)
	v1.Get("/:provider/events", h.admin.HandleListEvents)
	v1.Post("/:provider/events/:eventID/replay", h.admin.HandleReplay)
}
