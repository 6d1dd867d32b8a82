package server

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HookFox/app/controllers"
	"github.com/ManuelReschke/HookFox/app/repository"
	"github.com/ManuelReschke/HookFox/internal/pkg/archive"
	"github.com/ManuelReschke/HookFox/internal/pkg/cache"
	"github.com/ManuelReschke/HookFox/internal/pkg/chatapi"
	"github.com/ManuelReschke/HookFox/internal/pkg/database"
	"github.com/ManuelReschke/HookFox/internal/pkg/dispatch"
	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/events"
	"github.com/ManuelReschke/HookFox/internal/pkg/handlers"
	"github.com/ManuelReschke/HookFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/HookFox/internal/pkg/manager"
	"github.com/ManuelReschke/HookFox/internal/pkg/marketplace"
	"github.com/ManuelReschke/HookFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/HookFox/internal/pkg/router"
	"github.com/ManuelReschke/HookFox/internal/pkg/webhook"
)

// Roles select which parts of the pipeline a process runs.
const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
)

// Components is the wired pipeline.
type Components struct {
	Role       string
	DB         *gorm.DB
	Redis      *redis.Client
	CacheCfg   cache.Config
	Events     repository.WebhookEventRepository
	Queue      *jobqueue.Queue
	Spool      *webhook.RedisSpool
	Intake     *counter.IntakeCounter
	Receiver   *webhook.Receiver
	Registry   *dispatch.Registry
	Dispatcher *dispatch.Dispatcher
	Publisher  events.Publisher
	Archiver   *archive.Archiver
	Manager    *manager.Manager
}

// Role reads HOOKFOX_ROLE.
func Role() string {
	switch r := strings.ToLower(env.GetEnv("HOOKFOX_ROLE", RoleAll)); r {
	case RoleAPI, RoleWorker:
		return r
	default:
		return RoleAll
	}
}

// Setup connects to MySQL and Redis and wires every component.
func Setup(ctx context.Context, role string) (*Components, error) {
	db, err := database.SetupDatabase()
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	cacheCfg := cache.LoadConfig()
	client, err := cache.NewClient(ctx, cacheCfg)
	if err != nil {
		return nil, err
	}

	c := &Components{Role: role, DB: db, Redis: client, CacheCfg: cacheCfg}
	c.Events = repository.NewFactory(db).GetWebhookEventRepository()
	c.Queue = jobqueue.NewQueue(client, jobqueue.OptionsFromEnv())
	c.Spool = webhook.NewRedisSpool(client, env.GetEnv("WEBHOOK_SPOOL_KEY", webhook.DefaultSpoolKey))
	c.Spool.SetMaxAttempts(env.GetEnvInt("SPOOL_MAX_ATTEMPTS", webhook.DefaultSpoolMaxAttempts))

	providers := webhook.ProvidersFromEnv()
	for _, p := range providers {
		if v, ok := p.Verifier.(*webhook.HMACVerifier); ok && !v.Configured() {
			log.Warnf("[Server] No signing secret for provider %s, its deliveries will be rejected", p.Name)
		}
	}
	c.Receiver = webhook.NewReceiver(providers, c.Events, c.Queue, c.Spool, webhook.ReceiverConfigFromEnv())
	c.Intake = counter.NewIntakeCounter(client, env.GetEnv("WEBHOOK_COUNTER_KEY", counter.DefaultIntakeKey))
	c.Receiver.SetCounter(c.Intake)

	c.Publisher = events.NewPublisher(events.LoadConfig())

	var notifier handlers.ChatNotifier
	if chat := chatapi.NewClientFromEnv(); chat.Enabled() {
		notifier = chat
	} else {
		log.Warn("[Server] CHAT_API_KEY not set, paid orders get no system message")
	}

	c.Registry = dispatch.NewRegistry()
	handlers.Register(c.Registry, handlers.Services{
		Orders:    marketplace.NewOrderStore(db),
		Merchants: marketplace.NewMerchantStore(db),
		Chat:      marketplace.NewChatStore(db),
		Notifier:  notifier,
	})
	c.Dispatcher = dispatch.NewDispatcher(c.Registry, c.Events, c.Publisher)
	c.Dispatcher.Attach(c.Queue)

	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		return nil, err
	}
	if archiveCfg.Enabled {
		store, err := archive.NewS3Store(ctx, archiveCfg)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		c.Archiver = archive.NewArchiver(c.Events, store, archiveCfg)
	}

	deps := manager.Deps{Queue: c.Queue, Spool: c.Spool, Receiver: c.Receiver, Ledger: c.Events}
	if c.Archiver != nil {
		deps.Archiver = c.Archiver
	}
	c.Manager = manager.New(deps, manager.LoadConfig())
	return c, nil
}

// NewApplication builds the fiber app for the intake and admin API.
func (c *Components) NewApplication() *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit:             env.GetEnvInt("WEBHOOK_BODY_LIMIT", 1<<20),
		DisableStartupMessage: !env.IsDev(),
	})
	app.Use(recover.New(), logger.New())

	// swagger.New panics on a missing document.
	var doc *openapi3.T
	if docs := env.GetEnv("OPENAPI_FILE", "./public/docs/v1/openapi.yml"); fileExists(docs) {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: docs,
			Path:     "v1",
		}))
		loaded, err := router.LoadOpenAPI(docs)
		if err != nil {
			log.Warnf("[Server] Admin request validation disabled: %v", err)
		} else {
			doc = loaded
		}
	} else {
		log.Warnf("[Server] OpenAPI document %s not found, API docs disabled", docs)
	}

	deps := router.Deps{
		Webhooks: controllers.NewWebhookController(c.Receiver, env.GetEnvDuration("WEBHOOK_INTAKE_TIMEOUT", 5*time.Second)),
		HealthCheck: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			sqlDB, err := c.DB.DB()
			if err != nil {
				return err
			}
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
			if err := c.Redis.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
	}
	switch user, hash, err := adminCredentials(); {
	case err != nil:
		log.Errorf("[Server] Admin API disabled: %v", err)
	case user == "" || hash == "":
		log.Warn("[Server] ADMIN_USER and ADMIN_PASSWORD_HASH (or ADMIN_PASSWORD) not set, admin API disabled")
	default:
		deps.Admin = controllers.NewWebhookAdminController(c.Events, c.Queue, c.Manager).WithIntakeCounts(c.Intake)
		deps.AdminUsers = map[string]string{user: hash}
		deps.OpenAPI = doc
		deps.Limiter = router.LimiterConfig{
			Max:        env.GetEnvInt("ADMIN_RATE_LIMIT", 60),
			Expiration: time.Minute,
			Storage:    cache.NewFiberStorage(c.CacheCfg, env.GetEnvInt("ADMIN_LIMITER_DB", 1)),
		}
	}

	router.InstallRouter(app, deps)
	return app
}

// adminCredentials returns the admin user and the bcrypt hash of its
// password. ADMIN_PASSWORD_HASH wins over a plain ADMIN_PASSWORD, which is
// hashed here so the plain text is not kept around.
func adminCredentials() (string, string, error) {
	user := env.GetEnv("ADMIN_USER", "")
	if user == "" {
		return "", "", nil
	}
	if hash := env.GetEnv("ADMIN_PASSWORD_HASH", ""); hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return "", "", fmt.Errorf("ADMIN_PASSWORD_HASH is not a bcrypt hash: %w", err)
		}
		return user, hash, nil
	}
	pass := env.GetEnv("ADMIN_PASSWORD", "")
	if pass == "" {
		return "", "", nil
	}
	hash, err := router.HashPassword(pass)
	if err != nil {
		return "", "", err
	}
	return user, hash, nil
}

// Close releases the publisher, Redis and database connections.
func (c *Components) Close() {
	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			log.Warnf("[Server] Closing events publisher: %v", err)
		}
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
