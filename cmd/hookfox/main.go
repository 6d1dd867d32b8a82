package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/server"
)

func main() {
	env.SetupEnvFile()
	if env.IsDev() {
		log.SetLevel(log.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	role := server.Role()
	c, err := server.Setup(ctx, role)
	if err != nil {
		log.Fatalf("[HookFox] Setup failed: %v", err)
	}
	defer c.Close()
	log.Infof("[HookFox] Starting with role %s", role)

	if role != server.RoleAPI {
		c.Manager.Start()
	}

	errCh := make(chan error, 1)
	var app *fiber.App
	if role != server.RoleWorker {
		app = c.NewApplication()
		go func() {
			errCh <- app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000")))
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("[HookFox] Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Errorf("[HookFox] HTTP server stopped: %v", err)
		}
	}

	// Stop accepting deliveries first, then let in-flight jobs settle.
	if app != nil {
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Warnf("[HookFox] HTTP shutdown: %v", err)
		}
	}
	if err := c.Manager.Stop(); err != nil {
		log.Warnf("[HookFox] Queue shutdown: %v", err)
	}
	log.Info("[HookFox] Stopped")
}
