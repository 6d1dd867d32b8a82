package cache

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"
)

// NewFiberStorage returns a fiber storage on the cache server, in database db.
// It backs the admin API rate limiter so limits hold across instances.
func NewFiberStorage(cfg Config, db int) fiber.Storage {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		port = 6379
	}
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: db,
		Reset:    false,
	})
}
