package counter

import (
	"context"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const DefaultIntakeKey = "webhook:counters:intake"

// IntakeCounter counts intake outcomes per provider in a Redis hash. Fields
// are "<provider>:<outcome>", so counts survive restarts and are shared by
// every API replica.
type IntakeCounter struct {
	client *redis.Client
	key    string
}

// NewIntakeCounter creates a counter stored under key (DefaultIntakeKey when empty).
func NewIntakeCounter(client *redis.Client, key string) *IntakeCounter {
	if key == "" {
		key = DefaultIntakeKey
	}
	return &IntakeCounter{client: client, key: key}
}

// Add increments the counter of one outcome.
func (c *IntakeCounter) Add(ctx context.Context, provider, outcome string) error {
	return c.client.HIncrBy(ctx, c.key, provider+":"+outcome, 1).Err()
}

// Snapshot returns the counts grouped by provider, then outcome.
func (c *IntakeCounter) Snapshot(ctx context.Context) (map[string]map[string]int64, error) {
	data, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]map[string]int64)
	for field, v := range data {
		provider, outcome, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if out[provider] == nil {
			out[provider] = make(map[string]int64)
		}
		out[provider][outcome] = n
	}
	return out, nil
}

// Reset clears every count.
func (c *IntakeCounter) Reset(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
