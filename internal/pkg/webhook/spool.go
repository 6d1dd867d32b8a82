package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultSpoolKey         = "webhook:intake:spool"
	DefaultSpoolMaxAttempts = 20
)

// SpooledDelivery is a verified delivery parked while the ledger was unavailable.
type SpooledDelivery struct {
	Provider   string            `json:"provider"`
	EventID    string            `json:"event_id"`
	EventType  string            `json:"event_type"`
	Attempt    int               `json:"attempt"`
	Malformed  bool              `json:"malformed"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers"`
	ReceivedAt time.Time         `json:"received_at"`

	// Failed redeliveries from the spool.
	DrainAttempts int    `json:"drain_attempts,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

func (s SpooledDelivery) delivery() Delivery {
	return Delivery{Body: s.Body, Headers: s.Headers, ReceivedAt: s.ReceivedAt}
}

func (s SpooledDelivery) envelope() Envelope {
	return Envelope{EventID: s.EventID, EventType: s.EventType, Attempt: s.Attempt, Malformed: s.Malformed}
}

// RedisSpool is a FIFO of spooled deliveries in a Redis list. Entries that
// fail DrainAttempts times move to a dead list under key+":dead".
type RedisSpool struct {
	client      *redis.Client
	key         string
	deadKey     string
	maxAttempts int
}

// NewRedisSpool creates a spool stored under key (DefaultSpoolKey when empty).
func NewRedisSpool(client *redis.Client, key string) *RedisSpool {
	if key == "" {
		key = DefaultSpoolKey
	}
	return &RedisSpool{client: client, key: key, deadKey: key + ":dead", maxAttempts: DefaultSpoolMaxAttempts}
}

// SetMaxAttempts sets how often an entry may fail before it is dead-lettered.
func (s *RedisSpool) SetMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

// Push appends a delivery.
func (s *RedisSpool) Push(ctx context.Context, d SpooledDelivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal spooled delivery: %w", err)
	}
	return s.client.LPush(ctx, s.key, data).Err()
}

// Len returns the number of parked deliveries.
func (s *RedisSpool) Len(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.key).Result()
}

// DeadLen returns the number of dead-lettered deliveries.
func (s *RedisSpool) DeadLen(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.deadKey).Result()
}

// Redrive moves every dead-lettered delivery back into the spool with a
// fresh attempt budget.
func (s *RedisSpool) Redrive(ctx context.Context) (int, error) {
	moved := 0
	for {
		data, err := s.client.RPop(ctx, s.deadKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		var d SpooledDelivery
		if err := json.Unmarshal(data, &d); err != nil {
			log.Errorf("[Webhook] Dropping unreadable dead spool entry: %v", err)
			continue
		}
		d.DrainAttempts = 0
		if err := s.Push(ctx, d); err != nil {
			if perr := s.client.RPush(ctx, s.deadKey, data).Err(); perr != nil {
				log.Errorf("[Webhook] Lost dead spool entry provider=%s event_id=%s: %v", d.Provider, d.EventID, perr)
			}
			return moved, err
		}
		moved++
	}
}

// Drain hands up to max deliveries to fn, oldest first. A delivery fn fails
// on is put back at the head with one more attempt counted and draining
// stops. Once it used up its attempts it goes to the dead list instead and
// draining continues with the next entry.
func (s *RedisSpool) Drain(ctx context.Context, max int, fn func(context.Context, SpooledDelivery) error) (int, error) {
	drained := 0
	for drained < max {
		data, err := s.client.RPop(ctx, s.key).Bytes()
		if errors.Is(err, redis.Nil) {
			return drained, nil
		}
		if err != nil {
			return drained, err
		}

		var d SpooledDelivery
		if err := json.Unmarshal(data, &d); err != nil {
			log.Errorf("[Webhook] Dropping unreadable spool entry: %v", err)
			continue
		}

		if err := fn(ctx, d); err != nil {
			d.DrainAttempts++
			d.LastError = err.Error()
			if d.DrainAttempts >= s.maxAttempts {
				s.bury(ctx, d, data)
				continue
			}
			if data, merr := json.Marshal(d); merr == nil {
				if perr := s.client.RPush(ctx, s.key, data).Err(); perr != nil {
					log.Errorf("[Webhook] Lost spooled delivery provider=%s event_id=%s: %v", d.Provider, d.EventID, perr)
				}
			}
			return drained, err
		}
		drained++
	}
	return drained, nil
}

func (s *RedisSpool) bury(ctx context.Context, d SpooledDelivery, original []byte) {
	data, err := json.Marshal(d)
	if err != nil {
		data = original
	}
	if err := s.client.LPush(ctx, s.deadKey, data).Err(); err != nil {
		log.Errorf("[Webhook] Lost spooled delivery provider=%s event_id=%s: %v", d.Provider, d.EventID, err)
		return
	}
	log.Errorf("[Webhook] Dead-lettered spooled delivery provider=%s event_id=%s after %d attempts: %s",
		d.Provider, d.EventID, d.DrainAttempts, d.LastError)
}
