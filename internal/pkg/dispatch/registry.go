package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrMalformedPayload marks a payload that can never be processed. The event
// is settled with an error note instead of being retried.
var ErrMalformedPayload = errors.New("malformed payload")

// Event is what a handler receives for one stored webhook event.
type Event struct {
	Provider   string
	EventType  string
	EventID    string
	RawEventID uint
	Payload    json.RawMessage
	Attempt    int
	ReceivedAt time.Time
}

// HandlerFunc applies one event to the domain. It must be idempotent.
type HandlerFunc func(ctx context.Context, ev Event) error

// Registry maps (provider, event type) to exactly one handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func registryKey(provider, eventType string) string {
	return provider + "\x00" + eventType
}

// Register adds h for provider and eventType. Registering the same pair
// twice is a programming error and panics.
func (r *Registry) Register(provider, eventType string, h HandlerFunc) {
	if provider == "" || eventType == "" || h == nil {
		panic("dispatch: provider, event type and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey(provider, eventType)
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("dispatch: handler for %s/%s registered twice", provider, eventType))
	}
	r.handlers[key] = h
}

// Resolve returns the handler for provider and eventType.
func (r *Registry) Resolve(provider, eventType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[registryKey(provider, eventType)]
	return h, ok
}

// EventTypes lists the event types registered for provider.
func (r *Registry) EventTypes(provider string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefix := provider + "\x00"
	var types []string
	for key := range r.handlers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			types = append(types, key[len(prefix):])
		}
	}
	sort.Strings(types)
	return types
}
