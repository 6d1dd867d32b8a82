package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/internal/pkg/env"
)

const (
	SyntheticEventIDPrefix = "synth:"
	HashedEventIDPrefix    = "sha256:"
	UnknownEventType       = "unknown"

	// Column widths of event_id and event_type in the ledger tables.
	MaxEventIDLength   = 191
	MaxEventTypeLength = 100
)

// Provider describes how one upstream signs and identifies its deliveries.
type Provider struct {
	Name            string
	SignatureHeader string
	EventIDHeader   string
	EventTypeHeader string
	AttemptHeader   string
	// BodyEventID allows the top-level "id" of the body as event id.
	BodyEventID bool
	Verifier    Verifier
}

// PaymentProvider returns the adapter for the payment provider.
func PaymentProvider(secret string) *Provider {
	return &Provider{
		Name:            models.ProviderPayment,
		SignatureHeader: "X-Payment-Signature",
		EventIDHeader:   "X-Payment-Event-Id",
		EventTypeHeader: "X-Payment-Event-Type",
		AttemptHeader:   "X-Payment-Attempt",
		BodyEventID:     true,
		Verifier:        NewHMACSHA256Verifier(secret),
	}
}

// ChatProvider returns the adapter for the chat provider. Its bodies carry
// no event id of their own.
func ChatProvider(secret string) *Provider {
	return &Provider{
		Name:            models.ProviderChat,
		SignatureHeader: "X-Signature",
		EventIDHeader:   "X-Webhook-Id",
		AttemptHeader:   "X-Webhook-Attempt",
		Verifier:        NewHMACSHA256Verifier(secret),
	}
}

// ProvidersFromEnv builds both adapters from PAYMENT_WEBHOOK_SECRET and CHAT_API_SECRET.
func ProvidersFromEnv() []*Provider {
	return []*Provider{
		PaymentProvider(env.GetEnv("PAYMENT_WEBHOOK_SECRET", "")),
		ChatProvider(env.GetEnv("CHAT_API_SECRET", "")),
	}
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Body       []byte
	Headers    map[string]string
	ReceivedAt time.Time
}

// Header returns the value of a header, ignoring case.
func (d Delivery) Header(name string) string {
	if name == "" {
		return ""
	}
	if v, ok := d.Headers[name]; ok {
		return v
	}
	if v, ok := d.Headers[http.CanonicalHeaderKey(name)]; ok {
		return v
	}
	for k, v := range d.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// IsPing reports whether the body is empty or only whitespace.
func (d Delivery) IsPing() bool {
	return len(bytes.TrimSpace(d.Body)) == 0
}

// Envelope is what the receiver derives from a delivery before storing it.
type Envelope struct {
	EventID   string
	EventType string
	Attempt   int
	Malformed bool
}

// Describe derives event id, event type and attempt number of d.
func (p *Provider) Describe(d Delivery) Envelope {
	var head struct {
		ID   json.RawMessage `json:"id"`
		Type string          `json:"type"`
	}
	malformed := json.Unmarshal(d.Body, &head) != nil

	e := Envelope{Malformed: malformed}

	e.EventType = strings.TrimSpace(head.Type)
	if e.EventType == "" {
		e.EventType = strings.TrimSpace(d.Header(p.EventTypeHeader))
	}
	if e.EventType == "" || len(e.EventType) > MaxEventTypeLength {
		e.EventType = UnknownEventType
	}

	e.EventID = strings.TrimSpace(d.Header(p.EventIDHeader))
	if e.EventID == "" && p.BodyEventID && !malformed {
		e.EventID = rawID(head.ID)
	}
	if e.EventID == "" {
		e.EventID = SynthesizeEventID(e.EventType, d.Body)
	} else if len(e.EventID) > MaxEventIDLength {
		e.EventID = hashEventID(e.EventID)
	}

	if n, err := strconv.Atoi(strings.TrimSpace(d.Header(p.AttemptHeader))); err == nil && n > 0 {
		e.Attempt = n
	}
	return e
}

// rawID accepts string and numeric ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// hashEventID shortens a provider id that does not fit the ledger column.
// Redeliveries carry the same id and therefore hash to the same key.
func hashEventID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return HashedEventIDPrefix + hex.EncodeToString(sum[:])
}

// SynthesizeEventID derives a stable id for deliveries that carry none, so
// byte-identical redeliveries of the same event type deduplicate.
func SynthesizeEventID(eventType string, body []byte) string {
	bodySum := sha256.Sum256(body)
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(bodySum[:])
	return SyntheticEventIDPrefix + hex.EncodeToString(h.Sum(nil))
}
