package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/internal/pkg/jobqueue"
)

// JobRef is the queue dedup reference of a stored event.
func JobRef(provider string, rawEventID uint) string {
	return fmt.Sprintf("%s:%d", provider, rawEventID)
}

// JobSpecFor builds the queue job for a stored raw event.
func JobSpecFor(provider string, ev *models.RawWebhookEvent) jobqueue.JobSpec {
	spec := jobqueue.JobSpec{
		Ref:        JobRef(provider, ev.ID),
		Provider:   provider,
		EventType:  ev.EventType,
		RawEventID: ev.ID,
		EventID:    ev.EventID,
	}
	if json.Valid([]byte(ev.Payload)) {
		spec.Payload = json.RawMessage(ev.Payload)
	}
	return spec
}
