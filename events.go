package ensemble

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// Event types emitted by the runtime, in reverse domain notation per the
// CloudEvents convention.
const (
	EventTypeServiceStarting = "com.ensemble.service.starting"
	EventTypeServiceReady    = "com.ensemble.service.ready"
	EventTypeServiceClosed   = "com.ensemble.service.closed"
	EventTypeServiceFailed   = "com.ensemble.service.failed"

	EventTypeAppStarting = "com.ensemble.application.starting"
	EventTypeAppReady    = "com.ensemble.application.ready"
	EventTypeAppClosing  = "com.ensemble.application.closing"
	EventTypeAppClosed   = "com.ensemble.application.closed"
	EventTypeAppFailed   = "com.ensemble.application.failed"
)

// NewCloudEvent creates a properly formed CloudEvent with a time-ordered
// unique ID.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range metadata {
		event.SetExtension(key, value)
	}
	return event
}

// generateEventID prefers UUIDv7 for time-ordered uniqueness, falling back
// to v4.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
