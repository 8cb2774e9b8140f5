package webhook

import "fmt"

// Event is a job-lifecycle or asset event that webhooks can subscribe to.
type Event string

const (
	EventGenerationCompleted Event = "generation_completed"
	EventAssetPublished      Event = "asset_published"
	EventJobStarted          Event = "job_started"
	EventJobFailed           Event = "job_failed"
	EventJobCancelled        Event = "job_cancelled"
)

var supportedEvents = []Event{
	EventGenerationCompleted,
	EventAssetPublished,
	EventJobStarted,
	EventJobFailed,
	EventJobCancelled,
}

// SupportedEvents returns the closed set of event names.
func SupportedEvents() []Event {
	out := make([]Event, len(supportedEvents))
	copy(out, supportedEvents)
	return out
}

// IsSupported reports whether name is a known event.
func IsSupported(name string) bool {
	for _, e := range supportedEvents {
		if string(e) == name {
			return true
		}
	}
	return false
}

// UnsupportedEventError reports an event name outside the supported set,
// at registration, update, or dispatch time.
type UnsupportedEventError struct {
	Event string
}

func (e *UnsupportedEventError) Error() string {
	return fmt.Sprintf("unsupported event %q, supported: %v", e.Event, supportedEvents)
}

// InvalidWebhookURLError reports a registration URL that is not http(s).
type InvalidWebhookURLError struct {
	URL string
}

func (e *InvalidWebhookURLError) Error() string {
	return fmt.Sprintf("invalid webhook URL %q, must start with http:// or https://", e.URL)
}
