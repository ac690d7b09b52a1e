package notify

import "context"

// Fleet event types.
const (
	EventHostRunning = "on_host_running"
	EventIdleStop    = "on_idle_stop"
	EventDestroy     = "on_destroy"
	EventSendFailure = "on_send_failure"
)

// Notifier delivers fleet lifecycle events to an external channel.
type Notifier interface {
	// Notify sends a message for an event and returns a thread id; passing
	// the id back threads subsequent messages under the first.
	Notify(ctx context.Context, eventType, message, threadID string) (string, error)
}
