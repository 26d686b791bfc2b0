package notify

// Event classifies a notification.
type Event string

const (
	EventCriticalTemperature Event = "critical_temperature"
	EventMinerRestarted      Event = "miner_restarted"
	EventStartFailedRetrying Event = "start_failed_retrying"
)

// Sink delivers notifications. Delivery failures are reported but
// never fatal; the control loop keeps running without notifications.
type Sink interface {
	Send(event Event, subject, body string) error
}
