// Package relay forwards consultation alerts (new public requests, incoming
// and missed calls, ended sessions, lost connections) to a chat platform.
package relay

import "context"

// Notifier is the interface platform-specific implementations satisfy.
type Notifier interface {
	// Connect validates credentials and prepares the client.
	Connect(ctx context.Context) error

	// Send delivers one alert to the configured channel.
	Send(ctx context.Context, a Alert) error

	// Close releases the platform connection.
	Close() error
}

// Alert is a platform-neutral chat notification.
type Alert struct {
	Kind     Kind
	Channel  string // overrides the notifier's default channel
	Title    string
	Body     string
	Severity string // "info", "warning", "error", "success"
	Color    string // sidebar color hint, e.g. "#36a64f"
	Fields   []Field
}

// Field is a key-value pair rendered with an alert.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}
