// Package realtime defines the provider-facing connection abstraction used by
// the session registry. A Conn reports provider activity as Events on a
// channel instead of invoking callbacks, so the registry consumes them in one
// goroutine per session.
package realtime

import (
	"context"
	"time"
)

// EventType identifies a provider event.
type EventType string

const (
	// EventOpened is delivered once, before any other event.
	EventOpened EventType = "opened"

	// EventMessage carries one provider frame in Data.
	EventMessage EventType = "message"

	// EventError reports a provider failure. A closed event follows.
	EventError EventType = "error"

	// EventClosed is the final event; the channel is closed after it.
	EventClosed EventType = "closed"
)

// Status values reported by Conn.Status.
const (
	StatusConnected = "connected"
	StatusClosed    = "closed"
)

// Event is one provider notification.
type Event struct {
	Type EventType
	Data []byte
	Err  error
	At   time.Time
}

// OpenRequest parameterizes Adapter.Open.
type OpenRequest struct {
	// Model overrides the adapter's configured model when set.
	Model string
}

// Adapter opens provider connections with the server-held credential.
type Adapter interface {
	Open(ctx context.Context, req OpenRequest) (Conn, error)

	// Model returns the default model name.
	Model() string
}

// Conn is one open provider channel, exclusively owned by one session.
type Conn interface {
	// SendTurn sends a complete text turn with a turn-complete marker.
	SendTurn(ctx context.Context, text string) error

	// SendAudio streams an audio chunk without a turn boundary.
	SendAudio(ctx context.Context, chunk []byte) error

	// Events returns the event stream. It is closed after EventClosed.
	Events() <-chan Event

	// Status returns the adapter-reported connection status.
	Status() string

	// Close closes the channel. Safe to call more than once.
	Close() error
}
