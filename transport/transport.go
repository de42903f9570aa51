package transport

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the channel is down and a reconnect attempt
// also failed. Callers treat it as a retryable delivery failure.
var ErrUnavailable = errors.New("transport: unavailable")

// Listener receives inbound events. Implementations must not block; the
// read loop calls them inline.
type Listener func(Event)

// Client is one push channel (relay websocket or direct sockets).
//
// Send on a disconnected client first attempts to reconnect; if that
// fails it returns ErrUnavailable rather than panicking.
type Client interface {
	// Connect establishes the channel. Calling Connect on a connected
	// client is a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears the channel down. The client stays usable; a later
	// Connect or Send may bring it back.
	Disconnect() error

	// Send pushes one event to the channel.
	Send(evt Event) error

	// IsConnected reports the channel state without side effects.
	IsConnected() bool

	// Probe performs a cheap liveness check against the channel's
	// backend, independent of the current connection state.
	Probe(ctx context.Context) error

	// AddListener registers a callback for inbound events.
	AddListener(listener Listener)
}
