package transport

import "context"

// Handler receives inbound envelopes for a subscribed event.
type Handler func(env Envelope)

// Client is the live bidirectional channel. It reports the outcome of a
// single attempt only; retry policy belongs to the outbox.
type Client interface {
	Connect(ctx context.Context) error
	// Send writes an envelope and waits for its ack. A nil error means
	// the server confirmed the send; any error means this attempt
	// failed and the caller should fall back to REST.
	Send(ctx context.Context, env Envelope) (*Ack, error)
	// Emit writes a fire-and-forget envelope (join, typing).
	Emit(env Envelope) error
	// On registers a handler for an event (including the connect and
	// disconnect pseudo events) and returns an unsubscribe func.
	On(event string, h Handler) func()
	Connected() bool
	Disconnect() error
}
