package syncwire

import "context"

// Transport hands messages to the channel shared with the other sites.
//
// Send may block; it fails with a *TransportError when the channel is
// unavailable. Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
}

// Handler consumes one inbound message. Kernel.Receive satisfies it.
type Handler func(ctx context.Context, msg []byte) error

// Discard is a Transport that accepts and drops every message. Used by
// offline tools that replay a checkpoint without joining a session.
type Discard struct{}

// Send implements Transport.
func (Discard) Send(context.Context, []byte) error {
	return nil
}
