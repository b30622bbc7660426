// Package provider defines the contract between the session manager and the
// external messaging network: opening a stateful connection from credential
// material and consuming its ordered lifecycle/message event stream.
package provider

import "context"

// State is the coarse connection state reported by status events.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// CloseReason qualifies a disconnect. CloseReasonLoggedOut is definitive:
// the account's credentials are no longer valid and the session must not be
// re-established from the same material.
type CloseReason string

const (
	CloseReasonNone      CloseReason = ""
	CloseReasonLoggedOut CloseReason = "logged-out"
)

// EventKind discriminates the event union.
type EventKind string

const (
	EventStatus  EventKind = "status"
	EventMessage EventKind = "message"
)

// Event is one entry in a connection's ordered event stream. Status events
// carry State and, on disconnects, a CloseReason; message events carry
// Sender and Text.
type Event struct {
	Kind        EventKind
	State       State
	CloseReason CloseReason
	Sender      string
	Text        string
}

// Provider opens connections to the messaging network.
type Provider interface {
	// Open establishes a connection for the bot from opaque credential
	// material. A returned error is a hard connection failure.
	Open(ctx context.Context, botID string, credentials []byte) (Conn, error)
}

// Conn is one live bidirectional session.
type Conn interface {
	// ExternalID returns the account identity confirmed by the network, or
	// an empty string if the identity has not been confirmed.
	ExternalID() string
	// Send delivers text to the target identity.
	Send(ctx context.Context, target, text string) error
	// Events returns the connection's event stream. The channel is closed
	// after the connection reports its final disconnect.
	Events() <-chan Event
	// Close terminates the connection. Closing a closed connection is a
	// no-op.
	Close() error
}
