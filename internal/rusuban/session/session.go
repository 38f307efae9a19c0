// Package session owns the WhatsApp session lifecycle: the connection state
// machine, the bounded reconnect policy, and the supervised handling of
// incoming messages.
//
// The controller is transport-agnostic. It talks to the messaging network
// through the Client interface and receives events through Handlers; the
// concrete wiring lives in the whatsapp package.
package session

import "context"

// Status is the externally visible connection state.
type Status string

const (
	StatusOffline           Status = "offline"
	StatusInitializing      Status = "initializing"
	StatusQRCode            Status = "qr_code"
	StatusAuthenticated     Status = "authenticated"
	StatusReady             Status = "ready"
	StatusAuthFailure       Status = "auth_failure"
	StatusDisconnected      Status = "disconnected"
	StatusReconnecting      Status = "reconnecting"
	StatusOfflineMaxRetries Status = "offline_max_retries"
	StatusFailed            Status = "failed"
)

// Message is one incoming message, or the echo of an outgoing one, as seen
// by the transport.
type Message struct {
	// From is the correspondent address in canonical user@server form.
	From string
	// To is the destination address; set on echoes of our own sends.
	To string
	// Body is the plain text content. Empty for media-only messages.
	Body string
	// StatusBroadcast marks status-channel updates, which are never replied to.
	StatusBroadcast bool
}

// Handlers receives transport events. The transport invokes them from its own
// goroutines; they must not block.
//
// MessageSent fires only for messages sent outside the controller, such as
// replies typed on the paired phone. Echoes of sends made through
// Client.Reply are filtered out by the transport.
type Handlers struct {
	QR            func(code string)
	Ready         func()
	Authenticated func()
	AuthFailure   func(reason string)
	Disconnected  func(reason string)
	Message       func(msg Message)
	MessageSent   func(msg Message)
}

// Client is one live connection to the messaging network.
type Client interface {
	// Initialize opens the connection and starts delivering events to the
	// handlers the client was built with. The context covers the whole
	// session: cancelling it stops event delivery.
	Initialize(ctx context.Context) error

	// Destroy closes the connection and releases its resources. Safe to
	// call after a failed Initialize and safe to call twice.
	Destroy(ctx context.Context) error

	// Reply sends a text reply to the correspondent of msg.
	Reply(ctx context.Context, msg Message, text string) error
}

// Factory builds a fresh Client wired to the given handlers. The controller
// calls it once per session: at startup and again for every reconnect.
type Factory func(handlers Handlers) (Client, error)
