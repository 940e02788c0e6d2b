package domain

import (
	nostr "github.com/nbd-wtf/go-nostr"
)

// WebSocketConnection represents a client WebSocket connection.
// The relay's registry and broadcast paths only depend on this interface,
// which keeps them testable with in-memory fakes.
type WebSocketConnection interface {
	// ID returns the relay-assigned connection identifier.
	ID() string

	// SendMessage writes a raw frame to the client.
	SendMessage(msg []byte)

	// SendEvent sends ["EVENT", subID, evt] to the client.
	SendEvent(subID string, evt *nostr.Event)

	// Close tears the connection down; safe to call more than once.
	Close()

	// RemoteAddr returns the client address for logging.
	RemoteAddr() string
}
