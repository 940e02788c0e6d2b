package relay

import (
	"fmt"
)

// Common error types for the relay
var (
	// Frame decode errors
	ErrEmptyFrame       = fmt.Errorf("empty command array")
	ErrInvalidJSON      = fmt.Errorf("malformed JSON from client")
	ErrVerbNotString    = fmt.Errorf("command must be a string")
	ErrMissingEvent     = fmt.Errorf("EVENT frame missing event object")
	ErrMissingSubID     = fmt.Errorf("frame missing subscription ID")
	ErrSubIDNotString   = fmt.Errorf("subscription ID must be a string")
	ErrSubIDTooLong     = fmt.Errorf("subscription ID too long (max 64 chars)")
	ErrInvalidFilter    = fmt.Errorf("invalid filter")

	// Validation errors
	ErrInvalidEventID   = fmt.Errorf("event id does not match serialized event")
	ErrInvalidSignature = fmt.Errorf("invalid signature")
	ErrStaleTimestamp   = fmt.Errorf("created_at is below the sanity floor")
	ErrInvalidPubkey    = fmt.Errorf("invalid pubkey format")

	// Connection errors
	ErrConnectionClosed = fmt.Errorf("connection closed")
)
