package constants

// Protocol-level constants shared across the relay.
const (
	// KindSignerTunnel is the NIP-46 remote-signing kind. Frames carrying
	// this kind are relay-opaque: they skip validation and are forwarded
	// verbatim to every other connected socket.
	KindSignerTunnel = 24133

	// MinCreatedAt is the sanity floor for event timestamps. Anything
	// below it (roughly the year 1985) cannot be a real event.
	MinCreatedAt = 500_000_000

	// MaxSubscriptionIDLen caps caller-chosen subscription identifiers.
	MaxSubscriptionIDLen = 64
)
