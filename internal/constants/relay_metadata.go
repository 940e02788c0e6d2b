package constants

import (
	nip11 "github.com/nbd-wtf/go-nostr/nip11"

	"github.com/wisprnet/relay/internal/config"
)

// Default relay metadata constants
const (
	DefaultRelayDescription = "Minimal single-process Nostr relay with an in-memory event store."
	DefaultRelaySoftware    = "https://github.com/wisprnet/relay"
)

// DefaultSupportedNIPs lists the NIPs supported by the relay
var DefaultSupportedNIPs = []any{
	1,  // NIP-01: Basic protocol flow description
	11, // NIP-11: Relay Information Document
	46, // NIP-46: Remote Signing (opaque tunnel passthrough)
}

// DefaultRelayMetadata builds the NIP-11 information document from config.
func DefaultRelayMetadata(cfg *config.Config, relayPubKey string) nip11.RelayInformationDocument {
	doc := nip11.RelayInformationDocument{
		Name:          cfg.Relay.Name,
		Description:   cfg.Relay.Description,
		PubKey:        relayPubKey,
		Contact:       cfg.Relay.Contact,
		SupportedNIPs: DefaultSupportedNIPs,
		Software:      DefaultRelaySoftware,
		Version:       config.Version,
	}
	if doc.Description == "" {
		doc.Description = DefaultRelayDescription
	}
	return doc
}
