package relay

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/wisprnet/relay/internal/constants"
)

// ValidateEvent checks that an event is authentic:
//
//  1. created_at is at or above the sanity floor
//  2. id equals sha256([0, pubkey, created_at, kind, tags, content])
//  3. sig is a valid BIP-340 Schnorr signature over id, verifiable
//     with pubkey
//
// It is a pure function: structural problems (malformed hex, wrong
// lengths) yield (false, reason) rather than an error or panic. The
// reason string is suitable for an ["OK", id, false, reason] frame.
func ValidateEvent(evt *nostr.Event) (bool, string) {
	if int64(evt.CreatedAt) < constants.MinCreatedAt {
		return false, "invalid: " + ErrStaleTimestamp.Error()
	}

	hash := sha256.Sum256(evt.Serialize())
	if hex.EncodeToString(hash[:]) != evt.ID {
		return false, "invalid: " + ErrInvalidEventID.Error()
	}

	pkBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil || len(pkBytes) != 32 {
		return false, "invalid: " + ErrInvalidPubkey.Error()
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return false, "invalid: " + ErrInvalidPubkey.Error()
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil || len(sigBytes) != 64 {
		return false, "invalid: " + ErrInvalidSignature.Error()
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, "invalid: " + ErrInvalidSignature.Error()
	}

	if !sig.Verify(hash[:], pk) {
		return false, "invalid: " + ErrInvalidSignature.Error()
	}
	return true, ""
}

// IsValidEvent is the boolean form of ValidateEvent.
func IsValidEvent(evt *nostr.Event) bool {
	ok, _ := ValidateEvent(evt)
	return ok
}
