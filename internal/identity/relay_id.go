package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
)

const (
	// RelayIDFileName is the name of the file where the relay key is stored
	RelayIDFileName = "relay_id.key"
	// RelayIDDir is the directory where relay identity files are stored
	RelayIDDir = ".wispr"
)

// RelayIdentity holds the relay's identity information. The public key is
// advertised in the NIP-11 information document.
type RelayIdentity struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key,omitempty"` // Only stored locally
	RelayID    string `json:"relay_id"`              // Human-readable relay ID
}

// GenerateRelayIdentity creates a new relay identity with a secp256k1 keypair.
func GenerateRelayIdentity() (*RelayIdentity, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &RelayIdentity{
		PublicKey:  pk,
		PrivateKey: sk,
		RelayID:    fmt.Sprintf("relay-%s", pk[:16]),
	}, nil
}

// GetOrCreateRelayIdentity loads an existing relay identity or creates a new one.
func GetOrCreateRelayIdentity() (*RelayIdentity, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}

	relayIDPath := filepath.Join(homeDir, RelayIDDir, RelayIDFileName)
	if _, err := os.Stat(relayIDPath); os.IsNotExist(err) {
		ident, err := GenerateRelayIdentity()
		if err != nil {
			return nil, err
		}
		if err := saveRelayIdentity(ident, relayIDPath); err != nil {
			return nil, fmt.Errorf("save relay identity: %w", err)
		}
		return ident, nil
	}
	return loadRelayIdentity(relayIDPath)
}

// saveRelayIdentity writes the private key only; the public key is derived on load.
func saveRelayIdentity(ident *RelayIdentity, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return os.WriteFile(path, []byte(ident.PrivateKey+"\n"), 0600)
}

func loadRelayIdentity(path string) (*RelayIdentity, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read relay ID file: %w", err)
	}

	sk := strings.TrimSpace(string(content))
	if len(sk) != 64 {
		return nil, fmt.Errorf("relay key must be 64 hex characters, got %d", len(sk))
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	return &RelayIdentity{
		PublicKey:  pk,
		PrivateKey: sk,
		RelayID:    fmt.Sprintf("relay-%s", pk[:16]),
	}, nil
}
