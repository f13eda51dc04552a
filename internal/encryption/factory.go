package encryption

import (
	"fmt"

	"fridgesync/internal/config"
)

// Keyring seals and opens stored blobs.
type Keyring interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// KeyringFromConfig unlocks the keyring selected by cfg. It returns nil when
// encryption is disabled.
func KeyringFromConfig(cfg config.EncryptionConfig, passphrase string) (Keyring, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "age":
		e := NewAgeEncryptor(cfg)
		if !e.IsConfigured() {
			return nil, fmt.Errorf("age keys not found; run `fridgesync config keys` first")
		}
		k, err := e.Unlock(passphrase)
		if err != nil {
			return nil, err
		}
		return k, nil
	case "test":
		return &TestKeyring{}, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
