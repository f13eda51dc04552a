package encryption

import (
	"bytes"
	"fmt"
)

// testHeader is prepended by TestKeyring so sealed output differs from
// plaintext while staying deterministic and reversible.
var testHeader = []byte("FSENC\x00\x00\x00")

// TestEncryptor is a key-free stand-in for AgeEncryptor in tests.
type TestEncryptor struct {
	setupCalled bool
}

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

func (e *TestEncryptor) Unlock(passphrase string) (*TestKeyring, error) {
	return &TestKeyring{}, nil
}

// TestKeyring adds and strips a fixed header.
type TestKeyring struct{}

func (TestKeyring) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, 0, len(testHeader)+len(plaintext))
	out = append(out, testHeader...)
	return append(out, plaintext...), nil
}

func (TestKeyring) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < len(testHeader) {
		return nil, fmt.Errorf("reading test header: sealed data is %d bytes", len(ciphertext))
	}
	if !bytes.Equal(ciphertext[:len(testHeader)], testHeader) {
		return nil, fmt.Errorf("invalid test encryption header")
	}
	return bytes.Clone(ciphertext[len(testHeader):]), nil
}
