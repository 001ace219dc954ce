// Package sealed encrypts account secrets at rest with an age X25519 identity
// kept in a local key file.
package sealed

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Sealer encrypts to, and decrypts with, a single identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// New returns a sealer for identity.
func New(identity *age.X25519Identity) *Sealer {
	return &Sealer{identity: identity, recipient: identity.Recipient()}
}

// Generate returns a sealer with a fresh in-memory identity.
func Generate() (*Sealer, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return New(identity), nil
}

// LoadOrCreate reads the identity at path, generating and persisting a new one
// on first run. Losing the key file makes every stored secret unreadable.
func LoadOrCreate(path string) (*Sealer, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, false, fmt.Errorf("parsing key file %s: %w", path, err)
		}
		return New(identity), false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("reading key file %s: %w", path, err)
	}

	s, err := Generate()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(s.identity.String()+"\n"), 0o600); err != nil {
		return nil, false, fmt.Errorf("writing key file %s: %w", path, err)
	}
	return s, true, nil
}

// Recipient returns the public half of the identity.
func (s *Sealer) Recipient() string {
	return s.recipient.String()
}

// Seal encrypts plaintext and returns base64 ciphertext. Empty input seals to
// the empty string.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open reverses Seal.
func (s *Sealer) Open(ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}

// SealString and OpenString are string conveniences over Seal and Open.
func (s *Sealer) SealString(plaintext string) (string, error) {
	return s.Seal([]byte(plaintext))
}

func (s *Sealer) OpenString(ciphertext string) (string, error) {
	b, err := s.Open(ciphertext)
	return string(b), err
}
