package database

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// AgeSealer encrypts records to an age X25519 identity and decrypts them
// with the same identity.
type AgeSealer struct {
	identity  *age.X25519Identity
	recipient age.Recipient
}

// NewAgeSealer wraps an existing identity.
func NewAgeSealer(identity *age.X25519Identity) *AgeSealer {
	return &AgeSealer{
		identity:  identity,
		recipient: identity.Recipient(),
	}
}

// LoadAgeSealer reads an age identity file (AGE-SECRET-KEY-1... lines, as
// written by age-keygen) and uses its first X25519 identity.
func LoadAgeSealer(path string) (*AgeSealer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening age identity file: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity file %s: %w", path, err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return NewAgeSealer(x), nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", path)
}

func (s *AgeSealer) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *AgeSealer) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted data: %w", err)
	}
	return plaintext, nil
}

var _ Sealer = (*AgeSealer)(nil)
