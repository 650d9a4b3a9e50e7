// Package secrets handles the per-project X25519 key pair and the decryption
// of action secrets files encrypted to the project's public key.
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

// ErrNoMatchingKeys means the secrets file was encrypted to a different
// recipient than the project's key.
var ErrNoMatchingKeys = errors.New("secrets not encrypted to the project key")

// ErrMalformed means the secrets file is not a valid age ciphertext.
var ErrMalformed = errors.New("malformed secrets file")

// ErrInvalidKey means the stored project key cannot be parsed.
var ErrInvalidKey = errors.New("invalid project key")

// GenerateKey creates a fresh X25519 identity for a new project. The
// returned string is the private key in its textual form.
func GenerateKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generate project key: %w", err)
	}
	return identity.String(), nil
}

// PublicKey derives the recipient string users encrypt secrets to.
func PublicKey(key string) (string, error) {
	identity, err := age.ParseX25519Identity(key)
	if err != nil {
		return "", ErrInvalidKey
	}
	return identity.Recipient().String(), nil
}

// Decoder decrypts action secrets with a project identity.
type Decoder struct{}

// Decrypt decodes an encrypted secrets payload with the given private key.
func (Decoder) Decrypt(encrypted []byte, key string) ([]byte, error) {
	identity, err := age.ParseX25519Identity(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	reader, err := age.Decrypt(bytes.NewReader(encrypted), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, ErrNoMatchingKeys
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	plain, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return plain, nil
}

// Encrypt seals a payload to a recipient's public key. Used by tooling and
// tests; the controller itself only decrypts.
func Encrypt(plain []byte, recipient string) ([]byte, error) {
	r, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("parse recipient: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return nil, fmt.Errorf("encrypt secrets: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("encrypt secrets: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encrypt secrets: %w", err)
	}
	return buf.Bytes(), nil
}
