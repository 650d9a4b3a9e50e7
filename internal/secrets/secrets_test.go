package secrets

import (
	"errors"
	"testing"
)

func TestKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub, err := PublicKey(key)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	plain := []byte(`{"token":"s3cret"}`)
	encrypted, err := Encrypt(plain, pub)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := Decoder{}.Decrypt(encrypted, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plain) {
		t.Fatalf("decrypted = %q, want %q", got, plain)
	}
}

func TestDecryptWrongRecipient(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()
	pub1, _ := PublicKey(key1)

	encrypted, err := Encrypt([]byte("{}"), pub1)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := (Decoder{}).Decrypt(encrypted, key2); !errors.Is(err, ErrNoMatchingKeys) {
		t.Fatalf("error = %v, want ErrNoMatchingKeys", err)
	}
}

func TestDecryptMalformed(t *testing.T) {
	key, _ := GenerateKey()
	if _, err := (Decoder{}).Decrypt([]byte("not an age file"), key); !errors.Is(err, ErrMalformed) {
		t.Fatalf("error = %v, want ErrMalformed", err)
	}
}

func TestInvalidKey(t *testing.T) {
	if _, err := PublicKey("garbage"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("error = %v, want ErrInvalidKey", err)
	}
	if _, err := (Decoder{}).Decrypt([]byte("x"), "garbage"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("error = %v, want ErrInvalidKey", err)
	}
}
