package packet

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
)

func TestDeriveKeys(t *testing.T) {
	secret := bytes.Repeat([]byte{'a'}, 64)

	keys, err := DeriveKeys(secret)
	if nil != err {
		t.Fatalf("failed deriving keys, got error %v", err)
	}

	want := sha256.Sum256(secret)
	if want != keys.Cipher {
		t.Fatalf("Oops, cipher key is not SHA256(secret)")
	}

	// both keys are the same digest, that is the v1.0 wire contract
	if keys.Cipher != keys.Mac {
		t.Fatalf("Oops, cipher and mac keys differ")
	}
}

func TestDeriveKeysWeakSecret(t *testing.T) {
	_, err := DeriveKeys(bytes.Repeat([]byte{'a'}, MinSecretLen-1))
	if !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("Oops, %d byte secret was not rejected, got error %v", MinSecretLen-1, err)
	}

	_, err = DeriveKeys(nil)
	if !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("Oops, empty secret was not rejected, got error %v", err)
	}

	_, err = DeriveKeys(bytes.Repeat([]byte{'a'}, MinSecretLen))
	if nil != err {
		t.Fatalf("failed deriving keys from %d byte secret, got error %v", MinSecretLen, err)
	}
}
