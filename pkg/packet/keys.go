// Package packet implements the WakeLink v1.0 wire unit: a signed outer JSON
// envelope carrying a hex encoded, ChaCha20 encrypted inner command or reply.
// The relay forwards envelopes without the keys needed to open them, only the
// two ends of a conversation hold a Keys value.
package packet

import (
	"code.wakelink.org/golang/pkg/primitives"
)

const (
	// MinSecretLen is the minimum byte length of a shared secret.
	MinSecretLen = 32
)

// Keys holds the two working keys derived from a shared secret.
//
// In protocol version 1.0 both keys are the same SHA256 digest of the secret.
// The missing key separation is a known protocol quirk: it is kept as is
// because diverging would break wire compatibility with deployed firmware.
type Keys struct {
	Cipher [32]byte // ChaCha20 encryption key
	Mac    [32]byte // HMAC-SHA256 signing key
}

// DeriveKeys derives the working keys from secret. It errors with
// ErrWeakSecret when secret is shorter than MinSecretLen bytes. The derivation
// is performed once per process lifetime, the result lives only in memory.
func DeriveKeys(secret []byte) (Keys, error) {
	var keys Keys
	if len(secret) < MinSecretLen {
		return keys, wrapError(ErrWeakSecret, "need %d bytes, got %d", MinSecretLen, len(secret))
	}

	master := primitives.Sha256(secret)
	keys.Cipher = master
	keys.Mac = master
	return keys, nil
}
