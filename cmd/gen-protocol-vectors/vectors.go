package main

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"code.wakelink.org/golang/internal/utils"
	"code.wakelink.org/golang/pkg/packet"
	"code.wakelink.org/golang/pkg/primitives"
)

var rng *rand.ChaCha8 // see initRng below

// Below code rebuilds the wire packet step by step instead of calling the
// packet Codec, so each intermediate value can be captured. Nonces come from
// the seeded rng, never do that outside vector generation.

// TestVector captures one complete envelope with everything needed to
// reproduce it.
type TestVector struct {
	Secret     utils.HexBinary `json:"secret"`
	Key        utils.HexBinary `json:"key"`
	EndpointID string          `json:"endpoint_id"`
	Message    json.RawMessage `json:"message"`
	Nonce      utils.HexBinary `json:"nonce"`
	Ciphertext utils.HexBinary `json:"ciphertext"`
	Payload    string          `json:"payload"`
	Signature  string          `json:"signature"`
	Envelope   json.RawMessage `json:"envelope"`
}

func fillVector(command string, vect *TestVector) error {
	if nil == vect {
		return fmt.Errorf("nil vect")
	}

	// random secret of 32 to 64 bytes
	secret := make([]byte, 32+rng.Uint64()%33)
	fillRandom(secret)
	vect.Secret = utils.HexBinary(secret)

	keys, err := packet.DeriveKeys(secret)
	if nil != err {
		return fmt.Errorf("Failed key derivation, got error %w", err)
	}
	vect.Key = utils.HexBinary(keys.Cipher[:])

	vect.EndpointID = fmt.Sprintf("WL%06X", rng.Uint64()%0x1000000)

	msg := packet.Message{
		Command:   command,
		Data:      commandData(command),
		RequestID: fmt.Sprintf("%08x", uint32(rng.Uint64())),
		Timestamp: int64(1700000000 + rng.Uint64()%100000000),
	}
	plaintext, err := json.Marshal(msg)
	if nil != err {
		return fmt.Errorf("Failed message serialization, got error %w", err)
	}
	vect.Message = plaintext

	var nonce [16]byte
	fillRandom(nonce[:])
	vect.Nonce = utils.HexBinary(nonce[:])

	var cnonce [primitives.Chacha20NonceSize]byte
	copy(cnonce[:], nonce[:primitives.Chacha20NonceSize])
	ciphertext := primitives.Chacha20(keys.Cipher, cnonce, 0, plaintext)
	vect.Ciphertext = utils.HexBinary(ciphertext)

	frame := make([]byte, 2+len(ciphertext)+len(nonce))
	binary.BigEndian.PutUint16(frame, uint16(len(ciphertext)))
	copy(frame[2:], ciphertext)
	copy(frame[2+len(ciphertext):], nonce[:])
	vect.Payload = hex.EncodeToString(frame)

	mac := primitives.HmacSha256(keys.Mac[:], []byte(vect.Payload))
	vect.Signature = hex.EncodeToString(mac[:])

	envelope, err := json.Marshal(packet.Envelope{
		EndpointID: vect.EndpointID,
		Payload:    vect.Payload,
		Signature:  vect.Signature,
		Version:    packet.Version,
	})
	if nil != err {
		return fmt.Errorf("Failed envelope serialization, got error %w", err)
	}
	vect.Envelope = envelope

	return nil
}

func commandData(command string) map[string]string {
	switch command {
	case "wake":
		var mac [6]byte
		fillRandom(mac[:])
		return map[string]string{
			"mac": fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
				mac[0], mac[1], mac[2], mac[3], mac[4], mac[5]),
		}
	case "maintenance":
		return map[string]string{"action": "status"}
	}
	return map[string]string{}
}

func fillRandom(buf []byte) {
	// ChaCha8 Read never errors
	rng.Read(buf)
}

func initRng(seed uint64) {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:8], seed)
	rng = rand.NewChaCha8(key)
}
