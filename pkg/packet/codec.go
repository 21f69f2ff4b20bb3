package packet

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"code.wakelink.org/golang/pkg/primitives"
)

const (
	// MaxPlaintextLen bounds the encrypted inner payload.
	MaxPlaintextLen = 500

	// nonceSize is the transported nonce size. Only the first
	// primitives.Chacha20NonceSize bytes feed the cipher, the remaining 4 are
	// padding carried for format symmetry.
	nonceSize = 16

	headerSize = 2 // uint16 big endian plaintext length
)

// Codec encrypts, signs, verifies and decrypts packets for one endpoint
// identity. It is safe for concurrent use.
type Codec struct {
	keys       Keys
	endpointID string
}

// NewCodec returns a Codec bound to keys and endpointID.
func NewCodec(keys Keys, endpointID string) Codec {
	return Codec{keys: keys, endpointID: endpointID}
}

// EndpointID returns the endpoint identity the Codec is bound to.
func (self Codec) EndpointID() string {
	return self.endpointID
}

// EncodeMessage encrypts and signs a command Message. A missing request id or
// timestamp is filled in.
func (self Codec) EncodeMessage(msg Message) (Envelope, error) {
	if "" == msg.RequestID {
		msg.RequestID = NewRequestID()
	}
	if 0 == msg.Timestamp {
		msg.Timestamp = time.Now().Unix()
	}
	if nil == msg.Data {
		msg.Data = map[string]string{}
	}

	plaintext, err := json.Marshal(msg)
	if nil != err {
		return Envelope{}, wrapError(err, "failed marshalling message")
	}
	return self.encode(plaintext)
}

// EncodeReply encrypts and signs a response Reply. A missing timestamp is
// filled in, mirroring the firmware response path.
func (self Codec) EncodeReply(reply Reply) (Envelope, error) {
	if _, present := reply["timestamp"]; !present {
		reply["timestamp"] = time.Now().Unix()
	}

	plaintext, err := json.Marshal(reply)
	if nil != err {
		return Envelope{}, wrapError(err, "failed marshalling reply")
	}
	return self.encode(plaintext)
}

// Decode parses, verifies and decrypts a raw outer JSON packet into the inner
// command Message.
func (self Codec) Decode(data []byte) (Message, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	if nil != err {
		return Message{}, wrapError(ErrMalformedEnvelope, "unparseable outer JSON, %v", err)
	}
	return self.DecodeEnvelope(env)
}

// DecodeEnvelope verifies and decrypts an already parsed Envelope into the
// inner command Message. It errors with ErrNoCommand when the decrypted body
// lacks a command.
func (self Codec) DecodeEnvelope(env Envelope) (Message, error) {
	err := self.Verify(env)
	if nil != err {
		return Message{}, err
	}
	return self.Open(env)
}

// Verify validates the envelope shape and checks the signature without
// decrypting anything. Callers gating decryption on a replay budget verify
// first, spend the budget, then Open.
func (self Codec) Verify(env Envelope) error {
	err := env.Check()
	if nil != err {
		return err
	}
	return self.verify(env.Payload, env.Signature)
}

// Open decrypts a verified envelope into the inner command Message. It errors
// with ErrNoCommand when the decrypted body lacks a command.
func (self Codec) Open(env Envelope) (Message, error) {
	plaintext, err := self.decrypt(env.Payload)
	if nil != err {
		return Message{}, err
	}

	var msg Message
	err = json.Unmarshal(plaintext, &msg)
	if nil != err {
		return Message{}, wrapError(ErrMalformedPayload, "unparseable inner JSON, %v", err)
	}
	if "" == msg.Command {
		return Message{}, wrapError(ErrNoCommand, "decrypted body lacks a command")
	}
	if nil == msg.Data {
		msg.Data = map[string]string{}
	}
	return msg, nil
}

// DecodeReply parses, verifies and decrypts a raw outer JSON packet into a
// response Reply.
func (self Codec) DecodeReply(data []byte) (Reply, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	if nil != err {
		return nil, wrapError(ErrMalformedEnvelope, "unparseable outer JSON, %v", err)
	}
	return self.DecodeReplyEnvelope(env)
}

// DecodeReplyEnvelope verifies and decrypts an already parsed Envelope into a
// response Reply.
func (self Codec) DecodeReplyEnvelope(env Envelope) (Reply, error) {
	err := self.Verify(env)
	if nil != err {
		return nil, err
	}
	plaintext, err := self.decrypt(env.Payload)
	if nil != err {
		return nil, err
	}

	var reply Reply
	err = json.Unmarshal(plaintext, &reply)
	if nil != err {
		return nil, wrapError(ErrMalformedPayload, "unparseable inner JSON, %v", err)
	}
	return reply, nil
}

// encode builds the signed envelope around plaintext: a fresh random 16 byte
// nonce, ChaCha20 with the first 12 nonce bytes at counter 0, then
// hex(length || ciphertext || nonce) signed over the hex string bytes.
func (self Codec) encode(plaintext []byte) (Envelope, error) {
	if 0 == len(plaintext) || len(plaintext) > MaxPlaintextLen {
		return Envelope{}, wrapError(ErrInvalidDataLength, "plaintext length %d", len(plaintext))
	}

	// a repeated nonce under the same key breaks confidentiality, only the
	// system randomness source is acceptable here
	var nonce [nonceSize]byte
	_, err := rand.Read(nonce[:])
	if nil != err {
		return Envelope{}, wrapError(err, "failed nonce generation")
	}

	var cnonce [primitives.Chacha20NonceSize]byte
	copy(cnonce[:], nonce[:primitives.Chacha20NonceSize])
	ciphertext := primitives.Chacha20(self.keys.Cipher, cnonce, 0, plaintext)

	packet := make([]byte, headerSize+len(ciphertext)+nonceSize)
	binary.BigEndian.PutUint16(packet, uint16(len(ciphertext)))
	copy(packet[headerSize:], ciphertext)
	copy(packet[headerSize+len(ciphertext):], nonce[:])

	payload := hex.EncodeToString(packet)

	return Envelope{
		EndpointID: self.endpointID,
		Payload:    payload,
		Signature:  self.sign(payload),
		Version:    Version,
	}, nil
}

// sign returns the hex HMAC-SHA256 of the payload hex string bytes. Signing
// the hex form rather than the raw bytes is part of the v1.0 wire contract.
func (self Codec) sign(payload string) string {
	mac := primitives.HmacSha256(self.keys.Mac[:], []byte(payload))
	return hex.EncodeToString(mac[:])
}

// verify checks signature against the recomputed payload HMAC in constant
// time.
func (self Codec) verify(payload, signature string) error {
	given, err := hex.DecodeString(signature)
	if nil != err || primitives.Sha256Size != len(given) {
		return wrapError(ErrInvalidSignature, "signature is not a %d byte hex string", primitives.Sha256Size)
	}

	want := primitives.HmacSha256(self.keys.Mac[:], []byte(payload))
	if 1 != subtle.ConstantTimeCompare(given, want[:]) {
		return wrapError(ErrInvalidSignature, "HMAC mismatch")
	}
	return nil
}

// decrypt checks the binary framing of the hex payload and returns the
// decrypted plaintext.
func (self Codec) decrypt(payload string) ([]byte, error) {
	if 0 != len(payload)%2 {
		return nil, wrapError(ErrInvalidHexLength, "odd hex length %d", len(payload))
	}
	packet, err := hex.DecodeString(payload)
	if nil != err {
		return nil, wrapError(ErrInvalidHexLength, "payload is not hex, %v", err)
	}
	if len(packet) < headerSize {
		return nil, wrapError(ErrInvalidPacketSize, "payload of %d bytes", len(packet))
	}

	length := int(binary.BigEndian.Uint16(packet))
	if 0 == length || length > MaxPlaintextLen {
		return nil, wrapError(ErrInvalidDataLength, "declared length %d", length)
	}
	if len(packet) != headerSize+length+nonceSize {
		return nil, wrapError(
			ErrInvalidPacketSize,
			"payload of %d bytes, framing declares %d",
			len(packet), headerSize+length+nonceSize,
		)
	}

	ciphertext := packet[headerSize : headerSize+length]
	var cnonce [primitives.Chacha20NonceSize]byte
	copy(cnonce[:], packet[headerSize+length:])

	return primitives.Chacha20(self.keys.Cipher, cnonce, 0, ciphertext), nil
}
