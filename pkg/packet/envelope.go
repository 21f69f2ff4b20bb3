package packet

// Version is the only protocol version this codec speaks.
const Version = "1.0"

// Envelope is the outer, unencrypted layer of a wire packet. Field names and
// order are part of the wire contract shared with the firmware and the mobile
// client.
type Envelope struct {
	EndpointID string `json:"endpoint_id"`
	Payload    string `json:"payload"`
	Signature  string `json:"signature"`
	Version    string `json:"version"`

	// Counter optionally echoes the endpoint replay counter on responses. It
	// rides outside the encrypted payload so controllers can track counter
	// consumption without decrypting.
	Counter *uint32 `json:"counter,omitempty"`
}

// Check validates the envelope shape. It does not verify the signature, that
// requires Keys.
func (self Envelope) Check() error {
	if "" == self.Payload || "" == self.Signature {
		return wrapError(ErrMalformedEnvelope, "missing payload or signature")
	}
	if Version != self.Version {
		return wrapError(ErrUnsupportedVersion, "got version %q", self.Version)
	}
	return nil
}
