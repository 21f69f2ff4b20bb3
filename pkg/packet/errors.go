package packet

import (
	"code.wakelink.org/golang/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("packet: error")

	// ErrWeakSecret reports a shared secret shorter than MinSecretLen.
	ErrWeakSecret = errorFlag("packet: secret too short")

	// ErrMalformedEnvelope reports an unparseable outer JSON or missing
	// payload/signature fields.
	ErrMalformedEnvelope = errorFlag("packet: malformed envelope")

	// ErrUnsupportedVersion reports a protocol version other than "1.0".
	ErrUnsupportedVersion = errorFlag("packet: unsupported protocol version")

	// ErrInvalidSignature reports an HMAC mismatch. No decryption has been
	// attempted when this is returned.
	ErrInvalidSignature = errorFlag("packet: invalid signature")

	// ErrInvalidHexLength reports a payload hex string of odd length.
	ErrInvalidHexLength = errorFlag("packet: invalid hex length")

	// ErrInvalidDataLength reports a declared plaintext length of 0 or above
	// MaxPlaintextLen.
	ErrInvalidDataLength = errorFlag("packet: invalid data length")

	// ErrInvalidPacketSize reports payload bytes inconsistent with the
	// declared framing.
	ErrInvalidPacketSize = errorFlag("packet: invalid packet size")

	// ErrMalformedPayload reports a decrypted payload that is not valid inner
	// JSON.
	ErrMalformedPayload = errorFlag("packet: malformed inner payload")

	// ErrNoCommand reports a decrypted body lacking the command field.
	ErrNoCommand = errorFlag("packet: no command in payload")

	noError = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	} else {
		return Error
	}
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}
