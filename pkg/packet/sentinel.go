package packet

import (
	"errors"
	"strings"

	"code.wakelink.org/golang/pkg/replay"
)

// SentinelPrefix starts every plain text error returned on the raw local
// transport in place of a decrypted payload.
const SentinelPrefix = "ERROR:"

// sentinelCodes maps decode failures to their wire error codes. Order
// matters, the first match wins.
var sentinelCodes = []struct {
	flag error
	code string
}{
	{ErrMalformedEnvelope, "MALFORMED_ENVELOPE"},
	{ErrUnsupportedVersion, "UNSUPPORTED_VERSION"},
	{ErrInvalidSignature, "INVALID_SIGNATURE"},
	{ErrInvalidHexLength, "INVALID_HEX_LENGTH"},
	{ErrInvalidDataLength, "INVALID_DATA_LENGTH"},
	{ErrInvalidPacketSize, "INVALID_PACKET_SIZE"},
	{ErrMalformedPayload, "INVALID_JSON"},
	{ErrNoCommand, "NO_COMMAND"},
	{ErrWeakSecret, "WEAK_SECRET"},
	{replay.ErrLimitExceeded, "REPLAY_LIMIT_EXCEEDED"},
}

// ErrorCode returns the wire error code for err, or "INTERNAL" when err is
// outside the packet error taxonomy.
func ErrorCode(err error) string {
	for _, entry := range sentinelCodes {
		if errors.Is(err, entry.flag) {
			return entry.code
		}
	}
	return "INTERNAL"
}

// Sentinel formats err as a plain text sentinel error line.
func Sentinel(err error) string {
	return SentinelPrefix + ErrorCode(err)
}

// CodeError maps a wire error code back onto its error flag, for peers
// interpreting sentinel lines. Unknown codes map onto the package Error.
func CodeError(code string) error {
	for _, entry := range sentinelCodes {
		if code == entry.code {
			return entry.flag
		}
	}
	return wrapError(Error, "peer reported %s", code)
}

// IsSentinel reports whether a plaintext received on the raw transport is a
// sentinel error rather than a packet.
func IsSentinel(s string) bool {
	return strings.HasPrefix(s, SentinelPrefix)
}

// SentinelCode extracts the error code from a sentinel line. It returns ""
// when s is not a sentinel.
func SentinelCode(s string) string {
	if !IsSentinel(s) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(s, SentinelPrefix))
}
