package transport

import (
	"bufio"
	"bytes"
	"io"
)

// Transport moves opaque message frames over some byte stream.
type Transport interface {
	ReadBytes() ([]byte, error)
	WriteBytes(data []byte) error
}

// T aliases Transport
type T = Transport

// MessageTransport read/write messages to inner Transport after converting them to bytes.
type MessageTransport struct {
	Transport
	S Serializer // Convert messages to bytes and bytes to messages.
}

// WriteMessage converts msg to bytes and writes msg bytes to inner Transport.
func (self MessageTransport) WriteMessage(msg any) error {
	var srzmsg []byte
	var err error

	switch v := msg.(type) {
	case RawMsg:
		srzmsg = []byte(v)
	default:
		srzmsg, err = self.S.Marshal(msg)
		if nil != err {
			return wrapError(err, "failed marshalling msg")
		}
	}

	err = self.WriteBytes(srzmsg)

	return wrapError(err, "failed writing msg") // nil if err is nil ...
}

// ReadMessage reads msg bytes from inner Transport and deserializes them to msg.
func (self MessageTransport) ReadMessage(msg any) error {

	srzmsg, err := self.ReadBytes()
	if nil != err {
		return wrapError(err, "failed reading message bytes")
	}

	switch v := msg.(type) {
	case *RawMsg:
		*v = RawMsg(srzmsg)
	default:
		err = self.S.Unmarshal(srzmsg, msg)
	}

	return wrapError(err, "failed unmarshaling message") // nil if err is nil
}

// RawMsg is a "marker" type used to disable serialization
type RawMsg []byte

const (
	// MaxLineSize bounds frames moved over a LineTransport.
	MaxLineSize = 4096
)

// LineTransport frames messages with a trailing newline, the framing used on the
// raw local link between a controller and an endpoint. Frames larger than
// MaxLineSize are refused.
type LineTransport struct {
	R *bufio.Reader
	W io.Writer
}

// NewLineTransport returns a LineTransport reading from r and writing to w.
func NewLineTransport(r io.Reader, w io.Writer) LineTransport {
	return LineTransport{R: bufio.NewReaderSize(r, MaxLineSize), W: w}
}

// ReadBytes reads one newline terminated frame. The newline (and an optional
// carriage return) is stripped from the returned data.
func (self LineTransport) ReadBytes() ([]byte, error) {
	data, err := self.R.ReadSlice('\n')
	if bufio.ErrBufferFull == err {
		return nil, wrapError(FrameSizeError, "frame exceeds %d bytes", MaxLineSize)
	}
	if nil != err {
		return nil, wrapError(err, "failed reading frame")
	}

	data = bytes.TrimRight(data, "\r\n")
	rv := make([]byte, len(data))
	copy(rv, data)

	return rv, nil
}

// WriteBytes writes data followed by a newline. data may not itself contain a
// newline as that would break the framing.
func (self LineTransport) WriteBytes(data []byte) error {
	if len(data) >= MaxLineSize {
		return wrapError(FrameSizeError, "frame exceeds %d bytes", MaxLineSize)
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return newError("frame contains a newline")
	}

	pdata := make([]byte, 0, len(data)+1)
	pdata = append(pdata, data...)
	pdata = append(pdata, '\n')
	_, err := self.W.Write(pdata)

	return wrapError(err, "failed writing frame") // nil if err is nil
}

var _ Transport = LineTransport{}
