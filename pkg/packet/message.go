package packet

import (
	"time"

	"github.com/google/uuid"
)

// Message is the inner plaintext of a command packet. Data is an open
// string-keyed bag: the codec carries it opaquely, command specific validation
// belongs to the dispatcher.
type Message struct {
	Command   string            `json:"command"`
	Data      map[string]string `json:"data"`
	RequestID string            `json:"request_id"`
	Timestamp int64             `json:"timestamp"`
}

// NewMessage returns a Message for command with a fresh 8 character request id
// and the current unix timestamp. A nil data map is replaced by an empty one so
// the wire form always carries a data object.
func NewMessage(command string, data map[string]string) Message {
	if nil == data {
		data = map[string]string{}
	}
	return Message{
		Command:   command,
		Data:      data,
		RequestID: NewRequestID(),
		Timestamp: time.Now().Unix(),
	}
}

// NewRequestID returns a short request identifier binding a response to its
// request.
func NewRequestID() string {
	return uuid.NewString()[:8]
}

// Reply is the inner plaintext of a response packet. Unlike commands the shape
// is free form, the endpoint dispatcher decides what a reply carries.
type Reply map[string]any

// RequestID returns the request_id field of the Reply, or "".
func (self Reply) RequestID() string {
	rid, _ := self["request_id"].(string)
	return rid
}

// Status returns the status field of the Reply, or "".
func (self Reply) Status() string {
	status, _ := self["status"].(string)
	return status
}
