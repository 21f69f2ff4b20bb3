// Package relay implements the blind message relay between controllers and
// endpoints. The relay never holds packet keys: it checks session tokens and
// the outer envelope shape, then forwards or queues opaque payloads.
package relay

import (
	"encoding/json"

	"code.wakelink.org/golang/pkg/packet"
)

// Direction tells which way a relayed frame travels. The values are part of
// the wire contract.
type Direction string

const (
	ToEndpoint   = Direction("to_endpoint")
	ToController = Direction("to_controller")
)

// Check validates the direction wire value.
func (self Direction) Check() error {
	switch self {
	case ToEndpoint, ToController:
		return nil
	}
	return newError("invalid direction %q", string(self))
}

// Role tells which side of a conversation a session represents.
type Role string

const (
	RoleEndpoint   = Role("endpoint")
	RoleController = Role("controller")
)

// Inbound tells which queue direction a session of this role consumes.
func (self Role) Inbound() Direction {
	if RoleEndpoint == self {
		return ToEndpoint
	}
	return ToController
}

// Outbound tells which queue direction a session of this role produces.
func (self Role) Outbound() Direction {
	if RoleEndpoint == self {
		return ToController
	}
	return ToEndpoint
}

// ControlMessage is a websocket text frame exchanged outside the packet
// protocol: authentication, welcome and error notifications. A frame whose
// type field is empty is a relayed packet envelope instead.
type ControlMessage struct {
	Type   string `json:"type,omitempty"`
	Token  string `json:"token,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	ctrlAuth    = "auth"
	ctrlWelcome = "welcome"
	ctrlPing    = "ping"
	ctrlPong    = "pong"
)

// welcomeFrame is sent once after successful authentication.
func welcomeFrame() []byte {
	frame, _ := json.Marshal(ControlMessage{Type: ctrlWelcome, Status: "connected"})
	return frame
}

// errorFrame is sent before closing a rejected connection.
func errorFrame(code string) []byte {
	frame, _ := json.Marshal(ControlMessage{Status: "error", Error: code})
	return frame
}

// PushRequest is the body of POST /api/push. Payload, Signature and Version
// mirror the packet envelope, the relay re-wraps them for the receiving side.
type PushRequest struct {
	EndpointID string    `json:"endpoint_id"`
	Payload    string    `json:"payload"`
	Signature  string    `json:"signature"`
	Version    string    `json:"version"`
	Direction  Direction `json:"direction"`
	ClientID   string    `json:"client_id,omitempty"`
	Counter    *uint32   `json:"counter,omitempty"`
}

// Check validates the push request shape. The relay cannot verify the
// signature, only that the envelope is routable.
func (self PushRequest) Check() error {
	if "" == self.EndpointID {
		return newError("missing endpoint_id")
	}
	err := self.Direction.Check()
	if nil != err {
		return err
	}
	env := self.Envelope()
	return env.Check()
}

// Envelope returns the packet envelope carried by the push request.
func (self PushRequest) Envelope() packet.Envelope {
	return packet.Envelope{
		EndpointID: self.EndpointID,
		Payload:    self.Payload,
		Signature:  self.Signature,
		Version:    self.Version,
		Counter:    self.Counter,
	}
}

// PullRequest is the body of POST /api/pull. Wait is a long poll budget in
// seconds, capped at MaxPullWait.
type PullRequest struct {
	EndpointID string    `json:"endpoint_id"`
	Direction  Direction `json:"direction"`
	Wait       int       `json:"wait"`
}

// PullResponse is the body answered by /api/pull. Messages is never null on
// the wire, a timeout yields an empty array.
type PullResponse struct {
	Status   string            `json:"status"`
	Messages []json.RawMessage `json:"messages"`
}
