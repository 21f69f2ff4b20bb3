// Package controller implements the commanding side of the protocol over its
// three transports: direct TCP, the relay push/pull API and the relay
// websocket channel.
package controller

import (
	"sync/atomic"

	"github.com/google/uuid"

	"code.wakelink.org/golang/internal/observability"
	"code.wakelink.org/golang/internal/transport"
	"code.wakelink.org/golang/pkg/packet"
)

// Client encodes commands and decodes replies for one endpoint. It is safe
// for concurrent use.
type Client struct {
	codec packet.Codec
	obs   *observability.Observability

	// counter mirrors the last replay counter echoed by the endpoint,
	// +1 so the zero value means "not seen yet".
	counter atomic.Uint64

	clientID string
}

// NewClient returns a Client bound to the endpoint shared secret. It errors
// with packet.ErrWeakSecret on a short secret.
func NewClient(secret []byte, endpointID string, obs *observability.Observability) (*Client, error) {
	keys, err := packet.DeriveKeys(secret)
	if nil != err {
		return nil, err
	}

	return &Client{
		codec:    packet.NewCodec(keys, endpointID),
		obs:      obs,
		clientID: "cli_" + endpointID + "_" + uuid.NewString()[:8],
	}, nil
}

// EndpointID returns the endpoint identity the Client commands.
func (self *Client) EndpointID() string {
	return self.codec.EndpointID()
}

// ClientID returns the stable relay session identity of this Client.
func (self *Client) ClientID() string {
	return self.clientID
}

// Counter returns the last replay counter echoed by the endpoint. The bool
// flag is false before any reply carried one.
func (self *Client) Counter() (uint32, bool) {
	v := self.counter.Load()
	if 0 == v {
		return 0, false
	}
	return uint32(v - 1), true
}

// wireJSON serializes envelopes for the wire, validating them on both sides.
var wireJSON = transport.WrapInSafeSerializer(transport.JSONSerializer{})

// encode seals msg into an envelope, filling in a request id when absent.
func (self *Client) encode(msg packet.Message) (packet.Message, packet.Envelope, error) {
	if "" == msg.RequestID {
		msg.RequestID = packet.NewRequestID()
	}

	env, err := self.codec.EncodeMessage(msg)
	if nil != err {
		return msg, packet.Envelope{}, err
	}
	return msg, env, nil
}

// decodeReply opens a reply envelope and records the echoed counter.
func (self *Client) decodeReply(env packet.Envelope) (packet.Reply, error) {
	reply, err := self.codec.DecodeReplyEnvelope(env)
	if nil != err {
		return nil, err
	}
	if nil != env.Counter {
		self.counter.Store(uint64(*env.Counter) + 1)
	}
	return reply, nil
}
