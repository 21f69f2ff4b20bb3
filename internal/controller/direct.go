package controller

import (
	"context"
	"errors"
	"net"
	"time"

	"code.wakelink.org/golang/internal/transport"
	"code.wakelink.org/golang/pkg/packet"
)

const directTimeout = 10 * time.Second

// SendDirect sends msg to the endpoint agent listening on addr over the raw
// local transport: one newline framed envelope each way. Plain sentinel lines
// are mapped back onto packet error flags.
func (self *Client) SendDirect(ctx context.Context, addr string, msg packet.Message) (packet.Reply, error) {
	_, env, err := self.encode(msg)
	if nil != err {
		return nil, err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if nil != err {
		return nil, wrapError(err, "failed dialing %s", addr)
	}
	defer conn.Close()

	deadline := time.Now().Add(directTimeout)
	if d, present := ctx.Deadline(); present && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	mt := transport.MessageTransport{
		Transport: transport.NewLineTransport(conn, conn),
		S:         wireJSON,
	}
	err = mt.WriteMessage(env)
	if nil != err {
		return nil, wrapError(err, "failed writing command")
	}

	// the reply may be a plain sentinel line, read raw before decoding
	line, err := mt.ReadBytes()
	if nil != err {
		if isTimeout(err) {
			return nil, wrapError(ErrTimeout, "no reply from %s", addr)
		}
		return nil, wrapError(err, "failed reading reply")
	}

	if packet.IsSentinel(string(line)) {
		code := packet.SentinelCode(string(line))
		return nil, wrapError(packet.CodeError(code), "endpoint answered %s", code)
	}

	var renv packet.Envelope
	err = wireJSON.Unmarshal(line, &renv)
	if nil != err {
		return nil, wrapError(packet.ErrMalformedEnvelope, "unparseable reply, %v", err)
	}
	return self.decodeReply(renv)
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return false
}
