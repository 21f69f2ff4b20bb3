package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"code.wakelink.org/golang/internal/relay"
	"code.wakelink.org/golang/pkg/packet"
)

const relayPullWait = 25 * time.Second

// RelayConfig holds what a Client needs to reach a relay over HTTP.
type RelayConfig struct {
	// URL is the relay base address, eg https://relay.example.org
	URL string

	// APIToken authenticates the controller side of the relay API.
	APIToken string

	// HTTPClient optionally overrides http.DefaultClient.
	HTTPClient *http.Client
}

// Check validates the RelayConfig.
func (self *RelayConfig) Check() error {
	if "" == self.URL {
		return newError("invalid RelayConfig, missing URL")
	}
	if "" == self.APIToken {
		return newError("invalid RelayConfig, missing APIToken")
	}
	if nil == self.HTTPClient {
		self.HTTPClient = http.DefaultClient
	}
	return nil
}

// SendRelay pushes msg through the relay HTTP API and long polls the
// controller side queue until a reply matching the command request_id shows
// up. There is no retransmission, on ctx expiry ErrTimeout is returned and
// the command may or may not have reached the endpoint.
func (self *Client) SendRelay(ctx context.Context, cfg RelayConfig, msg packet.Message) (packet.Reply, error) {
	err := cfg.Check()
	if nil != err {
		return nil, err
	}

	signed, env, err := self.encode(msg)
	if nil != err {
		return nil, err
	}

	push := relay.PushRequest{
		EndpointID: self.codec.EndpointID(),
		Payload:    env.Payload,
		Signature:  env.Signature,
		Version:    env.Version,
		Direction:  relay.ToEndpoint,
		ClientID:   self.clientID,
	}
	err = self.relayPost(ctx, cfg, "/api/push", push, nil)
	if nil != err {
		return nil, err
	}

	reqId := signed.RequestID
	for {
		reply, found, err := self.relayPull(ctx, cfg, reqId)
		if nil != err {
			return nil, err
		}
		if found {
			return reply, nil
		}
		select {
		case <-ctx.Done():
			return nil, wrapError(ErrTimeout, "no reply to %s", reqId)
		default:
		}
	}
}

// relayPull runs one long poll round and scans returned frames for the reply
// matching reqId. Unrelated frames are dropped.
func (self *Client) relayPull(ctx context.Context, cfg RelayConfig, reqId string) (packet.Reply, bool, error) {
	wait := relayPullWait
	if deadline, present := ctx.Deadline(); present {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, wrapError(ErrTimeout, "no reply to %s", reqId)
		}
		if remaining < wait {
			wait = remaining
		}
	}

	// round up to a whole second, the ctx cancels the request early anyway
	waitSec := int(wait / time.Second)
	if 1 > waitSec {
		waitSec = 1
	}
	pull := relay.PullRequest{
		EndpointID: self.codec.EndpointID(),
		Direction:  relay.ToController,
		Wait:       waitSec,
	}
	var rsp relay.PullResponse
	err := self.relayPost(ctx, cfg, "/api/pull", pull, &rsp)
	if nil != err {
		return nil, false, err
	}

	for _, frame := range rsp.Messages {
		var env packet.Envelope
		err = json.Unmarshal(frame, &env)
		if nil != err {
			continue
		}
		reply, err := self.decodeReply(env)
		if nil != err {
			self.obs.Log().Debug("dropped undecodable relay frame", "error", err)
			continue
		}
		if reqId == reply.RequestID() {
			return reply, true, nil
		}
	}
	return nil, false, nil
}

// relayPost runs one JSON POST against the relay API. rsp may be nil when the
// response body is not needed.
func (self *Client) relayPost(ctx context.Context, cfg RelayConfig, path string, body any, rsp any) error {
	buf, err := json.Marshal(body)
	if nil != err {
		return wrapError(err, "failed marshalling %s request", path)
	}

	url := strings.TrimSuffix(cfg.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if nil != err {
		return wrapError(err, "failed building %s request", path)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIToken)

	hrsp, err := cfg.HTTPClient.Do(req)
	if nil != err {
		if nil != ctx.Err() {
			return wrapError(ErrTimeout, "%s aborted, %v", path, ctx.Err())
		}
		return wrapError(err, "failed calling %s", path)
	}
	defer hrsp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hrsp.Body, 1<<20))
	if nil != err {
		return wrapError(err, "failed reading %s response", path)
	}
	if http.StatusOK != hrsp.StatusCode {
		return wrapError(ErrRejected, "%s answered %s, %s", path, hrsp.Status, firstLine(data))
	}
	if nil != rsp {
		err = json.Unmarshal(data, rsp)
		if nil != err {
			return wrapError(err, "failed parsing %s response", path)
		}
	}
	return nil
}

func firstLine(data []byte) string {
	line, _, _ := strings.Cut(string(data), "\n")
	if 120 < len(line) {
		line = fmt.Sprintf("%s...", line[:120])
	}
	return line
}
