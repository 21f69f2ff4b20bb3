package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"code.wakelink.org/golang/pkg/packet"
)

const liveHandshakeTimeout = 10 * time.Second

// liveControl mirrors the relay control frames a client session exchanges
// before and around envelope traffic.
type liveControl struct {
	Type   string `json:"type,omitempty"`
	Token  string `json:"token,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SendLive sends msg over a relay websocket client channel and waits on the
// same connection for the matching reply. The connection is opened and torn
// down per call, the relay queues the reply if the endpoint answers while we
// are still authenticating.
func (self *Client) SendLive(ctx context.Context, cfg RelayConfig, msg packet.Message) (packet.Reply, error) {
	err := cfg.Check()
	if nil != err {
		return nil, err
	}

	signed, env, err := self.encode(msg)
	if nil != err {
		return nil, err
	}
	raw, err := wireJSON.Marshal(env)
	if nil != err {
		return nil, wrapError(err, "failed marshalling envelope")
	}

	conn, err := self.dialLive(ctx, cfg)
	if nil != err {
		return nil, err
	}
	defer conn.Close()

	if deadline, present := ctx.Deadline(); present {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	err = self.authenticate(conn, cfg.APIToken)
	if nil != err {
		return nil, err
	}

	err = conn.WriteMessage(websocket.TextMessage, raw)
	if nil != err {
		return nil, wrapError(err, "failed sending command")
	}

	return self.awaitReply(ctx, conn, signed.RequestID)
}

func (self *Client) dialLive(ctx context.Context, cfg RelayConfig) (*websocket.Conn, error) {
	url := strings.TrimSuffix(cfg.URL, "/")
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	url += "/ws/client/" + self.clientID

	dialer := websocket.Dialer{HandshakeTimeout: liveHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, http.Header{})
	if nil != err {
		return nil, wrapError(err, "failed dialing %s", url)
	}
	return conn, nil
}

// authenticate runs the inline auth handshake and consumes the welcome frame.
func (self *Client) authenticate(conn *websocket.Conn, token string) error {
	err := conn.WriteJSON(liveControl{Type: "auth", Token: token})
	if nil != err {
		return wrapError(err, "failed sending auth")
	}

	var ctrl liveControl
	err = conn.ReadJSON(&ctrl)
	if nil != err {
		return wrapError(err, "failed reading welcome")
	}
	if "welcome" != ctrl.Type {
		if "" != ctrl.Error {
			return wrapError(ErrRejected, "relay refused session, %s", ctrl.Error)
		}
		return wrapError(ErrRejected, "unexpected frame before welcome")
	}
	return nil
}

// awaitReply reads frames until one decodes to a reply carrying reqId.
// Control frames and unrelated traffic are skipped.
func (self *Client) awaitReply(ctx context.Context, conn *websocket.Conn, reqId string) (packet.Reply, error) {
	for {
		_, frame, err := conn.ReadMessage()
		if nil != err {
			if nil != ctx.Err() || isTimeout(err) {
				return nil, wrapError(ErrTimeout, "no reply to %s", reqId)
			}
			return nil, wrapError(err, "failed reading reply")
		}

		var env packet.Envelope
		err = json.Unmarshal(frame, &env)
		if nil != err || "" == env.Payload {
			continue // control or garbage frame
		}
		reply, err := self.decodeReply(env)
		if nil != err {
			self.obs.Log().Debug("dropped undecodable live frame", "error", err)
			continue
		}
		if reqId == reply.RequestID() {
			return reply, nil
		}
	}
}
