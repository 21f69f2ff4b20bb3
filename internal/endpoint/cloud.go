package endpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"code.wakelink.org/golang/internal/observability"
	"code.wakelink.org/golang/pkg/packet"
)

// ReconnectInterval is the fixed backoff between relay connection attempts.
const ReconnectInterval = 5 * time.Second

const welcomeTimeout = 10 * time.Second

// CloudConfig carries the relay session settings of an endpoint.
type CloudConfig struct {
	// URL is the relay base URL, ws(s) or http(s) scheme.
	URL        string
	EndpointID string
	APIToken   string

	Agent *Agent
	Obs   *observability.Observability

	// Reconnect overrides ReconnectInterval, for tests.
	Reconnect time.Duration
}

// Check validates the configuration and fills in defaults.
func (self *CloudConfig) Check() error {
	if "" == self.URL || "" == self.EndpointID {
		return newError("missing URL or EndpointID")
	}
	if nil == self.Agent {
		return newError("missing Agent")
	}
	if 0 == self.Reconnect {
		self.Reconnect = ReconnectInterval
	}
	return nil
}

// CloudSession keeps an endpoint connected to its relay channel: auth
// handshake, keep-alive, decode-dispatch-respond on every relayed frame, and
// reconnection with a fixed backoff.
type CloudSession struct {
	cfg CloudConfig
}

// NewCloudSession returns a CloudSession. It errors if cfg is invalid.
func NewCloudSession(cfg CloudConfig) (*CloudSession, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid cloud configuration")
	}
	return &CloudSession{cfg: cfg}, nil
}

// Run connects and serves until ctx is done, reconnecting after every
// failure.
func (self *CloudSession) Run(ctx context.Context) error {
	log := self.cfg.Obs.Log().With("endpoint", self.cfg.EndpointID)

	for {
		err := self.serveOnce(ctx)
		if nil != ctx.Err() {
			return nil
		}
		log.Warn("relay session ended", "error", err, "retry_in", self.cfg.Reconnect)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(self.cfg.Reconnect):
		}
	}
}

// wsURL converts the configured base URL into the endpoint channel URL.
func (self *CloudSession) wsURL() string {
	base := strings.TrimSuffix(self.cfg.URL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/" + self.cfg.EndpointID
}

func (self *CloudSession) serveOnce(ctx context.Context) error {
	log := self.cfg.Obs.Log().With("endpoint", self.cfg.EndpointID)

	header := http.Header{}
	if "" != self.cfg.APIToken {
		header.Set("Authorization", "Bearer "+self.cfg.APIToken)
		header.Set("X-API-Token", self.cfg.APIToken)
	}
	header.Set("X-Device-ID", self.cfg.EndpointID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, self.wsURL(), header)
	if nil != err {
		return wrapError(err, "failed relay dial")
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	auth, _ := json.Marshal(map[string]string{"type": "auth", "token": self.cfg.APIToken})
	err = conn.WriteMessage(websocket.TextMessage, auth)
	if nil != err {
		return wrapError(err, "failed auth message")
	}

	err = self.awaitWelcome(conn)
	if nil != err {
		return err
	}
	log.Info("relay session established")

	for {
		// an armed restart bounds the read so a relayed rotate_token or
		// restart fires even when no further frame arrives
		conn.SetReadDeadline(self.cfg.Agent.restartDeadline())
		_, frame, err := conn.ReadMessage()
		if nil != err {
			if self.cfg.Agent.restartDue() {
				return nil
			}
			return wrapError(err, "failed relay read")
		}
		if isControlFrame(frame) {
			continue
		}

		reply := self.cfg.Agent.ProcessCloud(ctx, frame)
		if nil != reply {
			conn.SetWriteDeadline(time.Now().Add(welcomeTimeout))
			err = conn.WriteMessage(websocket.TextMessage, reply)
			if nil != err {
				return wrapError(err, "failed relay write")
			}
		}

		if self.cfg.Agent.restartDue() {
			return nil
		}
	}
}

// awaitWelcome reads until the relay confirms or rejects the auth message.
func (self *CloudSession) awaitWelcome(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(welcomeTimeout))
	for {
		_, frame, err := conn.ReadMessage()
		if nil != err {
			return wrapError(err, "failed welcome read")
		}

		var ctrl struct {
			Type   string `json:"type"`
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		err = json.Unmarshal(frame, &ctrl)
		if nil != err {
			continue
		}
		if "welcome" == ctrl.Type {
			return nil
		}
		if "" != ctrl.Error {
			return newError("relay rejected session with %s", ctrl.Error)
		}
	}
}

// isControlFrame reports whether a relayed frame is a server control message
// rather than a packet envelope.
func isControlFrame(frame []byte) bool {
	var probe struct {
		Type    string `json:"type"`
		Payload string `json:"payload"`
	}
	err := json.Unmarshal(frame, &probe)
	if nil != err {
		return false
	}
	return "" != probe.Type || "" == probe.Payload
}

// ProcessCloud runs one packet cycle for the relay path. Unlike the raw local
// transport, decode failures are answered as encrypted error replies, the
// relay never carries sentinel lines.
func (self *Agent) ProcessCloud(ctx context.Context, raw []byte) []byte {
	out := self.Process(ctx, raw)
	if !packet.IsSentinel(string(out)) {
		return out
	}

	reply := packet.Reply{
		"status": "error",
		"error":  packet.SentinelCode(string(out)),
	}
	env, err := self.cfg.Codec.EncodeReply(reply)
	if nil != err {
		self.cfg.Obs.Log().Error("failed error reply encoding", "error", err)
		return nil
	}
	counter := self.cfg.Guard.Value()
	env.Counter = &counter

	frame, err := json.Marshal(env)
	if nil != err {
		return nil
	}
	return frame
}
