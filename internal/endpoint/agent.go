package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"code.wakelink.org/golang/internal/observability"
	"code.wakelink.org/golang/internal/transport"
	"code.wakelink.org/golang/pkg/packet"
	"code.wakelink.org/golang/pkg/replay"
)

const connIdleTimeout = 5 * time.Minute

// AgentConfig carries the Agent dependencies.
type AgentConfig struct {
	Codec      packet.Codec
	Guard      *replay.Guard
	Dispatcher Dispatcher

	// Scheduler is polled at loop boundaries, Restart runs once it is due.
	Scheduler *Scheduler
	Restart   func()

	Obs *observability.Observability
}

// Check validates the configuration and fills in defaults.
func (self *AgentConfig) Check() error {
	if nil == self.Guard {
		return newError("missing replay Guard")
	}
	if nil == self.Dispatcher {
		return newError("missing Dispatcher")
	}
	if nil == self.Scheduler {
		self.Scheduler = &Scheduler{}
	}
	if nil == self.Restart {
		self.Restart = func() {}
	}
	return nil
}

// Agent runs the local command loop: one TCP connection at a time, one
// newline framed packet per cycle, full decode, dispatch, encrypted reply.
// Decode failures answer plain text sentinel lines, keeping the raw framing
// symmetric with successful replies.
type Agent struct {
	cfg AgentConfig
}

// NewAgent returns an Agent. It errors if cfg is invalid.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid agent configuration")
	}
	return &Agent{cfg: cfg}, nil
}

// Serve accepts local connections on listener until ctx is done. Connections
// are handled one at a time, the protocol has no concurrent local callers.
func (self *Agent) Serve(ctx context.Context, listener net.Listener) error {
	log := self.cfg.Obs.Log()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if nil != err {
			if nil != ctx.Err() {
				return nil
			}
			return wrapError(err, "failed listener Accept")
		}
		log.Debug("local connection", "remote", conn.RemoteAddr())
		self.handle(ctx, conn)
	}
}

func (self *Agent) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	lt := transport.NewLineTransport(conn, conn)
	for {
		conn.SetReadDeadline(time.Now().Add(connIdleTimeout))
		if !self.serveFrame(ctx, lt) {
			return
		}
	}
}

// serveFrame runs one packet cycle over t. It reports whether the caller
// should keep serving.
func (self *Agent) serveFrame(ctx context.Context, t transport.T) bool {
	raw, err := t.ReadBytes()
	if nil != err {
		return false
	}

	reply := self.Process(ctx, raw)
	err = t.WriteBytes(reply)
	if nil != err {
		self.cfg.Obs.Log().Warn("failed reply write", "error", err)
		return false
	}

	return !self.restartDue()
}

// restartDue fires a deferred restart once its deadline has passed. It
// reports whether the restart ran, serving loops then stop.
func (self *Agent) restartDue() bool {
	if !self.cfg.Scheduler.Due() {
		return false
	}
	self.cfg.Scheduler.Clear()
	self.cfg.Restart()
	return true
}

// restartDeadline returns the armed restart deadline, zero when none is
// pending, for loops that bound a blocking read on it.
func (self *Agent) restartDeadline() time.Time {
	at, armed := self.cfg.Scheduler.DueAt()
	if !armed {
		return time.Time{}
	}
	return at
}

// Process runs one full packet cycle and returns the bytes to answer: an
// encrypted reply envelope, or a plain sentinel line when the packet never
// decoded.
func (self *Agent) Process(ctx context.Context, raw []byte) []byte {
	log := self.cfg.Obs.Log()

	var env packet.Envelope
	err := json.Unmarshal(raw, &env)
	if nil != err {
		return []byte(packet.Sentinel(packet.ErrMalformedEnvelope))
	}

	// the replay budget is spent after signature verification but before any
	// decryption
	err = self.cfg.Codec.Verify(env)
	if nil != err {
		log.Warn("rejected packet", "error", err)
		return []byte(packet.Sentinel(err))
	}
	err = self.cfg.Guard.Admit()
	if nil != err {
		log.Warn("rejected packet", "error", err)
		return []byte(packet.Sentinel(err))
	}
	msg, err := self.cfg.Codec.Open(env)
	if nil != err {
		log.Warn("rejected packet", "error", err)
		return []byte(packet.Sentinel(err))
	}
	err = self.cfg.Guard.Consume()
	if nil != err {
		// the packet was served, a failed counter flush must not eat the
		// reply
		log.Error("failed replay counter persistence", "error", err)
	}

	reply := self.dispatch(ctx, msg)
	return self.encodeReply(msg, reply)
}

func (self *Agent) dispatch(ctx context.Context, msg packet.Message) packet.Reply {
	log := self.cfg.Obs.Log()

	reply, err := self.cfg.Dispatcher.Dispatch(ctx, msg.Command, msg.Data)
	if nil != err {
		if errors.Is(err, ErrUnknownCommand) {
			return packet.Reply{
				"status":  "error",
				"error":   "UNKNOWN_COMMAND",
				"command": msg.Command,
			}
		}
		log.Error("failed command", "command", msg.Command, "error", err)
		return packet.Reply{"status": "error", "error": "INTERNAL"}
	}
	if nil == reply {
		// a handler answering (nil, nil) must not crash the packet loop
		reply = packet.Reply{"status": "success"}
	}
	return reply
}

// encodeReply encrypts reply and echoes the replay counter in the outer
// envelope, so controllers track consumption without decrypting.
func (self *Agent) encodeReply(msg packet.Message, reply packet.Reply) []byte {
	if _, present := reply["request_id"]; !present {
		reply["request_id"] = msg.RequestID
	}

	env, err := self.cfg.Codec.EncodeReply(reply)
	if nil != err {
		self.cfg.Obs.Log().Error("failed reply encoding", "error", err)
		return []byte(packet.Sentinel(err))
	}
	counter := self.cfg.Guard.Value()
	env.Counter = &counter

	raw, err := json.Marshal(env)
	if nil != err {
		return []byte(packet.Sentinel(err))
	}
	return raw
}
