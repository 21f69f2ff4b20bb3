package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"code.wakelink.org/golang/internal/transport"
	"code.wakelink.org/golang/pkg/packet"
	"code.wakelink.org/golang/pkg/replay"
)

func newTestAgent(t *testing.T) (*Agent, packet.Codec) {
	t.Helper()
	return newTestAgentRestart(t, nil)
}

func newTestAgentRestart(t *testing.T, restart func()) (*Agent, packet.Codec) {
	t.Helper()

	keys, err := packet.DeriveKeys(bytes.Repeat([]byte{'a'}, 64))
	if nil != err {
		t.Fatalf("failed deriving keys, got error %v", err)
	}
	codec := packet.NewCodec(keys, "WLTEST")

	guard, err := replay.NewGuard(&replay.MemStore{}, nil)
	if nil != err {
		t.Fatalf("failed NewGuard, got error %v", err)
	}

	baseline, err := NewBaseline(BaselineConfig{
		EndpointID: "WLTEST",
		Guard:      guard,
		SendWOL:    func(addr string, mac string) error { return nil },
	})
	if nil != err {
		t.Fatalf("failed NewBaseline, got error %v", err)
	}
	table, err := baseline.Table()
	if nil != err {
		t.Fatalf("failed building command table, got error %v", err)
	}

	agent, err := NewAgent(AgentConfig{
		Codec:      codec,
		Guard:      guard,
		Dispatcher: table,
		Scheduler:  baseline.Scheduler(),
		Restart:    restart,
	})
	if nil != err {
		t.Fatalf("failed NewAgent, got error %v", err)
	}
	return agent, codec
}

func encodeCommand(t *testing.T, codec packet.Codec, msg packet.Message) []byte {
	t.Helper()

	env, err := codec.EncodeMessage(msg)
	if nil != err {
		t.Fatalf("failed encoding command, got error %v", err)
	}
	raw, err := json.Marshal(env)
	if nil != err {
		t.Fatalf("failed marshalling envelope, got error %v", err)
	}
	return raw
}

func TestAgentProcessPing(t *testing.T) {
	agent, codec := newTestAgent(t)

	raw := encodeCommand(t, codec, packet.Message{Command: "ping", RequestID: "abc12345"})
	out := agent.Process(t.Context(), raw)
	if packet.IsSentinel(string(out)) {
		t.Fatalf("Oops, ping answered sentinel %s", out)
	}

	var env packet.Envelope
	err := json.Unmarshal(out, &env)
	if nil != err {
		t.Fatalf("failed parsing reply envelope, got error %v", err)
	}

	// the counter rides in the outer envelope
	if nil == env.Counter || 1 != *env.Counter {
		t.Fatalf("Oops, reply envelope counter is %v", env.Counter)
	}

	reply, err := codec.DecodeReplyEnvelope(env)
	if nil != err {
		t.Fatalf("failed decoding reply, got error %v", err)
	}
	if "success" != reply.Status() || "pong" != reply["result"] || "abc12345" != reply.RequestID() {
		t.Fatalf("Oops, ping reply is %+v", reply)
	}
}

func TestAgentProcessUnknownCommand(t *testing.T) {
	agent, codec := newTestAgent(t)

	raw := encodeCommand(t, codec, packet.Message{Command: "selfdestruct", RequestID: "abc12345"})
	out := agent.Process(t.Context(), raw)
	if packet.IsSentinel(string(out)) {
		t.Fatalf("Oops, unknown command answered sentinel %s", out)
	}

	reply, err := codec.DecodeReply(out)
	if nil != err {
		t.Fatalf("failed decoding reply, got error %v", err)
	}
	if "error" != reply.Status() || "UNKNOWN_COMMAND" != reply["error"] || "selfdestruct" != reply["command"] {
		t.Fatalf("Oops, unknown command reply is %+v", reply)
	}
}

// a handler answering (nil, nil) is an external collaborator mistake, the
// agent answers for it instead of crashing
func TestAgentProcessNilReply(t *testing.T) {
	keys, err := packet.DeriveKeys(bytes.Repeat([]byte{'a'}, 64))
	if nil != err {
		t.Fatalf("failed deriving keys, got error %v", err)
	}
	codec := packet.NewCodec(keys, "WLTEST")
	guard, err := replay.NewGuard(&replay.MemStore{}, nil)
	if nil != err {
		t.Fatalf("failed NewGuard, got error %v", err)
	}

	table := NewCommandTable()
	err = table.Register("noop", func(_ context.Context, _ map[string]string) (packet.Reply, error) {
		return nil, nil
	})
	if nil != err {
		t.Fatalf("failed registering command, got error %v", err)
	}
	agent, err := NewAgent(AgentConfig{Codec: codec, Guard: guard, Dispatcher: table})
	if nil != err {
		t.Fatalf("failed NewAgent, got error %v", err)
	}

	raw := encodeCommand(t, codec, packet.Message{Command: "noop", RequestID: "abc12345"})
	out := agent.Process(t.Context(), raw)
	if packet.IsSentinel(string(out)) {
		t.Fatalf("Oops, nil handler reply answered sentinel %s", out)
	}

	reply, err := codec.DecodeReply(out)
	if nil != err {
		t.Fatalf("failed decoding reply, got error %v", err)
	}
	if "success" != reply.Status() || "abc12345" != reply.RequestID() {
		t.Fatalf("Oops, nil handler reply is %+v", reply)
	}
}

func TestAgentServeFrame(t *testing.T) {
	agent, codec := newTestAgent(t)

	raw := encodeCommand(t, codec, packet.Message{Command: "ping", RequestID: "abc12345"})

	var out bytes.Buffer
	lt := transport.NewLineTransport(strings.NewReader(string(raw)+"\n"), &out)

	if !agent.serveFrame(t.Context(), lt) {
		t.Fatalf("Oops, serveFrame stopped on a served frame")
	}
	reply, err := codec.DecodeReply(bytes.TrimRight(out.Bytes(), "\n"))
	if nil != err {
		t.Fatalf("failed decoding reply, got error %v", err)
	}
	if "pong" != reply["result"] {
		t.Fatalf("Oops, served reply is %+v", reply)
	}

	// the input is drained, the next cycle ends the loop
	if agent.serveFrame(t.Context(), lt) {
		t.Fatalf("Oops, serveFrame keeps serving past a read failure")
	}
}

// a reply that can not be written ends the serving loop, nothing reaches the
// wire past the failure
func TestAgentServeFrameWriteFailure(t *testing.T) {
	agent, codec := newTestAgent(t)

	raw := encodeCommand(t, codec, packet.Message{Command: "ping", RequestID: "abc12345"})

	var out bytes.Buffer
	limited := transport.NewLimitTransport(
		transport.NewLineTransport(strings.NewReader(string(raw)+"\n"), &out),
	)
	limited.SetWriteLimit(1)

	if agent.serveFrame(t.Context(), limited) {
		t.Fatalf("Oops, serveFrame keeps serving after a write failure")
	}
	if 0 != out.Len() {
		t.Fatalf("Oops, %d bytes reached the wire past the write limit", out.Len())
	}
}

func TestAgentProcessSentinels(t *testing.T) {
	agent, codec := newTestAgent(t)

	out := agent.Process(t.Context(), []byte("not json"))
	if "ERROR:MALFORMED_ENVELOPE" != string(out) {
		t.Fatalf("Oops, malformed packet answered %s", out)
	}

	raw := encodeCommand(t, codec, packet.Message{Command: "ping"})
	tampered := bytes.Replace(raw, []byte(`"payload":"`), []byte(`"payload":"00`), 1)
	out = agent.Process(t.Context(), tampered)
	if "ERROR:INVALID_SIGNATURE" != string(out) {
		t.Fatalf("Oops, tampered packet answered %s", out)
	}

	// a rejected packet never consumes replay budget
	if 0 != agent.cfg.Guard.Value() {
		t.Fatalf("Oops, rejected packets consumed the counter, value %d", agent.cfg.Guard.Value())
	}
}

func TestAgentReplayCeiling(t *testing.T) {
	agent, codec := newTestAgent(t)
	limit := int(agent.cfg.Guard.Limit())

	raw := encodeCommand(t, codec, packet.Message{Command: "ping", RequestID: "abc12345"})
	for i := range limit {
		out := agent.Process(t.Context(), raw)
		if packet.IsSentinel(string(out)) {
			t.Fatalf("Oops, packet %d answered sentinel %s", i, out)
		}
	}

	// the ceiling packet is refused before decryption and leaves the counter
	// untouched
	out := agent.Process(t.Context(), raw)
	if "ERROR:REPLAY_LIMIT_EXCEEDED" != string(out) {
		t.Fatalf("Oops, over-limit packet answered %s", out)
	}
	if uint32(limit) != agent.cfg.Guard.Value() {
		t.Fatalf("Oops, counter is %d after the ceiling", agent.cfg.Guard.Value())
	}

	// reset restores normal operation
	err := agent.cfg.Guard.Reset()
	if nil != err {
		t.Fatalf("failed Reset, got error %v", err)
	}
	out = agent.Process(t.Context(), raw)
	if packet.IsSentinel(string(out)) {
		t.Fatalf("Oops, post-reset packet answered sentinel %s", out)
	}
}

func TestAgentProcessCloud(t *testing.T) {
	agent, codec := newTestAgent(t)

	// decode failures are answered encrypted on the relay path
	out := agent.ProcessCloud(t.Context(), []byte("not json"))
	if nil == out || packet.IsSentinel(string(out)) {
		t.Fatalf("Oops, relay path answered %s", out)
	}
	reply, err := codec.DecodeReply(out)
	if nil != err {
		t.Fatalf("failed decoding error reply, got error %v", err)
	}
	if "error" != reply.Status() || "MALFORMED_ENVELOPE" != reply["error"] {
		t.Fatalf("Oops, relay error reply is %+v", reply)
	}

	// a valid command round trips unchanged
	raw := encodeCommand(t, codec, packet.Message{Command: "ping", RequestID: "abc12345"})
	out = agent.ProcessCloud(t.Context(), raw)
	reply, err = codec.DecodeReply(out)
	if nil != err {
		t.Fatalf("failed decoding reply, got error %v", err)
	}
	if "pong" != reply["result"] {
		t.Fatalf("Oops, relay ping reply is %+v", reply)
	}
}

func TestAgentConfigCheck(t *testing.T) {
	_, err := NewAgent(AgentConfig{})
	if nil == err || !strings.Contains(err.Error(), "Guard") {
		t.Fatalf("Oops, empty config was accepted, error %v", err)
	}
}
