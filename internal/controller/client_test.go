package controller

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"code.wakelink.org/golang/internal/endpoint"
	"code.wakelink.org/golang/internal/relay"
	"code.wakelink.org/golang/pkg/packet"
	"code.wakelink.org/golang/pkg/replay"
)

var testSecret = bytes.Repeat([]byte{'a'}, 64)

func newTestClient(t *testing.T, secret []byte) *Client {
	t.Helper()

	client, err := NewClient(secret, "WLTEST", nil)
	if nil != err {
		t.Fatalf("failed NewClient, got error %v", err)
	}
	return client
}

// newTestEndpoint starts an agent on a loopback TCP listener and returns its
// address.
func newTestEndpoint(t *testing.T) string {
	t.Helper()

	keys, err := packet.DeriveKeys(testSecret)
	if nil != err {
		t.Fatalf("failed deriving keys, got error %v", err)
	}
	guard, err := replay.NewGuard(&replay.MemStore{}, nil)
	if nil != err {
		t.Fatalf("failed NewGuard, got error %v", err)
	}
	baseline, err := endpoint.NewBaseline(endpoint.BaselineConfig{
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
	agent, err := endpoint.NewAgent(endpoint.AgentConfig{
		Codec:      packet.NewCodec(keys, "WLTEST"),
		Guard:      guard,
		Dispatcher: table,
	})
	if nil != err {
		t.Fatalf("failed NewAgent, got error %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if nil != err {
		t.Fatalf("failed listening, got error %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	go agent.Serve(ctx, listener)

	return listener.Addr().String()
}

// newTestRelay starts a relay with a connected endpoint and returns its
// RelayConfig.
func newTestRelay(t *testing.T) RelayConfig {
	t.Helper()
	const apiToken = "ctrl-test-token"

	server, err := relay.NewServer(relay.Config{
		Tokens:      relay.NewMemTokenStore(apiToken),
		AuthTimeout: time.Second,
	})
	if nil != err {
		t.Fatalf("failed relay NewServer, got error %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	keys, err := packet.DeriveKeys(testSecret)
	if nil != err {
		t.Fatalf("failed deriving keys, got error %v", err)
	}
	guard, err := replay.NewGuard(&replay.MemStore{}, nil)
	if nil != err {
		t.Fatalf("failed NewGuard, got error %v", err)
	}
	baseline, err := endpoint.NewBaseline(endpoint.BaselineConfig{
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
	agent, err := endpoint.NewAgent(endpoint.AgentConfig{
		Codec:      packet.NewCodec(keys, "WLTEST"),
		Guard:      guard,
		Dispatcher: table,
	})
	if nil != err {
		t.Fatalf("failed NewAgent, got error %v", err)
	}
	session, err := endpoint.NewCloudSession(endpoint.CloudConfig{
		URL:        ts.URL,
		EndpointID: "WLTEST",
		APIToken:   apiToken,
		Agent:      agent,
		Reconnect:  100 * time.Millisecond,
	})
	if nil != err {
		t.Fatalf("failed NewCloudSession, got error %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	go session.Run(ctx)

	return RelayConfig{URL: ts.URL, APIToken: apiToken}
}

func TestClientSendDirect(t *testing.T) {
	addr := newTestEndpoint(t)
	client := newTestClient(t, testSecret)

	reply, err := client.SendDirect(t.Context(), addr, packet.Message{Command: "ping"})
	if nil != err {
		t.Fatalf("failed SendDirect, got error %v", err)
	}
	if "success" != reply.Status() || "pong" != reply["result"] {
		t.Fatalf("Oops, ping answered %+v", reply)
	}
	if "" == reply.RequestID() {
		t.Fatalf("Oops, reply carries no request_id")
	}

	counter, seen := client.Counter()
	if !seen || 1 != counter {
		t.Fatalf("Oops, counter mirror reports (%d, %v)", counter, seen)
	}
}

func TestClientSendDirectInvalidSignature(t *testing.T) {
	addr := newTestEndpoint(t)

	// different secret, same endpoint id
	client := newTestClient(t, bytes.Repeat([]byte{'b'}, 64))

	_, err := client.SendDirect(t.Context(), addr, packet.Message{Command: "ping"})
	if !errors.Is(err, packet.ErrInvalidSignature) {
		t.Fatalf("Oops, foreign secret got error %v", err)
	}
}

func TestClientSendRelay(t *testing.T) {
	cfg := newTestRelay(t)
	client := newTestClient(t, testSecret)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	reply, err := client.SendRelay(ctx, cfg, packet.Message{Command: "ping"})
	if nil != err {
		t.Fatalf("failed SendRelay, got error %v", err)
	}
	if "success" != reply.Status() || "pong" != reply["result"] {
		t.Fatalf("Oops, relayed ping answered %+v", reply)
	}
}

func TestClientSendRelayTimeout(t *testing.T) {
	const apiToken = "ctrl-test-token"

	// relay with no endpoint connected, the command queues and no reply comes
	server, err := relay.NewServer(relay.Config{
		Tokens:      relay.NewMemTokenStore(apiToken),
		AuthTimeout: time.Second,
	})
	if nil != err {
		t.Fatalf("failed relay NewServer, got error %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	client := newTestClient(t, testSecret)
	ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
	defer cancel()

	_, err = client.SendRelay(ctx, RelayConfig{URL: ts.URL, APIToken: apiToken}, packet.Message{Command: "ping"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Oops, offline endpoint got error %v", err)
	}
}

func TestClientSendRelayBadToken(t *testing.T) {
	cfg := newTestRelay(t)
	cfg.APIToken = "wrong-token"
	client := newTestClient(t, testSecret)

	_, err := client.SendRelay(t.Context(), cfg, packet.Message{Command: "ping"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Oops, wrong token got error %v", err)
	}
}

func TestClientSendLive(t *testing.T) {
	cfg := newTestRelay(t)
	client := newTestClient(t, testSecret)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	reply, err := client.SendLive(ctx, cfg, packet.Message{Command: "info"})
	if nil != err {
		t.Fatalf("failed SendLive, got error %v", err)
	}
	if "success" != reply.Status() || "WLTEST" != reply["endpoint_id"] {
		t.Fatalf("Oops, live info answered %+v", reply)
	}
}

func TestClientSendLiveBadToken(t *testing.T) {
	cfg := newTestRelay(t)
	cfg.APIToken = "wrong-token"
	client := newTestClient(t, testSecret)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	_, err := client.SendLive(ctx, cfg, packet.Message{Command: "ping"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Oops, wrong token got error %v", err)
	}
}
