package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"code.wakelink.org/golang/internal/relay"
	"code.wakelink.org/golang/pkg/packet"
)

// full loop: relay server, endpoint cloud session, HTTP controller
func TestCloudSessionRoundTrip(t *testing.T) {
	const apiToken = "cloud-test-token"

	server, err := relay.NewServer(relay.Config{
		Tokens:      relay.NewMemTokenStore(apiToken),
		AuthTimeout: time.Second,
	})
	if nil != err {
		t.Fatalf("failed relay NewServer, got error %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	agent, codec := newTestAgent(t)
	session, err := NewCloudSession(CloudConfig{
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
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		session.Run(ctx)
	}()

	// push an encrypted ping through the relay API
	env, err := codec.EncodeMessage(packet.Message{Command: "ping", RequestID: "abc12345"})
	if nil != err {
		t.Fatalf("failed encoding command, got error %v", err)
	}
	pushCommand(t, ts.URL, apiToken, env)

	// long poll the endpoint reply
	reply := pollReply(t, ts.URL, apiToken, codec, "abc12345")
	if "success" != reply.Status() || "pong" != reply["result"] {
		t.Fatalf("Oops, relayed ping answered %+v", reply)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Oops, cloud session did not stop on cancellation")
	}
}

// a restart armed by a relayed command must fire even when no later frame
// arrives to poll the scheduler
func TestCloudSessionDeferredRestart(t *testing.T) {
	const apiToken = "cloud-test-token"

	server, err := relay.NewServer(relay.Config{
		Tokens:      relay.NewMemTokenStore(apiToken),
		AuthTimeout: time.Second,
	})
	if nil != err {
		t.Fatalf("failed relay NewServer, got error %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	restarted := make(chan struct{})
	agent, codec := newTestAgentRestart(t, func() { close(restarted) })
	session, err := NewCloudSession(CloudConfig{
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
	defer cancel()
	go session.Run(ctx)

	env, err := codec.EncodeMessage(packet.Message{Command: "restart", RequestID: "rst00001"})
	if nil != err {
		t.Fatalf("failed encoding command, got error %v", err)
	}
	pushCommand(t, ts.URL, apiToken, env)

	reply := pollReply(t, ts.URL, apiToken, codec, "rst00001")
	if "success" != reply.Status() || "restarting" != reply["result"] {
		t.Fatalf("Oops, relayed restart answered %+v", reply)
	}

	select {
	case <-restarted:
	case <-time.After(5 * time.Second):
		t.Fatalf("Oops, armed restart never fired on the relay path")
	}
}

// pushCommand posts env to the relay. When the endpoint session is still
// authenticating the frame is queued and drained on welcome.
func pushCommand(t *testing.T, baseURL string, token string, env packet.Envelope) {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"endpoint_id": env.EndpointID,
		"payload":     env.Payload,
		"signature":   env.Signature,
		"version":     env.Version,
		"direction":   "to_endpoint",
		"client_id":   "cli_test",
	})
	if nil != err {
		t.Fatalf("failed marshalling push body, got error %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/push", bytes.NewReader(body))
	if nil != err {
		t.Fatalf("failed building push request, got error %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if nil != err {
		t.Fatalf("failed POST /api/push, got error %v", err)
	}
	defer resp.Body.Close()
	if http.StatusOK != resp.StatusCode {
		t.Fatalf("Oops, /api/push answered %d", resp.StatusCode)
	}
}

func pollReply(t *testing.T, baseURL string, token string, codec packet.Codec, requestID string) packet.Reply {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		body, _ := json.Marshal(relay.PullRequest{
			EndpointID: "WLTEST",
			Direction:  relay.ToController,
			Wait:       2,
		})
		req, err := http.NewRequest(http.MethodPost, baseURL+"/api/pull", bytes.NewReader(body))
		if nil != err {
			t.Fatalf("failed building pull request, got error %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if nil != err {
			t.Fatalf("failed POST /api/pull, got error %v", err)
		}
		var pull relay.PullResponse
		err = json.NewDecoder(resp.Body).Decode(&pull)
		resp.Body.Close()
		if nil != err {
			t.Fatalf("failed decoding pull response, got error %v", err)
		}

		for _, frame := range pull.Messages {
			reply, err := codec.DecodeReply(frame)
			if nil != err {
				continue
			}
			if requestID == reply.RequestID() {
				return reply
			}
		}
	}

	t.Fatalf("Oops, no reply for request %s", requestID)
	return nil
}
