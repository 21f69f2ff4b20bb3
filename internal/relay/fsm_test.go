package relay

import (
	"encoding/json"
	"errors"
	"testing"
)

func newTestFSM(valid string) *sessionFSM {
	return &sessionFSM{
		checkToken: func(token string) bool { return valid == token },
	}
}

func authFrame(t *testing.T, token string) []byte {
	t.Helper()

	frame, err := json.Marshal(ControlMessage{Type: ctrlAuth, Token: token})
	if nil != err {
		t.Fatalf("failed marshalling auth frame, got error %v", err)
	}
	return frame
}

func mustUpdate(t *testing.T, fsm *sessionFSM, evt Event) Command {
	t.Helper()

	cmd, err := fsm.Update(evt)
	if nil != err {
		t.Fatalf("failed Update with %s, got error %v", evt.Tag, err)
	}
	return cmd
}

func TestSessionFSMHappyPath(t *testing.T) {
	fsm := newTestFSM("s3cret")

	cmd := mustUpdate(t, fsm, Event{Tag: EvtInit})
	if CmdWait != cmd.Tag || sAwaitingAuth != fsm.State() {
		t.Fatalf("Oops, after Init state=%d cmd=%s", fsm.State(), cmd.Tag)
	}

	cmd = mustUpdate(t, fsm, Event{Tag: EvtMsg, Msg: authFrame(t, "s3cret")})
	if CmdWelcome != cmd.Tag || sAuthenticated != fsm.State() {
		t.Fatalf("Oops, after auth state=%d cmd=%s", fsm.State(), cmd.Tag)
	}

	var welcome ControlMessage
	err := json.Unmarshal(cmd.Msg, &welcome)
	if nil != err || ctrlWelcome != welcome.Type || "connected" != welcome.Status {
		t.Fatalf("Oops, welcome frame is %s", cmd.Msg)
	}

	frame := []byte(`{"endpoint_id":"WLTEST","payload":"ab","signature":"cd","version":"1.0"}`)
	cmd = mustUpdate(t, fsm, Event{Tag: EvtMsg, Msg: frame})
	if CmdForward != cmd.Tag || string(frame) != string(cmd.Msg) {
		t.Fatalf("Oops, envelope frame produced cmd=%s", cmd.Tag)
	}

	cmd = mustUpdate(t, fsm, Event{Tag: EvtAbort})
	if CmdClose != cmd.Tag || sClosed != fsm.State() {
		t.Fatalf("Oops, after abort state=%d cmd=%s", fsm.State(), cmd.Tag)
	}
}

func TestSessionFSMInvalidToken(t *testing.T) {
	fsm := newTestFSM("s3cret")
	mustUpdate(t, fsm, Event{Tag: EvtInit})

	cmd, err := fsm.Update(Event{Tag: EvtMsg, Msg: authFrame(t, "wrong")})
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Oops, want ErrInvalidToken got %v", err)
	}
	if CmdClose != cmd.Tag || sClosed != fsm.State() {
		t.Fatalf("Oops, rejected auth left state=%d cmd=%s", fsm.State(), cmd.Tag)
	}

	var ctrl ControlMessage
	json.Unmarshal(cmd.Msg, &ctrl)
	if "error" != ctrl.Status || "INVALID_TOKEN" != ctrl.Error {
		t.Fatalf("Oops, close frame is %s", cmd.Msg)
	}
}

func TestSessionFSMFrameBeforeAuth(t *testing.T) {
	fsm := newTestFSM("s3cret")
	mustUpdate(t, fsm, Event{Tag: EvtInit})

	frame := []byte(`{"endpoint_id":"WLTEST","payload":"ab","signature":"cd","version":"1.0"}`)
	cmd, err := fsm.Update(Event{Tag: EvtMsg, Msg: frame})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Oops, want ErrNotAuthenticated got %v", err)
	}
	if CmdClose != cmd.Tag || sClosed != fsm.State() {
		t.Fatalf("Oops, unauthenticated frame left state=%d cmd=%s", fsm.State(), cmd.Tag)
	}
}

func TestSessionFSMAuthTimeout(t *testing.T) {
	fsm := newTestFSM("s3cret")
	mustUpdate(t, fsm, Event{Tag: EvtInit})

	cmd, err := fsm.Update(Event{Tag: EvtTimeout})
	if !errors.Is(err, ErrAuthTimeout) {
		t.Fatalf("Oops, want ErrAuthTimeout got %v", err)
	}
	if CmdClose != cmd.Tag || sClosed != fsm.State() {
		t.Fatalf("Oops, auth timeout left state=%d cmd=%s", fsm.State(), cmd.Tag)
	}
}

func TestSessionFSMControlFrames(t *testing.T) {
	fsm := newTestFSM("s3cret")
	mustUpdate(t, fsm, Event{Tag: EvtInit})
	mustUpdate(t, fsm, Event{Tag: EvtMsg, Msg: authFrame(t, "s3cret")})

	// application level ping is answered in place
	ping, _ := json.Marshal(ControlMessage{Type: ctrlPing})
	cmd := mustUpdate(t, fsm, Event{Tag: EvtMsg, Msg: ping})
	if CmdMsg != cmd.Tag {
		t.Fatalf("Oops, ping produced cmd=%s", cmd.Tag)
	}
	var pong ControlMessage
	json.Unmarshal(cmd.Msg, &pong)
	if ctrlPong != pong.Type {
		t.Fatalf("Oops, ping answer is %s", cmd.Msg)
	}

	// repeated auth is ignored
	cmd = mustUpdate(t, fsm, Event{Tag: EvtMsg, Msg: authFrame(t, "s3cret")})
	if CmdWait != cmd.Tag || sAuthenticated != fsm.State() {
		t.Fatalf("Oops, repeated auth produced cmd=%s state=%d", cmd.Tag, fsm.State())
	}
}

func TestSessionFSMClosedIsTerminal(t *testing.T) {
	fsm := newTestFSM("s3cret")
	mustUpdate(t, fsm, Event{Tag: EvtInit})
	fsm.Update(Event{Tag: EvtAbort})

	_, err := fsm.Update(Event{Tag: EvtMsg, Msg: authFrame(t, "s3cret")})
	if nil == err {
		t.Fatalf("Oops, closed session accepted an event")
	}
}
