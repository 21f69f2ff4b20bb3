package relay

import (
	"encoding/json"
)

const (
	EvtInit    = "Init"
	EvtMsg     = "ReadMessage"
	EvtTimeout = "Timeout"
	EvtAbort   = "Abort"
)

// Event contains incoming data processed by a session FSM.
type Event struct {
	Tag string
	Msg []byte
}

const (
	CmdWait    = "Wait"    // pause until the next transport message
	CmdMsg     = "Write"   // write Msg to the transport
	CmdWelcome = "Welcome" // write Msg, then drain pending frames
	CmdForward = "Forward" // route Msg to the peer side
	CmdClose   = "Close"   // write Msg when present, then close
)

// Command describes the IO operation awaited by a session FSM.
type Command struct {
	Tag string
	Msg []byte
}

type selector interface {
	~int
}

type StateM[Sel selector] interface {
	State() Sel
	SetState(s Sel)
}

type TransitionFunc[Sel selector, S StateM[Sel]] func(s S, evt Event) (Sel, Command, error)

type Transition[Sel selector, S StateM[Sel]] struct {
	Allow []string
	Call  TransitionFunc[Sel, S]
	Exit  []Sel
}

// Update advances s one transition. The table indexed by the current state
// lists the allowed event tags, the transition function and the states the
// transition may exit to.
func Update[Sel selector, S StateM[Sel]](s S, trs []Transition[Sel, S], evt Event) (cmd Command, err error) {
	sel := s.State()
	if sel < 0 || int(sel) >= len(trs) {
		return cmd, newError("invalid inner state %d", sel)
	}

	tr := trs[int(sel)]
	var allowed bool
	for _, tag := range tr.Allow {
		if tag == evt.Tag {
			allowed = true
			break
		}
	}
	if !allowed {
		return cmd, newError("Event %s not allowed", evt.Tag)
	}

	if nil != tr.Call {
		sel, cmd, err = tr.Call(s, evt)
	}

	allowed = false
	for _, exit := range tr.Exit {
		if exit == sel {
			allowed = true
			break
		}
	}
	if !allowed {
		return cmd, newError("Exit %d not allowed", sel)
	}

	s.SetState(sel)

	return cmd, err
}

type sessionState int

const (
	sConnecting sessionState = iota
	sAwaitingAuth
	sAuthenticated
	sClosed
)

// sessionFSM drives one relay connection through its lifecycle. checkToken is
// installed by the server and captures the role and identity being
// authenticated.
type sessionFSM struct {
	state      sessionState
	checkToken func(token string) bool
}

func (self *sessionFSM) State() sessionState {
	return self.state
}

func (self *sessionFSM) SetState(s sessionState) {
	self.state = s
}

// Update advances the session FSM, returning the IO Command the caller has to
// execute before the next Event.
func (self *sessionFSM) Update(evt Event) (Command, error) {
	return Update(self, sessionTransitions[:], evt)
}

func (self *sessionFSM) doOpen(evt Event) (sessionState, Command, error) {
	return sAwaitingAuth, Command{Tag: CmdWait}, nil
}

// doAuth handles the first frame of a connection, which has to be an auth
// control message. Anything else closes the connection unauthenticated.
func (self *sessionFSM) doAuth(evt Event) (sessionState, Command, error) {
	if EvtTimeout == evt.Tag {
		return sClosed, Command{Tag: CmdClose, Msg: errorFrame("AUTH_TIMEOUT")}, wrapError(ErrAuthTimeout, "no auth message received")
	}
	if EvtAbort == evt.Tag {
		return sClosed, Command{Tag: CmdClose}, nil
	}

	var ctrl ControlMessage
	err := json.Unmarshal(evt.Msg, &ctrl)
	if nil != err || ctrlAuth != ctrl.Type {
		return sClosed, Command{Tag: CmdClose, Msg: errorFrame("NOT_AUTHENTICATED")},
			wrapError(ErrNotAuthenticated, "first frame is not an auth message")
	}
	if !self.checkToken(ctrl.Token) {
		return sClosed, Command{Tag: CmdClose, Msg: errorFrame("INVALID_TOKEN")},
			wrapError(ErrInvalidToken, "auth rejected")
	}

	return sAuthenticated, Command{Tag: CmdWelcome, Msg: welcomeFrame()}, nil
}

// doRelay handles frames on an authenticated session: control pings are
// answered in place, everything else is routed to the peer side.
func (self *sessionFSM) doRelay(evt Event) (sessionState, Command, error) {
	if EvtAbort == evt.Tag {
		return sClosed, Command{Tag: CmdClose}, nil
	}

	var ctrl ControlMessage
	if nil == json.Unmarshal(evt.Msg, &ctrl) && "" != ctrl.Type {
		switch ctrl.Type {
		case ctrlPing:
			frame, _ := json.Marshal(ControlMessage{Type: ctrlPong})
			return sAuthenticated, Command{Tag: CmdMsg, Msg: frame}, nil
		default:
			// repeated auth or unknown control frames are ignored
			return sAuthenticated, Command{Tag: CmdWait}, nil
		}
	}

	return sAuthenticated, Command{Tag: CmdForward, Msg: evt.Msg}, nil
}

var sessionTransitions = [...]Transition[sessionState, *sessionFSM]{
	sConnecting: {
		Allow: []string{EvtInit},
		Call:  (*sessionFSM).doOpen,
		Exit:  []sessionState{sAwaitingAuth},
	},
	sAwaitingAuth: {
		Allow: []string{EvtMsg, EvtTimeout, EvtAbort},
		Call:  (*sessionFSM).doAuth,
		Exit:  []sessionState{sAuthenticated, sClosed},
	},
	sAuthenticated: {
		Allow: []string{EvtMsg, EvtAbort},
		Call:  (*sessionFSM).doRelay,
		Exit:  []sessionState{sAuthenticated, sClosed},
	},
	sClosed: {},
}
