package relay

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxFrameSize  = 32 * 1024
	writeTimeout  = 10 * time.Second
	pongTimeout   = 60 * time.Second
	pingInterval  = 25 * time.Second
	sendQueueSize = 16
)

// Session is one authenticated relay connection. Reading is owned by the run
// loop, writing by the writer goroutine, other goroutines hand frames over
// through Deliver.
type Session struct {
	sessionFSM

	role Role
	id   string

	conn   *websocket.Conn
	server *Server
	send   chan []byte
	done   chan struct{}
	wdone  chan struct{}
	once   sync.Once

	// headerToken carries a legacy X-API-Token / Authorization header value,
	// consumed in place of the first auth frame when present.
	headerToken string
}

func newSession(server *Server, conn *websocket.Conn, role Role, id string, headerToken string) *Session {
	s := &Session{
		role:        role,
		id:          id,
		conn:        conn,
		server:      server,
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		wdone:       make(chan struct{}),
		headerToken: headerToken,
	}
	s.checkToken = func(token string) bool {
		ok, err := server.checkToken(role, id, token)
		if nil != err {
			server.log().Error("failed token check", "role", role, "id", id, "error", err)
			return false
		}
		return ok
	}
	return s
}

// Deliver hands frame to the session writer. It errors with ErrSessionClosed
// when the session is gone, the caller then falls back to the pending store.
func (self *Session) Deliver(frame []byte) error {
	select {
	case <-self.done:
		return wrapError(ErrSessionClosed, "session %s/%s", self.role, self.id)
	case self.send <- frame:
		return nil
	}
}

// close tears the session down once: the writer drains out, the peer gets a
// close frame, the registry entry is dropped unless already replaced.
func (self *Session) close() {
	self.once.Do(func() {
		close(self.done)
		self.server.registry.Unregister(self)
		self.server.unbind(self)
		// let the writer flush queued frames, the peer must see the final
		// error or close frame before the connection drops
		select {
		case <-self.wdone:
		case <-time.After(writeTimeout):
		}
		self.conn.Close()
	})
}

// run drives the session to completion. It owns all reads on the connection.
func (self *Session) run() {
	defer self.close()
	go self.writer()

	log := self.server.log().With("role", self.role, "id", self.id)

	self.conn.SetReadLimit(maxFrameSize)
	self.conn.SetPongHandler(func(string) error {
		return self.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	evt := Event{Tag: EvtInit}
	for {
		cmd, err := self.Update(evt)
		if nil != err {
			if !errors.Is(err, ErrSessionClosed) {
				log.Warn("session rejected", "error", err)
			}
			self.execute(cmd)
			return
		}

		switch cmd.Tag {
		case CmdWait:
		case CmdMsg:
			if !self.write(cmd.Msg) {
				return
			}
		case CmdWelcome:
			// register before the welcome frame: once the peer sees it,
			// frames pushed for this identity must find the live session
			self.server.attach(self)
			if !self.write(cmd.Msg) {
				return
			}
			self.server.drainInbound(self)
			log.Info("session authenticated")
		case CmdForward:
			err = self.server.route(self, cmd.Msg)
			if nil != err {
				log.Warn("failed routing frame", "error", err)
				self.write(errorFrame(routeErrorCode(err)))
			}
		case CmdClose:
			self.execute(cmd)
			return
		}

		evt = self.nextEvent()
	}
}

// nextEvent produces the next FSM event. A legacy header token stands in for
// the first auth frame so older firmware keeps working.
func (self *Session) nextEvent() Event {
	if "" != self.headerToken && sAwaitingAuth == self.State() {
		frame, _ := json.Marshal(ControlMessage{Type: ctrlAuth, Token: self.headerToken})
		self.headerToken = ""
		return Event{Tag: EvtMsg, Msg: frame}
	}
	return self.read()
}

// read blocks on the next websocket text frame and converts the outcome into
// an FSM event. During authentication the read deadline is the auth timeout.
func (self *Session) read() Event {
	deadline := time.Now().Add(pongTimeout)
	if sAwaitingAuth == self.State() {
		deadline = time.Now().Add(self.server.config.AuthTimeout)
	}
	self.conn.SetReadDeadline(deadline)

	_, frame, err := self.conn.ReadMessage()
	if nil != err {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() && sAwaitingAuth == self.State() {
			return Event{Tag: EvtTimeout}
		}
		return Event{Tag: EvtAbort}
	}
	return Event{Tag: EvtMsg, Msg: frame}
}

// execute writes the final frame of a CmdClose, when present.
func (self *Session) execute(cmd Command) {
	if CmdClose == cmd.Tag && nil != cmd.Msg {
		self.write(cmd.Msg)
	}
}

func (self *Session) write(frame []byte) bool {
	err := self.Deliver(frame)
	return nil == err
}

// writer owns all writes on the connection: queued frames plus the websocket
// level keep-alive pings. On a broken connection it closes the socket and
// lets the run loop observe the read failure, close() waits on wdone so the
// writer never races the teardown.
func (self *Session) writer() {
	defer close(self.wdone)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.done:
			// flush frames queued before the close, the final error or
			// welcome frame must reach the peer
			for {
				select {
				case frame := <-self.send:
					self.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					self.conn.WriteMessage(websocket.TextMessage, frame)
				default:
					self.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					self.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case frame := <-self.send:
			self.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := self.conn.WriteMessage(websocket.TextMessage, frame)
			if nil != err {
				self.conn.Close()
				return
			}
		case <-ticker.C:
			self.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := self.conn.WriteMessage(websocket.PingMessage, nil)
			if nil != err {
				self.conn.Close()
				return
			}
		}
	}
}
