package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"code.wakelink.org/golang/internal/observability"
	"code.wakelink.org/golang/pkg/packet"
)

const DefaultAuthTimeout = 10 * time.Second

// Config carries the relay Server dependencies and tunables.
type Config struct {
	Tokens  TokenStore
	Pending PendingStore

	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout time.Duration

	Obs *observability.Observability
}

// Check validates the configuration and fills in defaults.
func (self *Config) Check() error {
	if nil == self.Tokens {
		return newError("missing TokenStore")
	}
	if nil == self.Pending {
		self.Pending = NewQueueSet(DefaultRetention)
	}
	if 0 == self.AuthTimeout {
		self.AuthTimeout = DefaultAuthTimeout
	}
	return nil
}

// Server is the blind relay: websocket sessions for live delivery, HTTP
// push/pull with long polling for clients that cannot hold a socket.
type Server struct {
	config   Config
	registry *Registry
	pending  PendingStore
	upgrader websocket.Upgrader

	// bindings maps an endpoint id to the controller session that last
	// targeted it, so endpoint replies reach a live controller directly.
	bindMut  sync.Mutex
	bindings map[string]*Session
}

// NewServer returns a relay Server. It errors if cfg is invalid.
func NewServer(cfg Config) (*Server, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid relay configuration")
	}

	return &Server{
		config:   cfg,
		registry: NewRegistry(),
		pending:  cfg.Pending,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		bindings: make(map[string]*Session),
	}, nil
}

// Handler returns the relay HTTP routing table. The request logging
// middleware wraps only the plain HTTP routes, websocket upgrades need the
// raw ResponseWriter.
func (self *Server) Handler() http.Handler {
	mdw := observability.Middleware{TraceIdHeader: "X-Trace-Id"}

	router := mux.NewRouter()
	router.HandleFunc("/ws/{endpoint_id}", self.handleEndpointWS)
	router.HandleFunc("/ws/client/{client_id}", self.handleControllerWS)

	api := router.PathPrefix("/api").Subrouter()
	api.Handle("/push", mdw.Wrap(http.HandlerFunc(self.handlePush))).Methods(http.MethodPost)
	api.Handle("/pull", mdw.Wrap(http.HandlerFunc(self.handlePull))).Methods(http.MethodPost)

	router.Handle("/healthz", mdw.Wrap(http.HandlerFunc(self.handleHealthz))).Methods(http.MethodGet)

	return router
}

func (self *Server) log() *slog.Logger {
	return self.config.Obs.Log()
}

func (self *Server) handleEndpointWS(w http.ResponseWriter, r *http.Request) {
	self.serveWS(w, r, RoleEndpoint, mux.Vars(r)["endpoint_id"])
}

func (self *Server) handleControllerWS(w http.ResponseWriter, r *http.Request) {
	self.serveWS(w, r, RoleController, mux.Vars(r)["client_id"])
}

func (self *Server) serveWS(w http.ResponseWriter, r *http.Request, role Role, id string) {
	if "" == id {
		http.Error(w, "missing identity", http.StatusBadRequest)
		return
	}

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if nil != err {
		self.log().Warn("failed websocket upgrade", "role", role, "id", id, "error", err)
		return
	}

	s := newSession(self, conn, role, id, bearerToken(r))
	s.run()
}

// handlePush accepts a frame for (endpoint_id, direction): live delivery when
// the target session is up, queued otherwise.
func (self *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if nil != err {
		httpError(w, http.StatusBadRequest, "MALFORMED_REQUEST")
		return
	}
	err = req.Check()
	if nil != err {
		httpError(w, http.StatusBadRequest, packet.ErrorCode(err))
		return
	}
	if !self.checkAPIAuth(r, req.Direction, req.EndpointID) {
		httpError(w, http.StatusUnauthorized, "INVALID_TOKEN")
		return
	}

	frame, err := json.Marshal(req.Envelope())
	if nil != err {
		httpError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	err = self.dispatch(req.EndpointID, req.Direction, frame)
	if nil != err {
		observability.GetObservability(r.Context()).Log().Error("failed dispatching push", "error", err)
		httpError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// handlePull long polls the pending queue for (endpoint_id, direction). The
// response carries every frame available once the first one arrives.
func (self *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if nil != err {
		httpError(w, http.StatusBadRequest, "MALFORMED_REQUEST")
		return
	}
	if "" == req.EndpointID {
		httpError(w, http.StatusBadRequest, "MALFORMED_REQUEST")
		return
	}
	err = req.Direction.Check()
	if nil != err {
		httpError(w, http.StatusBadRequest, "MALFORMED_REQUEST")
		return
	}
	if !self.checkAPIAuth(r, req.Direction.opposite(), req.EndpointID) {
		httpError(w, http.StatusUnauthorized, "INVALID_TOKEN")
		return
	}

	wait := time.Duration(req.Wait) * time.Second
	if wait < 0 {
		wait = 0
	}
	if wait > MaxPullWait {
		wait = MaxPullWait
	}

	messages := []json.RawMessage{}
	frame, ok, err := self.pending.PullWait(r.Context(), req.EndpointID, req.Direction, wait)
	if nil != err && !errors.Is(err, context.Canceled) {
		httpError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	if ok {
		messages = append(messages, json.RawMessage(frame))
		more, err := self.pending.Drain(req.EndpointID, req.Direction)
		if nil == err {
			for _, extra := range more {
				messages = append(messages, json.RawMessage(extra))
			}
		}
	}

	status := "success"
	if 0 == len(messages) {
		status = "timeout"
	}
	writeJSON(w, http.StatusOK, PullResponse{Status: status, Messages: messages})
}

func (self *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// checkToken authenticates a websocket session of role with token.
func (self *Server) checkToken(role Role, id string, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if RoleEndpoint == role {
		return self.config.Tokens.CheckEndpointToken(ctx, id, token)
	}
	return self.config.Tokens.CheckControllerToken(ctx, id, token)
}

// checkAPIAuth authenticates an HTTP API call. The push/pull API speaks for
// the side frames travel away from: a to_endpoint push or a to_controller
// pull is a controller, the mirror cases are an endpoint.
func (self *Server) checkAPIAuth(r *http.Request, dir Direction, endpointID string) bool {
	token := bearerToken(r)

	var ok bool
	var err error
	if ToEndpoint == dir {
		ok, err = self.config.Tokens.CheckControllerToken(r.Context(), "", token)
	} else {
		ok, err = self.config.Tokens.CheckEndpointToken(r.Context(), endpointID, token)
	}
	if nil != err {
		self.log().Error("failed token check", "error", err)
		return false
	}
	return ok
}

// attach installs an authenticated session. The registry replaces any older
// connection for the same identity, the newer one wins.
func (self *Server) attach(s *Session) {
	previous := self.registry.Register(s)
	if nil != previous {
		self.log().Info("replacing duplicate session", "role", s.role, "id", s.id)
		previous.close()
	}
}

// drainInbound moves frames queued while the identity was offline onto the
// freshly authenticated session. Called after the welcome frame so the peer
// never sees queued traffic first.
func (self *Server) drainInbound(s *Session) {
	if RoleEndpoint == s.role {
		self.drainTo(s, s.id, ToEndpoint)
	}
}

// route forwards a frame sent on an authenticated session to the other side
// of the conversation.
func (self *Server) route(s *Session, frame []byte) error {
	var env packet.Envelope
	err := json.Unmarshal(frame, &env)
	if nil != err {
		return wrapError(packet.ErrMalformedEnvelope, "unroutable frame, %v", err)
	}
	if "" == env.EndpointID {
		env.EndpointID = s.id
	}
	err = env.Check()
	if nil != err {
		return err
	}

	if RoleController == s.role {
		// remember which controller talks to this endpoint, replies flow back
		// on the same session
		self.bind(env.EndpointID, s)
		return self.dispatch(env.EndpointID, ToEndpoint, frame)
	}
	return self.dispatch(s.id, ToController, frame)
}

// dispatch delivers a frame to the live target session, falling back to the
// pending store.
func (self *Server) dispatch(endpointID string, dir Direction, frame []byte) error {
	var target *Session
	var present bool
	if ToEndpoint == dir {
		target, present = self.registry.Get(RoleEndpoint, endpointID)
	} else {
		target, present = self.boundController(endpointID)
	}

	if present && nil != target {
		err := target.Deliver(frame)
		if nil == err {
			return nil
		}
		// the session died under us, keep the frame
	}
	return self.pending.Put(endpointID, dir, frame)
}

// bind records s as the controller session for endpointID and hands it any
// frames queued while no controller was live.
func (self *Server) bind(endpointID string, s *Session) {
	self.bindMut.Lock()
	replaced := self.bindings[endpointID] != s
	self.bindings[endpointID] = s
	self.bindMut.Unlock()

	if replaced {
		self.drainTo(s, endpointID, ToController)
	}
}

// unbind drops every binding pointing at s.
func (self *Server) unbind(s *Session) {
	self.bindMut.Lock()
	defer self.bindMut.Unlock()

	for endpointID, bound := range self.bindings {
		if s == bound {
			delete(self.bindings, endpointID)
		}
	}
}

func (self *Server) boundController(endpointID string) (*Session, bool) {
	self.bindMut.Lock()
	defer self.bindMut.Unlock()

	s, present := self.bindings[endpointID]
	return s, present
}

// drainTo moves queued frames for (endpointID, dir) onto a live session.
func (self *Server) drainTo(s *Session, endpointID string, dir Direction) {
	frames, err := self.pending.Drain(endpointID, dir)
	if nil != err {
		self.log().Error("failed draining queue", "id", endpointID, "dir", dir, "error", err)
		return
	}
	for _, frame := range frames {
		err = s.Deliver(frame)
		if nil != err {
			// session gone again, requeue what is left
			self.pending.Put(endpointID, dir, frame)
		}
	}
}

// opposite returns the direction the authenticating party writes, given the
// direction it pulls.
func (self Direction) opposite() Direction {
	if ToEndpoint == self {
		return ToController
	}
	return ToEndpoint
}

// routeErrorCode maps a routing failure onto a wire error code.
func routeErrorCode(err error) string {
	return packet.ErrorCode(err)
}

// bearerToken extracts the session token from Authorization or the legacy
// X-API-Token header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, found := strings.CutPrefix(auth, "Bearer "); found && "" != token {
		return token
	}
	return r.Header.Get("X-API-Token")
}

func httpError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
