package bridge

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/assets"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/auth"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/hooks"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/protocol"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/sessions"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/statesync"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 45 * time.Second
	DefaultRPCTimeout        = 10 * time.Second
)

// Reasons reported to hooks.LifecycleCapability.SessionClosed and to
// cancelled transfers.
const (
	ReasonClientDisconnect = "client disconnect"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonRemoved          = "removed"
	ReasonConnectionLost   = "connection lost"
	ReasonClientCancelled  = "cancelled by client"
	ReasonSendFailed       = "chunk send failed"
)

// Options configures a Server and the subsystems it owns.
type Options struct {
	Sessions sessions.Config
	Protocol protocol.Options
	State    statesync.Config
	Assets   assets.Config

	// HeartbeatInterval is both the server ping period and the sweep period.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a session may stay silent before the
	// sweep ends it.
	HeartbeatTimeout time.Duration
	// RPCTimeout bounds RPC calls that do not carry their own timeout.
	RPCTimeout time.Duration
	// RequireAuth rejects CONNECT without a valid auth token.
	RequireAuth bool
}

// Deps are the collaborators a Server delegates to. All are optional.
type Deps struct {
	Hooks         hooks.Hooks
	Authenticator auth.Authenticator
	Logger        *slog.Logger
}

// Sender delivers frames to one transport connection. Send must not block
// for long: it is called from state fan-out and asset callbacks.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
}

type pendingCall struct {
	sessionID string
	ch        chan protocol.RPCResponsePayload
}

// Server routes traffic between transport connections and the bridge
// subsystems.
type Server struct {
	opts  Options
	hooks hooks.Hooks
	authn auth.Authenticator
	log   *slog.Logger
	now   func() time.Time

	codec    protocol.Codec
	sessions *sessions.Manager
	states   *statesync.Manager
	assets   *assets.Manager

	mu    sync.RWMutex
	conns map[string]*Conn // sessionID -> bound connection

	open atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]pendingCall // outbound RPC message ID -> waiter

	inflight sync.WaitGroup
}

// New builds a Server and the session, state and asset managers it owns.
func New(opts Options, deps Deps) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Sessions.Logger == nil {
		opts.Sessions.Logger = log
	}
	if opts.State.Logger == nil {
		opts.State.Logger = log
	}
	if opts.Assets.Logger == nil {
		opts.Assets.Logger = log
	}
	now := opts.Sessions.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		opts:    opts,
		hooks:   deps.Hooks,
		authn:   deps.Authenticator,
		log:     log,
		now:     now,
		codec:   protocol.NewCodec(opts.Protocol),
		conns:   make(map[string]*Conn),
		pending: make(map[string]pendingCall),
	}
	s.sessions = sessions.NewManager(opts.Sessions)
	s.states = statesync.New(opts.State, stateListener{s})
	s.assets = assets.New(opts.Assets, assetListener{s})
	return s
}

// Codec returns the wire codec shared by every connection.
func (s *Server) Codec() protocol.Codec { return s.codec }

// States returns the replicated state manager.
func (s *Server) States() *statesync.Manager { return s.states }

// Assets returns the asset catalog and transfer manager.
func (s *Server) Assets() *assets.Manager { return s.assets }

// Accept registers a new transport connection. The caller feeds inbound
// frames to Conn.Receive and calls Conn.Close when the transport ends.
func (s *Server) Accept(sender Sender) *Conn {
	c := &Conn{
		srv:    s,
		id:     uuid.NewString(),
		sender: sender,
	}
	if ra, ok := sender.(interface{ RemoteAddr() string }); ok {
		c.remoteAddr = ra.RemoteAddr()
	}
	c.router = protocol.NewRouter(s.codec, c, c, s.log)
	s.open.Add(1)
	s.log.Debug("connection accepted", slog.String("conn_id", c.id), slog.String("remote_addr", c.remoteAddr))
	return c
}

// Run drives the heartbeat sweep, server pings, state snapshots and the
// stale transfer sweep until ctx is done. It waits for in-flight RPC calls
// before returning.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.states.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = s.assets.Run(ctx)
	}()

	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.inflight.Wait()
			return ctx.Err()
		case <-t.C:
			s.Sweep(ctx)
			s.ping(ctx)
		}
	}
}

// Sweep ends every session that has not sent a heartbeat within the
// heartbeat timeout and closes its transport. It returns how many sessions
// ended.
func (s *Server) Sweep(ctx context.Context) int {
	stale := s.sessions.CleanupStale(s.opts.HeartbeatTimeout)
	for _, sess := range stale {
		if c := s.cascade(ctx, sess, ReasonHeartbeatTimeout); c != nil {
			_ = c.sender.Close()
		}
	}
	return len(stale)
}

func (s *Server) ping(ctx context.Context) {
	now := s.now().UnixMilli()
	for _, c := range s.boundConns() {
		msg, err := protocol.NewMessage(protocol.TypeHeartbeat, protocol.HeartbeatPayload{ServerTime: now}, "")
		if err != nil {
			continue
		}
		_ = c.send(ctx, msg)
	}
}

// endSession removes a live session and cascades its teardown.
func (s *Server) endSession(ctx context.Context, id, reason string) (*Conn, error) {
	sess, ok := s.sessions.Get(id)
	if !ok || !s.sessions.Remove(id) {
		return nil, bridgeerr.New(bridgeerr.CodeNotFound, "session not found", map[string]any{"sessionId": id})
	}
	return s.cascade(ctx, sess, reason), nil
}

// cascade releases everything held for a session that has already been
// removed from the session manager. It returns the connection that was
// bound to it, if any.
func (s *Server) cascade(ctx context.Context, sess sessions.Session, reason string) *Conn {
	cancelled := s.assets.CancelAll(sess.ID, reason)
	unsubscribed := s.states.UnsubscribeAll(sess.ID)

	s.mu.Lock()
	c := s.conns[sess.ID]
	delete(s.conns, sess.ID)
	s.mu.Unlock()
	if c != nil {
		c.detach(sess.ID)
	}

	if lc := s.lifecycle(); lc != nil {
		lc.SessionClosed(ctx, sessionView{sess}, reason)
	}
	s.log.InfoContext(ctx, "session closed",
		slog.String("session_id", sess.ID),
		slog.String("reason", reason),
		slog.Int("transfers_cancelled", cancelled),
		slog.Int("states_unsubscribed", len(unsubscribed)))
	return c
}

// bind makes c the connection of session id, taking it over from any
// previous connection. The previous transport is closed.
func (s *Server) bind(id string, c *Conn) {
	s.mu.Lock()
	prev := s.conns[id]
	s.conns[id] = c
	s.mu.Unlock()
	if prev != nil && prev != c {
		prev.detach(id)
		_ = prev.sender.Close()
		s.log.Info("session taken over by new connection", slog.String("session_id", id),
			slog.String("previous_conn_id", prev.id), slog.String("conn_id", c.id))
	}
}

// unbind drops the binding of id if it still points at c.
func (s *Server) unbind(id string, c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[id] != c {
		return false
	}
	delete(s.conns, id)
	return true
}

func (s *Server) conn(sessionID string) *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[sessionID]
}

func (s *Server) boundConns() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) rpc() hooks.RPCCapability {
	if s.hooks == nil {
		return nil
	}
	return s.hooks.GetRPCCapability()
}

func (s *Server) events() hooks.EventsCapability {
	if s.hooks == nil {
		return nil
	}
	return s.hooks.GetEventsCapability()
}

func (s *Server) lifecycle() hooks.LifecycleCapability {
	if s.hooks == nil {
		return nil
	}
	return s.hooks.GetLifecycleCapability()
}

// Sessions returns every tracked session, oldest first.
func (s *Server) Sessions() []sessions.Session {
	list := s.sessions.List()
	slices.SortFunc(list, func(a, b sessions.Session) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

// Session returns one tracked session.
func (s *Server) Session(id string) (sessions.Session, bool) {
	return s.sessions.Get(id)
}

// SetSessionMetadata attaches an opaque value to a session.
func (s *Server) SetSessionMetadata(id, key string, value any) error {
	return s.sessions.SetMetadata(id, key, value)
}

// RemoveSession ends a session as if it had disconnected and closes its
// transport.
func (s *Server) RemoveSession(ctx context.Context, id string) error {
	c, err := s.endSession(ctx, id, ReasonRemoved)
	if err != nil {
		return err
	}
	if c != nil {
		_ = c.sender.Close()
	}
	return nil
}

// Stats summarizes the bridge.
type Stats struct {
	Sessions    int          `json:"sessions"`
	Connections int          `json:"connections"`
	Bound       int          `json:"bound"`
	States      int          `json:"states"`
	PendingRPCs int          `json:"pendingRpcs"`
	Assets      assets.Stats `json:"assets"`
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	bound := len(s.conns)
	s.mu.RUnlock()
	s.pendingMu.Lock()
	pending := len(s.pending)
	s.pendingMu.Unlock()
	return Stats{
		Sessions:    s.sessions.Count(),
		Connections: int(s.open.Load()),
		Bound:       bound,
		States:      s.states.Count(),
		PendingRPCs: pending,
		Assets:      s.assets.Stats(),
	}
}

// sessionView adapts a session record to hooks.Session.
type sessionView struct {
	s sessions.Session
}

func (v sessionView) SessionID() string { return v.s.ID }
func (v sessionView) ClientID() string  { return v.s.ClientID }
func (v sessionView) UserID() string    { return v.s.UserID }
