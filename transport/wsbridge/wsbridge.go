// Package wsbridge serves a bridge.Server over WebSocket.
//
// Each upgraded connection gets a bounded send queue drained by a single
// writer goroutine, so bridge callbacks never block on a slow peer. Binary
// codecs use binary frames, the JSON codec uses text frames. A peer that
// stops answering pings is dropped after PongTimeout.
package wsbridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridge"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/protocol"
)

const (
	DefaultSendQueue    = 256
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 60 * time.Second
)

var (
	// ErrClosed is returned by Send after the connection has been closed.
	ErrClosed = errors.New("wsbridge: connection closed")
	// ErrQueueFull is returned by Send when the peer is not draining frames.
	ErrQueueFull = errors.New("wsbridge: send queue full")
)

// Options configures a Handler. Zero values take the package defaults.
type Options struct {
	Logger       *slog.Logger
	SendQueue    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	// MaxMessageSize bounds inbound frames. Zero leaves gorilla's default.
	MaxMessageSize int64
	// CheckOrigin is passed to the upgrader. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades HTTP requests and attaches them to a bridge.Server.
type Handler struct {
	srv      *bridge.Server
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	msgType  int
}

func New(srv *bridge.Server, opts Options) *Handler {
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	msgType := websocket.BinaryMessage
	if srv.Codec().Format() == protocol.FormatJSON {
		msgType = websocket.TextMessage
	}
	return &Handler{
		srv:  srv,
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		msgType: msgType,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Debug("websocket upgrade failed", slog.String("remote_addr", r.RemoteAddr), slog.String("err", err.Error()))
		return
	}

	s := &sender{
		ws:      ws,
		out:     make(chan []byte, h.opts.SendQueue),
		done:    make(chan struct{}),
		msgType: h.msgType,
		timeout: h.opts.WriteTimeout,
	}
	conn := h.srv.Accept(s)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writePump(s)
	}()

	// The read loop outlives the request context once the connection is
	// hijacked, so handlers get a context of their own.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	h.readPump(ctx, conn, s)
	cancel()

	conn.Close(context.Background())
	_ = s.Close()
	wg.Wait()
}

func (h *Handler) readPump(ctx context.Context, conn *bridge.Conn, s *sender) {
	if h.opts.MaxMessageSize > 0 {
		s.ws.SetReadLimit(h.opts.MaxMessageSize)
	}
	_ = s.ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	})

	for {
		_, frame, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.log.Debug("websocket read failed", slog.String("conn_id", conn.ID()), slog.String("err", err.Error()))
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
		conn.Receive(ctx, frame)
	}
}

func (h *Handler) writePump(s *sender) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case frame := <-s.out:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.timeout))
			if err := s.ws.WriteMessage(s.msgType, frame); err != nil {
				s.shutdown()
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.timeout))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown()
				return
			}
		case <-s.done:
			s.drain()
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.timeout))
			return
		}
	}
}

// sender implements bridge.Sender on top of a gorilla connection.
type sender struct {
	ws      *websocket.Conn
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	msgType int
	timeout time.Duration
}

func (s *sender) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Close stops the writer after it flushes queued frames. The read side
// fails once the close handshake completes or the socket is torn down.
func (s *sender) Close() error {
	s.shutdown()
	return nil
}

func (s *sender) RemoteAddr() string { return s.ws.RemoteAddr().String() }

func (s *sender) shutdown() {
	s.once.Do(func() { close(s.done) })
}

// drain writes whatever is still queued, best effort.
func (s *sender) drain() {
	for {
		select {
		case frame := <-s.out:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.timeout))
			if err := s.ws.WriteMessage(s.msgType, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
