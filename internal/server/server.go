// Package server exposes the gateway's WebSocket endpoint. Each accepted
// connection gets its own [session.Coordinator]; the server owns the socket
// reader loop and the connection lifetime, the coordinator owns everything
// else.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/halcyonlabs/voicegate/internal/observe"
	"github.com/halcyonlabs/voicegate/internal/session"
)

// readLimit caps a single inbound WebSocket message. Audio arrives in small
// PCM chunks; anything near this limit is a misbehaving client.
const readLimit = 1 << 20 // 1 MiB

// closeGrace bounds how long ServeHTTP waits for the coordinator to drain
// its outbound queue after the reader loop ends.
const closeGrace = 5 * time.Second

// defaultMaxSessions caps concurrent sessions per instance. Each session
// holds an upstream connection and two goroutines minimum.
const defaultMaxSessions = 512

// CoordinatorFactory builds a coordinator for one accepted connection.
// clientIP is the peer address as seen by the listener (or the first
// X-Forwarded-For hop when present).
type CoordinatorFactory func(clientIP string) *session.Coordinator

// Handler accepts WebSocket upgrades and runs one coordinator per
// connection. It is safe for concurrent use.
type Handler struct {
	factory CoordinatorFactory
	origins []string
	log     *slog.Logger
	sem     *semaphore.Weighted

	// base is cancelled by Shutdown; every session context derives
	// from it so draining sessions observe the cancellation.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

// Option configures a [Handler].
type Option func(*Handler)

// WithOriginPatterns sets the origin patterns accepted during the WebSocket
// handshake. Empty means same-host only.
func WithOriginPatterns(patterns []string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithLogger overrides the handler's logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithMaxSessions caps concurrent sessions; further upgrade attempts
// get 503 until a slot frees.
func WithMaxSessions(n int64) Option {
	return func(h *Handler) { h.sem = semaphore.NewWeighted(n) }
}

// New creates a Handler that builds a coordinator per connection via factory.
func New(factory CoordinatorFactory, opts ...Option) *Handler {
	base, cancel := context.WithCancel(context.Background())
	h := &Handler{
		factory: factory,
		log:     observe.GatewayLogger(),
		sem:     semaphore.NewWeighted(defaultMaxSessions),
		base:    base,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP upgrades the request to a WebSocket and blocks until the
// session ends. Compression stays off: the payload is already-compressed
// audio and the extra CPU per frame costs latency.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.sessions.Add(1)
	h.mu.Unlock()
	defer h.sessions.Done()

	if !h.sem.TryAcquire(1) {
		h.log.Warn("gateway.session_limit_reached", "remote", clientIP(r))
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}
	defer h.sem.Release(1)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.origins,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.log.Warn("gateway.upgrade_failed", "err", err, "remote", clientIP(r))
		return
	}
	conn.SetReadLimit(readLimit)

	h.serve(r, conn)
}

// serve runs one connection: the coordinator in a goroutine, the reader
// loop inline. Returns when both have finished.
func (h *Handler) serve(r *http.Request, conn *websocket.Conn) {
	ip := clientIP(r)
	coord := h.factory(ip)
	log := h.log.With("session_id", coord.ID())

	ctx, cancel := context.WithCancel(h.base)
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- coord.Run(ctx, wsWriter{conn: conn})
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				coord.ClientGone()
				return
			}
			switch typ {
			case websocket.MessageText:
				coord.HandleText(data)
			case websocket.MessageBinary:
				coord.HandleBinary(data)
			}
		}
	}()

	log.Info("gateway.connection_accepted", "remote", ip)

	// The session ends when either side finishes: the coordinator on a
	// stop frame or upstream loss, the reader when the client goes
	// away. Give the coordinator a bounded grace to flush its outbound
	// queue; a wedged writer must not pin the handler forever.
	var runErr error
	select {
	case runErr = <-runDone:
	case <-readerDone:
		select {
		case runErr = <-runDone:
		case <-time.After(closeGrace):
			cancel()
			runErr = <-runDone
		}
	}
	if runErr != nil {
		log.Warn("gateway.session_error", "err", runErr)
	}

	conn.Close(websocket.StatusNormalClosure, "session ended")
	cancel()
	<-readerDone

	log.Info("gateway.connection_closed", "remote", ip)
}

// Shutdown stops accepting new connections, cancels all in-flight
// sessions, and waits for them to drain or ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.cancel()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wsWriter adapts the WebSocket connection to the coordinator's writer
// interface. Only the coordinator's writer goroutine calls it.
type wsWriter struct {
	conn *websocket.Conn
}

var _ session.ClientWriter = wsWriter{}

func (w wsWriter) WriteText(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// clientIP extracts the peer address, preferring the first X-Forwarded-For
// hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
