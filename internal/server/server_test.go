package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/halcyonlabs/voicegate/internal/identity"
	"github.com/halcyonlabs/voicegate/internal/protocol"
	"github.com/halcyonlabs/voicegate/internal/safety"
	"github.com/halcyonlabs/voicegate/internal/server"
	"github.com/halcyonlabs/voicegate/internal/session"
	livemock "github.com/halcyonlabs/voicegate/pkg/provider/live/mock"
)

// envelope mirrors the outbound frame format for assertions.
type envelope struct {
	Type    string         `json:"type"`
	Seq     uint64         `json:"seq"`
	Payload map[string]any `json:"payload"`
}

const helloFrame = `{"type":"client.hello","payload":{"firebase_id_token":"mock_token_for_testing","session_config":{}}}`

// fixture runs a Handler over httptest and remembers every coordinator
// the factory built.
type fixture struct {
	handler *server.Handler
	srv     *httptest.Server
	up      *livemock.Session

	mu     sync.Mutex
	coords []*session.Coordinator
}

func start(t *testing.T, opts ...server.Option) *fixture {
	t.Helper()

	f := &fixture{up: livemock.NewSession()}
	factory := func(clientIP string) *session.Coordinator {
		c := session.New(session.Config{
			Verifier:           &identity.Mock{},
			Upstream:           &livemock.Provider{Session: f.up},
			Scanner:            safety.NewScanner(safety.DefaultRules()),
			STTDisableOnVertex: true,
			ClientIP:           clientIP,
		})
		f.mu.Lock()
		f.coords = append(f.coords, c)
		f.mu.Unlock()
		return c
	}

	f.handler = server.New(factory, opts...)
	f.srv = httptest.NewServer(f.handler)
	t.Cleanup(f.srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		f.handler.Shutdown(ctx)
	})
	return f
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// dial opens a client connection to the fixture's endpoint.
func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.wsURL(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readEnvelope reads one text frame, skipping nothing.
func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("got %v frame; want text", typ)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return env
}

// readUntil skips frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) envelope {
	t.Helper()
	for i := 0; i < 32; i++ {
		env := readEnvelope(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("never received a %s frame", typ)
	return envelope{}
}

func writeText(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// hello performs the handshake and asserts the state progression.
func hello(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeText(t, conn, helloFrame)
	for i, want := range []string{protocol.StateConnecting, protocol.StateReady, protocol.StateListening} {
		env := readUntil(t, conn, protocol.TypeSessionState)
		if env.Payload["state"] != want {
			t.Fatalf("state frame %d = %v; want %q", i+1, env.Payload["state"], want)
		}
	}
}

func (f *fixture) lastCoord(t *testing.T) *session.Coordinator {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.coords) == 0 {
		t.Fatal("no coordinator was built")
	}
	return f.coords[len(f.coords)-1]
}

// waitForFrame polls until the upstream mock has seen a frame of kind.
func waitForFrame(t *testing.T, up *livemock.Session, kind string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, fr := range up.SentFrames() {
			if fr.Kind == kind {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("upstream never received a %q frame", kind)
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestHandler_Handshake(t *testing.T) {
	t.Parallel()

	f := start(t)
	conn := f.dial(t)
	hello(t, conn)
}

func TestHandler_BinaryAudioReachesUpstream(t *testing.T) {
	t.Parallel()

	f := start(t)
	conn := f.dial(t)
	hello(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	chunk := make([]byte, 640)
	for i := 0; i < 5; i++ {
		if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.up.AudioFrames()) >= 5 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("upstream received %d audio frames; want 5", len(f.up.AudioFrames()))
}

func TestHandler_ModelAudioReachesClient(t *testing.T) {
	t.Parallel()

	f := start(t)
	conn := f.dial(t)
	hello(t, conn)

	writeText(t, conn, `{"type":"client.audio.turnComplete"}`)
	waitForFrame(t, f.up, "turnComplete")
	f.up.EmitAudio([]byte{1, 2, 3, 4})

	env := readUntil(t, conn, protocol.TypeAudioOut)
	if env.Payload["audio_base64"] == "" {
		t.Fatal("audio frame carries no payload")
	}
}

func TestHandler_StopClosesConnection(t *testing.T) {
	t.Parallel()

	f := start(t)
	conn := f.dial(t)
	hello(t, conn)

	writeText(t, conn, `{"type":"client.session.stop"}`)
	readUntil(t, conn, protocol.TypeSessionState) // stopped

	// The server closes the socket once the coordinator drains.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
}

func TestHandler_ClientDisconnectEndsSession(t *testing.T) {
	t.Parallel()

	f := start(t)
	conn := f.dial(t)
	hello(t, conn)
	coord := f.lastCoord(t)

	conn.CloseNow()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.up.CloseCalls() > 0 {
			if got := coord.Snapshot().Counters.InAudioBytes; got != 0 {
				t.Fatalf("InAudioBytes = %d; want 0", got)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("upstream session was never closed after client disconnect")
}

func TestHandler_OriginRejected(t *testing.T) {
	t.Parallel()

	f := start(t, server.WithOriginPatterns([]string{"app.example.com"}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example.net"}},
	})
	if err == nil {
		conn.CloseNow()
		t.Fatal("Dial succeeded from a disallowed origin")
	}
}

func TestHandler_SessionLimit(t *testing.T) {
	t.Parallel()

	f := start(t, server.WithMaxSessions(1))
	conn := f.dial(t)
	hello(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	second, _, err := websocket.Dial(ctx, f.wsURL(), nil)
	if err == nil {
		second.CloseNow()
		t.Fatal("second Dial succeeded past the session limit")
	}

	// Ending the first session frees the slot.
	writeText(t, conn, `{"type":"client.session.stop"}`)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c, _, err := websocket.Dial(ctx, f.wsURL(), nil)
		if err == nil {
			c.CloseNow()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("slot never freed after the first session ended")
}

func TestHandler_ShutdownRefusesNewConnections(t *testing.T) {
	t.Parallel()

	f := start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.handler.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	resp, err := http.Get(f.srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d; want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestHandler_ShutdownDrainsActiveSessions(t *testing.T) {
	t.Parallel()

	f := start(t)
	conn := f.dial(t)
	hello(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.handler.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The session observed the cancellation and closed its upstream.
	if f.up.CloseCalls() == 0 {
		t.Fatal("upstream session still open after Shutdown")
	}
}
