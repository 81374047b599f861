package vertex_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/auth"
	"github.com/coder/websocket"

	"github.com/halcyonlabs/voicegate/pkg/provider/live"
	"github.com/halcyonlabs/voicegate/pkg/provider/live/vertex"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// staticTokens satisfies vertex.TokenSource without network access.
type staticTokens struct{}

func (staticTokens) Token(context.Context) (*auth.Token, error) {
	return &auth.Token{Value: "test-bearer"}, nil
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a test WebSocket server. The handler
// receives the accepted *websocket.Conn. The server is closed when the
// test finishes.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setup acknowledgement.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(t *testing.T, srv *httptest.Server, opts ...vertex.Option) *vertex.Provider {
	t.Helper()
	opts = append([]vertex.Option{
		vertex.WithBaseURL(wsURL(srv)),
		vertex.WithTokenSource(staticTokens{}),
	}, opts...)
	p, err := vertex.New("proj-1", "us-central1", "gemini-live-test", opts...)
	if err != nil {
		t.Fatalf("vertex.New: %v", err)
	}
	return p
}

// connect dials the test server and registers cleanup.
func connect(t *testing.T, p *vertex.Provider, cfg live.SessionConfig) live.Session {
	t.Helper()
	sess, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// nextEvent waits for one event with a timeout.
func nextEvent(t *testing.T, sess live.Session) live.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// ── Connect / setup ───────────────────────────────────────────────────────────

func TestConnect_SendsSetupWithModelPath(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-bearer" {
			t.Errorf("Authorization = %q", got)
		}
		var msg struct {
			Setup map[string]any `json:"setup"`
		}
		readJSON(t, conn, &msg)
		setupCh <- msg.Setup
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(t, srv)
	connect(t, p, live.SessionConfig{Instructions: "be brief", Voice: "Aoede"})

	setup := <-setupCh
	wantModel := "projects/proj-1/locations/us-central1/publishers/google/models/gemini-live-test"
	if setup["model"] != wantModel {
		t.Errorf("setup model = %v; want %v", setup["model"], wantModel)
	}
	if setup["systemInstruction"] == nil {
		t.Error("setup missing systemInstruction")
	}
	if setup["inputAudioTranscription"] == nil || setup["outputAudioTranscription"] == nil {
		t.Error("setup must request both transcription directions")
	}
}

func TestConnect_SetupAckSpellings(t *testing.T) {
	t.Parallel()

	for _, field := range []string{"setupComplete", "setup_complete", "bidiGenerateContentSetupComplete"} {
		field := field
		t.Run(field, func(t *testing.T) {
			t.Parallel()

			srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
				var discard map[string]any
				readJSON(t, conn, &discard)
				writeJSON(t, conn, map[string]any{field: map[string]any{}})
				<-conn.CloseRead(context.Background()).Done()
			})
			connect(t, newProvider(t, srv), live.SessionConfig{})
		})
	}
}

func TestConnect_EarlySetupAck(t *testing.T) {
	t.Parallel()

	// Ack before even reading the client's setup message; the one-shot
	// signal must hold the ack until Connect looks for it.
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		var discard map[string]any
		readJSON(t, conn, &discard)
		<-conn.CloseRead(context.Background()).Done()
	})
	connect(t, newProvider(t, srv), live.SessionConfig{})
}

func TestConnect_SetupTimeout(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var discard map[string]any
		readJSON(t, conn, &discard)
		// Never acknowledge.
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(t, srv, vertex.WithSetupTimeout(100*time.Millisecond))
	if _, err := p.Connect(context.Background(), live.SessionConfig{}); err == nil {
		t.Fatal("Connect succeeded without a setup ack")
	}
}

func TestConnect_ServerClosesDuringSetup(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var discard map[string]any
		readJSON(t, conn, &discard)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	p := newProvider(t, srv, vertex.WithSetupTimeout(2*time.Second))
	if _, err := p.Connect(context.Background(), live.SessionConfig{}); err == nil {
		t.Fatal("Connect succeeded on a connection the server closed")
	}
}

func TestConnect_SetupCarriesSamplingParams(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup map[string]any `json:"setup"`
		}
		readJSON(t, conn, &msg)
		setupCh <- msg.Setup
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	temp, topP, topK := 0.4, 0.95, 40
	connect(t, newProvider(t, srv), live.SessionConfig{
		Temperature: &temp,
		TopP:        &topP,
		TopK:        &topK,
	})

	setup := <-setupCh
	gc, _ := setup["generationConfig"].(map[string]any)
	if gc == nil {
		t.Fatalf("setup = %v; want generationConfig", setup)
	}
	if gc["temperature"] != 0.4 {
		t.Errorf("temperature = %v; want 0.4", gc["temperature"])
	}
	if gc["topP"] != 0.95 {
		t.Errorf("topP = %v; want 0.95", gc["topP"])
	}
	if gc["topK"] != float64(40) {
		t.Errorf("topK = %v; want 40", gc["topK"])
	}
}

func TestConnect_SetupOmitsUnsetSamplingParams(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup map[string]any `json:"setup"`
		}
		readJSON(t, conn, &msg)
		setupCh <- msg.Setup
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, newProvider(t, srv), live.SessionConfig{})

	setup := <-setupCh
	gc, _ := setup["generationConfig"].(map[string]any)
	if gc == nil {
		t.Fatalf("setup = %v; want generationConfig", setup)
	}
	for _, key := range []string{"temperature", "topP", "topK"} {
		if _, present := gc[key]; present {
			t.Errorf("generationConfig carries %s when none was configured", key)
		}
	}
}

// ── Event translation ─────────────────────────────────────────────────────────

func TestSession_TranslatesServerContent(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var discard map[string]any
		readJSON(t, conn, &discard)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []map[string]any{
					{"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(pcm),
					}},
				},
			},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "hello there"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "hi, how can"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"turnComplete": true,
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, newProvider(t, srv), live.SessionConfig{})

	if ev, ok := nextEvent(t, sess).(live.AudioEvent); !ok || string(ev.PCM) != string(pcm) {
		t.Errorf("event 1 = %#v; want AudioEvent with decoded PCM", ev)
	}
	if ev, ok := nextEvent(t, sess).(live.UserTranscriptEvent); !ok || ev.Text != "hello there" {
		t.Errorf("event 2 = %#v; want UserTranscriptEvent", ev)
	}
	if ev, ok := nextEvent(t, sess).(live.AssistantTextEvent); !ok || ev.Text != "hi, how can" {
		t.Errorf("event 3 = %#v; want AssistantTextEvent", ev)
	}
	if _, ok := nextEvent(t, sess).(live.TurnCompleteEvent); !ok {
		t.Error("event 4: want TurnCompleteEvent")
	}
}

func TestSession_TranscriptFieldSpellings(t *testing.T) {
	t.Parallel()

	// The live API has shipped several spellings for the same
	// transcription payloads; all of them must translate.
	cases := []struct {
		field string
		user  bool
	}{
		{"inputTranscription", true},
		{"userTranscript", true},
		{"userTranscription", true},
		{"outputTranscription", false},
		{"outputAudioTranscription", false},
		{"modelTranscription", false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.field, func(t *testing.T) {
			t.Parallel()

			srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
				var discard map[string]any
				readJSON(t, conn, &discard)
				sendSetupComplete(t, conn)
				writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
					tc.field: map[string]any{"text": "some words"},
				}})
				<-conn.CloseRead(context.Background()).Done()
			})

			sess := connect(t, newProvider(t, srv), live.SessionConfig{})
			ev := nextEvent(t, sess)
			if tc.user {
				if ut, ok := ev.(live.UserTranscriptEvent); !ok || ut.Text != "some words" {
					t.Errorf("event = %#v; want UserTranscriptEvent", ev)
				}
			} else {
				if at, ok := ev.(live.AssistantTextEvent); !ok || at.Text != "some words" {
					t.Errorf("event = %#v; want AssistantTextEvent", ev)
				}
			}
		})
	}
}

func TestSession_UserTranscriptFinality(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var discard map[string]any
		readJSON(t, conn, &discard)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "my head"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "my head hurts", "finished": true},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "a lot", "isFinal": true},
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, newProvider(t, srv), live.SessionConfig{})
	want := []struct {
		text  string
		final bool
	}{
		{"my head", false},
		{"my head hurts", true},
		{"a lot", true},
	}
	for i, w := range want {
		ev, ok := nextEvent(t, sess).(live.UserTranscriptEvent)
		if !ok || ev.Text != w.text || ev.Final != w.final {
			t.Errorf("event %d = %#v; want {%q final=%v}", i+1, ev, w.text, w.final)
		}
	}
}

func TestSession_InterruptPrecedesSameMessageAudio(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var discard map[string]any
		readJSON(t, conn, &discard)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"interrupted": true,
			"modelTurn": map[string]any{
				"parts": []map[string]any{
					{"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}),
					}},
				},
			},
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, newProvider(t, srv), live.SessionConfig{})
	if _, ok := nextEvent(t, sess).(live.InterruptedEvent); !ok {
		t.Fatal("interrupt must be delivered before the stale audio")
	}
	if _, ok := nextEvent(t, sess).(live.AudioEvent); !ok {
		t.Fatal("audio from the interrupted message still arrives after the interrupt")
	}
}

func TestSession_ServerErrorBecomesErrorEvent(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var discard map[string]any
		readJSON(t, conn, &discard)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{
			"code":    429,
			"message": "quota exceeded",
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, newProvider(t, srv), live.SessionConfig{})
	ev, ok := nextEvent(t, sess).(live.ErrorEvent)
	if !ok {
		t.Fatalf("want ErrorEvent, got %#v", ev)
	}
	if !strings.Contains(ev.Err.Error(), "quota exceeded") {
		t.Errorf("ErrorEvent.Err = %v", ev.Err)
	}
}

func TestSession_ToolCallRoundTrip(t *testing.T) {
	t.Parallel()

	respCh := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var discard map[string]any
		readJSON(t, conn, &discard)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{"toolCall": map[string]any{
			"functionCalls": []map[string]any{
				{"id": "call-1", "name": "lookup", "args": map[string]any{"q": "x"}},
			},
		}})

		var resp map[string]any
		readJSON(t, conn, &resp)
		respCh <- resp
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, newProvider(t, srv), live.SessionConfig{})

	ev, ok := nextEvent(t, sess).(live.ToolCallEvent)
	if !ok || ev.Name != "lookup" || ev.ID != "call-1" {
		t.Fatalf("want ToolCallEvent lookup/call-1, got %#v", ev)
	}
	if err := sess.SendFunctionResponse(ev.ID, ev.Name, map[string]any{"result": "ok"}); err != nil {
		t.Fatalf("SendFunctionResponse: %v", err)
	}

	resp := <-respCh
	tr, _ := resp["toolResponse"].(map[string]any)
	if tr == nil {
		t.Fatalf("server received %v; want toolResponse", resp)
	}
}

// ── Outbound frames ───────────────────────────────────────────────────────────

func TestSendAudio_EncodesRealtimeInput(t *testing.T) {
	t.Parallel()

	audioCh := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var discard map[string]any
		readJSON(t, conn, &discard)
		sendSetupComplete(t, conn)

		var msg map[string]any
		readJSON(t, conn, &msg)
		audioCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, newProvider(t, srv), live.SessionConfig{})
	pcm := []byte{0xAB, 0xCD, 0xEF, 0x01}
	if err := sess.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := <-audioCh
	ri, _ := msg["realtimeInput"].(map[string]any)
	if ri == nil {
		t.Fatalf("server received %v; want realtimeInput", msg)
	}
	chunks, _ := ri["mediaChunks"].([]any)
	if len(chunks) != 1 {
		t.Fatalf("mediaChunks = %v", ri["mediaChunks"])
	}
	chunk := chunks[0].(map[string]any)
	if chunk["mimeType"] != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %v", chunk["mimeType"])
	}
	decoded, err := base64.StdEncoding.DecodeString(chunk["data"].(string))
	if err != nil || string(decoded) != string(pcm) {
		t.Errorf("data = %v (err %v)", chunk["data"], err)
	}
}

func TestSendTurnComplete_SendsClientContent(t *testing.T) {
	t.Parallel()

	frameCh := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var discard map[string]any
		readJSON(t, conn, &discard)
		sendSetupComplete(t, conn)

		var msg map[string]any
		readJSON(t, conn, &msg)
		frameCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, newProvider(t, srv), live.SessionConfig{})
	if err := sess.SendTurnComplete(); err != nil {
		t.Fatalf("SendTurnComplete: %v", err)
	}

	msg := <-frameCh
	cc, _ := msg["clientContent"].(map[string]any)
	if cc == nil || cc["turnComplete"] != true {
		t.Errorf("server received %v; want clientContent.turnComplete=true", msg)
	}
}

func TestCancelOutput_SendsEmptyTurnBoundary(t *testing.T) {
	t.Parallel()

	frameCh := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var discard map[string]any
		readJSON(t, conn, &discard)
		sendSetupComplete(t, conn)

		var msg map[string]any
		readJSON(t, conn, &msg)
		frameCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, newProvider(t, srv), live.SessionConfig{})
	if err := sess.CancelOutput(); err != nil {
		t.Fatalf("CancelOutput: %v", err)
	}

	msg := <-frameCh
	cc, _ := msg["clientContent"].(map[string]any)
	if cc == nil || cc["turnComplete"] != true {
		t.Errorf("server received %v; want clientContent.turnComplete=true", msg)
	}
	if _, hasTurns := cc["turns"]; hasTurns {
		t.Errorf("cancellation must not carry content turns: %v", cc)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.CancelOutput(); err == nil {
		t.Error("CancelOutput after Close must fail")
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestClose_IsIdempotentAndStopsSends(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var discard map[string]any
		readJSON(t, conn, &discard)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, newProvider(t, srv), live.SessionConfig{})
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.SendAudio([]byte{0x01, 0x02}); err == nil {
		t.Error("SendAudio after Close must fail")
	}

	// The event channel drains and closes.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel did not close after Close")
		}
	}
}
