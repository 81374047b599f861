// Package session implements the per-connection coordinator: the
// single owner of session state that bridges one client WebSocket to
// one upstream live-model session plus an optional fallback
// recognizer.
//
// Concurrency model: the coordinator goroutine is the sole consumer of
// the inbox and the only goroutine that touches session state. The
// reader (server package), the upstream event pump, and the fallback
// recognizer supervisor are producers into the inbox. A dedicated
// writer goroutine is the sole caller of the client socket and mints
// the strictly monotonic outbound sequence numbers.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/halcyonlabs/voicegate/internal/identity"
	"github.com/halcyonlabs/voicegate/internal/observe"
	"github.com/halcyonlabs/voicegate/internal/protocol"
	"github.com/halcyonlabs/voicegate/internal/resilience"
	"github.com/halcyonlabs/voicegate/internal/safety"
	"github.com/halcyonlabs/voicegate/pkg/provider/asr"
	"github.com/halcyonlabs/voicegate/pkg/provider/live"
)

const (
	// inboxBuffer absorbs producer bursts; the coordinator loop is
	// cheap so depth matters more than latency here.
	inboxBuffer = 256

	// outboundBuffer decouples the coordinator from client write
	// backpressure.
	outboundBuffer = 256

	// asrAudioBuffer holds audio awaiting the fallback recognizer.
	// Sends are non-blocking; a stalled recognizer loses audio rather
	// than stalling the session.
	asrAudioBuffer = 64
)

// ClientWriter is the outbound half of the client socket. The server
// package adapts the WebSocket connection to it; only the coordinator's
// writer goroutine calls it.
type ClientWriter interface {
	WriteText(ctx context.Context, data []byte) error
}

// Config wires a coordinator's collaborators.
type Config struct {
	Verifier   identity.Verifier
	Upstream   live.Provider
	Recognizer asr.Recognizer // nil disables the fallback path
	Scanner    *safety.Scanner
	Metrics    *observe.Metrics

	// LiveConfig is the upstream session configuration shared by all
	// sessions.
	LiveConfig live.SessionConfig

	// STTFallbackEnabled starts the fallback recognizer alongside the
	// upstream session.
	STTFallbackEnabled bool

	// STTDisableOnVertex tears the fallback stream down once the
	// upstream proves it returns user transcripts. When false the
	// stream stays open but muted.
	STTDisableOnVertex bool

	// EmitPartials forwards incremental assistant text to the client
	// instead of only the per-turn final.
	EmitPartials bool

	// Backoff is the fallback recognizer retry policy. Zero value
	// selects resilience.DefaultBackoff.
	Backoff resilience.Backoff

	// ClientIP is logged for the session; never used for decisions.
	ClientIP string
}

// ── inbox messages ─────────────────────────────────────────────────────────────

type inboxMsg interface{ isInboxMsg() }

type frameMsg struct{ frame *protocol.Inbound }
type binaryAudioMsg struct{ pcm []byte }
type upstreamMsg struct{ ev live.Event }
type connectDoneMsg struct {
	sess    live.Session
	err     error
	started time.Time
}
type asrTranscriptMsg struct{ t asr.Transcript }
type asrRetryMsg struct{}
type asrFailedMsg struct{ err error }
type clientGoneMsg struct{}

func (frameMsg) isInboxMsg()         {}
func (binaryAudioMsg) isInboxMsg()   {}
func (upstreamMsg) isInboxMsg()      {}
func (connectDoneMsg) isInboxMsg()   {}
func (asrTranscriptMsg) isInboxMsg() {}
func (asrRetryMsg) isInboxMsg()      {}
func (asrFailedMsg) isInboxMsg()     {}
func (clientGoneMsg) isInboxMsg()    {}

// ── Coordinator ────────────────────────────────────────────────────────────────

// Coordinator owns one session end to end. Create with New, drive with
// Run, feed from the socket reader via HandleText / HandleBinary /
// ClientGone.
type Coordinator struct {
	id  string
	cfg Config
	log *slog.Logger

	inbox    chan inboxMsg
	outbound chan protocol.Outbound
	done     chan struct{}

	// Coordinator-goroutine-owned state. Never read or written from
	// any other goroutine.
	state           State
	lastClientState string
	span            trace.Span
	authenticated   bool
	upstreamReady   bool
	forwarding      bool
	source          TranscriptSource
	sttActive       bool
	userID          string
	counters        Counters
	upstream        live.Session

	turnText           strings.Builder
	awaitingFirstAudio bool
	turnCompleteAt     time.Time

	asrAudio  chan []byte
	asrCancel context.CancelFunc
	asrWG     sync.WaitGroup

	pumpStop chan struct{}
	pumpWG   sync.WaitGroup

	connectWG     sync.WaitGroup
	connectCancel context.CancelFunc

	snapMu sync.Mutex
	snap   Snapshot
}

// New creates a coordinator for one client connection.
func New(cfg Config) *Coordinator {
	if cfg.Backoff == (resilience.Backoff{}) {
		cfg.Backoff = resilience.DefaultBackoff()
	}
	id := uuid.NewString()
	return &Coordinator{
		id:       id,
		cfg:      cfg,
		log:      observe.SessionLogger(id, ""),
		inbox:    make(chan inboxMsg, inboxBuffer),
		outbound: make(chan protocol.Outbound, outboundBuffer),
		done:     make(chan struct{}),
		pumpStop: make(chan struct{}),
		state:    StateConnecting,
		source:   SourceFallback,
	}
}

// ID returns the opaque session identifier.
func (c *Coordinator) ID() string { return c.id }

// HandleText parses one client text frame and dispatches it. Malformed
// frames are logged and dropped. Safe to call from the reader goroutine.
func (c *Coordinator) HandleText(data []byte) {
	frame, err := protocol.ParseInbound(data)
	if err != nil {
		c.log.Warn("gateway.malformed_client_message", "error", err)
		return
	}
	c.post(frameMsg{frame: frame})
}

// HandleBinary dispatches one raw PCM frame. Frames shorter than one
// 16-bit sample are dropped. Safe to call from the reader goroutine.
func (c *Coordinator) HandleBinary(pcm []byte) {
	if len(pcm) < 2 {
		c.log.Warn("gateway.binary_audio_rejected", "reason", "frame_too_short")
		return
	}
	c.post(binaryAudioMsg{pcm: pcm})
}

// ClientGone signals that the client socket closed.
func (c *Coordinator) ClientGone() {
	c.post(clientGoneMsg{})
}

// Snapshot returns the session summary. Stable once Run has returned.
func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap
}

func (c *Coordinator) post(m inboxMsg) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

// ── run loop ───────────────────────────────────────────────────────────────────

// Run drives the session until the client disconnects, the upstream
// closes, or ctx is cancelled. It always returns with all owned
// goroutines stopped and a final snapshot stored.
func (c *Coordinator) Run(ctx context.Context, w ClientWriter) error {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "voicegate.session",
		trace.WithAttributes(observe.Attr("session_id", c.id)))
	defer span.End()
	c.span = span

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ActiveSessions.Add(ctx, 1)
		defer c.cfg.Metrics.ActiveSessions.Add(ctx, -1)
		defer func() {
			c.cfg.Metrics.SessionDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		c.writeLoop(ctx, w)
	}()

	c.log.Info("session.started", "client_ip", c.cfg.ClientIP)
	c.emitState(protocol.StateConnecting)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			c.shutdown(ctx)
			break loop
		case m := <-c.inbox:
			if c.handle(ctx, m) {
				c.shutdown(ctx)
				break loop
			}
		}
	}

	c.emitState(protocol.StateStopped)
	close(c.done)
	close(c.outbound)
	writerWG.Wait()
	c.connectWG.Wait()
	c.pumpWG.Wait()
	c.asrWG.Wait()

	// A connect result that raced into the inbox after the loop exited
	// still carries a live session.
	for drained := false; !drained; {
		select {
		case m := <-c.inbox:
			if cd, ok := m.(connectDoneMsg); ok && cd.sess != nil {
				cd.sess.Close()
			}
		default:
			drained = true
		}
	}

	c.snapMu.Lock()
	c.snap = Snapshot{
		SessionID:        c.id,
		UserID:           c.userID,
		State:            c.state,
		Counters:         c.counters,
		TranscriptSource: c.source,
	}
	c.snapMu.Unlock()

	c.log.Info("session.ended",
		"state", string(c.state),
		"in_audio_bytes", c.counters.InAudioBytes,
		"out_audio_chunks", c.counters.OutAudioChunks,
		"red_flags", c.counters.RedFlags,
		"transcript_source", string(c.source),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return runErr
}

// handle processes one inbox message; true means the session is over.
func (c *Coordinator) handle(ctx context.Context, m inboxMsg) (stop bool) {
	switch m := m.(type) {
	case frameMsg:
		return c.handleFrame(ctx, m.frame)
	case binaryAudioMsg:
		c.onClientAudio(ctx, m.pcm)
	case upstreamMsg:
		return c.onUpstreamEvent(ctx, m.ev)
	case connectDoneMsg:
		return c.onUpstreamConnected(ctx, m)
	case asrTranscriptMsg:
		c.onFallbackTranscript(ctx, m.t)
	case asrRetryMsg:
		c.counters.STTRetries++
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.AsrRetries.Add(ctx, 1)
		}
	case asrFailedMsg:
		c.onFallbackFailed(m.err)
	case clientGoneMsg:
		c.log.Info("session.client_disconnected")
		return true
	}
	return false
}

func (c *Coordinator) handleFrame(ctx context.Context, f *protocol.Inbound) (stop bool) {
	switch f.Kind {
	case protocol.TypeHello:
		return c.onHello(ctx, f.Hello)
	case protocol.TypeAudioChunk:
		c.onClientAudio(ctx, f.Audio)
	case protocol.TypeTurnComplete:
		c.onTurnComplete()
	case protocol.TypeBargeIn:
		c.onBargeIn(ctx, f.BargeIn)
	case protocol.TypeStop:
		return c.onStop()
	}
	return false
}

// ── handshake ──────────────────────────────────────────────────────────────────

func (c *Coordinator) onHello(ctx context.Context, hello *protocol.Hello) (stop bool) {
	if c.authenticated {
		c.log.Warn("session.duplicate_hello")
		return false
	}
	c.state = StateAuthenticating

	ident, err := c.cfg.Verifier.Verify(ctx, hello.Token)
	if err != nil {
		c.log.Warn("session.auth_failed", "error", err)
		c.sendError("authentication failed")
		c.state = StateErrored
		return true
	}
	c.authenticated = true
	c.userID = ident.UserID
	c.log = observe.SessionLogger(c.id, ident.UserID)
	c.log.Info("session.authenticated")

	// Connecting upstream can take seconds; it must not park the run
	// loop, or audio sent before setup-complete would queue in the
	// inbox and slip through once the gate opens. The loop keeps
	// draining (and rejecting) frames until the result lands.
	c.state = StateUpstreamStarting
	liveCfg := c.liveConfig(hello.SessionConfig)
	setupStart := time.Now()
	cctx, cancel := context.WithCancel(ctx)
	c.connectCancel = cancel
	c.connectWG.Add(1)
	go func() {
		defer c.connectWG.Done()
		sess, err := c.cfg.Upstream.Connect(cctx, liveCfg)
		select {
		case c.inbox <- connectDoneMsg{sess: sess, err: err, started: setupStart}:
		case <-c.done:
			if sess != nil {
				sess.Close()
			}
		}
	}()
	return false
}

// sessionOverrides are the client-supplied session_config fields the
// gateway honors. Anything else in the payload is ignored.
type sessionOverrides struct {
	Voice    string `json:"voice"`
	Language string `json:"language"`
}

func (c *Coordinator) liveConfig(raw json.RawMessage) live.SessionConfig {
	cfg := c.cfg.LiveConfig
	if len(raw) == 0 {
		return cfg
	}
	var o sessionOverrides
	if err := json.Unmarshal(raw, &o); err != nil {
		c.log.Warn("session.session_config_ignored", "error", err)
		return cfg
	}
	if o.Voice != "" {
		cfg.Voice = o.Voice
	}
	if o.Language != "" {
		cfg.Language = o.Language
	}
	return cfg
}

func (c *Coordinator) onUpstreamConnected(ctx context.Context, m connectDoneMsg) (stop bool) {
	if c.state != StateUpstreamStarting {
		if m.sess != nil {
			m.sess.Close()
		}
		return false
	}
	if m.err != nil {
		c.log.Error("session.upstream_setup_failed", "error", m.err)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordUpstreamError(ctx, "setup")
		}
		c.sendError("assistant session could not be started")
		c.state = StateErrored
		return true
	}
	c.upstream = m.sess
	c.upstreamReady = true
	c.forwarding = true
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.UpstreamSetupDuration.Record(ctx, time.Since(m.started).Seconds())
	}
	c.log.Info("session.upstream_ready", "setup_ms", time.Since(m.started).Milliseconds())

	c.pumpWG.Add(1)
	go c.pumpUpstream(m.sess)

	if c.cfg.STTFallbackEnabled && c.cfg.Recognizer != nil {
		c.startFallback(ctx)
	} else {
		c.source = SourceUpstream
	}

	c.state = StateReady
	c.emitState(protocol.StateReady)
	c.state = StateListening
	c.emitState(protocol.StateListening)
	return false
}

// pumpUpstream moves upstream events into the inbox until the event
// stream or the session ends.
func (c *Coordinator) pumpUpstream(sess live.Session) {
	defer c.pumpWG.Done()
	for ev := range sess.Events() {
		select {
		case c.inbox <- upstreamMsg{ev: ev}:
		case <-c.pumpStop:
			return
		case <-c.done:
			return
		}
	}
}

// ── client frames ──────────────────────────────────────────────────────────────

// acceptsAudio reports whether the gate permits forwarding client audio
// upstream right now.
func (c *Coordinator) acceptsAudio() bool {
	if !c.authenticated || !c.upstreamReady {
		return false
	}
	switch c.state {
	case StateReady, StateListening, StateSpeaking:
		return true
	}
	return false
}

func (c *Coordinator) onClientAudio(ctx context.Context, pcm []byte) {
	if !c.acceptsAudio() {
		c.log.Warn("gateway.binary_audio_rejected", "reason", "vertex_not_ready")
		return
	}
	if err := c.upstream.SendAudio(pcm); err != nil {
		c.log.Error("session.audio_forward_failed", "error", err)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordUpstreamError(ctx, "audio_send")
		}
		c.sendError("audio could not be delivered")
		return
	}
	c.counters.InAudioBytes += int64(len(pcm))
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.AudioBytesIn.Add(ctx, int64(len(pcm)))
	}
	if c.sttActive {
		select {
		case c.asrAudio <- pcm:
		default: // recognizer lagging; favour the live path
		}
	}
}

func (c *Coordinator) onTurnComplete() {
	if !c.upstreamReady {
		c.log.Warn("session.turn_complete_rejected", "reason", "vertex_not_ready")
		return
	}
	if err := c.upstream.SendTurnComplete(); err != nil {
		c.log.Error("session.turn_complete_failed", "error", err)
		c.sendError("turn could not be completed")
		return
	}
	// Barge-in suppression ends at the turn boundary.
	c.forwarding = true
	c.awaitingFirstAudio = true
	c.turnCompleteAt = time.Now()
	c.send(protocol.KPI(protocol.KPITurnComplete, c.turnCompleteAt.UnixMilli()))
}

func (c *Coordinator) onBargeIn(ctx context.Context, b *protocol.BargeIn) {
	if !c.upstreamReady {
		c.log.Warn("session.barge_in_rejected", "reason", "vertex_not_ready")
		return
	}
	ts := b.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	c.log.Info("session.barge_in", "reason", b.Reason)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.BargeIns.Add(ctx, 1)
	}
	c.send(protocol.BargeInAck(ts))
	// Close the gate before anything else: even if the upstream
	// cancellation fails, no more model audio reaches the client until
	// the next turn boundary.
	wasForwarding := c.forwarding
	c.forwarding = false
	if wasForwarding && c.upstreamReady {
		if err := c.upstream.CancelOutput(); err != nil {
			c.log.Warn("session.cancel_output_failed", "error", err)
		}
	}
	c.state = StateListening
	c.emitState(protocol.StateListening)
}

func (c *Coordinator) onStop() (stop bool) {
	if c.state == StateStopping || c.state == StateClosed {
		return false // idempotent
	}
	c.log.Info("session.stop_requested")
	return true
}

// ── upstream events ────────────────────────────────────────────────────────────

func (c *Coordinator) onUpstreamEvent(ctx context.Context, ev live.Event) (stop bool) {
	switch ev := ev.(type) {
	case live.AudioEvent:
		c.onModelAudio(ctx, ev.PCM)
	case live.AssistantTextEvent:
		c.turnText.WriteString(ev.Text)
		if c.cfg.EmitPartials {
			c.send(protocol.AssistantTranscript(ev.Text, true))
		}
	case live.TurnCompleteEvent:
		if text := c.turnText.String(); text != "" {
			c.send(protocol.AssistantTranscript(text, false))
			c.turnText.Reset()
		}
		c.state = StateListening
		c.emitState(protocol.StateListening)
	case live.InterruptedEvent:
		// The model cut itself off after detecting user speech; stop
		// forwarding the remainder of the turn (audio may already be
		// queued behind this event) and tell the client to flush its
		// playback buffer.
		c.forwarding = false
		c.send(protocol.AudioStop("interrupted"))
		c.state = StateListening
		c.emitState(protocol.StateListening)
	case live.UserTranscriptEvent:
		c.onUpstreamUserTranscript(ctx, ev.Text, ev.Final)
	case live.ToolCallEvent:
		c.onToolCall(ev)
	case live.ErrorEvent:
		c.log.Warn("session.upstream_error", "error", ev.Err)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordUpstreamError(ctx, "server")
		}
		c.sendError("assistant reported an error")
		c.emitState(protocol.StateNetworkDegraded)
	case live.ClosedEvent:
		if ev.Err != nil && c.state != StateStopping {
			c.log.Error("session.upstream_closed", "error", ev.Err)
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordUpstreamError(ctx, "closed")
			}
			c.sendError("assistant connection lost")
			c.state = StateErrored
		}
		c.upstreamReady = false
		return true
	}
	return false
}

func (c *Coordinator) onModelAudio(ctx context.Context, pcm []byte) {
	if !c.forwarding {
		return // barge-in active; drop for the rest of the turn
	}
	if c.awaitingFirstAudio {
		c.awaitingFirstAudio = false
		now := time.Now()
		c.send(protocol.KPI(protocol.KPIFirstModelAudio, now.UnixMilli()))
		if c.cfg.Metrics != nil && !c.turnCompleteAt.IsZero() {
			c.cfg.Metrics.FirstAudioLatency.Record(ctx, now.Sub(c.turnCompleteAt).Seconds())
		}
	}
	c.send(protocol.AudioOut(pcm))
	c.counters.OutAudioChunks++
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.AudioChunksOut.Add(ctx, 1)
	}
	c.state = StateSpeaking
	c.emitState(protocol.StateSpeaking)
}

// onUpstreamUserTranscript arbitrates the transcript source and
// forwards the transcript. The first upstream user transcript — even
// a partial — mutes the fallback recognizer for the rest of the
// session. Only finals are scanned, once per utterance.
func (c *Coordinator) onUpstreamUserTranscript(ctx context.Context, text string, final bool) {
	if c.source != SourceUpstream {
		c.source = SourceUpstream
		c.log.Info("session.transcript_source_switched", "source", string(SourceUpstream))
		c.muteFallback()
	}
	if final {
		c.counters.VertexFinals++
	} else {
		c.counters.VertexPartials++
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordTranscript(ctx, string(SourceUpstream), final)
	}
	if final {
		c.scanUserTranscript(ctx, text, SourceUpstream)
	}
	c.send(protocol.UserTranscript(text, !final))
}

func (c *Coordinator) onToolCall(ev live.ToolCallEvent) {
	c.log.Info("session.tool_call", "tool", ev.Name)
	c.send(protocol.ToolCall(ev.Name, ev.Args))
	// Acknowledge so the model does not stall waiting for a result the
	// client will deliver out of band.
	if err := c.upstream.SendFunctionResponse(ev.ID, ev.Name, map[string]any{"status": "acknowledged"}); err != nil {
		c.log.Warn("session.tool_ack_failed", "tool", ev.Name, "error", err)
	}
}

// ── safety ─────────────────────────────────────────────────────────────────────

// scanUserTranscript runs the red-flag scanner over one user
// transcript. Each utterance is scanned exactly once: only transcripts
// from the authoritative source reach this point, and only finals.
func (c *Coordinator) scanUserTranscript(ctx context.Context, text string, source TranscriptSource) {
	if c.cfg.Scanner == nil {
		return
	}
	verdict, ok := c.cfg.Scanner.Scan(text)
	if !ok {
		return
	}
	c.counters.RedFlags++
	c.log.Warn("session.red_flag",
		"severity", string(verdict.Severity),
		"matched", verdict.Matched,
		"source", string(source),
	)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordRedFlag(ctx, string(verdict.Severity), string(source))
	}
	c.send(protocol.TriageEmergency(string(verdict.Severity), verdict.Banner))
	if verdict.Interrupt {
		c.forwarding = false
		c.send(protocol.AudioStop("emergency_interrupt"))
	}
}

// ── outbound ───────────────────────────────────────────────────────────────────

// send queues one outbound frame. Only called from the coordinator
// goroutine.
func (c *Coordinator) send(ob protocol.Outbound) {
	select {
	case c.outbound <- ob:
	default:
		c.log.Warn("session.outbound_dropped", "frame_type", ob.Type)
	}
}

func (c *Coordinator) sendError(message string) {
	c.send(protocol.Error(message))
}

// emitState sends a client state-change frame, suppressing duplicates
// of the last emitted value.
func (c *Coordinator) emitState(clientState string) {
	if clientState == c.lastClientState {
		return
	}
	c.lastClientState = clientState
	if c.span != nil {
		c.span.AddEvent("state." + clientState)
	}
	c.send(protocol.SessionState(clientState))
}

// writeLoop is the only caller of the client socket. It assigns seq in
// send order, which makes the outbound sequence strictly monotonic by
// construction.
func (c *Coordinator) writeLoop(ctx context.Context, w ClientWriter) {
	var seq uint64
	writeFailed := false
	for ob := range c.outbound {
		seq++
		data, err := ob.Marshal(seq)
		if err != nil {
			c.log.Error("session.marshal_failed", "frame_type", ob.Type, "error", err)
			continue
		}
		if writeFailed {
			continue // drain; the client is gone
		}
		if err := w.WriteText(ctx, data); err != nil {
			writeFailed = true
			c.log.Debug("session.client_write_failed", "error", err)
		}
	}
}

// ── shutdown ───────────────────────────────────────────────────────────────────

// shutdown cancels all owned tasks and closes the upstream. Safe to
// call once from the run loop.
func (c *Coordinator) shutdown(ctx context.Context) {
	if c.state != StateErrored {
		c.state = StateStopping
	}
	close(c.pumpStop)
	if c.connectCancel != nil {
		c.connectCancel()
	}
	c.stopFallback()
	if c.upstream != nil {
		if err := c.upstream.Close(); err != nil {
			c.log.Warn("session.upstream_close_failed", "error", err)
		}
	}
	if c.state != StateErrored {
		c.state = StateClosed
	}
}
