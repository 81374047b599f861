// Package vertex implements the live.Provider interface for Gemini
// models served through Vertex AI.
//
// It establishes a bidirectional WebSocket connection to the regional
// Vertex AI endpoint and exchanges JSON messages according to the
// BidiGenerateContent protocol. Audio is transmitted as base64-encoded
// PCM chunks. Connect blocks until the server acknowledges setup, so a
// returned session is always ready for audio.
package vertex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/auth/credentials"
	"github.com/coder/websocket"

	"github.com/halcyonlabs/voicegate/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	inputMIMEType = "audio/pcm;rate=16000"

	defaultConnectTimeout = 60 * time.Second
	defaultSetupTimeout   = 30 * time.Second

	keepaliveInterval = 30 * time.Second
	keepaliveIdle     = 25 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// cloudPlatformScope is the OAuth scope Vertex AI requires.
const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// TokenSource yields bearer tokens for the Vertex endpoint.
// *auth.Credentials satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (*auth.Token, error)
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the WebSocket base URL. Primarily used in
// tests to point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTokenSource overrides the default credential chain.
func WithTokenSource(ts TokenSource) Option {
	return func(p *Provider) { p.tokens = ts }
}

// WithSetupTimeout overrides how long Connect waits for the server's
// setup acknowledgement.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// WithConnectTimeout overrides the overall dial deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) { p.connectTimeout = d }
}

// Provider implements live.Provider for Vertex AI.
type Provider struct {
	projectID string
	location  string
	model     string
	baseURL   string
	tokens    TokenSource

	connectTimeout time.Duration
	setupTimeout   time.Duration
}

// New creates a Vertex Provider. Without WithTokenSource, credentials
// resolve through the host's default chain.
func New(projectID, location, model string, opts ...Option) (*Provider, error) {
	if projectID == "" || location == "" || model == "" {
		return nil, fmt.Errorf("vertex: project, location and model are required")
	}
	p := &Provider{
		projectID:      projectID,
		location:       location,
		model:          model,
		baseURL:        fmt.Sprintf("wss://%s-aiplatform.googleapis.com/ws", location),
		connectTimeout: defaultConnectTimeout,
		setupTimeout:   defaultSetupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.tokens == nil {
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes: []string{cloudPlatformScope},
		})
		if err != nil {
			return nil, fmt.Errorf("vertex: detect credentials: %w", err)
		}
		p.tokens = creds
	}
	return p, nil
}

// CheckCredentials proves the credential chain can mint a token.
// Used by the readiness probe.
func (p *Provider) CheckCredentials(ctx context.Context) error {
	if _, err := p.tokens.Token(ctx); err != nil {
		return fmt.Errorf("vertex: fetch token: %w", err)
	}
	return nil
}

// ModelPath returns the fully qualified model resource name sent in
// the setup message.
func (p *Provider) ModelPath() string {
	return fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s",
		p.projectID, p.location, p.model)
}

// Connect establishes a session and blocks until the server sends its
// setup acknowledgement. Breaching the setup deadline closes the
// socket and returns an error.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, p.connectTimeout)
	defer dialCancel()

	tok, err := p.tokens.Token(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("vertex: fetch token: %w", err)
	}

	wsURL := p.baseURL + "/google.cloud.aiplatform.v1beta1.LlmBidiService/BidiGenerateContent"
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + tok.Value},
			"Content-Type":  []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("vertex: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		events:   make(chan live.Event, eventBuffer),
		setupCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
		lastSend: time.Now(),
	}

	if err := sess.sendSetup(p.ModelPath(), cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("vertex: setup: %w", err)
	}

	go sess.receiveLoop()

	// The acknowledgement may already be buffered by the time we get
	// here; the one-shot channel holds it either way.
	select {
	case <-sess.setupCh:
	case <-time.After(p.setupTimeout):
		sess.Close()
		return nil, fmt.Errorf("vertex: setup timeout after %s", p.setupTimeout)
	case <-ctx.Done():
		sess.Close()
		return nil, fmt.Errorf("vertex: setup: %w", ctx.Err())
	case <-sess.done:
		err := sess.Err()
		sess.Close()
		if err == nil {
			err = fmt.Errorf("connection closed during setup")
		}
		return nil, fmt.Errorf("vertex: setup: %w", err)
	}

	go sess.keepaliveLoop()
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	Tools                    []setupTool        `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	Temperature        *float64      `json:"temperature,omitempty"`
	TopP               *float64      `json:"topP,omitempty"`
	TopK               *int          `json:"topK,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  voiceConfig `json:"voiceConfig"`
	LanguageCode string      `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type setupTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns,omitempty"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverMessage accepts every known field spelling of the setup
// acknowledgement; the API has shipped several.
type serverMessage struct {
	SetupComplete      *json.RawMessage `json:"setupComplete,omitempty"`
	SetupCompleteSnake *json.RawMessage `json:"setup_complete,omitempty"`
	BidiSetupComplete  *json.RawMessage `json:"bidiGenerateContentSetupComplete,omitempty"`
	ServerContent      *serverContent   `json:"serverContent,omitempty"`
	ToolCall           *toolCallMsg     `json:"toolCall,omitempty"`
	Error              *serverError     `json:"error,omitempty"`
}

func (m *serverMessage) setupComplete() bool {
	return m.SetupComplete != nil || m.SetupCompleteSnake != nil || m.BidiSetupComplete != nil
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// serverContent accepts every known field spelling for the user and
// model transcriptions, like the setup acknowledgement above.
type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`

	InputTranscription *transcription `json:"inputTranscription,omitempty"`
	UserTranscript     *transcription `json:"userTranscript,omitempty"`
	UserTranscription  *transcription `json:"userTranscription,omitempty"`

	OutputTranscription      *transcription `json:"outputTranscription,omitempty"`
	OutputAudioTranscription *transcription `json:"outputAudioTranscription,omitempty"`
	ModelTranscription       *transcription `json:"modelTranscription,omitempty"`
}

// userTranscript coalesces the user-transcription spellings.
func (sc *serverContent) userTranscript() *transcription {
	switch {
	case sc.InputTranscription != nil:
		return sc.InputTranscription
	case sc.UserTranscript != nil:
		return sc.UserTranscript
	default:
		return sc.UserTranscription
	}
}

// assistantTranscript coalesces the model-transcription spellings.
func (sc *serverContent) assistantTranscript() *transcription {
	switch {
	case sc.OutputTranscription != nil:
		return sc.OutputTranscription
	case sc.OutputAudioTranscription != nil:
		return sc.OutputAudioTranscription
	default:
		return sc.ModelTranscription
	}
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
	IsFinal  bool   `json:"isFinal,omitempty"`
}

func (t *transcription) final() bool { return t.Finished || t.IsFinal }

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	events  chan live.Event
	setupCh chan struct{}

	mu       sync.Mutex
	errVal   error
	closed   bool
	lastSend time.Time

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	doneOnce  sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message. Input
// and output transcription are always requested; the gateway needs the
// text of both sides.
func (s *session) sendSetup(modelPath string, cfg live.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: modelPath,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				Temperature:        cfg.Temperature,
				TopP:               cfg.TopP,
				TopK:               cfg.TopK,
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" || cfg.Language != "" {
		sc := &speechConfig{LanguageCode: cfg.Language}
		if cfg.Voice != "" {
			sc.VoiceConfig = voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []setupTool{{FunctionDeclarations: decls}}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("vertex: marshal: %w", err)
	}
	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and translates them
// into events. It owns the events channel and closes it when it exits,
// after a final ClosedEvent.
func (s *session) receiveLoop() {
	defer func() {
		s.emit(live.ClosedEvent{Err: s.Err()})
		close(s.events)
		s.signalDone()
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// Cancelled sessions exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.setupComplete() {
		select {
		case s.setupCh <- struct{}{}:
		default:
		}
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown server error"
		}
		s.emit(live.ErrorEvent{Err: fmt.Errorf("vertex: %s", text)})
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		s.handleToolCall(msg.ToolCall)
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	// Interrupted is delivered before any same-message audio so a
	// consumer can drop the remainder of the turn.
	if sc.Interrupted {
		s.emit(live.InterruptedEvent{})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				s.emit(live.AudioEvent{PCM: pcm})
			}
			if p.Text != "" {
				s.emit(live.AssistantTextEvent{Text: p.Text})
			}
		}
	}

	if t := sc.userTranscript(); t != nil && t.Text != "" {
		s.emit(live.UserTranscriptEvent{Text: t.Text, Final: t.final()})
	}
	if t := sc.assistantTranscript(); t != nil && t.Text != "" {
		s.emit(live.AssistantTextEvent{Text: t.Text})
	}

	if sc.TurnComplete {
		s.emit(live.TurnCompleteEvent{})
	}
}

func (s *session) handleToolCall(tc *toolCallMsg) {
	for _, fc := range tc.FunctionCalls {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			continue
		}
		s.emit(live.ToolCallEvent{ID: fc.ID, Name: fc.Name, Args: args})
	}
}

// emit delivers one event, giving up if the session is cancelled.
func (s *session) emit(ev live.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// keepaliveLoop pings the server when the connection has been idle
// long enough to risk an intermediary timeout.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastSend)
			s.mu.Unlock()
			if idle < keepaliveIdle {
				continue
			}
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// ── live.Session methods ───────────────────────────────────────────────────────

// Events returns the ordered event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// SendAudio delivers a raw PCM audio chunk (16 kHz, s16le, mono) to
// the model.
func (s *session) SendAudio(chunk []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: inputMIMEType, Data: base64.StdEncoding.EncodeToString(chunk)},
			},
		},
	}
	return s.writeJSON(msg)
}

// SendTextTurn injects a complete user text turn.
func (s *session) SendTextTurn(text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	}
	return s.writeJSON(msg)
}

// SendTurnComplete marks the end of the user's audio turn.
func (s *session) SendTurnComplete() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(clientContentMessage{
		ClientContent: clientContent{TurnComplete: true},
	})
}

// CancelOutput asks the model to stop generating the current turn.
// The protocol has no dedicated cancel frame; an empty turn boundary
// is the closest it offers. Suppressing the audio already in flight is
// the caller's forwarding gate, not this call.
func (s *session) CancelOutput() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(clientContentMessage{
		ClientContent: clientContent{TurnComplete: true},
	})
}

// SendFunctionResponse answers a tool call.
func (s *session) SendFunctionResponse(id, name string, response map[string]any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if response == nil {
		response = map[string]any{}
	}
	return s.writeJSON(toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{{ID: id, Name: name, Response: response}},
		},
	})
}

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vertex: session closed")
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
