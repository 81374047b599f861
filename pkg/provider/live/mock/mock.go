// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect configuration and inject failures.
// Use Session to feed controlled events to the consumer and inspect
// the audio and text frames it sent.
package mock

import (
	"context"
	"sync"

	"github.com/halcyonlabs/voicegate/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new
	// default Session.
	Session live.Session

	// ConnectErr, if non-nil, is returned from Connect.
	ConnectErr error

	// ConnectDelay, if set, makes Connect block until the context ends
	// or the delay channel is closed. Useful for setup-timeout tests.
	ConnectDelay <-chan struct{}

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall
}

var _ live.Provider = (*Provider)(nil)

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	delay := p.ConnectDelay
	err := p.ConnectErr
	sess := p.Session
	p.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return NewSession(), nil
}

// Calls returns a snapshot of recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// SentFrame records one outbound frame from the consumer.
type SentFrame struct {
	// Kind is "audio", "text", "turnComplete", "cancelOutput" or
	// "functionResponse".
	Kind string
	// Audio holds the chunk for audio frames.
	Audio []byte
	// Text holds the turn text for text frames.
	Text string
	// FuncID and FuncName identify an answered tool call.
	FuncID   string
	FuncName string
}

// Session is a mock implementation of live.Session. Tests feed events
// through the Emit helpers and close the stream with Finish.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send method.
	SendErr error

	// Frames records every outbound frame in order.
	Frames []SentFrame

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	events    chan live.Event
	errVal    error
	closeOnce sync.Once
}

var _ live.Session = (*Session)(nil)

// NewSession returns a Session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// Emit delivers one event to the consumer.
func (s *Session) Emit(ev live.Event) { s.events <- ev }

// EmitAudio delivers a model audio chunk.
func (s *Session) EmitAudio(pcm []byte) { s.Emit(live.AudioEvent{PCM: pcm}) }

// EmitUserTranscript delivers a final upstream user transcript.
func (s *Session) EmitUserTranscript(text string) {
	s.Emit(live.UserTranscriptEvent{Text: text, Final: true})
}

// EmitUserTranscriptPartial delivers a progressive user transcript
// hypothesis.
func (s *Session) EmitUserTranscriptPartial(text string) {
	s.Emit(live.UserTranscriptEvent{Text: text})
}

// EmitAssistantText delivers an assistant text fragment.
func (s *Session) EmitAssistantText(text string) {
	s.Emit(live.AssistantTextEvent{Text: text})
}

// EmitTurnComplete marks the end of a model turn.
func (s *Session) EmitTurnComplete() { s.Emit(live.TurnCompleteEvent{}) }

// EmitInterrupted reports a model-side interruption.
func (s *Session) EmitInterrupted() { s.Emit(live.InterruptedEvent{}) }

// Finish ends the stream: a final ClosedEvent with err, then channel
// close. Safe to call once.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	s.errVal = err
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		s.events <- live.ClosedEvent{Err: err}
		close(s.events)
	})
}

func (s *Session) Events() <-chan live.Event { return s.events }

func (s *Session) record(f SentFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Frames = append(s.Frames, f)
	return nil
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	return s.record(SentFrame{Kind: "audio", Audio: append([]byte(nil), chunk...)})
}

// SendTextTurn records the text.
func (s *Session) SendTextTurn(text string) error {
	return s.record(SentFrame{Kind: "text", Text: text})
}

// SendTurnComplete records the turn boundary.
func (s *Session) SendTurnComplete() error {
	return s.record(SentFrame{Kind: "turnComplete"})
}

// CancelOutput records the cancellation request.
func (s *Session) CancelOutput() error {
	return s.record(SentFrame{Kind: "cancelOutput"})
}

// SendFunctionResponse records the answered tool call.
func (s *Session) SendFunctionResponse(id, name string, _ map[string]any) error {
	return s.record(SentFrame{Kind: "functionResponse", FuncID: id, FuncName: name})
}

// Err returns the error passed to Finish.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close counts the call and ends the stream if still open.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// CloseCalls reports how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// SentFrames returns a snapshot of recorded frames.
func (s *Session) SentFrames() []SentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentFrame(nil), s.Frames...)
}

// AudioFrames returns only the audio frames sent so far.
func (s *Session) AudioFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, f := range s.Frames {
		if f.Kind == "audio" {
			out = append(out, f.Audio)
		}
	}
	return out
}
