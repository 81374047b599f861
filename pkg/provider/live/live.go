// Package live defines the Provider interface for bidirectional
// speech-to-speech model backends.
//
// A live Session is a full-duplex stream: the caller ships raw PCM
// audio and text turns upward, and receives a single ordered stream of
// typed events (model audio, transcripts, turn boundaries, interrupts,
// tool calls) downward. Event ordering on the channel matches the
// order the backend produced them; consumers that care about
// interplay between kinds (for example dropping audio after an
// interrupt) must consume the one channel rather than fan out.
//
// Implementations must be safe for concurrent use.
package live

import (
	"context"
	"encoding/json"
)

// ToolDefinition declares one function the model may call mid-session.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SessionConfig describes a new live session.
type SessionConfig struct {
	// Instructions is the system prompt. Empty omits it.
	Instructions string

	// Voice selects the prebuilt model voice. Empty uses the backend
	// default.
	Voice string

	// Language is the BCP-47 transcription language hint.
	Language string

	// Temperature, TopP and TopK are the sampling parameters sent at
	// setup. Nil leaves the backend default in place.
	Temperature *float64
	TopP        *float64
	TopK        *int

	// Tools are the function declarations advertised at setup. Tools
	// cannot be changed mid-session.
	Tools []ToolDefinition
}

// Event is one item on a session's event stream. Implementations are
// the *Event types in this package.
type Event interface {
	isLiveEvent()
}

// AudioEvent carries one chunk of model audio (PCM16LE 24 kHz mono).
type AudioEvent struct {
	PCM []byte
}

// AssistantTextEvent carries an incremental piece of the assistant's
// spoken text, either a text part of the model turn or an output
// transcription fragment.
type AssistantTextEvent struct {
	Text string
}

// UserTranscriptEvent carries the backend's recognition of the user's
// speech. Final marks committed text for the segment; non-final
// fragments are progressive hypotheses that may be revised.
type UserTranscriptEvent struct {
	Text  string
	Final bool
}

// TurnCompleteEvent marks the end of a model turn.
type TurnCompleteEvent struct{}

// InterruptedEvent reports that the backend cut the model off, usually
// because it detected the user speaking.
type InterruptedEvent struct{}

// ToolCallEvent carries one model function call.
type ToolCallEvent struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ErrorEvent carries a non-fatal server error. The session stays open.
type ErrorEvent struct {
	Err error
}

// ClosedEvent is the final event on the stream; Err is nil on a clean
// shutdown. The channel is closed immediately after.
type ClosedEvent struct {
	Err error
}

func (AudioEvent) isLiveEvent()          {}
func (AssistantTextEvent) isLiveEvent()  {}
func (UserTranscriptEvent) isLiveEvent() {}
func (TurnCompleteEvent) isLiveEvent()   {}
func (InterruptedEvent) isLiveEvent()    {}
func (ToolCallEvent) isLiveEvent()       {}
func (ErrorEvent) isLiveEvent()          {}
func (ClosedEvent) isLiveEvent()         {}

// Session is an open live session.
//
// Callers must call Close when done. All methods are safe for
// concurrent use.
type Session interface {
	// Events returns the ordered event stream. The channel is closed
	// after a final ClosedEvent once the session ends.
	Events() <-chan Event

	// SendAudio delivers one chunk of raw PCM (16 kHz, s16le, mono).
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// SendTextTurn injects a complete user text turn.
	SendTextTurn(text string) error

	// SendTurnComplete signals the end of the user's turn so the model
	// starts responding.
	SendTurnComplete() error

	// CancelOutput asks the backend to stop generating the current
	// model turn, best-effort. The caller keeps its own forwarding
	// gate closed regardless of the outcome.
	CancelOutput() error

	// SendFunctionResponse answers a ToolCallEvent.
	SendFunctionResponse(id, name string, response map[string]any) error

	// Err returns the error that terminated the session, if any.
	Err() error

	// Close terminates the session and releases all resources.
	// Idempotent.
	Close() error
}

// Provider is the abstraction over a live speech-to-speech backend.
type Provider interface {
	// Connect establishes a session and blocks until the backend has
	// acknowledged setup. The returned Session accepts audio
	// immediately.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
