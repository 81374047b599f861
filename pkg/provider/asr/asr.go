// Package asr defines the Recognizer interface for fallback
// speech-to-text backends.
//
// A Recognizer wraps a streaming transcription service and exposes a
// uniform interface: once opened, a stream accepts raw PCM audio
// frames and emits partial and final Transcript values on separate
// channels. The gateway uses a Recognizer only until the upstream
// model proves it can return user transcripts itself.
//
// Implementations must be safe for concurrent use.
package asr

import "context"

// Transcript is one recognition result.
type Transcript struct {
	// Text is the recognized utterance so far (partials) or the
	// committed segment (finals).
	Text string

	// Final reports whether the recognizer has committed to this text.
	Final bool
}

// StreamConfig describes the audio format and recognition hints for a
// new stream.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The gateway always
	// sends 16000.
	SampleRate int

	// Channels is the number of audio channels; 1 for the gateway.
	Channels int

	// Language is the BCP-47 recognition language tag. Empty selects
	// the provider default.
	Language string
}

// Stream is an open recognition stream.
//
// Callers must call Close when done; failing to do so leaks the
// provider connection and its receive goroutine. All methods are safe
// for concurrent use.
type Stream interface {
	// SendAudio delivers one chunk of raw PCM matching StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials emits low-latency interim transcripts. Closed when the
	// stream ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the stream ends.
	Finals() <-chan Transcript

	// Err returns the terminal stream error, if any. Valid only after
	// both channels are closed.
	Err() error

	// Close flushes pending audio and releases all resources. Safe to
	// call more than once.
	Close() error
}

// Recognizer is the abstraction over a streaming STT backend.
type Recognizer interface {
	// StartStream opens a new recognition stream. The returned Stream
	// accepts audio immediately; the caller owns it and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
