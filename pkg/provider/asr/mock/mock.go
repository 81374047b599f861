// Package mock provides test doubles for the asr package interfaces.
//
// Use Recognizer to verify that the caller starts streams with the
// expected StreamConfig. Use Stream to feed controlled Transcript
// values and inspect which audio chunks were delivered.
package mock

import (
	"context"
	"sync"

	"github.com/halcyonlabs/voicegate/pkg/provider/asr"
)

// StartStreamCall records a single invocation of Recognizer.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg asr.StreamConfig
}

// Recognizer is a mock implementation of asr.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Stream is returned by StartStream. If nil, StartStream returns a
	// new default Stream with buffered channels.
	Stream asr.Stream

	// StartStreamErr, if non-nil, is returned from StartStream.
	StartStreamErr error

	// StartStreamErrs, if non-empty, is consumed one error per call
	// before falling back to StartStreamErr. A nil entry means success.
	// Useful for exercising retry policies.
	StartStreamErrs []error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

var _ asr.Recognizer = (*Recognizer)(nil)

// StartStream records the call and returns the configured stream or error.
func (r *Recognizer) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartStreamCalls = append(r.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})

	if len(r.StartStreamErrs) > 0 {
		err := r.StartStreamErrs[0]
		r.StartStreamErrs = r.StartStreamErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if r.StartStreamErr != nil {
		return nil, r.StartStreamErr
	}
	if r.Stream != nil {
		return r.Stream, nil
	}
	return NewStream(), nil
}

// Calls returns a snapshot of recorded StartStream calls.
func (r *Recognizer) Calls() []StartStreamCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StartStreamCall(nil), r.StartStreamCalls...)
}

// SendAudioCall records a single invocation of Stream.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes passed to SendAudio.
	Chunk []byte
}

// Stream is a mock implementation of asr.Stream. Tests feed results
// through EmitPartial and EmitFinal, then call Close.
type Stream struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by the first Close call.
	CloseErr error

	// StreamErr is returned by Err.
	StreamErr error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	partials chan asr.Transcript
	finals   chan asr.Transcript
	closed   bool
}

var _ asr.Stream = (*Stream)(nil)

// NewStream returns a Stream with buffered result channels.
func NewStream() *Stream {
	return &Stream{
		partials: make(chan asr.Transcript, 16),
		finals:   make(chan asr.Transcript, 16),
	}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: append([]byte(nil), chunk...)})
	return s.SendAudioErr
}

// EmitPartial delivers a partial transcript to the consumer. Dropped
// if the stream is already closed.
func (s *Stream) EmitPartial(text string) {
	s.emit(s.partials, asr.Transcript{Text: text})
}

// EmitFinal delivers a final transcript to the consumer. Dropped if
// the stream is already closed.
func (s *Stream) EmitFinal(text string) {
	s.emit(s.finals, asr.Transcript{Text: text, Final: true})
}

func (s *Stream) emit(ch chan asr.Transcript, t asr.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ch <- t
}

func (s *Stream) Partials() <-chan asr.Transcript { return s.partials }
func (s *Stream) Finals() <-chan asr.Transcript   { return s.finals }

// Err returns StreamErr.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StreamErr
}

// Close closes both result channels exactly once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.partials)
		close(s.finals)
	}
	return s.CloseErr
}
