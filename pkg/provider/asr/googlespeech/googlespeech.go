// Package googlespeech implements asr.Recognizer on the Google Cloud
// Speech-to-Text v2 streaming API.
//
// Credentials resolve through the host's default credential chain
// unless explicit client options are supplied.
package googlespeech

import (
	"context"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv2"
	"cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"

	"github.com/halcyonlabs/voicegate/pkg/provider/asr"
)

// DefaultLanguage is used when StreamConfig.Language is empty.
const DefaultLanguage = "en-US"

// resultBuffer sizes the partial and final channels. Recognition
// results are small; a modest buffer absorbs consumer scheduling jitter.
const resultBuffer = 16

// Recognizer is a Google Cloud Speech v2 backed asr.Recognizer. All
// streams share one gRPC client.
type Recognizer struct {
	projectID string
	location  string
	client    *speech.Client
}

var _ asr.Recognizer = (*Recognizer)(nil)

// Option configures a Recognizer.
type Option func(*config)

type config struct {
	location   string
	clientOpts []option.ClientOption
}

// WithLocation selects a regional recognizer endpoint instead of global.
func WithLocation(location string) Option {
	return func(c *config) { c.location = location }
}

// WithClientOptions appends Google API client options, e.g. explicit
// credentials in tests.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(c *config) { c.clientOpts = append(c.clientOpts, opts...) }
}

// New creates a Recognizer for projectID.
func New(ctx context.Context, projectID string, opts ...Option) (*Recognizer, error) {
	if projectID == "" {
		return nil, fmt.Errorf("googlespeech: project id is required")
	}
	cfg := config{location: "global"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.location != "global" {
		cfg.clientOpts = append(cfg.clientOpts,
			option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:443", cfg.location)))
	}

	client, err := speech.NewClient(ctx, cfg.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("googlespeech: create client: %w", err)
	}
	return &Recognizer{projectID: projectID, location: cfg.location, client: client}, nil
}

// RecognizerPath returns the resource name streams recognize against.
// The "_" recognizer is the per-request-configured default.
func RecognizerPath(projectID, location string) string {
	return fmt.Sprintf("projects/%s/locations/%s/recognizers/_", projectID, location)
}

// StreamingConfig builds the v2 streaming configuration for cfg.
func StreamingConfig(cfg asr.StreamConfig) *speechpb.StreamingRecognitionConfig {
	language := cfg.Language
	if language == "" {
		language = DefaultLanguage
	}
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
				ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
					Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
					SampleRateHertz:   int32(cfg.SampleRate),
					AudioChannelCount: int32(cfg.Channels),
				},
			},
			Features: &speechpb.RecognitionFeatures{
				EnableAutomaticPunctuation: true,
			},
			LanguageCodes: []string{language},
			Model:         "long",
		},
		StreamingFeatures: &speechpb.StreamingRecognitionFeatures{
			InterimResults: true,
		},
	}
}

// StartStream implements asr.Recognizer.
func (r *Recognizer) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.Stream, error) {
	grpcStream, err := r.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("googlespeech: open stream: %w", err)
	}
	if err := grpcStream.Send(&speechpb.StreamingRecognizeRequest{
		Recognizer: RecognizerPath(r.projectID, r.location),
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: StreamingConfig(cfg),
		},
	}); err != nil {
		return nil, fmt.Errorf("googlespeech: send stream config: %w", err)
	}

	s := &stream{
		grpc:     grpcStream,
		partials: make(chan asr.Transcript, resultBuffer),
		finals:   make(chan asr.Transcript, resultBuffer),
	}
	go s.receiveLoop()
	return s, nil
}

// Close releases the shared gRPC client. Open streams become invalid.
func (r *Recognizer) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("googlespeech: close client: %w", err)
	}
	return nil
}

type stream struct {
	grpc     speechpb.Speech_StreamingRecognizeClient
	partials chan asr.Transcript
	finals   chan asr.Transcript

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	err       error
}

var _ asr.Stream = (*stream)(nil)

func (s *stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("googlespeech: send on closed stream")
	}
	if len(chunk) == 0 {
		return nil
	}
	if err := s.grpc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: chunk},
	}); err != nil {
		return fmt.Errorf("googlespeech: send audio: %w", err)
	}
	return nil
}

func (s *stream) Partials() <-chan asr.Transcript { return s.partials }
func (s *stream) Finals() <-chan asr.Transcript   { return s.finals }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		// CloseSend lets the provider flush buffered audio; the receive
		// loop drains remaining results and closes the channels.
		err = s.grpc.CloseSend()
	})
	if err != nil {
		return fmt.Errorf("googlespeech: close stream: %w", err)
	}
	return nil
}

// receiveLoop maps provider results onto the partial/final channels
// until the stream ends.
func (s *stream) receiveLoop() {
	defer close(s.partials)
	defer close(s.finals)

	for {
		resp, err := s.grpc.Recv()
		if err != nil {
			if err != io.EOF {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			text := alts[0].GetTranscript()
			if text == "" {
				continue
			}
			t := asr.Transcript{Text: text, Final: result.GetIsFinal()}
			if t.Final {
				s.finals <- t
			} else {
				s.partials <- t
			}
		}
	}
}
