package session

// State is the coordinator-internal session state. Client-visible
// states are a projection of these; see clientState.
type State string

const (
	StateConnecting       State = "connecting"
	StateAuthenticating   State = "authenticating"
	StateUpstreamStarting State = "upstream_starting"
	StateReady            State = "ready"
	StateListening        State = "listening"
	StateSpeaking         State = "speaking"
	StateStopping         State = "stopping"
	StateClosed           State = "closed"
	StateErrored          State = "errored"
)

// TranscriptSource identifies which recognizer currently produces the
// user transcripts sent to the client. Exactly one source is
// authoritative at any time.
type TranscriptSource string

const (
	// SourceFallback is the independent streaming recognizer.
	SourceFallback TranscriptSource = "fallback"
	// SourceUpstream is the live model's own input transcription. Once
	// the model proves it delivers user transcripts, the fallback is
	// muted for the rest of the session.
	SourceUpstream TranscriptSource = "vertex"
)

// Counters are the per-session tallies exposed for tests and the
// final session log line. They are only touched from the coordinator
// goroutine; Snapshot copies them out under the coordinator's
// ownership transfer on close.
type Counters struct {
	InAudioBytes   int64
	OutAudioChunks int64
	VertexPartials int64
	VertexFinals   int64
	STTPartials    int64
	STTFinals      int64
	STTRetries     int64
	RedFlags       int64
}

// Snapshot is the observable end-of-session summary.
type Snapshot struct {
	SessionID        string
	UserID           string
	State            State
	Counters         Counters
	TranscriptSource TranscriptSource
}
