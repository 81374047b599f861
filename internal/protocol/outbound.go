package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Server frame types.
const (
	TypeSessionState        = "server.session.state"
	TypeTranscriptPartial   = "server.transcript.partial"
	TypeTranscriptFinal     = "server.transcript.final"
	TypeUserPartial         = "server.user.transcript.partial"
	TypeUserFinal           = "server.user.transcript.final"
	TypeAudioOut            = "server.audio.out"
	TypeAudioStop           = "server.audio.stop"
	TypeBargeInAck          = "server.audio.bargeInAck"
	TypeTriageEmergency     = "server.triage.emergency"
	TypeKPI                 = "server.kpi"
	TypeError               = "server.error"
	TypeToolCall            = "server.tool.call"
)

// Client-visible session states.
const (
	StateConnecting      = "connecting"
	StateReady           = "ready"
	StateListening       = "listening"
	StateSpeaking        = "speaking"
	StateStopped         = "stopped"
	StateNetworkDegraded = "network_degraded"
	StateDisconnected    = "disconnected"
)

// KPI names.
const (
	KPITurnComplete    = "turnComplete_received"
	KPIFirstModelAudio = "first_model_audio"
)

// Outbound is a server frame before the writer assigns its sequence
// number. Payload must be a JSON-marshalable value.
type Outbound struct {
	Type    string
	Payload any
}

// Envelope is the wire form of a server frame.
type Envelope struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq"`
	Payload any    `json:"payload"`
}

// Marshal stamps seq onto o and encodes the envelope.
func (o Outbound) Marshal(seq uint64) ([]byte, error) {
	data, err := json.Marshal(Envelope{Type: o.Type, Seq: seq, Payload: o.Payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s frame: %w", o.Type, err)
	}
	return data, nil
}

// SessionState builds a state-change frame.
func SessionState(state string) Outbound {
	return Outbound{Type: TypeSessionState, Payload: map[string]string{"state": state}}
}

// AssistantTranscript builds a partial or final assistant transcript frame.
func AssistantTranscript(text string, partial bool) Outbound {
	typ := TypeTranscriptFinal
	if partial {
		typ = TypeTranscriptPartial
	}
	return Outbound{Type: typ, Payload: map[string]string{"text": text}}
}

// UserTranscript builds a partial or final user transcript frame.
func UserTranscript(text string, partial bool) Outbound {
	typ := TypeUserFinal
	if partial {
		typ = TypeUserPartial
	}
	return Outbound{Type: typ, Payload: map[string]string{"text": text}}
}

// AudioOut wraps one chunk of 24 kHz PCM16LE assistant audio.
func AudioOut(pcm []byte) Outbound {
	return Outbound{Type: TypeAudioOut, Payload: map[string]string{
		"data": base64.StdEncoding.EncodeToString(pcm),
	}}
}

// AudioStop tells the client to flush its playback buffer.
func AudioStop(reason string) Outbound {
	return Outbound{Type: TypeAudioStop, Payload: map[string]string{"reason": reason}}
}

// BargeInAck acknowledges a client barge-in.
func BargeInAck(timestamp int64) Outbound {
	return Outbound{Type: TypeBargeInAck, Payload: map[string]int64{"timestamp": timestamp}}
}

// TriageEmergency surfaces a safety verdict to the client.
func TriageEmergency(severity, banner string) Outbound {
	return Outbound{Type: TypeTriageEmergency, Payload: map[string]string{
		"severity": severity,
		"banner":   banner,
	}}
}

// KPI reports a latency measurement point.
func KPI(kind string, atMs int64) Outbound {
	return Outbound{Type: TypeKPI, Payload: map[string]any{"type": kind, "atMs": atMs}}
}

// Error surfaces a user-visible failure. Message must never contain
// user content.
func Error(message string) Outbound {
	return Outbound{Type: TypeError, Payload: map[string]string{"message": message}}
}

// ToolCall forwards a model function call for client-side handling.
func ToolCall(name string, args json.RawMessage) Outbound {
	return Outbound{Type: TypeToolCall, Payload: map[string]any{
		"name": name,
		"args": args,
	}}
}
