// Package protocol defines the JSON wire frames exchanged with the
// mobile client, plus parsing and envelope construction for both
// directions. Nothing in here touches session state.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Client frame types. The .base64 audio variant and client.stop are
// legacy spellings kept for older app builds.
const (
	TypeHello            = "client.hello"
	TypeAudioChunk       = "client.audio.chunk"
	TypeAudioChunkLegacy = "client.audio.chunk.base64"
	TypeTurnComplete     = "client.audio.turnComplete"
	TypeBargeIn          = "client.audio.bargeIn"
	TypeStop             = "client.session.stop"
	TypeStopLegacy       = "client.stop"
)

// Inbound is one parsed client frame. Exactly one of the pointer
// fields is set, matching Kind.
type Inbound struct {
	Kind string

	Hello   *Hello
	Audio   []byte // decoded PCM16LE 16 kHz mono
	BargeIn *BargeIn
}

// Hello is the first frame of a session and carries the credential.
type Hello struct {
	Token         string          `json:"firebase_id_token"`
	SessionConfig json.RawMessage `json:"session_config"`
}

// BargeIn signals the user started talking over the assistant.
type BargeIn struct {
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type rawFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type audioPayload struct {
	Data string `json:"data"`
}

// ParseInbound decodes one client text frame. Unknown types and
// malformed payloads are errors; the caller logs and drops the frame.
func ParseInbound(data []byte) (*Inbound, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("protocol: parse frame: %w", err)
	}

	switch raw.Type {
	case TypeHello:
		hello := &Hello{}
		if len(raw.Payload) > 0 {
			if err := json.Unmarshal(raw.Payload, hello); err != nil {
				return nil, fmt.Errorf("protocol: parse hello: %w", err)
			}
		}
		return &Inbound{Kind: TypeHello, Hello: hello}, nil

	case TypeAudioChunk, TypeAudioChunkLegacy:
		var p audioPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return nil, fmt.Errorf("protocol: parse audio chunk: %w", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return nil, fmt.Errorf("protocol: decode audio chunk: %w", err)
		}
		return &Inbound{Kind: TypeAudioChunk, Audio: pcm}, nil

	case TypeTurnComplete:
		return &Inbound{Kind: TypeTurnComplete}, nil

	case TypeBargeIn:
		b := &BargeIn{}
		if len(raw.Payload) > 0 {
			if err := json.Unmarshal(raw.Payload, b); err != nil {
				return nil, fmt.Errorf("protocol: parse barge-in: %w", err)
			}
		}
		return &Inbound{Kind: TypeBargeIn, BargeIn: b}, nil

	case TypeStop, TypeStopLegacy:
		return &Inbound{Kind: TypeStop}, nil

	case "":
		return nil, fmt.Errorf("protocol: frame missing type")
	default:
		return nil, fmt.Errorf("protocol: unknown frame type %q", raw.Type)
	}
}
