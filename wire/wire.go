// Package wire defines the RPC message types and their JSON framing
// (spec §3 "RpcMessage" / §6 "RPC wire format"). Envelope payloads are
// opaque to the core beyond the handful of fields it reads for
// caching, dedup and TTL purposes.
package wire

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/OtterPeer/webrtc-network-simulator/id"
)

// Kind discriminates the RpcMessage tagged union.
type Kind string

const (
	KindPing      Kind = "ping"
	KindPong      Kind = "pong"
	KindMessage   Kind = "message"
	KindSignaling Kind = "signaling"
)

// ErrMalformedFrame is returned when an inbound frame is not valid
// JSON, or is missing fields required for its declared type.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Envelope is opaque to the core beyond the fields below. All other
// fields the crypto/chat layer puts on the envelope round-trip
// through the core untouched, via RawExtra.
type Envelope struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	// SenderID is the originator used as the forwarding origin for
	// user messages (spec §3). Signaling envelopes instead carry
	// their origin in the RPC frame's Sender field.
	SenderID string `json:"senderId,omitempty"`

	// RawExtra preserves any additional, core-opaque fields present
	// on the wire so that round-tripping through cache/forward/RPC
	// does not lose data the crypto/UI layer relies on.
	RawExtra json.RawMessage `json:"-"`
}

// HasID reports whether the envelope carries a usable message id,
// the key used for caching and dedup.
func (e *Envelope) HasID() bool {
	return e != nil && e.ID != ""
}

// envelopeAlias avoids infinite recursion in (Un)MarshalJSON below.
type envelopeAlias Envelope

// MarshalJSON re-emits any opaque fields captured in RawExtra
// alongside the fields the core understands, so forwarding an
// envelope through this node never drops data the crypto/UI layer
// attached to it.
func (e Envelope) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(envelopeAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.RawExtra) == 0 {
		return known, nil
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(e.RawExtra, &extra); err != nil {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return known, nil
	}
	for k, v := range extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the fields the core understands and retains
// everything else verbatim in RawExtra.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var a envelopeAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Envelope(a)
	e.RawExtra = append(json.RawMessage(nil), data...)
	return nil
}

// Age returns now minus the envelope's timestamp, interpreted as
// milliseconds since epoch per spec §3.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.Timestamp))
}

// RpcMessage is the decoded form of a single wire frame.
type RpcMessage struct {
	Kind      Kind
	ID        string // Ping/Pong correlation id
	Sender    id.NodeID
	Recipient id.NodeID // zero value for Ping/Pong
	Payload   *Envelope // set for Message/Signaling
}

// frame is the JSON wire shape (spec §6).
type frame struct {
	Type             Kind      `json:"type"`
	Sender           string    `json:"sender,omitempty"`
	Recipient        string    `json:"recipient,omitempty"`
	ID               string    `json:"id,omitempty"`
	Message          *Envelope `json:"message,omitempty"`
	SignalingMessage *Envelope `json:"signalingMessage,omitempty"`
}

// NewPing builds a Ping RpcMessage with a fresh UUID.
func NewPing(sender id.NodeID) RpcMessage {
	return RpcMessage{Kind: KindPing, ID: uuid.NewString(), Sender: sender}
}

// NewPong mirrors the id of the ping it answers.
func NewPong(sender id.NodeID, pingID string) RpcMessage {
	return RpcMessage{Kind: KindPong, ID: pingID, Sender: sender}
}

// NewUserMessage builds a UserMessage RpcMessage, generating the
// envelope id if the caller didn't already set one.
func NewUserMessage(sender, recipient id.NodeID, payload Envelope) RpcMessage {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	return RpcMessage{Kind: KindMessage, Sender: sender, Recipient: recipient, Payload: &payload}
}

// NewSignaling builds a Signaling RpcMessage, generating the envelope
// id if the caller didn't already set one.
func NewSignaling(sender, recipient id.NodeID, payload Envelope) RpcMessage {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	return RpcMessage{Kind: KindSignaling, Sender: sender, Recipient: recipient, Payload: &payload}
}

// Encode marshals an RpcMessage to its wire frame.
func Encode(m RpcMessage) ([]byte, error) {
	f := frame{Type: m.Kind, ID: m.ID}
	if m.Kind == KindPing || m.Kind == KindPong {
		f.Sender = m.Sender.String()
	} else {
		f.Sender = m.Sender.String()
		f.Recipient = m.Recipient.String()
		switch m.Kind {
		case KindMessage:
			f.Message = m.Payload
		case KindSignaling:
			f.SignalingMessage = m.Payload
		}
	}
	return json.Marshal(f)
}

// Decode parses a wire frame into an RpcMessage, dispatching on
// "type" per spec §4.C. Returns ErrMalformedFrame for anything that
// doesn't parse or is missing required fields for its declared kind.
func Decode(raw []byte) (RpcMessage, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return RpcMessage{}, ErrMalformedFrame
	}
	if f.Sender == "" {
		return RpcMessage{}, ErrMalformedFrame
	}
	sender, err := id.FromHex(f.Sender)
	if err != nil {
		return RpcMessage{}, ErrMalformedFrame
	}

	switch f.Type {
	case KindPing, KindPong:
		if f.ID == "" {
			return RpcMessage{}, ErrMalformedFrame
		}
		return RpcMessage{Kind: f.Type, ID: f.ID, Sender: sender}, nil
	case KindMessage, KindSignaling:
		if f.Recipient == "" {
			return RpcMessage{}, ErrMalformedFrame
		}
		recipient, err := id.FromHex(f.Recipient)
		if err != nil {
			return RpcMessage{}, ErrMalformedFrame
		}
		payload := f.Message
		if f.Type == KindSignaling {
			payload = f.SignalingMessage
		}
		if payload == nil || !payload.HasID() {
			return RpcMessage{}, ErrMalformedFrame
		}
		return RpcMessage{Kind: f.Type, Sender: sender, Recipient: recipient, Payload: payload}, nil
	default:
		return RpcMessage{}, ErrMalformedFrame
	}
}
