package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"partyline/internal/identity"
)

// Wire message types. The set is closed per protocol version; unknown tags
// from newer peers land in the dispatch fallback.
const (
	TypeAuthRequest  = "auth.request"
	TypeAuthAccepted = "auth.accepted"
	TypePexRequest   = "pex.request"
	TypePexReply     = "pex.reply"
	TypeTextRequest  = "text.request"
	TypeNoContent    = "reply.none"
	TypeBye          = "bye"
	TypeError        = "error"
)

// Delivery-intent tags for TextMessage.
const (
	ScopeBroadcast = "broadcast"
	ScopeWhisper   = "whisper"
)

// Envelope is the frame payload: a type tag, a message id, an optional
// correlation id pointing at the request this answers, and the typed body.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Re      string          `json:"re,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AuthRequest struct {
	Assertion identity.Assertion `json:"assertion"`
}

// AuthAccepted answers AuthRequest and carries the accepting side's own
// assertion, so one round trip authenticates both directions.
type AuthAccepted struct {
	Assertion identity.Assertion `json:"assertion"`
}

// Candidate is one peer offered during peer exchange.
type Candidate struct {
	Assertion identity.Assertion `json:"assertion"`
	Addr      string             `json:"addr"`
}

type PeerExchange struct {
	Candidates []Candidate `json:"candidates"`
}

type TextMessage struct {
	Scope   string `json:"scope"`
	Content string `json:"content"`
}

type NoContent struct{}

type Bye struct {
	Reason string `json:"reason"`
}

type ErrorReply struct {
	Reason string `json:"reason"`
}

// NewEnvelope wraps a payload with a fresh message id.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Envelope{Type: typ, ID: uuid.NewString(), Payload: body}, nil
}

// NewReply wraps a payload correlated to the request id re.
func NewReply(typ, re string, payload any) (Envelope, error) {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Re = re
	return env, nil
}

// Decode unmarshals the envelope body into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}
