package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/slasso10/chat-multiple/internal/models"
)

// Envelope types carried between clients through the relay.
const (
	TypeCallOffer       = "call-offer"
	TypeCallAnswer      = "call-answer"
	TypeIceCandidate    = "ice-candidate"
	TypeCallEnd         = "call-end"
	TypeCallReject      = "call-reject"
	TypeCallUnavailable = "call-unavailable"

	// Pushed by the server.
	TypeNewMessage = "new-message"
	TypeNewGroup   = "new-group"
	TypeRegistered = "registered"

	TypePing = "ping"
)

// Envelope is the wire frame. Payload is decoded by the receiver according
// to Type.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type OfferPayload struct {
	SDP   string `json:"sdp"`
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
}

func (p OfferPayload) Media() models.MediaOptions {
	return models.MediaOptions{Audio: p.Audio, Video: p.Video}
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

// ReasonPayload is used by call-end, call-reject and call-unavailable.
type ReasonPayload struct {
	Reason string `json:"reason,omitempty"`
}

type NewMessagePayload struct {
	Message models.Message `json:"message"`
}

type NewGroupPayload struct {
	Group models.ConversationSummary `json:"group"`
}

type RegisteredPayload struct {
	UserID string `json:"user_id"`
}

// IsCallSignal reports whether t belongs to the call negotiation.
func IsCallSignal(t string) bool {
	switch t {
	case TypeCallOffer, TypeCallAnswer, TypeIceCandidate, TypeCallEnd, TypeCallReject, TypeCallUnavailable:
		return true
	}
	return false
}

// New builds an envelope with an encoded payload. A nil payload is omitted.
func New(typ, to string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, To: to}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Parse(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("envelope without type")
	}
	return e, nil
}

// MustPayload encodes v and ignores the error. Use only for values that
// always marshal.
func MustPayload(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
