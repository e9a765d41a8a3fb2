package models

import "time"

// CallState is the lifecycle state of a client-side call session.
type CallState string

const (
	CallStateIdle      CallState = "idle"
	CallStateOffering  CallState = "offering"
	CallStateRinging   CallState = "ringing"
	CallStateAnswering CallState = "answering"
	CallStateConnected CallState = "connected"
	CallStateEnded     CallState = "ended"
)

type CallDirection string

const (
	CallOutgoing CallDirection = "outgoing"
	CallIncoming CallDirection = "incoming"
)

// CallEvent is what observers are told about. Terminal events carry the
// reason the session ended.
type CallEvent string

const (
	CallEventCalling     CallEvent = "calling"
	CallEventIncoming    CallEvent = "incoming"
	CallEventAnswering   CallEvent = "answering"
	CallEventConnected   CallEvent = "connected"
	CallEventEnded       CallEvent = "ended"
	CallEventRejected    CallEvent = "rejected"
	CallEventUnavailable CallEvent = "unavailable"
)

// Terminal reports whether the event closes the session.
func (e CallEvent) Terminal() bool {
	switch e {
	case CallEventEnded, CallEventRejected, CallEventUnavailable:
		return true
	}
	return false
}

type MediaOptions struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// AudioOnly is the default for calls started without explicit options.
var AudioOnly = MediaOptions{Audio: true}

type CallSession struct {
	ID                string        `json:"id"`
	PeerID            string        `json:"peer_id"`
	PeerName          string        `json:"peer_name"`
	Direction         CallDirection `json:"direction"`
	State             CallState     `json:"state"`
	Media             MediaOptions  `json:"media"`
	LocalDescription  string        `json:"-"`
	RemoteDescription string        `json:"-"`
	StartedAt         time.Time     `json:"started_at"`
}

// Info is the observer-facing view of the session.
func (s *CallSession) Info() SessionInfo {
	if s == nil {
		return SessionInfo{State: CallStateIdle}
	}
	return SessionInfo{
		SessionID: s.ID,
		PeerID:    s.PeerID,
		PeerName:  s.PeerName,
		Direction: s.Direction,
		State:     s.State,
	}
}

// PendingOffer is an incoming offer waiting for the local user's decision.
type PendingOffer struct {
	ID                 string       `json:"id"`
	FromPeerID         string       `json:"from_peer_id"`
	FromPeerName       string       `json:"from_peer_name,omitempty"`
	SessionDescription string       `json:"-"`
	Media              MediaOptions `json:"media"`
	ReceivedAt         time.Time    `json:"received_at"`
}

func (p *PendingOffer) Info() SessionInfo {
	name := p.FromPeerName
	if name == "" {
		name = p.FromPeerID
	}
	return SessionInfo{
		SessionID: p.ID,
		PeerID:    p.FromPeerID,
		PeerName:  name,
		Direction: CallIncoming,
		State:     CallStateIdle,
	}
}

type SessionInfo struct {
	SessionID string        `json:"session_id,omitempty"`
	PeerID    string        `json:"peer_id"`
	PeerName  string        `json:"peer_name"`
	Direction CallDirection `json:"direction"`
	State     CallState     `json:"state"`
	Reason    string        `json:"reason,omitempty"`
}
