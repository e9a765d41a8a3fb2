package models

import "time"

// RelayCallStatus is the relay's view of a call between two users.
// Keep values stable because they are part of the public API.
type RelayCallStatus string

const (
	RelayCallRinging RelayCallStatus = "ringing"
	RelayCallActive  RelayCallStatus = "active"
	RelayCallEnded   RelayCallStatus = "ended"
)

type RelayCall struct {
	ID        string          `json:"call_id"`
	CallerID  string          `json:"caller_id"`
	CalleeID  string          `json:"callee_id"`
	Status    RelayCallStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Involves reports whether userID is one of the two parties.
func (c *RelayCall) Involves(userID string) bool {
	return c.CallerID == userID || c.CalleeID == userID
}

// Other returns the party that is not userID.
func (c *RelayCall) Other(userID string) string {
	if c.CallerID == userID {
		return c.CalleeID
	}
	return c.CallerID
}
