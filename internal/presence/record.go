// Package presence tracks online, away, typing and offline state for the local
// user and the users whose presence events reach it.
package presence

import (
	"strings"
	"time"
)

// Status is a stored presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusTyping  Status = "typing"
	StatusOffline Status = "offline"
)

// DefaultStaleAfter is how long a record stays authoritative without a refresh.
const DefaultStaleAfter = 60 * time.Second

// ParseStatus normalizes a stored status string.
func ParseStatus(value string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusOnline:
		return StatusOnline, true
	case StatusAway:
		return StatusAway, true
	case StatusTyping:
		return StatusTyping, true
	case StatusOffline:
		return StatusOffline, true
	default:
		return "", false
	}
}

// Record is the last known presence of one user.
type Record struct {
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	LastSeen       time.Time `json:"last_seen"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// EffectiveStatus derives the status to present for record at now: the stored
// status, or offline once the record is older than staleAfter.
func EffectiveStatus(record Record, now time.Time, staleAfter time.Duration) Status {
	if record.UserID == "" || record.LastSeen.IsZero() {
		return StatusOffline
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if now.Sub(record.LastSeen) > staleAfter {
		return StatusOffline
	}
	return record.Status
}
