// Package notify records notifications in a bounded, persisted log and routes
// each new one to toast, system and sound presentation.
package notify

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Type classifies a notification.
type Type string

const (
	TypeMessage     Type = "message"
	TypeTransaction Type = "transaction"
	TypeGoal        Type = "goal"
	TypeSystem      Type = "system"
	TypeSocial      Type = "social"
)

// ParseType normalizes a notification type.
func ParseType(value string) (Type, bool) {
	switch Type(strings.ToLower(strings.TrimSpace(value))) {
	case TypeMessage:
		return TypeMessage, true
	case TypeTransaction:
		return TypeTransaction, true
	case TypeGoal:
		return TypeGoal, true
	case TypeSystem:
		return TypeSystem, true
	case TypeSocial:
		return TypeSocial, true
	default:
		return "", false
	}
}

// Notification is one entry of the log.
type Notification struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Avatar         string    `json:"avatar,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Read           bool      `json:"read"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SourceUserID   string    `json:"source_user_id,omitempty"`
}

// Event is the input to AddNotification.
type Event struct {
	Type           Type
	Title          string
	Body           string
	Avatar         string
	ConversationID string
	SourceUserID   string
}

// MessageInfo is the part of an inbound chat message a notification needs.
type MessageInfo struct {
	ID      string
	Content string
}

// SenderInfo describes the author of an inbound chat message.
type SenderInfo struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

const (
	messageBodyLimit   = 100
	unknownSenderTitle = "Someone"
)

func messageEvent(message MessageInfo, sender SenderInfo) Event {
	name := strings.TrimSpace(sender.DisplayName)
	if name == "" {
		name = unknownSenderTitle
	}
	return Event{
		Type:           TypeMessage,
		Title:          "New message from " + name,
		Body:           truncate(strings.TrimSpace(message.Content), messageBodyLimit),
		Avatar:         sender.AvatarURL,
		ConversationID: sender.UserID,
		SourceUserID:   sender.UserID,
	}
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit]) + "…"
}
