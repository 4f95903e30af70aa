package store

import "time"

const (
	// MessagesTable is the table chat messages are stored and published under.
	MessagesTable = "messages"
	// PresenceTable is the table presence rows are stored and published under.
	PresenceTable = "user_presence"
)

// Message is a chat message between two users.
type Message struct {
	ID          string    `gorm:"column:message_id;primaryKey;size:190;not null" json:"id"`
	SenderID    string    `gorm:"column:sender_id;size:190;not null;index:idx_messages_recipient_sender,priority:2" json:"sender_id"`
	RecipientID string    `gorm:"column:recipient_id;size:190;not null;index:idx_messages_recipient_sender,priority:1" json:"recipient_id"`
	Content     string    `gorm:"column:content;type:text;not null" json:"content"`
	IsRead      bool      `gorm:"column:is_read;not null;default:false" json:"is_read"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
}

// TableName exposes the table backing chat messages.
func (Message) TableName() string {
	return MessagesTable
}

// PresenceRow is the persisted presence of one user.
type PresenceRow struct {
	UserID         string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	Status         string    `gorm:"column:status;size:16;not null" json:"status"`
	LastSeen       time.Time `gorm:"column:last_seen;not null" json:"last_seen"`
	ConversationID string    `gorm:"column:conversation_id;size:190" json:"conversation_id,omitempty"`
}

// TableName exposes the table backing presence rows.
func (PresenceRow) TableName() string {
	return PresenceTable
}
