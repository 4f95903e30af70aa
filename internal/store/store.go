package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errEmptyContent      = errors.New("message content is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew             = "store.new"
	opInsertMessage        = "store.insert_message"
	opUnreadInbound        = "store.unread_inbound"
	opMarkConversationRead = "store.mark_conversation_read"
	opConversation         = "store.conversation"
	opUpsertPresence       = "store.upsert_presence"
	opListPresence         = "store.list_presence"

	defaultConversationLimit = 200
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Config describes the dependencies of a Store. Publisher, when set, receives
// a change event for every row the store writes.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  realtime.Publisher
	Logger     *zap.Logger
}

// Store reads and writes the message and presence rows owned by the backend.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  realtime.Publisher
	logger     *zap.Logger
}

func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// InsertMessage stores a new unread message from senderID to recipientID.
func (s *Store) InsertMessage(ctx context.Context, senderID, recipientID, content string) (Message, error) {
	senderID = strings.TrimSpace(senderID)
	recipientID = strings.TrimSpace(recipientID)
	if senderID == "" || recipientID == "" {
		s.logError(opInsertMessage, "missing_user_id", errMissingUserID)
		return Message{}, newServiceError(opInsertMessage, "missing_user_id", errMissingUserID)
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, newServiceError(opInsertMessage, "empty_content", errEmptyContent)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opInsertMessage, "id_generation_failed", err)
		return Message{}, newServiceError(opInsertMessage, "id_generation_failed", err)
	}
	message := Message{
		ID:          messageID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opInsertMessage, "insert_failed", err,
			zap.String("sender_id", senderID),
			zap.String("recipient_id", recipientID))
		return Message{}, newServiceError(opInsertMessage, "insert_failed", err)
	}

	s.publish(realtime.ChangeInsert, MessagesTable, message, nil)
	return message, nil
}

// UnreadInbound counts unread messages addressed to viewerID, grouped by sender.
func (s *Store) UnreadInbound(ctx context.Context, viewerID string) (map[string]int, error) {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return nil, newServiceError(opUnreadInbound, "missing_user_id", errMissingUserID)
	}

	var rows []struct {
		SenderID string
		Unread   int
	}
	err := s.db.WithContext(ctx).
		Model(&Message{}).
		Select("sender_id AS sender_id, COUNT(*) AS unread").
		Where("recipient_id = ? AND is_read = ?", viewerID, false).
		Group("sender_id").
		Scan(&rows).Error
	if err != nil {
		s.logError(opUnreadInbound, "query_failed", err, zap.String("viewer_id", viewerID))
		return nil, newServiceError(opUnreadInbound, "query_failed", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.SenderID] = row.Unread
	}
	return counts, nil
}

// MarkConversationRead marks every message from correspondentID to viewerID
// that is unread at call time as read and returns how many were updated.
// Messages inserted after the unread set was selected stay unread.
func (s *Store) MarkConversationRead(ctx context.Context, viewerID, correspondentID string) (int, error) {
	viewerID = strings.TrimSpace(viewerID)
	correspondentID = strings.TrimSpace(correspondentID)
	if viewerID == "" || correspondentID == "" {
		return 0, newServiceError(opMarkConversationRead, "missing_user_id", errMissingUserID)
	}

	var updated []Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("recipient_id = ? AND sender_id = ? AND is_read = ?", viewerID, correspondentID, false).
			Find(&updated).Error; err != nil {
			return err
		}
		if len(updated) == 0 {
			return nil
		}
		ids := make([]string, 0, len(updated))
		for _, message := range updated {
			ids = append(ids, message.ID)
		}
		return tx.Model(&Message{}).
			Where("message_id IN ?", ids).
			Update("is_read", true).Error
	})
	if txErr != nil {
		s.logError(opMarkConversationRead, "update_failed", txErr,
			zap.String("viewer_id", viewerID),
			zap.String("correspondent_id", correspondentID))
		return 0, newServiceError(opMarkConversationRead, "update_failed", txErr)
	}

	for _, previous := range updated {
		current := previous
		current.IsRead = true
		s.publish(realtime.ChangeUpdate, MessagesTable, current, previous)
	}
	return len(updated), nil
}

// Conversation returns the messages exchanged between viewerID and
// correspondentID, oldest first, capped at limit.
func (s *Store) Conversation(ctx context.Context, viewerID, correspondentID string, limit int) ([]Message, error) {
	viewerID = strings.TrimSpace(viewerID)
	correspondentID = strings.TrimSpace(correspondentID)
	if viewerID == "" || correspondentID == "" {
		return nil, newServiceError(opConversation, "missing_user_id", errMissingUserID)
	}
	if limit <= 0 {
		limit = defaultConversationLimit
	}

	var messages []Message
	err := s.db.WithContext(ctx).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
			viewerID, correspondentID, correspondentID, viewerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		s.logError(opConversation, "query_failed", err,
			zap.String("viewer_id", viewerID),
			zap.String("correspondent_id", correspondentID))
		return nil, newServiceError(opConversation, "query_failed", err)
	}
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

// UpsertPresence writes the presence row for row.UserID.
func (s *Store) UpsertPresence(ctx context.Context, row PresenceRow) error {
	row.UserID = strings.TrimSpace(row.UserID)
	if row.UserID == "" {
		return newServiceError(opUpsertPresence, "missing_user_id", errMissingUserID)
	}
	row.LastSeen = row.LastSeen.UTC()

	var previous *PresenceRow
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing PresenceRow
		err := tx.Where("user_id = ?", row.UserID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return err
		}
		previous = &existing
		return tx.Model(&PresenceRow{}).
			Where("user_id = ?", row.UserID).
			Updates(map[string]interface{}{
				"status":          row.Status,
				"last_seen":       row.LastSeen,
				"conversation_id": row.ConversationID,
			}).Error
	})
	if txErr != nil {
		s.logError(opUpsertPresence, "upsert_failed", txErr, zap.String("user_id", row.UserID))
		return newServiceError(opUpsertPresence, "upsert_failed", txErr)
	}

	if previous == nil {
		s.publish(realtime.ChangeInsert, PresenceTable, row, nil)
	} else {
		s.publish(realtime.ChangeUpdate, PresenceTable, row, *previous)
	}
	return nil
}

// ListPresence returns the stored presence rows for userIDs, or every row when
// no identifiers are given.
func (s *Store) ListPresence(ctx context.Context, userIDs ...string) ([]PresenceRow, error) {
	query := s.db.WithContext(ctx).Order("user_id ASC")
	if len(userIDs) > 0 {
		query = query.Where("user_id IN ?", userIDs)
	}
	var rows []PresenceRow
	if err := query.Find(&rows).Error; err != nil {
		s.logError(opListPresence, "query_failed", err)
		return nil, newServiceError(opListPresence, "query_failed", err)
	}
	return rows, nil
}

func (s *Store) publish(changeType realtime.ChangeType, table string, record, oldRecord any) {
	if s.publisher == nil {
		return
	}
	event := realtime.Event{
		Type:            changeType,
		Schema:          realtime.DefaultSchema,
		Table:           table,
		CommitTimestamp: s.clock().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		s.logger.Warn("change event encode failed", zap.String("table", table), zap.Error(err))
		return
	}
	event.Record = payload
	if oldRecord != nil {
		previous, err := json.Marshal(oldRecord)
		if err != nil {
			s.logger.Warn("change event encode failed", zap.String("table", table), zap.Error(err))
			return
		}
		event.OldRecord = previous
	}
	s.publisher.Publish(event)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}
