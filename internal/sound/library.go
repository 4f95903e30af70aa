package sound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultMaxUploadBytes bounds a custom sound upload.
	DefaultMaxUploadBytes int64 = 1 << 20
	maxNameLength               = 80
)

var (
	ErrSoundTooLarge   = errors.New("sound: upload exceeds size limit")
	ErrNotAudio        = errors.New("sound: upload is not audio")
	ErrEmptyUpload     = errors.New("sound: upload is empty")
	ErrMissingOwnerID  = errors.New("sound: owner id is required")
	errMissingDatabase = errors.New("sound: database handle is required")
)

// CustomSound is a user-uploaded cue. Its id shadows a builtin profile id of
// the same name for that owner.
type CustomSound struct {
	ID          string    `gorm:"column:sound_id;primaryKey;size:64" json:"id"`
	OwnerID     string    `gorm:"column:owner_id;not null;index" json:"owner_id"`
	Name        string    `gorm:"column:name;not null" json:"name"`
	ContentType string    `gorm:"column:content_type;not null" json:"content_type"`
	SizeBytes   int64     `gorm:"column:size_bytes;not null" json:"size_bytes"`
	Data        []byte    `gorm:"column:data;not null" json:"-"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (CustomSound) TableName() string {
	return "custom_sounds"
}

// LibraryConfig describes the dependencies of a Library.
type LibraryConfig struct {
	Database       *gorm.DB
	MaxUploadBytes int64
	IDGenerator    func() (string, error)
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Library stores custom sounds.
type Library struct {
	db       *gorm.DB
	maxBytes int64
	newID    func() (string, error)
	clock    func() time.Time
	logger   *zap.Logger
}

func NewLibrary(cfg LibraryConfig) (*Library, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	newID := cfg.IDGenerator
	if newID == nil {
		newID = func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{db: cfg.Database, maxBytes: maxBytes, newID: newID, clock: clock, logger: logger}, nil
}

// MaxUploadBytes reports the configured size limit.
func (l *Library) MaxUploadBytes() int64 {
	return l.maxBytes
}

// Upload validates and stores an audio file for ownerID.
func (l *Library) Upload(ctx context.Context, ownerID, name string, data []byte) (CustomSound, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return CustomSound{}, ErrMissingOwnerID
	}
	if len(data) == 0 {
		return CustomSound{}, ErrEmptyUpload
	}
	if int64(len(data)) > l.maxBytes {
		return CustomSound{}, fmt.Errorf("%w: %d > %d bytes", ErrSoundTooLarge, len(data), l.maxBytes)
	}
	detected := mimetype.Detect(data)
	if !isAudio(detected) {
		return CustomSound{}, fmt.Errorf("%w: detected %s", ErrNotAudio, detected.String())
	}
	id, err := l.newID()
	if err != nil {
		return CustomSound{}, fmt.Errorf("sound: generate id: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	sound := CustomSound{
		ID:          id,
		OwnerID:     ownerID,
		Name:        name,
		ContentType: detected.String(),
		SizeBytes:   int64(len(data)),
		Data:        append([]byte(nil), data...),
		CreatedAt:   l.clock().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&sound).Error; err != nil {
		l.logger.Error("custom sound insert failed", zap.String("owner_id", ownerID), zap.Error(err))
		return CustomSound{}, fmt.Errorf("sound: insert: %w", err)
	}
	return sound, nil
}

// Get loads one custom sound including its audio data.
func (l *Library) Get(ctx context.Context, ownerID, soundID string) (CustomSound, bool, error) {
	var sound CustomSound
	err := l.db.WithContext(ctx).
		Where("owner_id = ? AND sound_id = ?", strings.TrimSpace(ownerID), strings.TrimSpace(soundID)).
		Take(&sound).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CustomSound{}, false, nil
	}
	if err != nil {
		return CustomSound{}, false, fmt.Errorf("sound: load %s: %w", soundID, err)
	}
	return sound, true, nil
}

// List returns the custom sounds of ownerID without their audio data.
func (l *Library) List(ctx context.Context, ownerID string) ([]CustomSound, error) {
	var sounds []CustomSound
	err := l.db.WithContext(ctx).
		Omit("data").
		Where("owner_id = ?", strings.TrimSpace(ownerID)).
		Order("created_at ASC").
		Order("sound_id ASC").
		Find(&sounds).Error
	if err != nil {
		return nil, fmt.Errorf("sound: list: %w", err)
	}
	return sounds, nil
}

// Delete removes a custom sound and reports whether it existed.
func (l *Library) Delete(ctx context.Context, ownerID, soundID string) (bool, error) {
	result := l.db.WithContext(ctx).
		Where("owner_id = ? AND sound_id = ?", strings.TrimSpace(ownerID), strings.TrimSpace(soundID)).
		Delete(&CustomSound{})
	if result.Error != nil {
		return false, fmt.Errorf("sound: delete %s: %w", soundID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func isAudio(detected *mimetype.MIME) bool {
	for current := detected; current != nil; current = current.Parent() {
		if strings.HasPrefix(current.String(), "audio/") {
			return true
		}
	}
	return false
}
