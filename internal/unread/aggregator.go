// Package unread derives unread message counts from the message store.
package unread

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/pulse/internal/querycache"
	"go.uber.org/zap"
)

var (
	errMissingViewerID        = errors.New("unread: viewer id is required")
	errMissingStore           = errors.New("unread: message store is required")
	errMissingCorrespondentID = errors.New("unread: correspondent id is required")
)

// MessageStore is the authoritative source of per-message read flags.
type MessageStore interface {
	UnreadInbound(ctx context.Context, viewerID string) (map[string]int, error)
	MarkConversationRead(ctx context.Context, viewerID, correspondentID string) (int, error)
}

// Counts are the unread inbound messages of a viewer.
type Counts struct {
	ByCorrespondent map[string]int `json:"by_correspondent"`
	Total           int            `json:"total"`
}

// Config describes the dependencies of an Aggregator. Cache is optional.
type Config struct {
	ViewerID string
	Store    MessageStore
	Cache    *querycache.Cache
	Logger   *zap.Logger
}

// Aggregator computes unread counts for one viewer. Counts are never stored;
// they are recomputed from the store whenever the cached read is invalidated.
type Aggregator struct {
	viewerID string
	store    MessageStore
	cache    *querycache.Cache
	logger   *zap.Logger
}

func New(cfg Config) (*Aggregator, error) {
	viewerID := strings.TrimSpace(cfg.ViewerID)
	if viewerID == "" {
		return nil, errMissingViewerID
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	cache := cfg.Cache
	if cache == nil {
		cache = querycache.New(querycache.Config{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		viewerID: viewerID,
		store:    cfg.Store,
		cache:    cache,
		logger:   logger.With(zap.String("viewer_id", viewerID)),
	}, nil
}

// Counts returns the unread count per correspondent and their total.
func (a *Aggregator) Counts(ctx context.Context) (Counts, error) {
	cached, err := querycache.Fetch(ctx, a.cache, querycache.ConversationsKey(a.viewerID), a.load)
	if err != nil {
		return Counts{}, err
	}
	byCorrespondent := make(map[string]int, len(cached.ByCorrespondent))
	for correspondentID, count := range cached.ByCorrespondent {
		byCorrespondent[correspondentID] = count
	}
	return Counts{ByCorrespondent: byCorrespondent, Total: cached.Total}, nil
}

// CountFor returns the unread count from one correspondent.
func (a *Aggregator) CountFor(ctx context.Context, correspondentID string) (int, error) {
	counts, err := a.Counts(ctx)
	if err != nil {
		return 0, err
	}
	return counts.ByCorrespondent[strings.TrimSpace(correspondentID)], nil
}

// MarkConversationRead marks the messages from correspondentID that are unread
// now as read, then invalidates the cached reads so the next read reflects it.
// Messages arriving after the update stay unread.
func (a *Aggregator) MarkConversationRead(ctx context.Context, correspondentID string) (int, error) {
	correspondentID = strings.TrimSpace(correspondentID)
	if correspondentID == "" {
		return 0, errMissingCorrespondentID
	}
	updated, err := a.store.MarkConversationRead(ctx, a.viewerID, correspondentID)
	if err != nil {
		a.logger.Warn("mark conversation read failed",
			zap.String("correspondent_id", correspondentID),
			zap.Error(err))
		return 0, err
	}
	a.Invalidate(correspondentID)
	return updated, nil
}

// Invalidate drops the cached reads touched by a change in the conversation
// with correspondentID.
func (a *Aggregator) Invalidate(correspondentID string) {
	a.cache.Invalidate(
		querycache.ConversationsKey(a.viewerID),
		querycache.ConversationKey(a.viewerID, strings.TrimSpace(correspondentID)),
	)
}

func (a *Aggregator) load(ctx context.Context) (Counts, error) {
	byCorrespondent, err := a.store.UnreadInbound(ctx, a.viewerID)
	if err != nil {
		return Counts{}, err
	}
	counts := Counts{ByCorrespondent: make(map[string]int, len(byCorrespondent))}
	for correspondentID, count := range byCorrespondent {
		if count <= 0 {
			continue
		}
		counts.ByCorrespondent[correspondentID] = count
		counts.Total += count
	}
	return counts, nil
}
