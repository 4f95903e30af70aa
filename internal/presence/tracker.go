package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/realtime"
	"github.com/MarcoPoloResearchLab/pulse/internal/store"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 20 * time.Second
	defaultTypingReset       = 3 * time.Second
	persistTimeout           = 10 * time.Second

	topicName = "presence"
)

var (
	errMissingUserID    = errors.New("presence: local user id is required")
	errMissingPersister = errors.New("presence: persister is required")
	errTrackerStopped   = errors.New("presence: tracker stopped")
)

// Persister writes the local user's presence upstream.
type Persister interface {
	UpsertPresence(ctx context.Context, row store.PresenceRow) error
}

// Config describes the dependencies of a Tracker. Provider is optional; without
// it the tracker only reflects local updates.
type Config struct {
	UserID            string
	Persister         Persister
	Provider          realtime.Provider
	SubscribeTimeout  time.Duration
	TeardownDebounce  time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	TypingReset       time.Duration
	Clock             clockwork.Clock
	Logger            *zap.Logger
	OnChange          func(Record)
}

// Tracker owns the presence map for one local user.
type Tracker struct {
	userID            string
	persister         Persister
	coordinator       *realtime.Coordinator
	heartbeatInterval time.Duration
	staleAfter        time.Duration
	typingReset       time.Duration
	clock             clockwork.Clock
	logger            *zap.Logger
	onChange          func(Record)

	mu            sync.RWMutex
	records       map[string]Record
	started       bool
	stopped       bool
	hidden        bool
	blurred       bool
	handle        *realtime.Handle
	heartbeatStop chan struct{}
	typingTimer   clockwork.Timer
	typingGen     uint64

	persisting sync.WaitGroup
}

// NewTracker validates the configuration and constructs a Tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errMissingUserID
	}
	if cfg.Persister == nil {
		return nil, errMissingPersister
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := &Tracker{
		userID:            userID,
		persister:         cfg.Persister,
		heartbeatInterval: durationOrDefault(cfg.HeartbeatInterval, defaultHeartbeatInterval),
		staleAfter:        durationOrDefault(cfg.StaleAfter, DefaultStaleAfter),
		typingReset:       durationOrDefault(cfg.TypingReset, defaultTypingReset),
		clock:             clock,
		logger:            logger.With(zap.String("user_id", userID)),
		onChange:          cfg.OnChange,
		records:           make(map[string]Record),
	}
	if cfg.Provider != nil {
		coordinator, err := realtime.NewCoordinator(realtime.CoordinatorConfig{
			Provider:         cfg.Provider,
			Topic:            tracker.topic(),
			SubscribeTimeout: cfg.SubscribeTimeout,
			TeardownDebounce: cfg.TeardownDebounce,
			Clock:            clock,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		tracker.coordinator = coordinator
	}
	return tracker, nil
}

// Start joins the presence channel, marks the local user online and starts the
// heartbeat. A failed channel join is logged; local tracking still runs.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return errTrackerStopped
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	stop := make(chan struct{})
	t.heartbeatStop = stop
	ticker := t.clock.NewTicker(t.heartbeatInterval)
	t.mu.Unlock()

	go t.runHeartbeat(ticker, stop)

	if t.coordinator != nil {
		handle, err := t.coordinator.Subscribe(ctx, t.userID)
		if err != nil {
			t.logger.Warn("presence channel subscribe failed", zap.Error(err))
		} else {
			t.mu.Lock()
			t.handle = handle
			t.mu.Unlock()
		}
	}

	t.UpdatePresence(StatusOnline, "")
	return nil
}

// Stop halts the heartbeat, leaves the presence channel and waits for pending
// upstream writes.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.started = false
	if t.heartbeatStop != nil {
		close(t.heartbeatStop)
		t.heartbeatStop = nil
	}
	t.cancelTypingLocked()
	handle := t.handle
	t.handle = nil
	t.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
	if t.coordinator != nil {
		t.coordinator.Close()
	}
	t.persisting.Wait()
}

// UpdatePresence records the local user's status immediately and persists it
// upstream in the background.
func (t *Tracker) UpdatePresence(status Status, conversationID string) Record {
	record := Record{
		UserID:         t.userID,
		Status:         status,
		LastSeen:       t.clock.Now().UTC(),
		ConversationID: strings.TrimSpace(conversationID),
	}
	t.mu.Lock()
	t.records[t.userID] = record
	t.mu.Unlock()

	t.notify(record)
	t.persist(record)
	return record
}

// SetTypingStatus marks the local user as typing in conversationID. The reset
// to online fires a fixed interval after the first call of a typing burst;
// repeated calls inside the window do not extend it.
func (t *Tracker) SetTypingStatus(isTyping bool, conversationID string) {
	if !isTyping {
		t.mu.Lock()
		t.cancelTypingLocked()
		t.mu.Unlock()
		t.UpdatePresence(StatusOnline, "")
		return
	}

	t.mu.Lock()
	if t.typingTimer == nil {
		generation := t.typingGen
		t.typingTimer = t.clock.AfterFunc(t.typingReset, func() {
			t.resetTyping(generation)
		})
	}
	t.mu.Unlock()
	t.UpdatePresence(StatusTyping, conversationID)
}

// SetHidden reflects page visibility: hidden is away, visible is online.
func (t *Tracker) SetHidden(hidden bool) {
	t.mu.Lock()
	t.hidden = hidden
	t.mu.Unlock()
	if hidden {
		t.UpdatePresence(StatusAway, "")
		return
	}
	t.UpdatePresence(StatusOnline, "")
}

// Blur marks the local user away.
func (t *Tracker) Blur() {
	t.mu.Lock()
	t.blurred = true
	t.mu.Unlock()
	t.UpdatePresence(StatusAway, "")
}

// Focus marks the local user online.
func (t *Tracker) Focus() {
	t.mu.Lock()
	t.blurred = false
	t.mu.Unlock()
	t.UpdatePresence(StatusOnline, "")
}

// Unload sends a best-effort offline signal. Delivery is not awaited.
func (t *Tracker) Unload() {
	t.mu.Lock()
	t.cancelTypingLocked()
	t.mu.Unlock()
	t.UpdatePresence(StatusOffline, "")
}

// ApplyRemote stores an inbound record unless a newer record for the same user
// is already held. It reports whether the record was applied.
func (t *Tracker) ApplyRemote(record Record) bool {
	if strings.TrimSpace(record.UserID) == "" {
		return false
	}
	t.mu.Lock()
	if stored, ok := t.records[record.UserID]; ok && record.LastSeen.Before(stored.LastSeen) {
		t.mu.Unlock()
		t.logger.Debug("stale presence event dropped",
			zap.String("subject_id", record.UserID),
			zap.Time("last_seen", record.LastSeen),
			zap.Time("stored_last_seen", stored.LastSeen))
		return false
	}
	t.records[record.UserID] = record
	t.mu.Unlock()
	t.notify(record)
	return true
}

// GetUserStatus returns the effective status of userID at the current time.
func (t *Tracker) GetUserStatus(userID string) Status {
	record, _ := t.Record(userID)
	return EffectiveStatus(record, t.clock.Now(), t.staleAfter)
}

// IsUserOnline reports whether userID is online or typing.
func (t *Tracker) IsUserOnline(userID string) bool {
	switch t.GetUserStatus(userID) {
	case StatusOnline, StatusTyping:
		return true
	default:
		return false
	}
}

// IsUserTyping reports whether userID is typing, optionally in conversationID.
func (t *Tracker) IsUserTyping(userID, conversationID string) bool {
	record, ok := t.Record(userID)
	if !ok || EffectiveStatus(record, t.clock.Now(), t.staleAfter) != StatusTyping {
		return false
	}
	conversationID = strings.TrimSpace(conversationID)
	return conversationID == "" || record.ConversationID == conversationID
}

// GetLastSeen returns when userID was last seen.
func (t *Tracker) GetLastSeen(userID string) (time.Time, bool) {
	record, ok := t.Record(userID)
	if !ok {
		return time.Time{}, false
	}
	return record.LastSeen, true
}

// Record returns the stored record for userID.
func (t *Tracker) Record(userID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	record, ok := t.records[userID]
	return record, ok
}

// OnlineUsers lists the users whose effective status is online or typing.
func (t *Tracker) OnlineUsers() []string {
	now := t.clock.Now()
	t.mu.RLock()
	var online []string
	for userID, record := range t.records {
		switch EffectiveStatus(record, now, t.staleAfter) {
		case StatusOnline, StatusTyping:
			online = append(online, userID)
		}
	}
	t.mu.RUnlock()
	sort.Strings(online)
	return online
}

func (t *Tracker) runHeartbeat(ticker clockwork.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if t.active() {
				t.UpdatePresence(StatusOnline, "")
			}
		}
	}
}

func (t *Tracker) active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started && !t.hidden && !t.blurred
}

func (t *Tracker) resetTyping(generation uint64) {
	t.mu.Lock()
	if generation != t.typingGen || t.typingTimer == nil {
		t.mu.Unlock()
		return
	}
	t.typingTimer = nil
	t.typingGen++
	t.mu.Unlock()
	t.UpdatePresence(StatusOnline, "")
}

func (t *Tracker) cancelTypingLocked() {
	t.typingGen++
	if t.typingTimer != nil {
		t.typingTimer.Stop()
		t.typingTimer = nil
	}
}

func (t *Tracker) persist(record Record) {
	t.persisting.Add(1)
	go func() {
		defer t.persisting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		err := t.persister.UpsertPresence(ctx, store.PresenceRow{
			UserID:         record.UserID,
			Status:         string(record.Status),
			LastSeen:       record.LastSeen,
			ConversationID: record.ConversationID,
		})
		if err != nil {
			t.logger.Warn("presence persist failed",
				zap.String("status", string(record.Status)),
				zap.Error(err))
		}
	}()
}

func (t *Tracker) notify(record Record) {
	if t.onChange == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logger.Error("presence listener panicked", zap.Any("panic", recovered))
		}
	}()
	t.onChange(record)
}

func (t *Tracker) topic() realtime.Topic {
	return realtime.Topic{
		Name: topicName,
		Filters: func(string) []realtime.EventFilter {
			return []realtime.EventFilter{{
				Event:  realtime.ChangeAny,
				Schema: realtime.DefaultSchema,
				Table:  store.PresenceTable,
			}}
		},
		Handler: func(_ string, event realtime.Event) {
			t.handleEvent(event)
		},
	}
}

func (t *Tracker) handleEvent(event realtime.Event) {
	if event.Type == realtime.ChangeDelete {
		return
	}
	var row store.PresenceRow
	if err := event.Decode(&row); err != nil {
		t.logger.Warn("malformed presence event dropped", zap.Error(err))
		return
	}
	status, ok := ParseStatus(row.Status)
	if !ok || strings.TrimSpace(row.UserID) == "" {
		t.logger.Warn("malformed presence event dropped",
			zap.String("subject_id", row.UserID),
			zap.String("status", row.Status))
		return
	}
	t.ApplyRemote(Record{
		UserID:         row.UserID,
		Status:         status,
		LastSeen:       row.LastSeen.UTC(),
		ConversationID: row.ConversationID,
	})
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
