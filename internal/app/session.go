package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/notify"
	"github.com/MarcoPoloResearchLab/pulse/internal/presence"
	"github.com/MarcoPoloResearchLab/pulse/internal/realtime"
	"github.com/MarcoPoloResearchLab/pulse/internal/sound"
	"github.com/MarcoPoloResearchLab/pulse/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/internal/unread"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrPresenceInactive indicates that the user has no attached stream and
// therefore no running presence tracker.
var ErrPresenceInactive = errors.New("app: presence requires an attached stream")

// NotificationsSnapshot is the payload of the notifications event.
type NotificationsSnapshot struct {
	Notifications []notify.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unread_count"`
}

// PresenceView is a presence record with its effective status.
type PresenceView struct {
	UserID         string          `json:"user_id"`
	Status         presence.Status `json:"status"`
	LastSeen       *time.Time      `json:"last_seen,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
}

type channelStatusPayload struct {
	Topic  string `json:"topic"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Session is the server-side state of one user: the notification log, unread
// counts, sound output and, while at least one stream is attached, presence
// tracking and the inbound messages channel.
type Session struct {
	app       *App
	userID    string
	logger    *zap.Logger
	presenter *streamPresenter
	system    *streamSystemNotifier
	sound     *sound.Generator
	notify    *notify.Dispatcher
	unread    *unread.Aggregator
	stopFeed  func()
	lastUsed  atomic.Int64

	mu         sync.Mutex
	streams    int
	tracker    *presence.Tracker
	messages   *realtime.Handle
	evictTimer clockwork.Timer
}

func newSession(ctx context.Context, a *App, userID string) (*Session, error) {
	logger := a.logger.With(zap.String("user_id", userID))
	presenter := &streamPresenter{userID: userID, events: a.events}
	system := newStreamSystemNotifier(ctx, userID, a.events, a.kv, logger)

	generator, err := sound.NewGenerator(sound.Config{
		OwnerID:        userID,
		Output:         streamOutput{userID: userID, events: a.events},
		Library:        a.sounds,
		DefaultProfile: a.settings.Sound.DefaultProfile,
		Enabled:        a.settings.Sound.Enabled,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	settings := a.settings.Notifications
	dispatcher, err := notify.NewDispatcher(ctx, notify.Config{
		OwnerID:            userID,
		Store:              a.kv,
		Presenter:          presenter,
		Sound:              generator,
		System:             system,
		MaxItems:           settings.MaxItems,
		SystemDismissAfter: settings.SystemDismissAfter,
		Defaults: notify.Preferences{
			SoundEnabled:  true,
			SoundID:       a.settings.Sound.DefaultProfile,
			SystemEnabled: true,
			QuietHours: notify.QuietHours{
				Enabled: settings.QuietHoursEnabled,
				Start:   settings.QuietHoursStart,
				End:     settings.QuietHoursEnd,
			},
		},
		Location: a.location,
		Clock:    a.clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	generator.SetEnabled(a.settings.Sound.Enabled && dispatcher.Preferences().SoundEnabled)

	aggregator, err := unread.New(unread.Config{
		ViewerID: userID,
		Store:    a.store,
		Cache:    a.cache,
		Logger:   logger,
	})
	if err != nil {
		dispatcher.Close()
		return nil, err
	}

	session := &Session{
		app:       a,
		userID:    userID,
		logger:    logger,
		presenter: presenter,
		system:    system,
		sound:     generator,
		notify:    dispatcher,
		unread:    aggregator,
	}
	session.stopFeed = dispatcher.Subscribe(func(notifications []notify.Notification) {
		a.events.Emit(userID, EventNotifications, snapshotOf(notifications))
	})
	return session, nil
}

func snapshotOf(notifications []notify.Notification) NotificationsSnapshot {
	unreadCount := 0
	for _, notification := range notifications {
		if !notification.Read {
			unreadCount++
		}
	}
	if notifications == nil {
		notifications = []notify.Notification{}
	}
	return NotificationsSnapshot{Notifications: notifications, UnreadCount: unreadCount}
}

func (s *Session) touch() {
	s.lastUsed.Store(s.app.clock.Now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	return s.app.clock.Since(time.Unix(0, s.lastUsed.Load()))
}

func (s *Session) UserID() string {
	return s.userID
}

// Notifications exposes the notification log.
func (s *Session) Notifications() *notify.Dispatcher {
	return s.notify
}

// Snapshot returns the notification log and its unread count.
func (s *Session) Snapshot() NotificationsSnapshot {
	return snapshotOf(s.notify.List())
}

// UpdatePreferences stores new notification settings and applies the sound
// switch to the generator. Sound stays off when disabled in configuration.
func (s *Session) UpdatePreferences(ctx context.Context, preferences notify.Preferences) (notify.Preferences, error) {
	if err := s.notify.UpdatePreferences(ctx, preferences); err != nil {
		return notify.Preferences{}, err
	}
	current := s.notify.Preferences()
	s.sound.SetEnabled(s.app.settings.Sound.Enabled && current.SoundEnabled)
	return current, nil
}

// Sound exposes the sound generator.
func (s *Session) Sound() *sound.Generator {
	return s.sound
}

// Attach registers an open stream. The first stream starts presence tracking
// and joins the messages channel; the returned func detaches the stream and
// the last detach stops both.
func (s *Session) Attach(ctx context.Context) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams++
	if s.streams == 1 {
		s.presenter.setAttached(true)
		s.startLocked(ctx)
	}
	var once sync.Once
	return func() {
		once.Do(s.detach)
	}
}

func (s *Session) startLocked(ctx context.Context) {
	a := s.app
	tracker, err := presence.NewTracker(presence.Config{
		UserID:            s.userID,
		Persister:         a.store,
		Provider:          a.provider,
		SubscribeTimeout:  a.settings.Realtime.SubscribeTimeout,
		TeardownDebounce:  a.settings.Realtime.TeardownDebounce,
		HeartbeatInterval: a.settings.Presence.HeartbeatInterval,
		StaleAfter:        a.settings.Presence.StaleAfter,
		TypingReset:       a.settings.Presence.TypingReset,
		Clock:             a.clock,
		Logger:            s.logger,
		OnChange: func(record presence.Record) {
			a.events.Emit(s.userID, EventPresence, s.viewOf(record))
		},
	})
	if err != nil {
		s.logger.Error("presence tracker unavailable", zap.Error(err))
	} else {
		s.seedPresence(ctx, tracker)
		if err := tracker.Start(ctx); err != nil {
			s.logger.Warn("presence tracker start failed", zap.Error(err))
		}
		s.tracker = tracker
	}

	s.joinMessagesLocked(ctx)
}

func (s *Session) joinMessagesLocked(ctx context.Context) {
	a := s.app
	handle, err := a.messages.Subscribe(ctx, s.userID)
	if err != nil {
		s.logger.Warn("messages channel subscribe failed", zap.Error(err))
		a.events.Emit(s.userID, EventChannelStatus, channelStatusPayload{
			Topic:  messagesTopic,
			Status: "error",
			Error:  err.Error(),
		})
		return
	}
	s.messages = handle
	a.events.Emit(s.userID, EventChannelStatus, channelStatusPayload{Topic: messagesTopic, Status: handle.State().String()})
}

// rejoinMessages replaces a messages handle whose channel was lost while
// streams are still attached.
func (s *Session) rejoinMessages(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams == 0 {
		return
	}
	if s.messages != nil {
		if s.messages.State() != realtime.StateIdle {
			return
		}
		s.messages.Close()
		s.messages = nil
	}
	s.joinMessagesLocked(ctx)
}

func (s *Session) seedPresence(ctx context.Context, tracker *presence.Tracker) {
	rows, err := s.app.store.ListPresence(ctx)
	if err != nil {
		s.logger.Warn("presence seed failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		status, ok := presence.ParseStatus(row.Status)
		if !ok {
			continue
		}
		tracker.ApplyRemote(presence.Record{
			UserID:         row.UserID,
			Status:         status,
			LastSeen:       row.LastSeen.UTC(),
			ConversationID: row.ConversationID,
		})
	}
}

func (s *Session) detach() {
	s.mu.Lock()
	s.streams--
	if s.streams > 0 {
		s.mu.Unlock()
		return
	}
	s.streams = 0
	tracker, handle := s.tracker, s.messages
	s.tracker, s.messages = nil, nil
	s.presenter.setAttached(false)
	s.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
	if tracker != nil {
		tracker.Unload()
		tracker.Stop()
	}
	s.touch()
	s.app.scheduleEviction(s, sessionIdleTTL)
}

func (s *Session) close() {
	s.stopFeed()
	s.mu.Lock()
	if s.evictTimer != nil {
		s.evictTimer.Stop()
		s.evictTimer = nil
	}
	tracker, handle := s.tracker, s.messages
	s.tracker, s.messages = nil, nil
	s.streams = 0
	s.presenter.setAttached(false)
	s.mu.Unlock()
	if handle != nil {
		handle.Close()
	}
	if tracker != nil {
		tracker.Stop()
	}
	s.notify.Close()
}

func (s *Session) activeTracker() (*presence.Tracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker == nil {
		return nil, ErrPresenceInactive
	}
	return s.tracker, nil
}

// UpdatePresence sets the local user's status.
func (s *Session) UpdatePresence(status presence.Status, conversationID string) (PresenceView, error) {
	tracker, err := s.activeTracker()
	if err != nil {
		return PresenceView{}, err
	}
	return s.viewOf(tracker.UpdatePresence(status, conversationID)), nil
}

// SetTyping marks the local user as typing, or stops typing.
func (s *Session) SetTyping(isTyping bool, conversationID string) error {
	tracker, err := s.activeTracker()
	if err != nil {
		return err
	}
	tracker.SetTypingStatus(isTyping, conversationID)
	return nil
}

// SetHidden reflects page visibility into presence and toast routing.
func (s *Session) SetHidden(hidden bool) error {
	s.presenter.setHidden(hidden)
	tracker, err := s.activeTracker()
	if err != nil {
		return err
	}
	tracker.SetHidden(hidden)
	return nil
}

// SetFocused reflects window focus into presence and toast routing.
func (s *Session) SetFocused(focused bool) error {
	s.presenter.setBlurred(!focused)
	tracker, err := s.activeTracker()
	if err != nil {
		return err
	}
	if focused {
		tracker.Focus()
	} else {
		tracker.Blur()
	}
	return nil
}

// Presence returns the effective presence of userID as this session sees it.
func (s *Session) Presence(ctx context.Context, userID string) (PresenceView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PresenceView{}, ErrMissingUserID
	}
	if tracker, err := s.activeTracker(); err == nil {
		if record, ok := tracker.Record(userID); ok {
			return s.viewOf(record), nil
		}
	}
	rows, err := s.app.store.ListPresence(ctx, userID)
	if err != nil {
		return PresenceView{}, err
	}
	for _, row := range rows {
		status, ok := presence.ParseStatus(row.Status)
		if !ok {
			break
		}
		return s.viewOf(presence.Record{
			UserID:         row.UserID,
			Status:         status,
			LastSeen:       row.LastSeen.UTC(),
			ConversationID: row.ConversationID,
		}), nil
	}
	return PresenceView{UserID: userID, Status: presence.StatusOffline}, nil
}

// OnlineUsers lists the users currently online or typing.
func (s *Session) OnlineUsers() []string {
	tracker, err := s.activeTracker()
	if err != nil {
		return []string{}
	}
	online := tracker.OnlineUsers()
	if online == nil {
		return []string{}
	}
	return online
}

func (s *Session) viewOf(record presence.Record) PresenceView {
	view := PresenceView{
		UserID: record.UserID,
		Status: presence.EffectiveStatus(record, s.app.clock.Now(), s.app.settings.Presence.StaleAfter),
	}
	if !record.LastSeen.IsZero() {
		lastSeen := record.LastSeen
		view.LastSeen = &lastSeen
	}
	if view.Status == presence.StatusTyping {
		view.ConversationID = record.ConversationID
	}
	return view
}

// UnreadCounts returns the unread inbound message counts.
func (s *Session) UnreadCounts(ctx context.Context) (unread.Counts, error) {
	return s.unread.Counts(ctx)
}

// MarkConversationRead marks the conversation with correspondentID read in the
// store and in the notification log.
func (s *Session) MarkConversationRead(ctx context.Context, correspondentID string) (int, error) {
	updated, err := s.unread.MarkConversationRead(ctx, correspondentID)
	if err != nil {
		return 0, err
	}
	s.notify.MarkConversationAsRead(ctx, strings.TrimSpace(correspondentID))
	s.emitUnread(ctx)
	return updated, nil
}

// SetPermission records the browser's answer to the notification permission prompt.
func (s *Session) SetPermission(ctx context.Context, permission notify.Permission) error {
	return s.system.SetPermission(ctx, permission)
}

func (s *Session) Permission() notify.Permission {
	return s.system.Permission()
}

// ClickSystemNotification reports a click on a shown system notification.
func (s *Session) ClickSystemNotification(id string) bool {
	return s.system.Click(strings.TrimSpace(id))
}

// Gesture unlocks sound playback after a user interaction.
func (s *Session) Gesture(ctx context.Context) {
	s.sound.Gesture(ctx)
}

func (s *Session) handleMessage(ctx context.Context, changeType realtime.ChangeType, message store.Message) {
	s.unread.Invalidate(message.SenderID)
	s.emitUnread(ctx)
	if changeType != realtime.ChangeInsert {
		return
	}
	s.app.events.Emit(s.userID, EventMessage, message)

	profile, found, err := s.app.users.Lookup(ctx, message.SenderID)
	if err != nil || !found {
		s.logger.Warn("message sender profile missing",
			zap.String("sender_id", message.SenderID),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}
	_, err = s.notify.AddMessageNotification(ctx,
		notify.MessageInfo{ID: message.ID, Content: message.Content},
		notify.SenderInfo{UserID: profile.UserID, DisplayName: profile.DisplayName, AvatarURL: profile.AvatarURL})
	if err != nil {
		s.logger.Warn("message notification failed", zap.String("message_id", message.ID), zap.Error(err))
	}
}

func (s *Session) emitUnread(ctx context.Context) {
	counts, err := s.unread.Counts(ctx)
	if err != nil {
		s.logger.Warn("unread counts unavailable", zap.Error(err))
		return
	}
	s.app.events.Emit(s.userID, EventUnread, counts)
}
