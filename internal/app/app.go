// Package app wires the realtime sync components into per-user sessions and
// routes inbound changes to them.
package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/config"
	"github.com/MarcoPoloResearchLab/pulse/internal/kv"
	"github.com/MarcoPoloResearchLab/pulse/internal/querycache"
	"github.com/MarcoPoloResearchLab/pulse/internal/realtime"
	"github.com/MarcoPoloResearchLab/pulse/internal/sound"
	"github.com/MarcoPoloResearchLab/pulse/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/internal/users"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	messagesTopic          = "messages"
	inboundTimeout         = 10 * time.Second
	defaultConversationCap = 200
	sessionIdleTTL         = 5 * time.Minute
)

var (
	ErrAppClosed         = errors.New("app: closed")
	ErrMissingUserID     = errors.New("app: user id is required")
	ErrEmptyMessage      = errors.New("app: message content is required")
	ErrSelfMessage       = errors.New("app: cannot message yourself")
	errMissingDatabase   = errors.New("app: database handle is required")
	errMissingProvider   = errors.New("app: realtime provider is required")
	errMissingEventsSink = errors.New("app: events sink is required")
)

// Config describes the dependencies of an App. Publisher is optional and
// receives the change events of rows the backend writes itself.
type Config struct {
	Database  *gorm.DB
	Settings  config.AppConfig
	Provider  realtime.Provider
	Publisher realtime.Publisher
	Events    Events
	Clock     clockwork.Clock
	Location  *time.Location
	Logger    *zap.Logger
}

// App owns the shared services and the sessions of connected users.
type App struct {
	settings config.AppConfig
	provider realtime.Provider
	events   Events
	clock    clockwork.Clock
	location *time.Location
	logger   *zap.Logger

	store    *store.Store
	users    *users.Service
	kv       *kv.GormStore
	sounds   *sound.Library
	cache    *querycache.Cache
	messages *realtime.Coordinator

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func New(cfg Config) (*App, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	if cfg.Events == nil {
		return nil, errMissingEventsSink
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	messageStore, err := store.New(store.Config{
		Database:   cfg.Database,
		Clock:      clock.Now,
		IDProvider: store.NewUUIDProvider(),
		Publisher:  cfg.Publisher,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: cfg.Database, Clock: clock.Now, Logger: logger})
	if err != nil {
		return nil, err
	}
	kvStore, err := kv.NewGormStore(kv.GormStoreConfig{Database: cfg.Database, Clock: clock.Now})
	if err != nil {
		return nil, err
	}
	library, err := sound.NewLibrary(sound.LibraryConfig{
		Database:       cfg.Database,
		MaxUploadBytes: cfg.Settings.Sound.MaxUploadBytes,
		Clock:          clock.Now,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	application := &App{
		settings: cfg.Settings,
		provider: cfg.Provider,
		events:   cfg.Events,
		clock:    clock,
		location: location,
		logger:   logger,
		store:    messageStore,
		users:    userService,
		kv:       kvStore,
		sounds:   library,
		cache: querycache.New(querycache.Config{
			Size:   cfg.Settings.Cache.Size,
			TTL:    cfg.Settings.Cache.TTL,
			Logger: logger,
		}),
		sessions: make(map[string]*Session),
	}
	coordinator, err := realtime.NewCoordinator(realtime.CoordinatorConfig{
		Provider:         cfg.Provider,
		Topic:            application.messagesTopic(),
		SubscribeTimeout: cfg.Settings.Realtime.SubscribeTimeout,
		TeardownDebounce: cfg.Settings.Realtime.TeardownDebounce,
		Clock:            clock,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	application.messages = coordinator
	return application, nil
}

// Users exposes identity resolution for request authentication.
func (a *App) Users() *users.Service {
	return a.users
}

// Sounds exposes the custom sound library.
func (a *App) Sounds() *sound.Library {
	return a.sounds
}

// Session returns the session of userID, creating it on first use.
func (a *App) Session(ctx context.Context, userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUserID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrAppClosed
	}
	if session, ok := a.sessions[userID]; ok {
		session.touch()
		return session, nil
	}
	session, err := newSession(ctx, a, userID)
	if err != nil {
		return nil, err
	}
	session.touch()
	a.sessions[userID] = session
	a.scheduleEviction(session, sessionIdleTTL)
	return session, nil
}

// scheduleEviction checks session for idleness after the given delay.
func (a *App) scheduleEviction(session *Session, after time.Duration) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.evictTimer != nil {
		session.evictTimer.Stop()
	}
	session.evictTimer = a.clock.AfterFunc(after, func() {
		a.evictIdle(session)
	})
}

// evictIdle closes session once it has no attached stream and has not been
// used for sessionIdleTTL. Its notification log stays in the durable store.
func (a *App) evictIdle(session *Session) {
	a.mu.Lock()
	if current, ok := a.sessions[session.userID]; a.closed || !ok || current != session {
		a.mu.Unlock()
		return
	}
	session.mu.Lock()
	streams := session.streams
	session.mu.Unlock()
	if streams > 0 {
		a.mu.Unlock()
		return
	}
	if idle := session.idleFor(); idle < sessionIdleTTL {
		a.mu.Unlock()
		a.scheduleEviction(session, sessionIdleTTL-idle)
		return
	}
	delete(a.sessions, session.userID)
	a.mu.Unlock()

	session.close()
	a.logger.Debug("idle session evicted", zap.String("user_id", session.userID))
}

func (a *App) lookupSession(userID string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	session, ok := a.sessions[userID]
	return session, ok
}

// SendMessage stores a message from senderID to recipientID. The recipient
// learns about it through the messages channel.
func (a *App) SendMessage(ctx context.Context, senderID, recipientID, content string) (store.Message, error) {
	senderID = strings.TrimSpace(senderID)
	recipientID = strings.TrimSpace(recipientID)
	if senderID == "" || recipientID == "" {
		return store.Message{}, ErrMissingUserID
	}
	if senderID == recipientID {
		return store.Message{}, ErrSelfMessage
	}
	if strings.TrimSpace(content) == "" {
		return store.Message{}, ErrEmptyMessage
	}
	message, err := a.store.InsertMessage(ctx, senderID, recipientID, content)
	if err != nil {
		return store.Message{}, err
	}
	a.cache.Invalidate(querycache.ConversationKey(senderID, recipientID))
	a.events.Emit(senderID, EventMessage, message)
	return message, nil
}

// Conversation returns the latest messages between viewerID and
// correspondentID, oldest first.
func (a *App) Conversation(ctx context.Context, viewerID, correspondentID string) ([]store.Message, error) {
	viewerID = strings.TrimSpace(viewerID)
	correspondentID = strings.TrimSpace(correspondentID)
	if viewerID == "" || correspondentID == "" {
		return nil, ErrMissingUserID
	}
	return querycache.Fetch(ctx, a.cache, querycache.ConversationKey(viewerID, correspondentID),
		func(ctx context.Context) ([]store.Message, error) {
			return a.store.Conversation(ctx, viewerID, correspondentID, defaultConversationCap)
		})
}

// Close stops every session and the messages channels.
func (a *App) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	sessions := make([]*Session, 0, len(a.sessions))
	for _, session := range a.sessions {
		sessions = append(sessions, session)
	}
	a.sessions = make(map[string]*Session)
	a.mu.Unlock()

	for _, session := range sessions {
		session.close()
	}
	a.messages.Close()
}

func (a *App) messagesTopic() realtime.Topic {
	return realtime.Topic{
		Name: messagesTopic,
		Filters: func(ownerID string) []realtime.EventFilter {
			filter := realtime.RowEquals("recipient_id", ownerID)
			return []realtime.EventFilter{
				{Event: realtime.ChangeInsert, Schema: realtime.DefaultSchema, Table: store.MessagesTable, Filter: filter},
				{Event: realtime.ChangeUpdate, Schema: realtime.DefaultSchema, Table: store.MessagesTable, Filter: filter},
			}
		},
		Handler: a.handleMessage,
		OnLost:  a.messagesLost,
	}
}

// messagesLost reports a dropped messages channel to the owner's streams and
// joins a fresh one. The rejoin leaves the provider's callback goroutine so a
// provider that delivers join replies on that goroutine is not blocked.
func (a *App) messagesLost(ownerID string, status realtime.Status, err error) {
	session, ok := a.lookupSession(ownerID)
	if !ok {
		return
	}
	payload := channelStatusPayload{Topic: messagesTopic, Status: string(status)}
	if err != nil {
		payload.Error = err.Error()
	}
	a.events.Emit(ownerID, EventChannelStatus, payload)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
		defer cancel()
		session.rejoinMessages(ctx)
	}()
}

func (a *App) handleMessage(ownerID string, event realtime.Event) {
	var message store.Message
	if err := event.Decode(&message); err != nil {
		a.logger.Warn("malformed message event dropped", zap.String("owner_id", ownerID), zap.Error(err))
		return
	}
	if message.RecipientID != ownerID || strings.TrimSpace(message.SenderID) == "" {
		a.logger.Warn("message event for another recipient dropped",
			zap.String("owner_id", ownerID),
			zap.String("recipient_id", message.RecipientID))
		return
	}
	session, ok := a.lookupSession(ownerID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
	defer cancel()
	session.handleMessage(ctx, event.Type, message)
}
