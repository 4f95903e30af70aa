package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/kv"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultMaxItems           = 100
	defaultSystemDismissAfter = 5 * time.Second

	notificationsKeyPrefix = "notifications:"
	preferencesKeyPrefix   = "notification_preferences:"
)

var (
	errMissingOwnerID   = errors.New("notify: owner id is required")
	errMissingStore     = errors.New("notify: key-value store is required")
	errMissingPresenter = errors.New("notify: presenter is required")
)

// IDProvider issues notification identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Preferences are the user's notification settings.
type Preferences struct {
	SoundEnabled  bool       `json:"sound_enabled"`
	SoundID       string     `json:"sound_id"`
	SystemEnabled bool       `json:"system_enabled"`
	QuietHours    QuietHours `json:"quiet_hours"`
}

// Config describes the dependencies of a Dispatcher. Sound and System are
// optional presentation channels.
type Config struct {
	OwnerID            string
	Store              kv.Store
	Presenter          Presenter
	Sound              SoundPlayer
	System             SystemNotifier
	MaxItems           int
	SystemDismissAfter time.Duration
	Defaults           Preferences
	Location           *time.Location
	IDProvider         IDProvider
	Clock              clockwork.Clock
	Logger             *zap.Logger
}

// Dispatcher owns the notification log of one user. Every mutation is
// persisted before listeners observe it.
type Dispatcher struct {
	ownerID            string
	store              kv.Store
	presenter          Presenter
	sound              SoundPlayer
	system             SystemNotifier
	maxItems           int
	systemDismissAfter time.Duration
	location           *time.Location
	idProvider         IDProvider
	clock              clockwork.Clock
	logger             *zap.Logger

	mu            sync.Mutex
	notifications []Notification
	preferences   Preferences
	listeners     map[int64]*listener
	nextListener  int64
	shown         map[string]*shownNotification
	closed        bool
}

type shownNotification struct {
	handle SystemNotification
	timer  clockwork.Timer
}

// NewDispatcher constructs a Dispatcher and reloads the persisted log and preferences.
func NewDispatcher(ctx context.Context, cfg Config) (*Dispatcher, error) {
	ownerID := strings.TrimSpace(cfg.OwnerID)
	if ownerID == "" {
		return nil, errMissingOwnerID
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Presenter == nil {
		return nil, errMissingPresenter
	}
	if cfg.Defaults.QuietHours.Enabled {
		if err := cfg.Defaults.QuietHours.Validate(); err != nil {
			return nil, err
		}
	}
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	dismissAfter := cfg.SystemDismissAfter
	if dismissAfter <= 0 {
		dismissAfter = defaultSystemDismissAfter
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuidProvider{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dispatcher := &Dispatcher{
		ownerID:            ownerID,
		store:              cfg.Store,
		presenter:          cfg.Presenter,
		sound:              cfg.Sound,
		system:             cfg.System,
		maxItems:           maxItems,
		systemDismissAfter: dismissAfter,
		location:           location,
		idProvider:         idProvider,
		clock:              clock,
		logger:             logger.With(zap.String("owner_id", ownerID)),
		preferences:        cfg.Defaults,
		listeners:          make(map[int64]*listener),
		shown:              make(map[string]*shownNotification),
	}
	if err := dispatcher.load(ctx); err != nil {
		return nil, err
	}
	return dispatcher, nil
}

// AddNotification records a new notification, notifies listeners and routes it
// to presentation.
func (d *Dispatcher) AddNotification(ctx context.Context, event Event) (Notification, error) {
	notificationType := event.Type
	if notificationType == "" {
		notificationType = TypeSystem
	}
	id, err := d.idProvider.NewID()
	if err != nil {
		return Notification{}, fmt.Errorf("notify: id generation failed: %w", err)
	}
	notification := Notification{
		ID:             id,
		Type:           notificationType,
		Title:          event.Title,
		Body:           event.Body,
		Avatar:         event.Avatar,
		Timestamp:      d.clock.Now().UTC(),
		ConversationID: event.ConversationID,
		SourceUserID:   event.SourceUserID,
	}

	d.mutate(ctx, func(current []Notification) ([]Notification, bool) {
		next := make([]Notification, 0, min(len(current)+1, d.maxItems))
		next = append(next, notification)
		next = append(next, current...)
		if len(next) > d.maxItems {
			next = next[:d.maxItems]
		}
		return next, true
	})

	d.present(ctx, notification)
	return notification, nil
}

// AddMessageNotification records a notification for an inbound chat message.
func (d *Dispatcher) AddMessageNotification(ctx context.Context, message MessageInfo, sender SenderInfo) (Notification, error) {
	return d.AddNotification(ctx, messageEvent(message, sender))
}

// MarkAsRead marks one notification read. It reports whether anything changed.
func (d *Dispatcher) MarkAsRead(ctx context.Context, id string) bool {
	return d.mutate(ctx, func(current []Notification) ([]Notification, bool) {
		for index, notification := range current {
			if notification.ID != id {
				continue
			}
			if notification.Read {
				return nil, false
			}
			next := cloneNotifications(current)
			next[index].Read = true
			return next, true
		}
		return nil, false
	})
}

// MarkAllAsRead marks every notification read.
func (d *Dispatcher) MarkAllAsRead(ctx context.Context) bool {
	return d.markWhere(ctx, func(Notification) bool { return true }) > 0
}

// MarkConversationAsRead marks the notifications of one conversation read and
// returns how many changed.
func (d *Dispatcher) MarkConversationAsRead(ctx context.Context, conversationID string) int {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0
	}
	return d.markWhere(ctx, func(notification Notification) bool {
		return notification.ConversationID == conversationID
	})
}

// RemoveNotification drops one notification.
func (d *Dispatcher) RemoveNotification(ctx context.Context, id string) bool {
	changed := d.mutate(ctx, func(current []Notification) ([]Notification, bool) {
		for index, notification := range current {
			if notification.ID == id {
				next := make([]Notification, 0, len(current)-1)
				next = append(next, current[:index]...)
				next = append(next, current[index+1:]...)
				return next, true
			}
		}
		return nil, false
	})
	if changed {
		d.closeShown(id)
	}
	return changed
}

// ClearAll empties the log.
func (d *Dispatcher) ClearAll(ctx context.Context) bool {
	return d.mutate(ctx, func(current []Notification) ([]Notification, bool) {
		if len(current) == 0 {
			return nil, false
		}
		return []Notification{}, true
	})
}

// List returns the log, newest first.
func (d *Dispatcher) List() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneNotifications(d.notifications)
}

// UnreadCount returns the number of unread notifications.
func (d *Dispatcher) UnreadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var unread int
	for _, notification := range d.notifications {
		if !notification.Read {
			unread++
		}
	}
	return unread
}

// Preferences returns the current notification settings.
func (d *Dispatcher) Preferences() Preferences {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.preferences
}

// UpdatePreferences validates, persists and applies new settings.
func (d *Dispatcher) UpdatePreferences(ctx context.Context, preferences Preferences) error {
	if preferences.QuietHours.Enabled {
		if err := preferences.QuietHours.Validate(); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(preferences)
	if err != nil {
		return fmt.Errorf("notify: encode preferences: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Set(ctx, preferencesKeyPrefix+d.ownerID, string(payload)); err != nil {
		d.logger.Error("notification preferences persist failed", zap.Error(err))
		return err
	}
	d.preferences = preferences
	return nil
}

// RequestPermission asks the system notifier for permission.
func (d *Dispatcher) RequestPermission(ctx context.Context) (Permission, error) {
	if d.system == nil {
		return PermissionDenied, nil
	}
	return d.system.RequestPermission(ctx)
}

// Subscribe registers a listener that receives a snapshot of the log after
// every change, starting with the current log. Snapshots are delivered in
// order on a dedicated goroutine; a slow listener skips intermediate
// snapshots but always receives the latest.
func (d *Dispatcher) Subscribe(fn func([]Notification)) func() {
	d.mu.Lock()
	if d.closed || fn == nil {
		d.mu.Unlock()
		return func() {}
	}
	d.nextListener++
	id := d.nextListener
	entry := newListener(fn, d.logger)
	d.listeners[id] = entry
	entry.offer(cloneNotifications(d.notifications))
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.listeners, id)
			d.mu.Unlock()
			entry.stop()
		})
	}
}

// Close stops every listener and dismisses shown system notifications.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	listeners := d.listeners
	d.listeners = make(map[int64]*listener)
	shown := d.shown
	d.shown = make(map[string]*shownNotification)
	d.mu.Unlock()

	for _, entry := range listeners {
		entry.stop()
	}
	for _, notification := range shown {
		notification.timer.Stop()
		notification.handle.Close()
	}
}

func (d *Dispatcher) markWhere(ctx context.Context, match func(Notification) bool) int {
	var changed int
	d.mutate(ctx, func(current []Notification) ([]Notification, bool) {
		var next []Notification
		for index, notification := range current {
			if notification.Read || !match(notification) {
				continue
			}
			if next == nil {
				next = cloneNotifications(current)
			}
			next[index].Read = true
			changed++
		}
		return next, changed > 0
	})
	return changed
}

// mutate applies change under the lock, persists the result, then publishes
// it to listeners. Unchanged results skip both steps.
func (d *Dispatcher) mutate(ctx context.Context, change func([]Notification) ([]Notification, bool)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, changed := change(d.notifications)
	if !changed {
		return false
	}
	if err := d.persistLocked(ctx, next); err != nil {
		d.logger.Error("notification log persist failed", zap.Error(err))
	}
	d.notifications = next
	for _, entry := range d.listeners {
		entry.offer(cloneNotifications(next))
	}
	return true
}

func (d *Dispatcher) persistLocked(ctx context.Context, notifications []Notification) error {
	payload, err := json.Marshal(notifications)
	if err != nil {
		return err
	}
	return d.store.Set(ctx, notificationsKeyPrefix+d.ownerID, string(payload))
}

func (d *Dispatcher) load(ctx context.Context) error {
	raw, ok, err := d.store.Get(ctx, notificationsKeyPrefix+d.ownerID)
	if err != nil {
		return fmt.Errorf("notify: load notifications: %w", err)
	}
	if ok && raw != "" {
		var stored []Notification
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			d.logger.Warn("persisted notification log unreadable, starting empty", zap.Error(err))
		} else {
			if len(stored) > d.maxItems {
				stored = stored[:d.maxItems]
			}
			d.notifications = stored
		}
	}

	raw, ok, err = d.store.Get(ctx, preferencesKeyPrefix+d.ownerID)
	if err != nil {
		return fmt.Errorf("notify: load preferences: %w", err)
	}
	if ok && raw != "" {
		var stored Preferences
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			d.logger.Warn("persisted notification preferences unreadable, using defaults", zap.Error(err))
		} else {
			d.preferences = stored
		}
	}
	return nil
}

func (d *Dispatcher) present(ctx context.Context, notification Notification) {
	preferences := d.Preferences()
	if preferences.QuietHours.Contains(d.clock.Now().In(d.location)) {
		d.logger.Debug("notification presentation suppressed by quiet hours",
			zap.String("notification_id", notification.ID))
		return
	}
	if d.presenter.Visible() {
		d.presenter.ShowToast(notification)
		if preferences.SoundEnabled && d.sound != nil {
			d.sound.Play(ctx, preferences.SoundID)
		}
		return
	}
	if !preferences.SystemEnabled || d.system == nil {
		return
	}
	if d.system.Permission() != PermissionGranted {
		return
	}
	d.showSystem(notification)
}

func (d *Dispatcher) showSystem(notification Notification) {
	handle, err := d.system.Show(notification.Title, notification.Body, SystemOptions{
		Tag:  notification.ID,
		Icon: notification.Avatar,
	})
	if err != nil {
		d.logger.Warn("system notification failed",
			zap.String("notification_id", notification.ID),
			zap.Error(err))
		return
	}

	id := notification.ID
	handle.OnClick(func() {
		d.presenter.Focus()
		d.closeShown(id)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		handle.Close()
		return
	}
	d.shown[id] = &shownNotification{
		handle: handle,
		timer: d.clock.AfterFunc(d.systemDismissAfter, func() {
			d.closeShown(id)
		}),
	}
}

func (d *Dispatcher) closeShown(id string) {
	d.mu.Lock()
	shown, ok := d.shown[id]
	if ok {
		delete(d.shown, id)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	shown.timer.Stop()
	shown.handle.Close()
}

func cloneNotifications(notifications []Notification) []Notification {
	if notifications == nil {
		return []Notification{}
	}
	return append([]Notification(nil), notifications...)
}

type uuidProvider struct{}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type listener struct {
	fn      func([]Notification)
	logger  *zap.Logger
	updates chan []Notification
	done    chan struct{}
	once    sync.Once
}

func newListener(fn func([]Notification), logger *zap.Logger) *listener {
	entry := &listener{
		fn:      fn,
		logger:  logger,
		updates: make(chan []Notification, 1),
		done:    make(chan struct{}),
	}
	go entry.run()
	return entry
}

// offer replaces any undelivered snapshot with snapshot. Callers serialize offers.
func (l *listener) offer(snapshot []Notification) {
	for {
		select {
		case l.updates <- snapshot:
			return
		default:
		}
		select {
		case <-l.updates:
		default:
		}
	}
}

func (l *listener) run() {
	for {
		select {
		case <-l.done:
			return
		case snapshot := <-l.updates:
			l.deliver(snapshot)
		}
	}
}

func (l *listener) deliver(snapshot []Notification) {
	defer func() {
		if recovered := recover(); recovered != nil {
			l.logger.Error("notification listener panicked", zap.Any("panic", recovered))
		}
	}()
	l.fn(snapshot)
}

func (l *listener) stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
