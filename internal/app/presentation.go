package app

import (
	"context"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/pulse/internal/kv"
	"github.com/MarcoPoloResearchLab/pulse/internal/notify"
	"github.com/MarcoPoloResearchLab/pulse/internal/sound"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UI event types emitted to a user's streams.
const (
	EventNotifications      = "notifications"
	EventToast              = "toast"
	EventFocus              = "focus"
	EventSystemNotification = "system_notification"
	EventSystemClose        = "system_notification_close"
	EventPermissionRequest  = "permission_request"
	EventSound              = "sound"
	EventSoundUnlocked      = "sound_unlocked"
	EventPresence           = "presence"
	EventUnread             = "unread"
	EventMessage            = "message"
	EventChannelStatus      = "channel_status"
)

const permissionKeyPrefix = "notification_permission:"

// Events delivers UI events to the open streams of a user.
type Events interface {
	Emit(userID, eventType string, payload any)
}

// streamPresenter treats the user's UI as visible while a stream is attached
// and the page is neither hidden nor blurred.
type streamPresenter struct {
	userID string
	events Events

	mu       sync.RWMutex
	attached bool
	hidden   bool
	blurred  bool
}

func (p *streamPresenter) Visible() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.attached && !p.hidden && !p.blurred
}

func (p *streamPresenter) ShowToast(notification notify.Notification) {
	p.events.Emit(p.userID, EventToast, notification)
}

func (p *streamPresenter) Focus() {
	p.events.Emit(p.userID, EventFocus, struct{}{})
}

func (p *streamPresenter) setAttached(attached bool) {
	p.mu.Lock()
	p.attached = attached
	p.mu.Unlock()
}

func (p *streamPresenter) setHidden(hidden bool) {
	p.mu.Lock()
	p.hidden = hidden
	p.mu.Unlock()
}

func (p *streamPresenter) setBlurred(blurred bool) {
	p.mu.Lock()
	p.blurred = blurred
	p.mu.Unlock()
}

type systemNotificationPayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
	Icon  string `json:"icon,omitempty"`
}

// streamSystemNotifier forwards system notifications to the UI, which shows
// them through the browser notification API and reports clicks back.
type streamSystemNotifier struct {
	userID string
	events Events
	store  kv.Store
	logger *zap.Logger

	mu         sync.Mutex
	permission notify.Permission
	shown      map[string]*streamSystemNotification
}

func newStreamSystemNotifier(ctx context.Context, userID string, events Events, store kv.Store, logger *zap.Logger) *streamSystemNotifier {
	notifier := &streamSystemNotifier{
		userID:     userID,
		events:     events,
		store:      store,
		logger:     logger,
		permission: notify.PermissionDefault,
		shown:      make(map[string]*streamSystemNotification),
	}
	raw, ok, err := store.Get(ctx, permissionKeyPrefix+userID)
	if err != nil {
		logger.Warn("notification permission load failed", zap.Error(err))
	} else if ok {
		notifier.permission = notify.ParsePermission(raw)
	}
	return notifier
}

func (n *streamSystemNotifier) Permission() notify.Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

// RequestPermission prompts the UI unless the user already decided. The
// answer arrives later through SetPermission.
func (n *streamSystemNotifier) RequestPermission(context.Context) (notify.Permission, error) {
	current := n.Permission()
	if current == notify.PermissionDefault {
		n.events.Emit(n.userID, EventPermissionRequest, struct{}{})
	}
	return current, nil
}

func (n *streamSystemNotifier) SetPermission(ctx context.Context, permission notify.Permission) error {
	if err := n.store.Set(ctx, permissionKeyPrefix+n.userID, string(permission)); err != nil {
		return err
	}
	n.mu.Lock()
	n.permission = permission
	n.mu.Unlock()
	return nil
}

func (n *streamSystemNotifier) Show(title, body string, options notify.SystemOptions) (notify.SystemNotification, error) {
	id := strings.TrimSpace(options.Tag)
	if id == "" {
		id = uuid.NewString()
	}
	shown := &streamSystemNotification{notifier: n, id: id}
	n.mu.Lock()
	n.shown[id] = shown
	n.mu.Unlock()
	n.events.Emit(n.userID, EventSystemNotification, systemNotificationPayload{
		ID:    id,
		Title: title,
		Body:  body,
		Tag:   options.Tag,
		Icon:  options.Icon,
	})
	return shown, nil
}

// Click runs the click handler of a shown notification and reports whether it
// was still shown.
func (n *streamSystemNotifier) Click(id string) bool {
	n.mu.Lock()
	shown, ok := n.shown[id]
	n.mu.Unlock()
	if !ok {
		return false
	}
	shown.click()
	return true
}

func (n *streamSystemNotifier) forget(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.shown[id]; !ok {
		return false
	}
	delete(n.shown, id)
	return true
}

type streamSystemNotification struct {
	notifier *streamSystemNotifier
	id       string

	mu      sync.Mutex
	onClick func()
}

func (s *streamSystemNotification) OnClick(handler func()) {
	s.mu.Lock()
	s.onClick = handler
	s.mu.Unlock()
}

func (s *streamSystemNotification) Close() {
	if s.notifier.forget(s.id) {
		s.notifier.events.Emit(s.notifier.userID, EventSystemClose, map[string]string{"id": s.id})
	}
}

func (s *streamSystemNotification) click() {
	s.mu.Lock()
	handler := s.onClick
	s.mu.Unlock()
	if handler != nil {
		handler()
	}
}

type soundPayload struct {
	SoundID     string `json:"sound_id"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
	DurationMS  int64  `json:"duration_ms"`
}

// streamOutput asks the UI to play a rendered cue. The UI fetches the clip
// from the render endpoint.
type streamOutput struct {
	userID string
	events Events
}

func (o streamOutput) Resume(context.Context) error {
	o.events.Emit(o.userID, EventSoundUnlocked, struct{}{})
	return nil
}

func (o streamOutput) Play(_ context.Context, clip sound.Clip) error {
	o.events.Emit(o.userID, EventSound, soundPayload{
		SoundID:     clip.SoundID,
		ContentType: clip.ContentType,
		URL:         "/sounds/" + clip.SoundID + "/render",
		DurationMS:  clip.Duration.Milliseconds(),
	})
	return nil
}
