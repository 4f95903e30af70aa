package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/config"
	"github.com/MarcoPoloResearchLab/pulse/internal/database"
	"github.com/MarcoPoloResearchLab/pulse/internal/notify"
	"github.com/MarcoPoloResearchLab/pulse/internal/presence"
	"github.com/MarcoPoloResearchLab/pulse/internal/realtime"
	"github.com/MarcoPoloResearchLab/pulse/internal/unread"
	"github.com/MarcoPoloResearchLab/pulse/internal/users"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const eventually = 2 * time.Second

type recordedEvent struct {
	userID    string
	eventType string
	payload   any
}

type recordingEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEvents) Emit(userID, eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{userID: userID, eventType: eventType, payload: payload})
}

func (r *recordingEvents) of(userID, eventType string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var payloads []any
	for _, event := range r.events {
		if event.userID == userID && event.eventType == eventType {
			payloads = append(payloads, event.payload)
		}
	}
	return payloads
}

// capturingBroker records the messages channels it opens.
type capturingBroker struct {
	*realtime.Broker
	mu       sync.Mutex
	messages []realtime.Channel
}

func (b *capturingBroker) OpenChannel(name string) realtime.Channel {
	channel := b.Broker.OpenChannel(name)
	if strings.HasPrefix(name, messagesTopic+"-") {
		b.mu.Lock()
		b.messages = append(b.messages, channel)
		b.mu.Unlock()
	}
	return channel
}

func (b *capturingBroker) messagesOpened() []realtime.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]realtime.Channel(nil), b.messages...)
}

type appFixture struct {
	app    *App
	db     *gorm.DB
	broker *capturingBroker
	events *recordingEvents
	clock  *clockwork.FakeClock
}

func testSettings() config.AppConfig {
	return config.AppConfig{
		Realtime: config.RealtimeConfig{SubscribeTimeout: time.Second, TeardownDebounce: time.Second},
		Presence: config.PresenceConfig{
			HeartbeatInterval: 20 * time.Second,
			StaleAfter:        time.Minute,
			TypingReset:       3 * time.Second,
		},
		Notifications: config.NotificationsConfig{MaxItems: 100, SystemDismissAfter: 5 * time.Second},
		Sound:         config.SoundConfig{Enabled: true, DefaultProfile: "chime"},
	}
}

func newAppFixture(t *testing.T) *appFixture {
	t.Helper()
	db, err := database.OpenSQLite("file::memory:", nil)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	for _, identity := range []users.Identity{
		{Provider: "default", Subject: "alice", UserID: "alice", DisplayName: "Alice", AvatarURL: "https://avatars.test/alice.png"},
		{Provider: "default", Subject: "bob", UserID: "bob", DisplayName: "Bob"},
	} {
		require.NoError(t, db.Create(&identity).Error)
	}

	broker := &capturingBroker{Broker: realtime.NewBroker()}
	events := &recordingEvents{}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	application, err := New(Config{
		Database:  db,
		Settings:  testSettings(),
		Provider:  broker,
		Publisher: broker,
		Events:    events,
		Clock:     clock,
		Location:  time.UTC,
	})
	require.NoError(t, err)
	t.Cleanup(application.Close)
	return &appFixture{app: application, db: db, broker: broker, events: events, clock: clock}
}

func (f *appFixture) attach(t *testing.T, userID string) (*Session, func()) {
	t.Helper()
	session, err := f.app.Session(context.Background(), userID)
	require.NoError(t, err)
	detach := session.Attach(context.Background())
	t.Cleanup(detach)
	return session, detach
}

func (f *appFixture) latestSnapshot(userID string) (NotificationsSnapshot, bool) {
	payloads := f.events.of(userID, EventNotifications)
	if len(payloads) == 0 {
		return NotificationsSnapshot{}, false
	}
	snapshot, ok := payloads[len(payloads)-1].(NotificationsSnapshot)
	return snapshot, ok
}

func TestInboundMessageNotifiesAttachedRecipient(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()
	bob, _ := fixture.attach(t, "bob")
	bob.Gesture(ctx)
	require.Len(t, fixture.events.of("bob", EventSoundUnlocked), 1)

	message, err := fixture.app.SendMessage(ctx, "alice", "bob", "hello bob")
	require.NoError(t, err)
	require.Len(t, fixture.events.of("alice", EventMessage), 1)
	require.Len(t, fixture.events.of("bob", EventMessage), 1)

	unreadEvents := fixture.events.of("bob", EventUnread)
	require.NotEmpty(t, unreadEvents)
	counts, err := bob.UnreadCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Total)
	require.Equal(t, 1, counts.ByCorrespondent["alice"])

	list := bob.Notifications().List()
	require.Len(t, list, 1)
	require.Equal(t, "New message from Alice", list[0].Title)
	require.Equal(t, "hello bob", list[0].Body)
	require.Equal(t, "alice", list[0].ConversationID)
	require.Equal(t, "https://avatars.test/alice.png", list[0].Avatar)

	toasts := fixture.events.of("bob", EventToast)
	require.Len(t, toasts, 1)
	require.Equal(t, list[0].ID, toasts[0].(notify.Notification).ID)
	sounds := fixture.events.of("bob", EventSound)
	require.Len(t, sounds, 1)
	require.Equal(t, "chime", sounds[0].(soundPayload).SoundID)

	require.Eventually(t, func() bool {
		snapshot, ok := fixture.latestSnapshot("bob")
		return ok && snapshot.UnreadCount == 1 && len(snapshot.Notifications) == 1
	}, eventually, 10*time.Millisecond)

	conversation, err := fixture.app.Conversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, conversation, 1)
	require.Equal(t, message.ID, conversation[0].ID)
}

func TestMessageToDetachedRecipientOnlyCountsUnread(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()

	_, err := fixture.app.SendMessage(ctx, "alice", "bob", "are you there?")
	require.NoError(t, err)
	require.Empty(t, fixture.events.of("bob", EventMessage))

	bob, err := fixture.app.Session(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, bob.Notifications().List())
	counts, err := bob.UnreadCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Total)
}

func TestMarkConversationReadClearsCountsAndNotifications(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()
	bob, _ := fixture.attach(t, "bob")

	for _, content := range []string{"one", "two"} {
		_, err := fixture.app.SendMessage(ctx, "alice", "bob", content)
		require.NoError(t, err)
	}
	require.Equal(t, 2, bob.Notifications().UnreadCount())

	updated, err := bob.MarkConversationRead(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, updated)

	counts, err := bob.UnreadCounts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts.Total)
	require.Zero(t, bob.Notifications().UnreadCount())

	unreadEvents := fixture.events.of("bob", EventUnread)
	last := unreadEvents[len(unreadEvents)-1]
	require.Zero(t, last.(unread.Counts).Total)
}

func TestMissingSenderProfileSkipsNotification(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()
	bob, _ := fixture.attach(t, "bob")

	_, err := fixture.app.SendMessage(ctx, "mallory", "bob", "hi")
	require.NoError(t, err)
	require.Empty(t, bob.Notifications().List())
	counts, err := bob.UnreadCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.ByCorrespondent["mallory"])
}

func TestHiddenPageRoutesToSystemNotification(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()
	bob, _ := fixture.attach(t, "bob")
	require.NoError(t, bob.SetHidden(true))

	_, err := fixture.app.SendMessage(ctx, "alice", "bob", "first")
	require.NoError(t, err)
	require.Empty(t, fixture.events.of("bob", EventSystemNotification))
	require.Empty(t, fixture.events.of("bob", EventToast))

	require.NoError(t, bob.SetPermission(ctx, notify.PermissionGranted))
	_, err = fixture.app.SendMessage(ctx, "alice", "bob", "second")
	require.NoError(t, err)
	shown := fixture.events.of("bob", EventSystemNotification)
	require.Len(t, shown, 1)
	payload := shown[0].(systemNotificationPayload)
	require.Equal(t, "New message from Alice", payload.Title)

	require.True(t, bob.ClickSystemNotification(payload.ID))
	require.Len(t, fixture.events.of("bob", EventFocus), 1)
	require.Len(t, fixture.events.of("bob", EventSystemClose), 1)
	require.False(t, bob.ClickSystemNotification(payload.ID))
}

func TestPermissionSurvivesSessionRecreation(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()
	bob, err := fixture.app.Session(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, notify.PermissionDefault, bob.Permission())
	require.NoError(t, bob.SetPermission(ctx, notify.PermissionDenied))

	recreated := newStreamSystemNotifier(ctx, "bob", fixture.events, fixture.app.kv, fixture.app.logger)
	require.Equal(t, notify.PermissionDenied, recreated.Permission())
}

func TestPresenceFollowsAttachedStreams(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()
	alice, _ := fixture.attach(t, "alice")

	view, err := alice.Presence(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, presence.StatusOffline, view.Status)

	bob, detachBob := fixture.attach(t, "bob")
	require.Eventually(t, func() bool {
		view, err := alice.Presence(ctx, "bob")
		return err == nil && view.Status == presence.StatusOnline
	}, eventually, 10*time.Millisecond)
	require.Contains(t, alice.OnlineUsers(), "bob")

	require.NoError(t, bob.SetTyping(true, "alice"))
	require.Eventually(t, func() bool {
		view, err := alice.Presence(ctx, "bob")
		return err == nil && view.Status == presence.StatusTyping && view.ConversationID == "alice"
	}, eventually, 10*time.Millisecond)

	detachBob()
	require.Eventually(t, func() bool {
		view, err := alice.Presence(ctx, "bob")
		return err == nil && view.Status == presence.StatusOffline
	}, eventually, 10*time.Millisecond)

	require.ErrorIs(t, bob.SetTyping(true, "alice"), ErrPresenceInactive)
	_, err = bob.UpdatePresence(presence.StatusOnline, "")
	require.ErrorIs(t, err, ErrPresenceInactive)
}

func TestSecondStreamSharesPresence(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()
	bob, detachFirst := fixture.attach(t, "bob")
	_, detachSecond := fixture.attach(t, "bob")

	detachFirst()
	view, err := bob.UpdatePresence(presence.StatusAway, "")
	require.NoError(t, err)
	require.Equal(t, presence.StatusAway, view.Status)

	detachSecond()
	view, err = bob.Presence(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, presence.StatusOffline, view.Status)
}

func TestSendMessageValidation(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()

	_, err := fixture.app.SendMessage(ctx, "alice", "alice", "self")
	require.ErrorIs(t, err, ErrSelfMessage)
	_, err = fixture.app.SendMessage(ctx, "alice", "bob", "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	_, err = fixture.app.SendMessage(ctx, "", "bob", "hi")
	require.ErrorIs(t, err, ErrMissingUserID)

	_, err = fixture.app.Session(ctx, " ")
	require.ErrorIs(t, err, ErrMissingUserID)
}

func TestSessionRejectedAfterClose(t *testing.T) {
	fixture := newAppFixture(t)
	fixture.app.Close()
	_, err := fixture.app.Session(context.Background(), "bob")
	require.ErrorIs(t, err, ErrAppClosed)
}

func TestSoundPreferenceTogglesGenerator(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()
	bob, _ := fixture.attach(t, "bob")
	require.True(t, bob.Sound().Enabled())

	preferences := bob.Notifications().Preferences()
	preferences.SoundEnabled = false
	updated, err := bob.UpdatePreferences(ctx, preferences)
	require.NoError(t, err)
	require.False(t, updated.SoundEnabled)
	require.False(t, bob.Sound().Enabled())

	preferences.SoundEnabled = true
	_, err = bob.UpdatePreferences(ctx, preferences)
	require.NoError(t, err)
	require.True(t, bob.Sound().Enabled())
}

func TestSoundPreferenceIgnoredWhenSoundDisabledInConfig(t *testing.T) {
	fixture := newAppFixture(t)
	fixture.app.settings.Sound.Enabled = false
	ctx := context.Background()
	bob, err := fixture.app.Session(ctx, "bob")
	require.NoError(t, err)
	require.False(t, bob.Sound().Enabled())

	preferences := bob.Notifications().Preferences()
	preferences.SoundEnabled = true
	_, err = bob.UpdatePreferences(ctx, preferences)
	require.NoError(t, err)
	require.False(t, bob.Sound().Enabled())
}

func TestLostMessagesChannelIsRejoined(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()
	bob, _ := fixture.attach(t, "bob")
	opened := fixture.broker.messagesOpened()
	require.Len(t, opened, 1)

	require.NoError(t, fixture.broker.CloseChannel(opened[0]))

	require.Eventually(t, func() bool {
		return len(fixture.broker.messagesOpened()) == 2
	}, eventually, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, payload := range fixture.events.of("bob", EventChannelStatus) {
			if status, ok := payload.(channelStatusPayload); ok && status.Status == string(realtime.StatusClosed) {
				return true
			}
		}
		return false
	}, eventually, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		if _, err := fixture.app.SendMessage(ctx, "alice", "bob", "still there?"); err != nil {
			return false
		}
		return len(bob.Notifications().List()) > 0
	}, eventually, 10*time.Millisecond)
}

func TestIdleSessionEvictedAfterLastDetach(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()
	bob, detach := fixture.attach(t, "bob")
	preferences := bob.Notifications().Preferences()
	preferences.SoundEnabled = false
	_, err := bob.UpdatePreferences(ctx, preferences)
	require.NoError(t, err)

	fixture.clock.Advance(2 * sessionIdleTTL)
	current, ok := fixture.app.lookupSession("bob")
	require.True(t, ok)
	require.Same(t, bob, current)

	detach()
	fixture.clock.Advance(sessionIdleTTL - time.Second)
	_, ok = fixture.app.lookupSession("bob")
	require.True(t, ok)

	fixture.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		_, ok := fixture.app.lookupSession("bob")
		return !ok
	}, eventually, 10*time.Millisecond)

	recreated, err := fixture.app.Session(ctx, "bob")
	require.NoError(t, err)
	require.NotSame(t, bob, recreated)
	require.False(t, recreated.Notifications().Preferences().SoundEnabled)
	require.False(t, recreated.Sound().Enabled())
}

func TestUnattachedSessionEvictedWhenIdle(t *testing.T) {
	fixture := newAppFixture(t)
	ctx := context.Background()
	alice, err := fixture.app.Session(ctx, "alice")
	require.NoError(t, err)

	fixture.clock.Advance(sessionIdleTTL / 2)
	again, err := fixture.app.Session(ctx, "alice")
	require.NoError(t, err)
	require.Same(t, alice, again)

	fixture.clock.Advance(sessionIdleTTL / 2)
	_, ok := fixture.app.lookupSession("alice")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		fixture.clock.Advance(time.Minute)
		_, ok := fixture.app.lookupSession("alice")
		return !ok
	}, eventually, 10*time.Millisecond)
}
