package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testOwnerID     = "user-1"
	eventuallyWait  = time.Second
	eventuallyPoll  = 5 * time.Millisecond
	testMessagesTbl = "messages"
)

type fakeProvider struct {
	mu      sync.Mutex
	autoAck Status
	opened  []*fakeChannel
	closed  []string
}

type fakeChannel struct {
	name       string
	provider   *fakeProvider
	mu         sync.Mutex
	filters    []EventFilter
	callback   StatusCallback
	subscribed chan struct{}
}

func (p *fakeProvider) OpenChannel(name string) Channel {
	channel := &fakeChannel{name: name, provider: p, subscribed: make(chan struct{})}
	p.mu.Lock()
	p.opened = append(p.opened, channel)
	p.mu.Unlock()
	return channel
}

func (p *fakeProvider) CloseChannel(channel Channel) error {
	p.mu.Lock()
	p.closed = append(p.closed, channel.Name())
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) openedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opened)
}

func (p *fakeProvider) closedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.closed)
}

func (p *fakeProvider) channel(index int) *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened[index]
}

func (c *fakeChannel) Name() string {
	return c.name
}

func (c *fakeChannel) On(filter EventFilter, handler EventHandler) {
	c.mu.Lock()
	c.filters = append(c.filters, filter)
	c.mu.Unlock()
}

func (c *fakeChannel) Subscribe(callback StatusCallback) {
	c.mu.Lock()
	c.callback = callback
	c.mu.Unlock()
	close(c.subscribed)
	if c.provider.autoAck != "" {
		callback(c.provider.autoAck, nil)
	}
}

func (c *fakeChannel) ack(status Status) {
	<-c.subscribed
	c.mu.Lock()
	callback := c.callback
	c.mu.Unlock()
	callback(status, nil)
}

func messageTopic(handler func(string, Event)) Topic {
	return Topic{
		Name: testMessagesTbl,
		Filters: func(ownerID string) []EventFilter {
			return []EventFilter{{
				Event:  ChangeInsert,
				Schema: DefaultSchema,
				Table:  testMessagesTbl,
				Filter: RowEquals("recipient_id", ownerID),
			}}
		},
		Handler: handler,
	}
}

func newTestCoordinator(t *testing.T, provider Provider, clock clockwork.Clock) *Coordinator {
	t.Helper()
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Provider: provider,
		Topic:    messageTopic(nil),
		Clock:    clock,
	})
	require.NoError(t, err)
	t.Cleanup(coordinator.Close)
	return coordinator
}

func TestCoordinatorSingleFlightSharesPendingCreation(t *testing.T) {
	provider := &fakeProvider{}
	coordinator := newTestCoordinator(t, provider, clockwork.NewFakeClock())

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coordinator.Subscribe(context.Background(), testOwnerID)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		return coordinator.SubscriberCount(testOwnerID) == callers
	}, eventuallyWait, eventuallyPoll)
	require.Equal(t, 1, provider.openedCount())
	require.Equal(t, StateSubscribing, coordinator.State(testOwnerID))

	provider.channel(0).ack(StatusSubscribed)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, provider.openedCount())
	require.Equal(t, callers, coordinator.SubscriberCount(testOwnerID))
	require.Equal(t, StateActive, coordinator.State(testOwnerID))
	require.Len(t, provider.channel(0).filters, 1)
	require.Equal(t, RowEquals("recipient_id", testOwnerID), provider.channel(0).filters[0].Filter)
}

func TestCoordinatorReusesChannelWithinDebounceWindow(t *testing.T) {
	provider := &fakeProvider{autoAck: StatusSubscribed}
	clock := clockwork.NewFakeClock()
	coordinator := newTestCoordinator(t, provider, clock)

	first, err := coordinator.Subscribe(context.Background(), testOwnerID)
	require.NoError(t, err)
	first.Close()
	require.Equal(t, 0, coordinator.SubscriberCount(testOwnerID))
	require.Equal(t, StateActive, coordinator.State(testOwnerID))

	clock.Advance(500 * time.Millisecond)
	second, err := coordinator.Subscribe(context.Background(), testOwnerID)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	require.Never(t, func() bool {
		return provider.closedCount() > 0
	}, 50*time.Millisecond, eventuallyPoll)
	require.Equal(t, 1, provider.openedCount())
	require.Equal(t, StateActive, second.State())

	second.Close()
	second.Close()
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return provider.closedCount() == 1
	}, eventuallyWait, eventuallyPoll)
	require.Eventually(t, func() bool {
		return coordinator.State(testOwnerID) == StateIdle
	}, eventuallyWait, eventuallyPoll)
}

func TestCoordinatorRemountStormKeepsSingleChannel(t *testing.T) {
	broker := NewBroker()
	clock := clockwork.NewFakeClock()
	coordinator := newTestCoordinator(t, broker, clock)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cycle := 0; cycle < 10; cycle++ {
				handle, err := coordinator.Subscribe(context.Background(), testOwnerID)
				if err != nil {
					t.Errorf("unexpected subscribe error: %v", err)
					return
				}
				handle.Close()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), broker.OpenedChannels())
	require.Equal(t, 1, broker.ActiveChannels())
	require.Equal(t, 0, coordinator.SubscriberCount(testOwnerID))

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return broker.ActiveChannels() == 0
	}, eventuallyWait, eventuallyPoll)
}

func TestCoordinatorSubscribeTimeoutCleansUp(t *testing.T) {
	provider := &fakeProvider{}
	clock := clockwork.NewFakeClock()
	coordinator := newTestCoordinator(t, provider, clock)

	errCh := make(chan error, 1)
	go func() {
		_, err := coordinator.Subscribe(context.Background(), testOwnerID)
		errCh <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), eventuallyWait)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrSubscribeTimeout)
	case <-time.After(eventuallyWait):
		t.Fatal("expected subscribe to time out")
	}
	require.Equal(t, 1, provider.closedCount())
	require.Equal(t, StateIdle, coordinator.State(testOwnerID))
	require.Equal(t, 0, coordinator.SubscriberCount(testOwnerID))
}

func TestCoordinatorFailureSurfacesOnlyToInitiator(t *testing.T) {
	provider := &fakeProvider{}
	coordinator := newTestCoordinator(t, provider, clockwork.NewFakeClock())

	initiatorErr := make(chan error, 1)
	go func() {
		_, err := coordinator.Subscribe(context.Background(), testOwnerID)
		initiatorErr <- err
	}()
	require.Eventually(t, func() bool {
		return provider.openedCount() == 1
	}, eventuallyWait, eventuallyPoll)

	type attachedResult struct {
		handle *Handle
		err    error
	}
	attached := make(chan attachedResult, 1)
	go func() {
		handle, err := coordinator.Subscribe(context.Background(), testOwnerID)
		attached <- attachedResult{handle: handle, err: err}
	}()
	require.Eventually(t, func() bool {
		return coordinator.SubscriberCount(testOwnerID) == 2
	}, eventuallyWait, eventuallyPoll)

	provider.channel(0).ack(StatusChannelError)

	require.ErrorIs(t, <-initiatorErr, ErrChannelFailed)
	result := <-attached
	require.NoError(t, result.err)
	require.Equal(t, StateIdle, result.handle.State())
	result.handle.Close()

	require.Equal(t, 1, provider.closedCount())
	require.Equal(t, StateIdle, coordinator.State(testOwnerID))
}

func TestCoordinatorUnsubscribeDuringCreationTearsDownOnResolve(t *testing.T) {
	provider := &fakeProvider{}
	coordinator := newTestCoordinator(t, provider, clockwork.NewFakeClock())

	errCh := make(chan error, 1)
	go func() {
		_, err := coordinator.Subscribe(context.Background(), testOwnerID)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return provider.openedCount() == 1
	}, eventuallyWait, eventuallyPoll)

	coordinator.Unsubscribe(testOwnerID)
	coordinator.Unsubscribe(testOwnerID)
	provider.channel(0).ack(StatusSubscribed)

	require.NoError(t, <-errCh)
	require.Equal(t, 1, provider.closedCount())
	require.Equal(t, StateIdle, coordinator.State(testOwnerID))
}

func TestCoordinatorForwardsEventsToTopicHandler(t *testing.T) {
	broker := NewBroker()
	received := make(chan string, 4)
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Provider: broker,
		Topic: messageTopic(func(ownerID string, event Event) {
			received <- ownerID
		}),
		Clock: clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	defer coordinator.Close()

	handle, err := coordinator.Subscribe(context.Background(), testOwnerID)
	require.NoError(t, err)
	defer handle.Close()

	broker.Publish(Event{
		Type:   ChangeInsert,
		Schema: DefaultSchema,
		Table:  testMessagesTbl,
		Record: json.RawMessage(`{"recipient_id":"user-2"}`),
	})
	broker.Publish(Event{
		Type:   ChangeInsert,
		Schema: DefaultSchema,
		Table:  testMessagesTbl,
		Record: json.RawMessage(`{"recipient_id":"user-1"}`),
	})

	require.Len(t, received, 1)
	require.Equal(t, testOwnerID, <-received)
}

func TestCoordinatorCloseTearsDownActiveChannels(t *testing.T) {
	broker := NewBroker()
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Provider: broker,
		Topic:    messageTopic(nil),
		Clock:    clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	_, err = coordinator.Subscribe(context.Background(), "user-a")
	require.NoError(t, err)
	_, err = coordinator.Subscribe(context.Background(), "user-b")
	require.NoError(t, err)
	require.Equal(t, 2, broker.ActiveChannels())

	coordinator.Close()
	require.Equal(t, 0, broker.ActiveChannels())

	_, err = coordinator.Subscribe(context.Background(), "user-a")
	require.ErrorIs(t, err, ErrCoordinatorClosed)
}

func TestCoordinatorRejectsEmptyOwner(t *testing.T) {
	coordinator := newTestCoordinator(t, NewBroker(), clockwork.NewFakeClock())
	_, err := coordinator.Subscribe(context.Background(), "  ")
	require.ErrorIs(t, err, ErrMissingOwnerID)
}

func TestCoordinatorDropsChannelLostAfterActivation(t *testing.T) {
	provider := &fakeProvider{autoAck: StatusSubscribed}
	lost := make(chan Status, 1)
	topic := messageTopic(nil)
	topic.OnLost = func(ownerID string, status Status, err error) {
		require.Equal(t, testOwnerID, ownerID)
		lost <- status
	}
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Provider: provider,
		Topic:    topic,
		Clock:    clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	defer coordinator.Close()

	first, err := coordinator.Subscribe(context.Background(), testOwnerID)
	require.NoError(t, err)
	require.Equal(t, StateActive, first.State())

	provider.channel(0).ack(StatusChannelError)

	require.Equal(t, StatusChannelError, <-lost)
	require.Equal(t, 1, provider.closedCount())
	require.Equal(t, StateIdle, first.State())
	require.Equal(t, StateIdle, coordinator.State(testOwnerID))
	require.Equal(t, 0, coordinator.SubscriberCount(testOwnerID))

	second, err := coordinator.Subscribe(context.Background(), testOwnerID)
	require.NoError(t, err)
	require.Equal(t, 2, provider.openedCount())
	require.Equal(t, StateActive, second.State())

	first.Close()
	require.Equal(t, 1, coordinator.SubscriberCount(testOwnerID))
	require.Equal(t, StateActive, second.State())
}

func TestCoordinatorRoutineTeardownLogsNoWarning(t *testing.T) {
	broker := NewBroker()
	clock := clockwork.NewFakeClock()
	core, logs := observer.New(zapcore.WarnLevel)
	lost := make(chan Status, 1)
	topic := messageTopic(nil)
	topic.OnLost = func(_ string, status Status, _ error) { lost <- status }
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Provider: broker,
		Topic:    topic,
		Clock:    clock,
		Logger:   zap.New(core),
	})
	require.NoError(t, err)
	defer coordinator.Close()

	handle, err := coordinator.Subscribe(context.Background(), testOwnerID)
	require.NoError(t, err)
	handle.Close()
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		return broker.ActiveChannels() == 0 && coordinator.State(testOwnerID) == StateIdle
	}, eventuallyWait, eventuallyPoll)
	require.Zero(t, logs.Len())
	require.Empty(t, lost)
}
