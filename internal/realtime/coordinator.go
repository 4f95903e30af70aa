package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultSubscribeTimeout = 10 * time.Second
	defaultTeardownDebounce = time.Second
)

var (
	// ErrSubscribeTimeout indicates the provider never acknowledged the subscription.
	ErrSubscribeTimeout = errors.New("realtime: subscribe timed out")
	// ErrChannelFailed indicates the provider rejected or closed the channel during subscribe.
	ErrChannelFailed = errors.New("realtime: channel subscribe failed")
	// ErrMissingOwnerID indicates an empty owner identifier.
	ErrMissingOwnerID = errors.New("realtime: owner id is required")
	// ErrCoordinatorClosed indicates the coordinator has been shut down.
	ErrCoordinatorClosed = errors.New("realtime: coordinator closed")

	errMissingProvider = errors.New("realtime: provider is required")
	errMissingTopic    = errors.New("realtime: topic name and filters are required")
)

// State is the lifecycle state of a keyed subscription.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	StateTearingDown
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateTearingDown:
		return "tearing_down"
	default:
		return "idle"
	}
}

// Topic describes the channel a coordinator maintains for each owner.
// OnLost, when set, runs after an active channel failed and was dropped.
type Topic struct {
	Name    string
	Filters func(ownerID string) []EventFilter
	Handler func(ownerID string, event Event)
	OnLost  func(ownerID string, status Status, err error)
}

// CoordinatorConfig describes the dependencies of a Coordinator.
type CoordinatorConfig struct {
	Provider         Provider
	Topic            Topic
	SubscribeTimeout time.Duration
	TeardownDebounce time.Duration
	Clock            clockwork.Clock
	Logger           *zap.Logger
}

// Coordinator keeps at most one live channel per owner key, shared by every
// consumer of that key. Consumers are reference counted; the last release
// schedules teardown after a debounce window so that remounting consumers reuse
// the channel. Concurrent subscribes during creation join the pending creation.
type Coordinator struct {
	provider         Provider
	topic            Topic
	subscribeTimeout time.Duration
	teardownDebounce time.Duration
	clock            clockwork.Clock
	logger           *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]*subscription
	closed        bool
}

type subscription struct {
	key               string
	ownerID           string
	count             int
	state             State
	channel           Channel
	flight            *flight
	teardownOnResolve bool
	teardownTimer     clockwork.Timer
	teardownGen       uint64
}

// flight is the pending channel creation that concurrent subscribers attach to.
type flight struct {
	done chan struct{}
	err  error
}

type statusUpdate struct {
	status Status
	err    error
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	if strings.TrimSpace(cfg.Topic.Name) == "" || cfg.Topic.Filters == nil {
		return nil, errMissingTopic
	}
	subscribeTimeout := cfg.SubscribeTimeout
	if subscribeTimeout <= 0 {
		subscribeTimeout = defaultSubscribeTimeout
	}
	teardownDebounce := cfg.TeardownDebounce
	if teardownDebounce <= 0 {
		teardownDebounce = defaultTeardownDebounce
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		provider:         cfg.Provider,
		topic:            cfg.Topic,
		subscribeTimeout: subscribeTimeout,
		teardownDebounce: teardownDebounce,
		clock:            clock,
		logger:           logger.With(zap.String("topic", cfg.Topic.Name)),
		subscriptions:    make(map[string]*subscription),
	}, nil
}

// Subscribe registers a consumer for ownerID and returns once the shared channel
// is resolved. Only the caller that initiated channel creation receives a
// creation error; callers that attached to a pending creation get a handle
// whose State is Idle when the creation failed and must subscribe again if
// they are still interested.
func (c *Coordinator) Subscribe(ctx context.Context, ownerID string) (*Handle, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrMissingOwnerID
	}
	key := c.channelKey(ownerID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoordinatorClosed
	}
	sub, ok := c.subscriptions[key]
	if !ok {
		sub = &subscription{key: key, ownerID: ownerID, state: StateIdle}
		c.subscriptions[key] = sub
	}
	sub.count++
	c.cancelTeardownLocked(sub)
	handle := &Handle{coordinator: c, ownerID: ownerID, sub: sub}

	switch sub.state {
	case StateActive:
		c.mu.Unlock()
		return handle, nil
	case StateSubscribing:
		sub.teardownOnResolve = false
		pending := sub.flight
		c.mu.Unlock()
		select {
		case <-pending.done:
			return handle, nil
		case <-ctx.Done():
			c.release(sub)
			return nil, ctx.Err()
		}
	default:
		sub.state = StateSubscribing
		sub.flight = &flight{done: make(chan struct{})}
		c.mu.Unlock()
		if err := c.create(ctx, sub); err != nil {
			return nil, err
		}
		return handle, nil
	}
}

// Unsubscribe releases one consumer of ownerID. Releasing the last consumer
// schedules teardown after the debounce window; during creation it marks the
// pending channel for teardown as soon as creation resolves.
func (c *Coordinator) Unsubscribe(ownerID string) {
	key := c.channelKey(strings.TrimSpace(ownerID))

	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subscriptions[key]
	if !ok {
		return
	}
	c.releaseLocked(sub)
}

// release drops one consumer of sub unless sub has already been replaced.
func (c *Coordinator) release(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.subscriptions[sub.key]; !ok || current != sub {
		return
	}
	c.releaseLocked(sub)
}

func (c *Coordinator) releaseLocked(sub *subscription) {
	if sub.count == 0 {
		return
	}
	sub.count--
	if sub.count > 0 {
		return
	}
	switch sub.state {
	case StateSubscribing:
		sub.teardownOnResolve = true
	case StateActive:
		c.scheduleTeardownLocked(sub)
	}
}

// State reports the lifecycle state for ownerID.
func (c *Coordinator) State(ownerID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subscriptions[c.channelKey(ownerID)]
	if !ok {
		return StateIdle
	}
	return sub.state
}

// SubscriberCount reports the number of consumers registered for ownerID.
func (c *Coordinator) SubscriberCount(ownerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subscriptions[c.channelKey(ownerID)]
	if !ok {
		return 0
	}
	return sub.count
}

// Close tears down every channel immediately and rejects further subscribes.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var channels []Channel
	for key, sub := range c.subscriptions {
		c.cancelTeardownLocked(sub)
		switch sub.state {
		case StateSubscribing:
			sub.teardownOnResolve = true
		case StateActive:
			sub.state = StateTearingDown
			channels = append(channels, sub.channel)
			sub.channel = nil
			delete(c.subscriptions, key)
		}
	}
	c.mu.Unlock()

	for _, channel := range channels {
		c.closeChannel(channel)
	}
}

func (c *Coordinator) create(ctx context.Context, sub *subscription) error {
	name := c.channelName()
	channel := c.provider.OpenChannel(name)
	for _, filter := range c.topic.Filters(sub.ownerID) {
		channel.On(filter, c.forward(sub.ownerID))
	}

	var resolved atomic.Bool
	statuses := make(chan statusUpdate, 4)
	channel.Subscribe(func(status Status, err error) {
		if !resolved.Load() {
			select {
			case statuses <- statusUpdate{status: status, err: err}:
			default:
			}
			return
		}
		if status != StatusSubscribed {
			c.channelLost(sub, channel, status, err)
		}
	})

	timeout := c.clock.NewTimer(c.subscribeTimeout)
	failure := c.awaitSubscribed(ctx, statuses, timeout)
	timeout.Stop()
	resolved.Store(true)

	if failure != nil {
		c.closeChannel(channel)
		c.mu.Lock()
		pending := sub.flight
		sub.flight = nil
		sub.state = StateIdle
		sub.count = 0
		sub.teardownOnResolve = false
		if current, ok := c.subscriptions[sub.key]; ok && current == sub {
			delete(c.subscriptions, sub.key)
		}
		c.mu.Unlock()
		pending.err = failure
		close(pending.done)
		c.logger.Warn("realtime subscribe failed",
			zap.String("owner_id", sub.ownerID),
			zap.String("channel", name),
			zap.Error(failure))
		return failure
	}

	c.mu.Lock()
	pending := sub.flight
	sub.flight = nil
	sub.channel = channel
	if sub.teardownOnResolve || sub.count == 0 || c.closed {
		sub.state = StateTearingDown
		sub.channel = nil
		if current, ok := c.subscriptions[sub.key]; ok && current == sub {
			delete(c.subscriptions, sub.key)
		}
		c.mu.Unlock()
		close(pending.done)
		c.closeChannel(channel)
		c.mu.Lock()
		sub.state = StateIdle
		c.mu.Unlock()
		c.logger.Debug("realtime channel released before activation",
			zap.String("owner_id", sub.ownerID),
			zap.String("channel", name))
		return nil
	}
	sub.state = StateActive
	c.mu.Unlock()
	close(pending.done)

	c.logger.Debug("realtime channel active",
		zap.String("owner_id", sub.ownerID),
		zap.String("channel", name))
	return nil
}

func (c *Coordinator) awaitSubscribed(ctx context.Context, statuses <-chan statusUpdate, timeout clockwork.Timer) error {
	select {
	case update := <-statuses:
		switch update.status {
		case StatusSubscribed:
			return nil
		case StatusTimedOut:
			return ErrSubscribeTimeout
		default:
			if update.err != nil {
				return fmt.Errorf("%w: %s: %v", ErrChannelFailed, update.status, update.err)
			}
			return fmt.Errorf("%w: %s", ErrChannelFailed, update.status)
		}
	case <-timeout.Chan():
		return ErrSubscribeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) scheduleTeardownLocked(sub *subscription) {
	c.cancelTeardownLocked(sub)
	generation := sub.teardownGen
	sub.teardownTimer = c.clock.AfterFunc(c.teardownDebounce, func() {
		c.teardown(sub, generation)
	})
}

func (c *Coordinator) cancelTeardownLocked(sub *subscription) {
	sub.teardownGen++
	if sub.teardownTimer != nil {
		sub.teardownTimer.Stop()
		sub.teardownTimer = nil
	}
}

func (c *Coordinator) teardown(sub *subscription, generation uint64) {
	c.mu.Lock()
	current, ok := c.subscriptions[sub.key]
	if !ok || current != sub || sub.teardownGen != generation || sub.count > 0 || sub.state != StateActive {
		c.mu.Unlock()
		return
	}
	sub.teardownTimer = nil
	sub.state = StateTearingDown
	channel := sub.channel
	sub.channel = nil
	delete(c.subscriptions, sub.key)
	c.mu.Unlock()

	c.closeChannel(channel)

	c.mu.Lock()
	sub.state = StateIdle
	c.mu.Unlock()
	c.logger.Debug("realtime channel torn down", zap.String("owner_id", sub.ownerID))
}

// channelLost drops an active subscription whose channel the provider ended.
// Statuses of channels the coordinator already released are ignored. Handles
// of the dropped subscription report Idle and their owners subscribe again.
func (c *Coordinator) channelLost(sub *subscription, channel Channel, status Status, err error) {
	c.mu.Lock()
	current, ok := c.subscriptions[sub.key]
	if !ok || current != sub || sub.channel != channel || sub.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.cancelTeardownLocked(sub)
	sub.state = StateTearingDown
	sub.channel = nil
	delete(c.subscriptions, sub.key)
	c.mu.Unlock()

	c.logger.Warn("realtime channel lost",
		zap.String("owner_id", sub.ownerID),
		zap.String("channel", channel.Name()),
		zap.String("status", string(status)),
		zap.Error(err))
	c.closeChannel(channel)

	c.mu.Lock()
	sub.state = StateIdle
	c.mu.Unlock()

	if c.topic.OnLost != nil {
		c.topic.OnLost(sub.ownerID, status, err)
	}
}

func (c *Coordinator) closeChannel(channel Channel) {
	if channel == nil {
		return
	}
	if err := c.provider.CloseChannel(channel); err != nil {
		c.logger.Warn("realtime channel close failed",
			zap.String("channel", channel.Name()),
			zap.Error(err))
	}
}

func (c *Coordinator) forward(ownerID string) EventHandler {
	return func(event Event) {
		if c.topic.Handler == nil {
			return
		}
		defer func() {
			if recovered := recover(); recovered != nil {
				c.logger.Error("realtime event handler panicked",
					zap.String("owner_id", ownerID),
					zap.String("table", event.Table),
					zap.Any("panic", recovered))
			}
		}()
		c.topic.Handler(ownerID, event)
	}
}

func (c *Coordinator) channelKey(ownerID string) string {
	return c.topic.Name + ":" + ownerID
}

// channelName is unique per creation so a new channel never collides with one
// the server is still tearing down.
func (c *Coordinator) channelName() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s-%d-%s", c.topic.Name, c.clock.Now().UnixMilli(), suffix)
}

// Handle is one consumer's claim on a shared channel.
type Handle struct {
	coordinator *Coordinator
	ownerID     string
	sub         *subscription
	once        sync.Once
}

// OwnerID returns the owner the handle subscribed for.
func (h *Handle) OwnerID() string {
	return h.ownerID
}

// State reports the current state of the shared subscription.
func (h *Handle) State() State {
	c := h.coordinator
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.subscriptions[h.sub.key]; !ok || current != h.sub {
		return StateIdle
	}
	return h.sub.state
}

// Close releases the consumer. Calling Close more than once has no effect.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.coordinator.release(h.sub)
	})
}
