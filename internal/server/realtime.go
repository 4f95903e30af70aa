package server

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "pulse-api"
	defaultStreamBuffer    = 64
)

// RealtimeMessage is one UI event queued for a user's streams.
type RealtimeMessage struct {
	UserID    string
	EventType string
	Payload   any
	Timestamp time.Time
}

// RealtimeDispatcher fans UI events out to the open streams of each user.
// A stream whose buffer is full misses the event.
type RealtimeDispatcher struct {
	clock  clockwork.Clock
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher(clock clockwork.Clock, logger *zap.Logger) *RealtimeDispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeDispatcher{
		clock:       clock,
		logger:      logger,
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultStreamBuffer,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Emit queues a UI event for every stream of userID.
func (d *RealtimeDispatcher) Emit(userID, eventType string, payload any) {
	d.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: d.clock.Now().UTC(),
	})
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
			d.logger.Debug("stream buffer full, event dropped",
				zap.String("user_id", message.UserID),
				zap.String("event_type", message.EventType))
		}
	}
}

// StreamCount reports the open streams of userID.
func (d *RealtimeDispatcher) StreamCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
