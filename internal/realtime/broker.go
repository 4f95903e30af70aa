package realtime

import (
	"errors"
	"sync"
)

// ErrDuplicateChannel is reported when a channel name is already subscribed on the broker.
var ErrDuplicateChannel = errors.New("realtime: channel name already subscribed")

// Broker is an in-process Provider and Publisher. Published events are delivered
// synchronously to every matching binding of every subscribed channel, in the
// order Publish is called.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]*brokerChannel
	opened   int64
}

type brokerChannel struct {
	broker   *Broker
	name     string
	mu       sync.Mutex
	bindings []binding
	callback StatusCallback
	joined   bool
}

type binding struct {
	filter  EventFilter
	handler EventHandler
}

// NewBroker constructs an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{
		channels: make(map[string]*brokerChannel),
	}
}

// OpenChannel returns an unsubscribed channel bound to the broker.
func (b *Broker) OpenChannel(name string) Channel {
	b.mu.Lock()
	b.opened++
	b.mu.Unlock()
	return &brokerChannel{broker: b, name: name}
}

// CloseChannel unregisters the channel and drops its bindings.
func (b *Broker) CloseChannel(channel Channel) error {
	ch, ok := channel.(*brokerChannel)
	if !ok || ch == nil {
		return nil
	}
	b.mu.Lock()
	if current, exists := b.channels[ch.name]; exists && current == ch {
		delete(b.channels, ch.name)
	}
	b.mu.Unlock()

	ch.mu.Lock()
	wasJoined := ch.joined
	callback := ch.callback
	ch.joined = false
	ch.bindings = nil
	ch.mu.Unlock()

	if wasJoined && callback != nil {
		callback(StatusClosed, nil)
	}
	return nil
}

// Publish delivers the event to every matching binding.
func (b *Broker) Publish(event Event) {
	b.mu.RLock()
	if len(b.channels) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*brokerChannel, 0, len(b.channels))
	for _, channel := range b.channels {
		copies = append(copies, channel)
	}
	b.mu.RUnlock()

	for _, channel := range copies {
		for _, handler := range channel.matching(event) {
			handler(event)
		}
	}
}

// ActiveChannels returns the number of currently subscribed channels.
func (b *Broker) ActiveChannels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

// OpenedChannels returns how many channels have been opened over the broker's lifetime.
func (b *Broker) OpenedChannels() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opened
}

func (c *brokerChannel) Name() string {
	return c.name
}

func (c *brokerChannel) On(filter EventFilter, handler EventHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.bindings = append(c.bindings, binding{filter: filter, handler: handler})
	c.mu.Unlock()
}

func (c *brokerChannel) Subscribe(callback StatusCallback) {
	c.mu.Lock()
	c.callback = callback
	for _, bound := range c.bindings {
		if err := bound.filter.Validate(); err != nil {
			c.mu.Unlock()
			if callback != nil {
				callback(StatusChannelError, err)
			}
			return
		}
	}
	c.mu.Unlock()

	c.broker.mu.Lock()
	if _, exists := c.broker.channels[c.name]; exists {
		c.broker.mu.Unlock()
		if callback != nil {
			callback(StatusChannelError, ErrDuplicateChannel)
		}
		return
	}
	c.broker.channels[c.name] = c
	c.broker.mu.Unlock()

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()

	if callback != nil {
		callback(StatusSubscribed, nil)
	}
}

func (c *brokerChannel) matching(event Event) []EventHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return nil
	}
	var handlers []EventHandler
	for _, bound := range c.bindings {
		if bound.filter.Matches(event) {
			handlers = append(handlers, bound.handler)
		}
	}
	return handlers
}
