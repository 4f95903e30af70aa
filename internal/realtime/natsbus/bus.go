// Package natsbus carries realtime row changes over NATS subjects of the form
// <prefix>.<schema>.<table>.<INSERT|UPDATE|DELETE>.
package natsbus

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/pulse/internal/realtime"
	"go.uber.org/zap"
)

// DefaultPrefix is the root of every subject.
const DefaultPrefix = "pulse"

var errMissingTransport = errors.New("natsbus: transport is required")

// Config describes a Bus.
type Config struct {
	Transport Transport
	Prefix    string
	Logger    *zap.Logger
}

// Bus is a realtime.Provider and realtime.Publisher backed by NATS.
type Bus struct {
	transport Transport
	prefix    string
	logger    *zap.Logger
}

func New(cfg Config) (*Bus, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{transport: cfg.Transport, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject carrying changes of the given kind. ChangeAny
// becomes a single-token wildcard.
func (b *Bus) Subject(schema, table string, change realtime.ChangeType) string {
	if schema == "" {
		schema = realtime.DefaultSchema
	}
	token := string(change)
	if change == "" || change == realtime.ChangeAny {
		token = "*"
	}
	return b.prefix + "." + schema + "." + table + "." + token
}

// Publish sends the change to its subject. Failures are logged.
func (b *Bus) Publish(event realtime.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("realtime event encode failed", zap.String("table", event.Table), zap.Error(err))
		return
	}
	subject := b.Subject(event.Schema, event.Table, event.Type)
	if err := b.transport.Publish(subject, data); err != nil {
		b.logger.Warn("realtime event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (b *Bus) OpenChannel(name string) realtime.Channel {
	return &channel{bus: b, name: name}
}

// CloseChannel drops the channel's subscriptions.
func (b *Bus) CloseChannel(ch realtime.Channel) error {
	target, ok := ch.(*channel)
	if !ok || target == nil {
		return nil
	}
	return target.close()
}

type binding struct {
	filter  realtime.EventFilter
	handler realtime.EventHandler
}

type channel struct {
	bus  *Bus
	name string

	mu            sync.Mutex
	bindings      []binding
	subscriptions []Subscription
	callback      realtime.StatusCallback
	joined        bool
}

func (c *channel) Name() string {
	return c.name
}

func (c *channel) On(filter realtime.EventFilter, handler realtime.EventHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.bindings = append(c.bindings, binding{filter: filter, handler: handler})
	c.mu.Unlock()
}

func (c *channel) Subscribe(callback realtime.StatusCallback) {
	report := func(status realtime.Status, err error) {
		if callback != nil {
			callback(status, err)
		}
	}

	c.mu.Lock()
	bindings := append([]binding(nil), c.bindings...)
	c.callback = callback
	c.mu.Unlock()

	subscriptions := make([]Subscription, 0, len(bindings))
	fail := func(err error) {
		for _, subscription := range subscriptions {
			_ = subscription.Unsubscribe()
		}
		report(realtime.StatusChannelError, err)
	}
	for _, bound := range bindings {
		if err := bound.filter.Validate(); err != nil {
			fail(err)
			return
		}
		bound := bound
		subject := c.bus.Subject(bound.filter.Schema, bound.filter.Table, bound.filter.Event)
		subscription, err := c.bus.transport.Subscribe(subject, func(data []byte) {
			c.deliver(bound, data)
		})
		if err != nil {
			fail(err)
			return
		}
		subscriptions = append(subscriptions, subscription)
	}
	if err := c.bus.transport.Flush(); err != nil {
		fail(err)
		return
	}

	c.mu.Lock()
	c.subscriptions = subscriptions
	c.joined = true
	c.mu.Unlock()
	report(realtime.StatusSubscribed, nil)
}

func (c *channel) deliver(bound binding, data []byte) {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return
	}
	var event realtime.Event
	if err := json.Unmarshal(data, &event); err != nil {
		c.bus.logger.Warn("realtime event dropped", zap.String("channel", c.name), zap.Error(err))
		return
	}
	if bound.filter.Matches(event) {
		bound.handler(event)
	}
}

func (c *channel) close() error {
	c.mu.Lock()
	subscriptions := c.subscriptions
	callback := c.callback
	joined := c.joined
	c.subscriptions = nil
	c.bindings = nil
	c.joined = false
	c.mu.Unlock()

	var errs []error
	for _, subscription := range subscriptions {
		if err := subscription.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if joined && callback != nil {
		callback(realtime.StatusClosed, nil)
	}
	return errors.Join(errs...)
}
