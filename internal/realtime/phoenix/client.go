// Package phoenix implements realtime.Provider over the hosted backend's
// Phoenix channel websocket protocol.
package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/realtime"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval = 25 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	topicPrefix    = "realtime:"
	phoenixTopic   = "phoenix"
	protocolVsn    = "1.0.0"

	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
)

var (
	ErrMissingURL    = errors.New("phoenix: websocket url is required")
	ErrClientClosed  = errors.New("phoenix: client closed")
	ErrJoinRejected  = errors.New("phoenix: join rejected")
	ErrChannelClosed = errors.New("phoenix: channel closed by server")
)

type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type joinPayload struct {
	Config joinConfig `json:"config"`
}

type joinConfig struct {
	PostgresChanges []realtime.EventFilter `json:"postgres_changes"`
}

type changePayload struct {
	Data realtime.Event `json:"data"`
}

// Config describes how to reach the hosted backend.
type Config struct {
	URL               string
	APIKey            string
	Dialer            *websocket.Dialer
	HeartbeatInterval time.Duration
	Clock             clockwork.Clock
	Logger            *zap.Logger
}

// Client is a single websocket connection multiplexing realtime channels.
type Client struct {
	conn      *websocket.Conn
	clock     clockwork.Clock
	logger    *zap.Logger
	heartbeat time.Duration

	writeMu sync.Mutex
	mu      sync.Mutex
	topics  map[string]*channel
	nextRef atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the realtime endpoint and starts the read and heartbeat loops.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	endpoint, err := endpointURL(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("phoenix: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	client := &Client{
		conn:      conn,
		clock:     clock,
		logger:    logger,
		heartbeat: heartbeat,
		topics:    make(map[string]*channel),
		done:      make(chan struct{}),
	}
	client.wg.Add(2)
	go client.readLoop()
	go client.heartbeatLoop()
	return client, nil
}

func endpointURL(raw, apiKey string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("phoenix: parse url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	query := parsed.Query()
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		query.Set("apikey", apiKey)
	}
	query.Set("vsn", protocolVsn)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// OpenChannel returns an unjoined channel for name.
func (c *Client) OpenChannel(name string) realtime.Channel {
	return &channel{client: c, name: name, topic: topicPrefix + name}
}

// CloseChannel leaves the channel's topic and reports CLOSED to its callback.
func (c *Client) CloseChannel(ch realtime.Channel) error {
	target, ok := ch.(*channel)
	if !ok || target == nil {
		return nil
	}
	c.unregister(target)
	callback, joined := target.leave()
	var err error
	if joined {
		err = c.send(target.topic, eventLeave, json.RawMessage(`{}`))
	}
	if callback != nil && joined {
		callback(realtime.StatusClosed, nil)
	}
	if errors.Is(err, ErrClientClosed) {
		return nil
	}
	return err
}

// Close terminates the connection. Joined channels observe CLOSED.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	c.wg.Wait()
	return err
}

func (c *Client) send(topic, event string, payload json.RawMessage) error {
	return c.write(topic, event, payload, c.newRef())
}

func (c *Client) newRef() string {
	return strconv.FormatUint(c.nextRef.Add(1), 10)
}

func (c *Client) write(topic, event string, payload json.RawMessage, ref string) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	frame, err := json.Marshal(message{Topic: topic, Event: event, Payload: payload, Ref: &ref})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("phoenix: write %s: %w", event, err)
	}
	return nil
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.Chan():
			if err := c.send(phoenixTopic, eventHeartbeat, json.RawMessage(`{}`)); err != nil {
				c.logger.Warn("phoenix heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	var readErr error
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		var frame message
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("phoenix frame dropped", zap.Error(err))
			continue
		}
		c.dispatch(frame)
	}

	select {
	case <-c.done:
	default:
		if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			c.logger.Warn("phoenix connection lost", zap.Error(readErr))
		}
	}
	c.failAll(readErr)
}

func (c *Client) dispatch(frame message) {
	if frame.Topic == phoenixTopic {
		return
	}
	c.mu.Lock()
	target := c.topics[frame.Topic]
	c.mu.Unlock()
	if target == nil {
		return
	}
	ref := ""
	if frame.Ref != nil {
		ref = *frame.Ref
	}

	switch frame.Event {
	case eventReply:
		status := gjson.GetBytes(frame.Payload, "status").String()
		if status == "ok" {
			target.joinReplied(ref, nil)
			return
		}
		reason := gjson.GetBytes(frame.Payload, "response").Raw
		target.joinReplied(ref, fmt.Errorf("%w: %s", ErrJoinRejected, reason))
	case eventChanges:
		var payload changePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.logger.Warn("phoenix change dropped", zap.String("topic", frame.Topic), zap.Error(err))
			return
		}
		target.deliver(payload.Data)
	case eventError:
		target.fail(realtime.StatusChannelError, fmt.Errorf("phoenix: %s on %s", eventError, frame.Topic))
	case eventClose:
		target.fail(realtime.StatusClosed, ErrChannelClosed)
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	channels := make([]*channel, 0, len(c.topics))
	for topic, target := range c.topics {
		channels = append(channels, target)
		delete(c.topics, topic)
	}
	c.mu.Unlock()
	for _, target := range channels {
		target.fail(realtime.StatusClosed, err)
	}
}

func (c *Client) register(target *channel) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[target.topic] = target
	return nil
}

func (c *Client) unregister(target *channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, exists := c.topics[target.topic]; exists && current == target {
		delete(c.topics, target.topic)
	}
}
