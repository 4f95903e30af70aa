package phoenix

import (
	"encoding/json"
	"sync"

	"github.com/MarcoPoloResearchLab/pulse/internal/realtime"
)

type binding struct {
	filter  realtime.EventFilter
	handler realtime.EventHandler
}

type channel struct {
	client *Client
	name   string
	topic  string

	mu       sync.Mutex
	bindings []binding
	callback realtime.StatusCallback
	joinRef  string
	joined   bool
}

func (ch *channel) Name() string {
	return ch.name
}

func (ch *channel) On(filter realtime.EventFilter, handler realtime.EventHandler) {
	if handler == nil {
		return
	}
	if filter.Schema == "" {
		filter.Schema = realtime.DefaultSchema
	}
	if filter.Event == "" {
		filter.Event = realtime.ChangeAny
	}
	ch.mu.Lock()
	ch.bindings = append(ch.bindings, binding{filter: filter, handler: handler})
	ch.mu.Unlock()
}

// Subscribe sends phx_join with every binding's filter. The callback observes
// SUBSCRIBED or CHANNEL_ERROR once the server replies to the join.
func (ch *channel) Subscribe(callback realtime.StatusCallback) {
	report := func(status realtime.Status, err error) {
		if callback != nil {
			callback(status, err)
		}
	}

	ch.mu.Lock()
	filters := make([]realtime.EventFilter, 0, len(ch.bindings))
	for _, bound := range ch.bindings {
		if err := bound.filter.Validate(); err != nil {
			ch.mu.Unlock()
			report(realtime.StatusChannelError, err)
			return
		}
		filters = append(filters, bound.filter)
	}
	ref := ch.client.newRef()
	ch.callback = callback
	ch.joinRef = ref
	ch.mu.Unlock()

	payload, err := json.Marshal(joinPayload{Config: joinConfig{PostgresChanges: filters}})
	if err != nil {
		ch.reset()
		report(realtime.StatusChannelError, err)
		return
	}
	if err := ch.client.register(ch); err != nil {
		ch.reset()
		report(realtime.StatusChannelError, err)
		return
	}
	if err := ch.client.write(ch.topic, eventJoin, payload, ref); err != nil {
		ch.client.unregister(ch)
		ch.reset()
		report(realtime.StatusChannelError, err)
	}
}

func (ch *channel) joinReplied(ref string, err error) {
	ch.mu.Lock()
	if ch.joinRef == "" || ref != ch.joinRef {
		ch.mu.Unlock()
		return
	}
	ch.joinRef = ""
	ch.joined = err == nil
	callback := ch.callback
	ch.mu.Unlock()

	if err != nil {
		ch.client.unregister(ch)
		if callback != nil {
			callback(realtime.StatusChannelError, err)
		}
		return
	}
	if callback != nil {
		callback(realtime.StatusSubscribed, nil)
	}
}

func (ch *channel) deliver(event realtime.Event) {
	ch.mu.Lock()
	if !ch.joined {
		ch.mu.Unlock()
		return
	}
	var handlers []realtime.EventHandler
	for _, bound := range ch.bindings {
		if bound.filter.Matches(event) {
			handlers = append(handlers, bound.handler)
		}
	}
	ch.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

// fail reports a server-side termination. A pending join observes
// CHANNEL_ERROR regardless of status.
func (ch *channel) fail(status realtime.Status, err error) {
	ch.mu.Lock()
	pending := ch.joinRef != ""
	active := pending || ch.joined
	callback := ch.callback
	ch.joinRef = ""
	ch.joined = false
	ch.mu.Unlock()

	ch.client.unregister(ch)
	if !active || callback == nil {
		return
	}
	if pending {
		status = realtime.StatusChannelError
	}
	callback(status, err)
}

func (ch *channel) leave() (realtime.StatusCallback, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	active := ch.joined || ch.joinRef != ""
	callback := ch.callback
	ch.joined = false
	ch.joinRef = ""
	ch.callback = nil
	ch.bindings = nil
	return callback, active
}

func (ch *channel) reset() {
	ch.mu.Lock()
	ch.joinRef = ""
	ch.callback = nil
	ch.mu.Unlock()
}
