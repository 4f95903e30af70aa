package realtime

// Status is reported by a channel through its status callback.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
)

// EventHandler receives row changes matching a channel binding.
type EventHandler func(Event)

// StatusCallback receives channel lifecycle updates. err is non-nil for failures
// when the provider has details.
type StatusCallback func(status Status, err error)

// Channel is a named realtime subscription with event bindings.
// Bindings must be registered with On before Subscribe is called.
type Channel interface {
	Name() string
	On(filter EventFilter, handler EventHandler)
	Subscribe(callback StatusCallback)
}

// Provider opens and closes realtime channels.
type Provider interface {
	OpenChannel(name string) Channel
	CloseChannel(channel Channel) error
}

// Publisher accepts row changes produced locally so that channel bindings
// observe them the same way they observe hosted backend changes.
type Publisher interface {
	Publish(event Event)
}
