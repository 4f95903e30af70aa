package natsbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the subset of a NATS connection the bus needs.
type Transport interface {
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	Publish(subject string, data []byte) error
	Flush() error
}

type connTransport struct {
	conn *nats.Conn
}

// NewConnTransport adapts a NATS connection.
func NewConnTransport(conn *nats.Conn) Transport {
	return connTransport{conn: conn}
}

func (t connTransport) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	subscription, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return subscription, nil
}

func (t connTransport) Publish(subject string, data []byte) error {
	return t.conn.Publish(subject, data)
}

func (t connTransport) Flush() error {
	return t.conn.Flush()
}

// Connect dials the NATS server at url and keeps reconnecting for the life of
// the process.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", conn.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	return conn, nil
}
