// Package broker defines the MQTT capabilities the recorder and player
// depend on, with a paho-backed client and an embedded mochi broker.
package broker

import (
	"context"
	"fmt"
	"time"
)

// DefaultConnectTimeout bounds Connect when Options.ConnectTimeout is zero.
const DefaultConnectTimeout = 10 * time.Second

// Message is an MQTT publish as seen by a subscriber.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Handler is invoked once per inbound message on a transport-managed
// goroutine.
type Handler func(Message)

// Client is one connection to a broker.
type Client interface {
	// Connect dials the broker. Failures are *ConnectionError.
	Connect(ctx context.Context) error
	// Subscribe registers h for every topic filter in topics.
	Subscribe(ctx context.Context, topics []string, qos byte, h Handler) error
	// Unsubscribe removes the given topic filters.
	Unsubscribe(ctx context.Context, topics ...string) error
	// Publish sends one message. Failures are *PublishError.
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	// Disconnect closes the connection. It is safe to call more than once.
	Disconnect()
}

// Options configures a Client.
type Options struct {
	// Address is host:port or a URL such as tcp://host:1883.
	Address  string
	ClientID string
	Username string
	Password string

	ConnectTimeout time.Duration

	// OnConnectionLost is called when an established connection drops.
	// Clients never reconnect on their own.
	OnConnectionLost func(error)
}

// NewClientFunc constructs a Client. The recorder and player take one so
// tests can swap in brokertest.
type NewClientFunc func(Options) Client

// ConnectionError reports that the broker could not be reached or refused
// the connection, or that an established connection was lost.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker %s: connection failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError reports that a single message could not be sent.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
