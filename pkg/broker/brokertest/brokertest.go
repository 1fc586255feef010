// Package brokertest provides an in-memory broker.Client implementation for
// tests. Messages published by one client are delivered synchronously to the
// handlers of every other connected client whose filters match.
package brokertest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/getmockd/mqttlog/pkg/broker"
	"github.com/getmockd/mqttlog/pkg/clock"
)

// ErrNotConnected is the cause wrapped when a disconnected client is used.
var ErrNotConnected = errors.New("brokertest: not connected")

// Published is one message a client handed to the broker.
type Published struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	// At is the broker clock reading when the publish arrived.
	At time.Time
}

// Broker is an in-memory MQTT broker.
type Broker struct {
	clock clock.Clock

	mu          sync.Mutex
	clients     map[*Client]struct{}
	published   []Published
	changed     chan struct{}
	connects    int
	connecting  int
	connectErr  error
	connectGate chan struct{}
	publishFail func(topic string) error
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock stamps Published.At from c instead of the real clock.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// New returns an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		clock:   clock.Real(),
		clients: make(map[*Client]struct{}),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewClient satisfies broker.NewClientFunc.
func (b *Broker) NewClient(opts broker.Options) broker.Client {
	return &Client{b: b, opts: opts}
}

// FailConnect makes every later Connect fail with err. Pass nil to clear.
func (b *Broker) FailConnect(err error) {
	b.mu.Lock()
	b.connectErr = err
	b.mu.Unlock()
}

// HoldConnect makes every later Connect block until release is closed or
// the caller's context is done. Pass nil to clear.
func (b *Broker) HoldConnect(release chan struct{}) {
	b.mu.Lock()
	b.connectGate = release
	b.mu.Unlock()
}

// Connecting returns the number of Connect calls blocked by HoldConnect.
func (b *Broker) Connecting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connecting
}

// FailPublish installs fn to decide whether a client publish is refused.
// A non-nil return is wrapped in *broker.PublishError. Pass nil to clear.
func (b *Broker) FailPublish(fn func(topic string) error) {
	b.mu.Lock()
	b.publishFail = fn
	b.mu.Unlock()
}

// Publish injects a message from outside any client, as a device would.
// It returns how many subscriptions received it.
func (b *Broker) Publish(topic string, payload []byte, qos byte, retained bool) int {
	return b.deliver(nil, broker.Message{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
}

// Published returns a copy of every message clients have published.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

// WaitPublished blocks until at least n messages have been published by
// clients or ctx is done.
func (b *Broker) WaitPublished(ctx context.Context, n int) ([]Published, error) {
	for {
		b.mu.Lock()
		if len(b.published) >= n {
			out := slices.Clone(b.published)
			b.mu.Unlock()
			return out, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return b.Published(), ctx.Err()
		}
	}
}

// Connected returns the number of currently connected clients.
func (b *Broker) Connected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Connects returns how many successful Connect calls have happened.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Subscriptions returns the filters held by all connected clients.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for c := range b.clients {
		c.mu.Lock()
		for f := range c.subs {
			out = append(out, f)
		}
		c.mu.Unlock()
	}
	slices.Sort(out)
	return out
}

// DropConnections disconnects every client and calls each one's
// OnConnectionLost with cause.
func (b *Broker) DropConnections(cause error) {
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*Client]struct{})
	b.notifyLocked()
	b.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		c.connected = false
		c.subs = nil
		onLost := c.opts.OnConnectionLost
		c.mu.Unlock()
		if onLost != nil {
			onLost(cause)
		}
	}
}

func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// deliver fans msg out to matching subscriptions of every client except from.
// Handlers run on the caller's goroutine, outside all locks.
func (b *Broker) deliver(from *Client, msg broker.Message) int {
	b.mu.Lock()
	var handlers []broker.Handler
	for c := range b.clients {
		if c == from {
			continue
		}
		c.mu.Lock()
		for filter, h := range c.subs {
			if broker.MatchTopic(filter, msg.Topic) {
				handlers = append(handlers, h)
			}
		}
		c.mu.Unlock()
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return len(handlers)
}

// Client is a connection to a Broker.
type Client struct {
	b    *Broker
	opts broker.Options

	mu        sync.Mutex
	connected bool
	subs      map[string]broker.Handler
}

var _ broker.Client = (*Client)(nil)

// Options returns the options the client was created with.
func (c *Client) Options() broker.Options {
	return c.opts
}

func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &broker.ConnectionError{Address: c.opts.Address, Err: err}
	}
	c.b.mu.Lock()
	if gate := c.b.connectGate; gate != nil {
		c.b.connecting++
		c.b.mu.Unlock()
		var err error
		select {
		case <-gate:
		case <-ctx.Done():
			err = ctx.Err()
		}
		c.b.mu.Lock()
		c.b.connecting--
		if err != nil {
			c.b.mu.Unlock()
			return &broker.ConnectionError{Address: c.opts.Address, Err: err}
		}
	}
	defer c.b.mu.Unlock()
	if c.b.connectErr != nil {
		return &broker.ConnectionError{Address: c.opts.Address, Err: c.b.connectErr}
	}
	c.mu.Lock()
	c.connected = true
	c.subs = make(map[string]broker.Handler)
	c.mu.Unlock()
	c.b.clients[c] = struct{}{}
	c.b.connects++
	c.b.notifyLocked()
	return nil
}

func (c *Client) Subscribe(_ context.Context, topics []string, _ byte, h broker.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	for _, t := range topics {
		if err := broker.ValidateTopicFilter(t); err != nil {
			return err
		}
	}
	for _, t := range topics {
		c.subs[t] = h
	}
	return nil
}

func (c *Client) Unsubscribe(_ context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	for _, t := range topics {
		delete(c.subs, t)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if err := ctx.Err(); err != nil {
		return &broker.PublishError{Topic: topic, Err: err}
	}
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return &broker.PublishError{Topic: topic, Err: ErrNotConnected}
	}

	c.b.mu.Lock()
	if fail := c.b.publishFail; fail != nil {
		if err := fail(topic); err != nil {
			c.b.mu.Unlock()
			return &broker.PublishError{Topic: topic, Err: err}
		}
	}
	c.b.published = append(c.b.published, Published{
		ClientID: c.opts.ClientID,
		Topic:    topic,
		Payload:  slices.Clone(payload),
		QoS:      qos,
		Retained: retained,
		At:       c.b.clock.Now(),
	})
	c.b.notifyLocked()
	c.b.mu.Unlock()

	c.b.deliver(c, broker.Message{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (c *Client) Disconnect() {
	c.b.mu.Lock()
	delete(c.b.clients, c)
	c.b.notifyLocked()
	c.b.mu.Unlock()

	c.mu.Lock()
	c.connected = false
	c.subs = nil
	c.mu.Unlock()
}
