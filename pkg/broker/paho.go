package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// disconnectQuiesce is how long Disconnect waits for in-flight work, in ms.
const disconnectQuiesce = 250

var errNotConnected = errors.New("not connected")

// Interface compliance check.
var _ Client = (*PahoClient)(nil)

// PahoClient is the production Client over eclipse/paho.mqtt.golang.
type PahoClient struct {
	opts Options

	mu     sync.Mutex
	client paho.Client
}

// NewPahoClient returns an unconnected paho-backed Client.
func NewPahoClient(opts Options) Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &PahoClient{opts: opts}
}

// NormalizeAddress turns host:port into tcp://host:port. URLs with a scheme
// are returned unchanged.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.Contains(addr, "://") {
		return addr
	}
	if !strings.Contains(addr, ":") {
		addr += ":1883"
	}
	return "tcp://" + addr
}

// Connect dials the broker. Auto-reconnect is disabled: a dropped connection
// is reported through Options.OnConnectionLost and never retried.
func (c *PahoClient) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(NormalizeAddress(c.opts.Address)).
		SetClientID(c.opts.ClientID).
		SetUsername(c.opts.Username).
		SetPassword(c.opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(c.opts.ConnectTimeout)

	if c.opts.OnConnectionLost != nil {
		onLost := c.opts.OnConnectionLost
		opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
			onLost(err)
		})
	}

	client := paho.NewClient(opts)
	if err := waitToken(ctx, client.Connect(), c.opts.ConnectTimeout); err != nil {
		// The attempt may still be in flight; make sure it cannot complete
		// into a connection nobody owns.
		client.Disconnect(0)
		return &ConnectionError{Address: c.opts.Address, Err: err}
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

func (c *PahoClient) connected() (paho.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, errNotConnected
	}
	return c.client, nil
}

// Subscribe subscribes to all topics in a single SUBSCRIBE packet.
func (c *PahoClient) Subscribe(ctx context.Context, topics []string, qos byte, h Handler) error {
	client, err := c.connected()
	if err != nil {
		return err
	}

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}
	token := client.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
		h(Message{
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			QoS:      m.Qos(),
			Retained: m.Retained(),
		})
	})
	if err := waitToken(ctx, token, c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("subscribe %v: %w", topics, err)
	}
	return nil
}

// Unsubscribe removes topic filters.
func (c *PahoClient) Unsubscribe(ctx context.Context, topics ...string) error {
	client, err := c.connected()
	if err != nil {
		return err
	}
	if len(topics) == 0 || !client.IsConnectionOpen() {
		return nil
	}
	if err := waitToken(ctx, client.Unsubscribe(topics...), c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", topics, err)
	}
	return nil
}

// Publish sends one message and waits for the transport to accept it.
func (c *PahoClient) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	client, err := c.connected()
	if err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	if err := waitToken(ctx, client.Publish(topic, qos, retained, payload), c.opts.ConnectTimeout); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

// Disconnect closes the connection.
func (c *PahoClient) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(disconnectQuiesce)
	}
}

// waitToken waits for token completion, ctx cancellation or timeout,
// whichever comes first.
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}
