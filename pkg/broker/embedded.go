package broker

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getmockd/mqttlog/pkg/logging"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// EmbeddedConfig configures an in-process broker.
type EmbeddedConfig struct {
	// Address is the TCP listen address, e.g. ":1883".
	Address string

	// Users maps username to password. Empty allows anonymous clients.
	Users map[string]string
}

// Embedded is an in-process MQTT broker for dry runs and tests.
type Embedded struct {
	config EmbeddedConfig
	server *mqtt.Server
	log    *slog.Logger

	mu      sync.RWMutex
	running bool
}

// NewEmbedded creates a broker that is not yet listening.
func NewEmbedded(config EmbeddedConfig, log *slog.Logger) (*Embedded, error) {
	if config.Address == "" {
		config.Address = ":1883"
	}
	if log == nil {
		log = logging.Nop()
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       log.With("component", "embedded-broker"),
	})

	if len(config.Users) > 0 {
		if err := server.AddHook(&userAuthHook{users: config.Users}, nil); err != nil {
			return nil, fmt.Errorf("failed to add auth hook: %w", err)
		}
	} else {
		// mochi-mqtt requires an auth hook - use AllowHook to allow all connections
		if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, fmt.Errorf("failed to add allow hook: %w", err)
		}
	}

	return &Embedded{config: config, server: server, log: log}, nil
}

// Address returns the configured listen address.
func (e *Embedded) Address() string {
	return e.config.Address
}

// Start starts listening. The context can be used for cancellation during
// startup.
func (e *Embedded) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.New("broker is already running")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	listener := listeners.NewTCP(listeners.Config{
		ID:      "mqttlog-" + e.config.Address,
		Address: e.config.Address,
	})
	if err := e.server.AddListener(listener); err != nil {
		return fmt.Errorf("failed to add listener: %w", err)
	}

	go func() {
		if err := e.server.Serve(); err != nil {
			e.log.Error("MQTT server error", "error", err)
		}
	}()

	e.running = true
	e.log.Info("embedded broker listening", "address", e.config.Address)
	return nil
}

// Stop closes the broker, waiting at most timeout for clients to drain.
func (e *Embedded) Stop(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.server.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to close server: %w", err)
		}
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timed out: %w", shutdownCtx.Err())
	}
}

// IsRunning reports whether the broker is listening.
func (e *Embedded) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Publish injects a message through the inline client.
func (e *Embedded) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if !e.IsRunning() {
		return errors.New("broker is not running")
	}
	return e.server.Publish(topic, payload, retain, qos)
}

// userAuthHook checks CONNECT credentials against a fixed user table.
type userAuthHook struct {
	mqtt.HookBase
	users map[string]string
}

func (h *userAuthHook) ID() string {
	return "mqttlog-user-auth"
}

func (h *userAuthHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
	}, []byte{b})
}

func (h *userAuthHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	username := string(cl.Properties.Username)
	want, ok := h.users[username]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), pk.Connect.Password) == 1
}

func (h *userAuthHook) OnACLCheck(_ *mqtt.Client, _ string, _ bool) bool {
	return true
}
