// Package recorder captures MQTT traffic into a store.
//
// A Recorder holds validated settings; each call to Start opens a fresh store
// file and returns a running Session. Every delivered message is stamped from
// the recorder's clock and appended to the store in one critical section, so
// sequence order and capture-time order always agree.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/getmockd/mqttlog/pkg/broker"
	"github.com/getmockd/mqttlog/pkg/clock"
	"github.com/getmockd/mqttlog/pkg/logging"
	"github.com/getmockd/mqttlog/pkg/metrics"
	"github.com/getmockd/mqttlog/pkg/store"
)

// Validation errors returned by New.
var (
	ErrNoBrokerAddress = errors.New("broker address is required")
	ErrNoTopics        = errors.New("at least one topic is required")
	ErrInvalidQoS      = errors.New("qos must be 0, 1 or 2")
)

// Appender is the store capability a recording session writes through.
// *store.Writer satisfies it.
type Appender interface {
	Append(ctx context.Context, msg *store.Message) (uint64, error)
	Path() string
	Close() error
}

var _ Appender = (*store.Writer)(nil)

// Config holds recorder settings.
type Config struct {
	BrokerAddress string
	Topics        []string
	QoS           byte
	// OutputDir receives one store file per session. Empty means
	// store.DefaultRecordingsDir().
	OutputDir string
	// ClientID defaults to "mqttlog-rec-" plus a random suffix.
	ClientID string
	Username string
	Password string
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BrokerAddress == "" {
		return ErrNoBrokerAddress
	}
	if len(c.Topics) == 0 {
		return ErrNoTopics
	}
	for _, t := range c.Topics {
		if err := broker.ValidateTopicFilter(t); err != nil {
			return err
		}
	}
	if c.QoS > 2 {
		return fmt.Errorf("%w: got %d", ErrInvalidQoS, c.QoS)
	}
	return nil
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the clock used to stamp captured messages.
func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// WithClientFactory replaces the paho client, typically with brokertest.
func WithClientFactory(fn broker.NewClientFunc) Option {
	return func(r *Recorder) { r.newClient = fn }
}

// WithMetrics records session metrics into set.
func WithMetrics(set *metrics.Set) Option {
	return func(r *Recorder) { r.metrics = set }
}

// Recorder starts recording sessions.
type Recorder struct {
	cfg       Config
	clock     clock.Clock
	log       *slog.Logger
	newClient broker.NewClientFunc
	metrics   *metrics.Set
}

// New validates cfg and returns a Recorder.
func New(cfg Config, opts ...Option) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recorder config: %w", err)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = store.DefaultRecordingsDir()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mqttlog-rec-" + uuid.NewString()[:8]
	}
	cfg.Topics = append([]string(nil), cfg.Topics...)

	r := &Recorder{
		cfg:       cfg,
		clock:     clock.Real(),
		log:       logging.Nop(),
		newClient: broker.NewPahoClient,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "recorder")
	return r, nil
}

// Config returns the effective configuration, with defaults applied.
func (r *Recorder) Config() Config {
	return r.cfg
}

// Start creates a new store in OutputDir, named from the current clock
// reading, and starts a session on it. If the session cannot start the
// store is closed and, when nothing was captured into it, removed.
func (r *Recorder) Start(ctx context.Context) (*Session, error) {
	w, err := store.Create(ctx, r.cfg.OutputDir, r.clock.Now(), store.Meta{
		BrokerAddress: r.cfg.BrokerAddress,
		Topics:        r.cfg.Topics,
	}, store.WithClock(r.clock))
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	s := r.NewSession(w)
	if err := s.Start(ctx); err != nil {
		if s.Messages() == 0 {
			if rmErr := os.Remove(w.Path()); rmErr != nil {
				r.log.Warn("failed to remove unused store", "path", w.Path(), "error", rmErr)
			}
		}
		return nil, err
	}
	return s, nil
}

// NewSession returns an idle session writing to w. The session owns w and
// closes it when it ends.
func (r *Recorder) NewSession(w Appender) *Session {
	return newSession(r, w)
}
