// Package playback republishes recorded messages to a broker, preserving
// their relative timing scaled by a speed factor.
//
// Message i is due at start + (CapturedAt_i - CapturedAt_0) / speed plus any
// time spent paused. Messages are published strictly in sequence order; a
// message whose due time has already passed goes out immediately.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/getmockd/mqttlog/pkg/broker"
	"github.com/getmockd/mqttlog/pkg/clock"
	"github.com/getmockd/mqttlog/pkg/logging"
	"github.com/getmockd/mqttlog/pkg/metrics"
	"github.com/getmockd/mqttlog/pkg/store"
)

// DefaultSpeed replays at recorded pace.
const DefaultSpeed = 1.0

// Validation errors returned by New.
var (
	ErrNoBrokerAddress = errors.New("broker address is required")
	ErrInvalidSpeed    = errors.New("speed must be a finite number greater than zero")
	ErrInvalidQoS      = errors.New("qos must be 0, 1 or 2")
)

// Config holds player settings.
type Config struct {
	BrokerAddress string
	// Speed scales playback: 2 halves every gap, 0.5 doubles it.
	// Zero means DefaultSpeed.
	Speed    float64
	ClientID string
	Username string
	Password string
	// QoS overrides the recorded QoS when set.
	QoS *byte
	// Retain replays the recorded retained flag. When false every message
	// is published non-retained so replays leave no state on the broker.
	Retain bool
}

// Validate checks the configuration. A zero speed is accepted and means
// DefaultSpeed.
func (c *Config) Validate() error {
	if c.BrokerAddress == "" {
		return ErrNoBrokerAddress
	}
	if c.Speed < 0 || math.IsNaN(c.Speed) || math.IsInf(c.Speed, 0) {
		return fmt.Errorf("%w: got %v", ErrInvalidSpeed, c.Speed)
	}
	if c.QoS != nil && *c.QoS > 2 {
		return fmt.Errorf("%w: got %d", ErrInvalidQoS, *c.QoS)
	}
	return nil
}

// Option configures a Player.
type Option func(*Player)

// WithClock sets the clock that drives the schedule.
func WithClock(c clock.Clock) Option {
	return func(p *Player) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Player) { p.log = log }
}

// WithClientFactory replaces the paho client, typically with brokertest.
func WithClientFactory(fn broker.NewClientFunc) Option {
	return func(p *Player) { p.newClient = fn }
}

// WithMetrics records session metrics into set.
func WithMetrics(set *metrics.Set) Option {
	return func(p *Player) { p.metrics = set }
}

// Player starts playback sessions.
type Player struct {
	cfg       Config
	clock     clock.Clock
	log       *slog.Logger
	newClient broker.NewClientFunc
	metrics   *metrics.Set
}

// New validates cfg and returns a Player.
func New(cfg Config, opts ...Option) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid player config: %w", err)
	}
	if cfg.Speed == 0 {
		cfg.Speed = DefaultSpeed
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mqttlog-play-" + uuid.NewString()[:8]
	}
	if cfg.QoS != nil {
		q := *cfg.QoS
		cfg.QoS = &q
	}

	p := &Player{
		cfg:       cfg,
		clock:     clock.Real(),
		log:       logging.Nop(),
		newClient: broker.NewPahoClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "player")
	return p, nil
}

// Config returns the effective configuration, with defaults applied.
func (p *Player) Config() Config {
	return p.cfg
}

// Start creates a session over src and starts it.
func (p *Player) Start(ctx context.Context, src store.Source) (*Session, error) {
	s := p.NewSession(src)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSession returns an idle session over src. Any number of sessions may
// read the same source concurrently.
func (p *Player) NewSession(src store.Source) *Session {
	return newSession(p, src)
}
