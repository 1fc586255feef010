package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getmockd/mqttlog/pkg/broker"
	"github.com/getmockd/mqttlog/pkg/metrics"
	"github.com/getmockd/mqttlog/pkg/session"
	"github.com/getmockd/mqttlog/pkg/store"
)

// unsubscribeTimeout bounds the UNSUBSCRIBE round trip during teardown.
const unsubscribeTimeout = 5 * time.Second

// Stats is a snapshot of a recording session.
type Stats struct {
	State         session.State
	Path          string
	Messages      uint64
	StartedAt     time.Time
	LastMessageAt time.Time
}

// Session is one recording run: idle → recording → stopped | failed.
type Session struct {
	rec *Recorder
	w   Appender
	log *slog.Logger

	// lifecycle serializes Start and Stop. Message handlers never take it.
	lifecycle sync.Mutex

	// mu guards the fields below and spans the stamp and append of every
	// message, so no two appends interleave and Stop waits for the one in
	// flight.
	mu        sync.Mutex
	state     session.State
	client    broker.Client
	err       error
	messages  uint64
	startedAt time.Time
	lastAt    time.Time
	counted   bool

	teardownOnce sync.Once
	teardownErr  error
	done         chan struct{}
}

func newSession(r *Recorder, w Appender) *Session {
	return &Session{
		rec:   r,
		w:     w,
		log:   r.log.With("store", w.Path()),
		state: session.StateIdle,
		done:  make(chan struct{}),
	}
}

// Start connects to the broker and subscribes to every configured topic.
// Starting a session that is not idle returns a *session.InvalidStateError
// and changes nothing. A connect or subscribe failure leaves the session
// failed with its store closed.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != session.StateIdle {
		state := s.state
		s.mu.Unlock()
		return session.Invalid("start", state)
	}
	cfg := s.rec.cfg
	client := s.rec.newClient(broker.Options{
		Address:          cfg.BrokerAddress,
		ClientID:         cfg.ClientID,
		Username:         cfg.Username,
		Password:         cfg.Password,
		OnConnectionLost: s.connectionLost,
	})
	s.client = client
	s.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		s.abort(err)
		return err
	}

	s.mu.Lock()
	s.state = session.StateRecording
	s.startedAt = s.rec.clock.Now()
	s.counted = true
	s.mu.Unlock()
	s.rec.metrics.SessionStarted(metrics.KindRecord)

	if err := client.Subscribe(ctx, cfg.Topics, cfg.QoS, s.handle); err != nil {
		err = fmt.Errorf("subscribe: %w", err)
		s.abort(err)
		return err
	}

	s.log.Info("recording started",
		"broker", cfg.BrokerAddress,
		"topics", cfg.Topics,
		"qos", cfg.QoS,
	)
	return nil
}

// abort marks the session failed and tears down synchronously.
func (s *Session) abort(err error) {
	s.mu.Lock()
	s.state = session.StateFailed
	s.err = err
	s.mu.Unlock()
	s.log.Error("recording failed to start", "error", err)
	_ = s.teardown()
}

// handle is the broker callback for every delivered message.
func (s *Session) handle(m broker.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != session.StateRecording {
		return
	}

	// Capture times never go backwards, even if the wall clock does.
	now := s.rec.clock.Now()
	if now.Before(s.lastAt) {
		now = s.lastAt
	}

	msg := &store.Message{
		Topic:      m.Topic,
		Payload:    m.Payload,
		QoS:        m.QoS,
		Retained:   m.Retained,
		CapturedAt: now,
	}
	seq, err := s.w.Append(context.Background(), msg)
	if err != nil {
		s.failLocked(err, "write")
		return
	}

	s.messages++
	s.lastAt = now
	s.rec.metrics.Recorded()
	s.log.Debug("message captured", "seq", seq, "topic", m.Topic, "bytes", len(m.Payload))
}

func (s *Session) connectionLost(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != session.StateRecording {
		return
	}
	s.failLocked(&broker.ConnectionError{Address: s.rec.cfg.BrokerAddress, Err: cause}, "connection")
}

// failLocked moves a recording session to failed and releases its
// resources in the background. s.mu must be held.
func (s *Session) failLocked(err error, reason string) {
	s.state = session.StateFailed
	s.err = err
	s.rec.metrics.RecordFailed(reason)
	s.log.Error("recording failed", "reason", reason, "messages", s.messages, "error", err)
	go func() { _ = s.teardown() }()
}

// Stop ends the session. It waits for an in-flight append, then
// unsubscribes, disconnects and seals the store. Stop is idempotent and a
// no-op on an idle session. Only the call that performed the teardown
// returns its error.
func (s *Session) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	switch s.state {
	case session.StateIdle:
		s.mu.Unlock()
		return nil
	case session.StateRecording:
		s.state = session.StateStopped
		s.mu.Unlock()
		err := s.teardown()
		s.log.Info("recording stopped", "messages", s.Messages())
		return err
	default:
		s.mu.Unlock()
		// A failed session may still be tearing down in the background.
		<-s.done
		return nil
	}
}

// teardown releases the broker connection and the store exactly once.
func (s *Session) teardown() error {
	ran := false
	s.teardownOnce.Do(func() {
		ran = true
		s.mu.Lock()
		client := s.client
		counted := s.counted
		s.mu.Unlock()

		if client != nil {
			ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
			if err := client.Unsubscribe(ctx, s.rec.cfg.Topics...); err != nil {
				s.log.Debug("unsubscribe failed", "error", err)
			}
			cancel()
			client.Disconnect()
		}

		if err := s.w.Close(); err != nil {
			s.teardownErr = fmt.Errorf("close store: %w", err)
		}
		if counted {
			s.rec.metrics.SessionEnded(metrics.KindRecord)
		}
		close(s.done)
	})
	if !ran {
		return nil
	}
	return s.teardownErr
}

// Done is closed once the session has ended and released its resources.
// It is never closed for a session that was never started.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that failed the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current lifecycle state.
func (s *Session) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns how many messages have been persisted.
func (s *Session) Messages() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

// Path returns the store file the session writes to.
func (s *Session) Path() string {
	return s.w.Path()
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:         s.state,
		Path:          s.w.Path(),
		Messages:      s.messages,
		StartedAt:     s.startedAt,
		LastMessageAt: s.lastAt,
	}
}
