package playback

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/getmockd/mqttlog/pkg/broker"
	"github.com/getmockd/mqttlog/pkg/metrics"
	"github.com/getmockd/mqttlog/pkg/session"
	"github.com/getmockd/mqttlog/pkg/store"
)

// Failure is one message the broker refused. Playback carries on after it.
type Failure struct {
	Sequence uint64
	Topic    string
	Err      error
}

// Result summarises a playback session.
type Result struct {
	// Total is the number of messages read from the source.
	Total     int
	Published int
	Failures  []Failure
	StartedAt time.Time
	// FinishedAt is zero until the session ends.
	FinishedAt time.Time
}

// Session is one playback run:
// idle → playing ⇄ paused → finished | cancelled | failed.
// A session runs once; start a new one to replay again.
type Session struct {
	p   *Player
	src store.Source
	log *slog.Logger

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu          sync.Mutex
	state       session.State
	err         error
	result      Result
	pausedAt    time.Time
	pausedTotal time.Duration
	cancel      context.CancelFunc
	// abort cancels a connect still in progress; set only inside Start.
	abort    context.CancelFunc
	stopping bool

	// wake nudges the loop after Pause and Resume.
	wake chan struct{}
	done chan struct{}
}

func newSession(p *Player, src store.Source) *Session {
	return &Session{
		p:     p,
		src:   src,
		log:   p.log,
		state: session.StateIdle,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Start connects to the broker and begins emitting in the background.
// Starting a session that is not idle returns a *session.InvalidStateError.
// A connect failure returns *broker.ConnectionError and fails the session.
// An empty source finishes the session before Start returns. A Stop that
// arrives while Start is connecting aborts the connect and cancels the
// session; Start then returns nil.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if state := s.State(); state != session.StateIdle {
		return session.Invalid("start", state)
	}

	cfg := s.p.cfg
	client := s.p.newClient(broker.Options{
		Address:  cfg.BrokerAddress,
		ClientID: cfg.ClientID,
		Username: cfg.Username,
		Password: cfg.Password,
	})

	connectCtx, abort := context.WithCancel(ctx)
	defer abort()
	s.mu.Lock()
	s.abort = abort
	s.mu.Unlock()

	err := client.Connect(connectCtx)

	s.mu.Lock()
	s.abort = nil
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		if err == nil {
			client.Disconnect()
		}
		s.end(session.StateCancelled, nil)
		s.log.Info("playback cancelled while connecting")
		return nil
	}
	if err != nil {
		s.end(session.StateFailed, err)
		s.log.Error("playback failed to start", "error", err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	next, stop := iter.Pull2(s.src.Messages(runCtx))
	first, err, ok := next()
	if err != nil || !ok {
		stop()
		cancel()
		client.Disconnect()
		if err != nil {
			err = fmt.Errorf("read source: %w", err)
			s.end(session.StateFailed, err)
			s.log.Error("playback failed to start", "error", err)
			return err
		}
		s.end(session.StateFinished, nil)
		s.log.Info("playback finished", "published", 0, "reason", "empty source")
		return nil
	}

	start := s.p.clock.Now()

	s.mu.Lock()
	s.state = session.StatePlaying
	s.cancel = cancel
	s.result.StartedAt = start
	s.mu.Unlock()

	s.p.metrics.SessionStarted(metrics.KindPlay)
	s.log.Info("playback started", "broker", cfg.BrokerAddress, "speed", cfg.Speed)

	go s.run(runCtx, client, start, first, next, stop)
	return nil
}

// end moves a session that never reached playing straight to a terminal
// state and closes done.
func (s *Session) end(state session.State, err error) {
	s.mu.Lock()
	now := s.p.clock.Now()
	s.state = state
	s.err = err
	if state == session.StateFinished {
		s.result.StartedAt = now
	}
	s.result.FinishedAt = now
	s.mu.Unlock()
	close(s.done)
}

// run is the emission loop. It owns client and the source cursor and
// releases both on exit. first is the message Start already read.
func (s *Session) run(ctx context.Context, client broker.Client, start time.Time,
	first store.Message, next func() (store.Message, error, bool), stop func(),
) {
	defer close(s.done)
	defer s.p.metrics.SessionEnded(metrics.KindPlay)
	defer client.Disconnect()
	defer stop()

	t0 := first.CapturedAt
	speed := s.p.cfg.Speed
	for msg, err, ok := first, error(nil), true; ok; msg, err, ok = next() {
		if err != nil {
			if ctx.Err() != nil {
				s.finish(nil)
				return
			}
			s.finish(fmt.Errorf("read source: %w", err))
			return
		}

		s.mu.Lock()
		s.result.Total++
		s.mu.Unlock()

		due, err := s.waitUntil(ctx, start, scale(msg.CapturedAt.Sub(t0), speed))
		if err != nil {
			s.finish(nil)
			return
		}

		if err := s.publish(ctx, client, msg, due); err != nil && ctx.Err() != nil {
			s.finish(nil)
			return
		}
	}
	s.finish(nil)
}

// scale divides a recorded gap by speed. Gaps too long to represent after
// scaling saturate at the largest Duration instead of wrapping negative.
func scale(gap time.Duration, speed float64) time.Duration {
	f := float64(gap) / speed
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(f)
}

// addSat adds two non-negative durations, saturating on overflow.
func addSat(a, b time.Duration) time.Duration {
	if sum := a + b; sum >= a {
		return sum
	}
	return math.MaxInt64
}

// waitUntil blocks until start+offset+pausedTotal, holding while paused.
// It returns the due time actually waited for, or ctx.Err().
func (s *Session) waitUntil(ctx context.Context, start time.Time, offset time.Duration) (time.Time, error) {
	for {
		s.mu.Lock()
		paused := s.state == session.StatePaused
		due := start.Add(addSat(offset, s.pausedTotal))
		s.mu.Unlock()

		if paused {
			select {
			case <-ctx.Done():
				return due, ctx.Err()
			case <-s.wake:
			}
			continue
		}

		d := due.Sub(s.p.clock.Now())
		if d <= 0 {
			return due, nil
		}
		select {
		case <-ctx.Done():
			return due, ctx.Err()
		case <-s.wake:
		case <-s.p.clock.After(d):
		}
	}
}

func (s *Session) publish(ctx context.Context, client broker.Client, msg store.Message, due time.Time) error {
	cfg := s.p.cfg
	qos := msg.QoS
	if cfg.QoS != nil {
		qos = *cfg.QoS
	}
	retained := cfg.Retain && msg.Retained

	err := client.Publish(ctx, msg.Topic, msg.Payload, qos, retained)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.mu.Lock()
		s.result.Failures = append(s.result.Failures, Failure{Sequence: msg.Sequence, Topic: msg.Topic, Err: err})
		s.mu.Unlock()
		s.p.metrics.PublishFailed()
		s.log.Warn("publish failed", "seq", msg.Sequence, "topic", msg.Topic, "error", err)
		return err
	}

	lag := s.p.clock.Now().Sub(due)
	s.mu.Lock()
	s.result.Published++
	s.mu.Unlock()
	s.p.metrics.Published(lag)
	s.log.Debug("message published", "seq", msg.Sequence, "topic", msg.Topic, "bytes", len(msg.Payload), "lag", lag)
	return nil
}

// finish records the terminal state unless Stop already did.
func (s *Session) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.result.FinishedAt = s.p.clock.Now()
	if s.state.IsTerminal() {
		return
	}
	if err != nil {
		s.state = session.StateFailed
		s.err = err
		s.log.Error("playback failed", "published", s.result.Published, "error", err)
		return
	}
	s.state = session.StateFinished
	s.log.Info("playback finished",
		"published", s.result.Published,
		"failures", len(s.result.Failures),
		"duration", s.result.FinishedAt.Sub(s.result.StartedAt),
	)
}

// Pause holds emission until Resume. Time spent paused shifts the rest of
// the schedule so gaps between messages are preserved.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != session.StatePlaying {
		return session.Invalid("pause", s.state)
	}
	s.state = session.StatePaused
	s.pausedAt = s.p.clock.Now()
	s.nudge()
	return nil
}

// Resume continues a paused session.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != session.StatePaused {
		return session.Invalid("resume", s.state)
	}
	s.pausedTotal += s.p.clock.Now().Sub(s.pausedAt)
	s.state = session.StatePlaying
	s.nudge()
	return nil
}

func (s *Session) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop cancels playback and returns once the loop has exited, so nothing is
// published after Stop returns. The session ends cancelled. Stop on an
// ended session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.abort != nil {
		s.stopping = true
		s.abort()
	}
	s.mu.Unlock()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	switch {
	case s.state == session.StateIdle:
		s.state = session.StateCancelled
		s.mu.Unlock()
		close(s.done)
		return nil
	case s.state.IsTerminal():
		s.mu.Unlock()
		return nil
	}
	if s.state == session.StatePaused {
		s.pausedTotal += s.p.clock.Now().Sub(s.pausedAt)
	}
	s.state = session.StateCancelled
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.done
	s.log.Info("playback cancelled", "published", s.Result().Published)
	return nil
}

// Wait blocks until the session ends or ctx is done and returns the result
// together with the error that failed the session, if any.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.Result(), s.Err()
	case <-ctx.Done():
		return s.Result(), ctx.Err()
	}
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that failed the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Result returns a snapshot of the session's progress.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.result
	r.Failures = append([]Failure(nil), s.result.Failures...)
	return r
}

// FailureErr joins the failures of r into one error, or nil.
func (r Result) FailureErr() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("seq %d: %w", f.Sequence, f.Err))
	}
	return errors.Join(errs...)
}
