package metrics

import (
	"sync"
	"time"
)

// Session kind label values for ActiveSessions.
const (
	KindRecord = "record"
	KindPlay   = "play"
)

// Set groups the metrics recorded by capture and playback sessions.
// A nil *Set is valid and records nothing, so callers never need to check.
type Set struct {
	// MessagesRecorded counts messages persisted by recording sessions.
	MessagesRecorded *Counter

	// RecordErrors counts recording sessions that failed.
	// Labels: reason (write, connection)
	RecordErrors *Counter

	// MessagesPublished counts messages republished by playback sessions.
	MessagesPublished *Counter

	// PublishFailures counts messages the broker refused during playback.
	PublishFailures *Counter

	// ActiveSessions is the number of sessions currently running.
	// Labels: kind (record, play)
	ActiveSessions *Gauge

	// PlaybackLag observes how late each publish happened relative to its schedule, in seconds.
	PlaybackLag *Histogram

	// UptimeSeconds is the process uptime in seconds.
	UptimeSeconds *Gauge
}

// NewSet registers the session metrics on r.
func NewSet(r *Registry) *Set {
	return &Set{
		MessagesRecorded: r.NewCounter(
			"mqttlog_messages_recorded_total",
			"Total number of messages captured and persisted",
		),
		RecordErrors: r.NewCounter(
			"mqttlog_record_errors_total",
			"Total number of recording sessions that failed",
			"reason",
		),
		MessagesPublished: r.NewCounter(
			"mqttlog_messages_published_total",
			"Total number of messages republished during playback",
		),
		PublishFailures: r.NewCounter(
			"mqttlog_publish_failures_total",
			"Total number of playback publishes rejected by the broker",
		),
		ActiveSessions: r.NewGauge(
			"mqttlog_active_sessions",
			"Number of running recording and playback sessions",
			"kind",
		),
		PlaybackLag: r.NewHistogram(
			"mqttlog_playback_lag_seconds",
			"Delay between the scheduled and actual publish time",
			DefaultBuckets,
		),
		UptimeSeconds: r.NewGauge(
			"mqttlog_uptime_seconds",
			"Process uptime in seconds",
		),
	}
}

// Recorded counts one persisted message.
func (s *Set) Recorded() {
	if s == nil {
		return
	}
	_ = s.MessagesRecorded.Inc()
}

// RecordFailed counts a failed recording session.
func (s *Set) RecordFailed(reason string) {
	if s == nil {
		return
	}
	if vec, err := s.RecordErrors.WithLabels(reason); err == nil {
		_ = vec.Inc()
	}
}

// Published counts one republished message and how late it went out.
func (s *Set) Published(lag time.Duration) {
	if s == nil {
		return
	}
	_ = s.MessagesPublished.Inc()
	_ = s.PlaybackLag.Observe(max(lag, 0).Seconds())
}

// PublishFailed counts one rejected publish.
func (s *Set) PublishFailed() {
	if s == nil {
		return
	}
	_ = s.PublishFailures.Inc()
}

// SessionStarted increments the active session gauge for kind.
func (s *Set) SessionStarted(kind string) {
	if s == nil {
		return
	}
	if vec, err := s.ActiveSessions.WithLabels(kind); err == nil {
		vec.Inc()
	}
}

// SessionEnded decrements the active session gauge for kind.
func (s *Set) SessionEnded(kind string) {
	if s == nil {
		return
	}
	if vec, err := s.ActiveSessions.WithLabels(kind); err == nil {
		vec.Dec()
	}
}

var (
	defaultRegistry *Registry
	defaultSet      *Set
	initOnce        sync.Once
)

// Init creates the process-wide registry with the session metrics and Go
// runtime metrics. It is idempotent.
func Init() (*Registry, *Set) {
	initOnce.Do(func() {
		defaultRegistry = NewRegistry()
		defaultSet = NewSet(defaultRegistry)
		rc := NewRuntimeCollector(defaultRegistry, defaultSet.UptimeSeconds)
		defaultRegistry.OnScrape(rc.Collect)
	})
	return defaultRegistry, defaultSet
}

// Default returns the process-wide set, or nil if Init has not been called.
func Default() *Set {
	return defaultSet
}

// Reset discards the process-wide registry. Useful for testing.
func Reset() {
	initOnce = sync.Once{}
	defaultRegistry = nil
	defaultSet = nil
}
