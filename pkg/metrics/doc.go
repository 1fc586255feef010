// Package metrics provides Prometheus-compatible metrics for recording and
// playback sessions.
//
// The package writes the Prometheus text exposition format
// (text/plain; version=0.0.4) itself. Counters, gauges and histograms are safe
// for concurrent use.
//
// # Session Metrics
//
//   - mqttlog_messages_recorded_total: messages persisted by recorders
//   - mqttlog_record_errors_total: failed recording sessions (labels: reason)
//   - mqttlog_messages_published_total: messages republished by players
//   - mqttlog_publish_failures_total: publishes the broker rejected
//   - mqttlog_active_sessions: running sessions (labels: kind = record|play)
//   - mqttlog_playback_lag_seconds: scheduled vs actual publish delay
//
// # Usage
//
//	registry, set := metrics.Init()
//	rec, _ := recorder.New(cfg, recorder.WithMetrics(set))
//	http.Handle("/metrics", registry.Handler())
package metrics
