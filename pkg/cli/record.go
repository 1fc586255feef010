package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/mqttlog/pkg/cli/internal/output"
	"github.com/getmockd/mqttlog/pkg/cli/internal/parse"
	"github.com/getmockd/mqttlog/pkg/recorder"
)

type recordFlags struct {
	broker    string
	topics    []string
	qos       int
	outputDir string
	clientID  string
	username  string
	password  string
	duration  time.Duration
}

// recordSummary is printed when a recording ends.
type recordSummary struct {
	Path          string    `json:"path"`
	State         string    `json:"state"`
	Messages      uint64    `json:"messages"`
	StartedAt     time.Time `json:"startedAt"`
	LastMessageAt time.Time `json:"lastMessageAt,omitzero"`
	Error         string    `json:"error,omitempty"`
}

func newRecordCommand(a *app) *cobra.Command {
	var f recordFlags

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture MQTT messages into a new store file",
		Long: `Subscribes to the given topic filters and appends every message, with its
capture time, to a new SQLite file named MQTT_log_<start time>.db.

Recording runs until interrupted (Ctrl+C), until --duration elapses, or until
the connection or the store fails.`,
		Example: `  # Record two filters from a local broker
  mqttlog record --broker localhost:1883 --topic 'sensors/#' --topic 'devices/+/state'

  # Record for ten minutes into ./logs
  mqttlog record -b tcp://broker:1883 -t '#' -o ./logs --duration 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fl := cmd.Flags()
			rc := &a.cfg.Recorder
			if fl.Changed("broker") {
				rc.BrokerAddress = f.broker
			}
			if fl.Changed("topic") {
				rc.Topics = parse.SplitTrim(f.topics, ",")
			}
			if fl.Changed("qos") {
				rc.QoS = f.qos
			}
			if fl.Changed("output-dir") {
				rc.OutputDir = f.outputDir
			}
			if fl.Changed("client-id") {
				rc.ClientID = f.clientID
			}
			if fl.Changed("username") {
				rc.Username = f.username
			}
			if fl.Changed("password") {
				rc.Password = f.password
			}
			if err := a.cfg.ValidateRecorder(); err != nil {
				return err
			}
			return a.runRecord(cmd, f.duration)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.broker, "broker", "b", "", "Broker address (host:port or tcp://host:port)")
	fl.StringArrayVarP(&f.topics, "topic", "t", nil, "Topic filter to subscribe to (repeatable, or comma separated)")
	fl.IntVarP(&f.qos, "qos", "q", 0, "Subscription QoS (0, 1 or 2)")
	fl.StringVarP(&f.outputDir, "output-dir", "o", "", "Directory for the store file")
	fl.StringVar(&f.clientID, "client-id", "", "MQTT client ID (default mqttlog-rec-<random>)")
	fl.StringVarP(&f.username, "username", "u", "", "Broker username")
	fl.StringVarP(&f.password, "password", "P", "", "Broker password")
	fl.DurationVarP(&f.duration, "duration", "d", 0, "Stop after this long (0 records until interrupted)")

	return cmd
}

func (a *app) runRecord(cmd *cobra.Command, duration time.Duration) error {
	ctx := cmd.Context()

	rec, err := recorder.New(a.cfg.RecorderSettings(),
		recorder.WithLogger(a.log),
		recorder.WithMetrics(a.metrics),
		recorder.WithClientFactory(a.clientFactory()),
	)
	if err != nil {
		return err
	}

	sess, err := rec.Start(ctx)
	if err != nil {
		return err
	}
	a.log.Info("recording",
		"store", sess.Path(),
		"broker", rec.Config().BrokerAddress,
		"topics", rec.Config().Topics)

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		a.log.Info("interrupted, stopping recording")
	case <-timeout:
		a.log.Info("duration elapsed, stopping recording", "duration", duration)
	case <-sess.Done():
	}

	stopErr := sess.Stop()
	stats := sess.Stats()
	sessErr := sess.Err()

	summary := recordSummary{
		Path:          stats.Path,
		State:         string(stats.State),
		Messages:      stats.Messages,
		StartedAt:     stats.StartedAt,
		LastMessageAt: stats.LastMessageAt,
	}
	if sessErr != nil {
		summary.Error = sessErr.Error()
	}

	if a.jsonOutput {
		if err := output.JSON(a.stdout, summary); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintf(a.stdout, "Recorded %s messages to %s\n", output.Count(int64(stats.Messages)), stats.Path)
		_, _ = fmt.Fprintf(a.stdout, "  State:    %s\n", summary.State)
		_, _ = fmt.Fprintf(a.stdout, "  Started:  %s\n", output.Time(stats.StartedAt))
		_, _ = fmt.Fprintf(a.stdout, "  Last:     %s\n", output.Time(stats.LastMessageAt))
	}

	if sessErr != nil {
		return fmt.Errorf("recording failed: %w", sessErr)
	}
	return stopErr
}
