package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/mqttlog/pkg/cli/internal/output"
	"github.com/getmockd/mqttlog/pkg/playback"
	"github.com/getmockd/mqttlog/pkg/store"
)

type playFlags struct {
	broker   string
	speed    float64
	qos      int
	retain   bool
	clientID string
	username string
	password string
}

// playSummary is printed when a playback ends.
type playSummary struct {
	Path       string        `json:"path"`
	State      string        `json:"state"`
	Speed      float64       `json:"speed"`
	Total      int           `json:"total"`
	Published  int           `json:"published"`
	Failed     int           `json:"failed"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt,omitzero"`
	Elapsed    time.Duration `json:"elapsedNs"`
	Error      string        `json:"error,omitempty"`
}

func newPlayCommand(a *app) *cobra.Command {
	var f playFlags

	cmd := &cobra.Command{
		Use:   "play <file>",
		Short: "Replay a store file against a broker",
		Long: `Publishes every message of a store file in capture order, preserving the
original gaps between messages divided by --speed.

A message the broker refuses is reported and playback carries on. Ctrl+C
cancels the playback.`,
		Example: `  # Replay at the original pace
  mqttlog play MQTT_log_2024-03-01-10-00-00.000.db --broker localhost:1883

  # Replay four times faster, forcing QoS 1
  mqttlog play capture.db -b localhost:1883 --speed 4 --qos 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fl := cmd.Flags()
			pc := &a.cfg.Player
			if fl.Changed("broker") {
				pc.BrokerAddress = f.broker
			}
			if fl.Changed("speed") {
				pc.Speed = f.speed
			}
			if fl.Changed("qos") {
				q := f.qos
				pc.QoS = &q
			}
			if fl.Changed("retain") {
				pc.Retain = f.retain
			}
			if fl.Changed("client-id") {
				pc.ClientID = f.clientID
			}
			if fl.Changed("username") {
				pc.Username = f.username
			}
			if fl.Changed("password") {
				pc.Password = f.password
			}
			if err := a.cfg.ValidatePlayer(); err != nil {
				return err
			}
			return a.runPlay(cmd, args[0])
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.broker, "broker", "b", "", "Broker address (host:port or tcp://host:port)")
	fl.Float64VarP(&f.speed, "speed", "s", playback.DefaultSpeed, "Playback speed factor (2 plays twice as fast)")
	fl.IntVarP(&f.qos, "qos", "q", 0, "Publish with this QoS instead of the recorded one")
	fl.BoolVar(&f.retain, "retain", false, "Keep the recorded retained flag (off by default)")
	fl.StringVar(&f.clientID, "client-id", "", "MQTT client ID (default mqttlog-play-<random>)")
	fl.StringVarP(&f.username, "username", "u", "", "Broker username")
	fl.StringVarP(&f.password, "password", "P", "", "Broker password")

	return cmd
}

func (a *app) runPlay(cmd *cobra.Command, path string) error {
	ctx := cmd.Context()

	reader, err := store.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	info, err := reader.Info(ctx)
	if err != nil {
		return err
	}
	if !info.Sealed() {
		output.Warn(a.stderr, "%s was not closed cleanly; replaying the %d messages it holds", path, info.Count)
	}

	player, err := playback.New(a.cfg.PlayerSettings(),
		playback.WithLogger(a.log),
		playback.WithMetrics(a.metrics),
		playback.WithClientFactory(a.clientFactory()),
	)
	if err != nil {
		return err
	}

	sess, err := player.Start(ctx, reader)
	if err != nil {
		return err
	}
	a.log.Info("playing",
		"store", path,
		"messages", info.Count,
		"duration", info.Duration(),
		"speed", player.Config().Speed)

	result, err := sess.Wait(ctx)
	if ctx.Err() != nil {
		a.log.Info("interrupted, stopping playback")
		if stopErr := sess.Stop(); stopErr != nil {
			return stopErr
		}
		result, err = sess.Result(), sess.Err()
	}

	summary := playSummary{
		Path:       path,
		State:      string(sess.State()),
		Speed:      player.Config().Speed,
		Total:      result.Total,
		Published:  result.Published,
		Failed:     len(result.Failures),
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	}
	if !result.FinishedAt.IsZero() {
		summary.Elapsed = result.FinishedAt.Sub(result.StartedAt)
	}
	if err != nil {
		summary.Error = err.Error()
	}

	if a.jsonOutput {
		if err := output.JSON(a.stdout, summary); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintf(a.stdout, "Published %s of %s messages from %s\n",
			output.Count(int64(result.Published)), output.Count(int64(result.Total)), path)
		_, _ = fmt.Fprintf(a.stdout, "  State:    %s\n", summary.State)
		_, _ = fmt.Fprintf(a.stdout, "  Speed:    %gx\n", summary.Speed)
		_, _ = fmt.Fprintf(a.stdout, "  Elapsed:  %s\n", output.Duration(summary.Elapsed))
		for _, f := range result.Failures {
			output.Warn(a.stderr, "message %d on %s not published: %v", f.Sequence, f.Topic, f.Err)
		}
	}

	if err != nil {
		return fmt.Errorf("playback failed: %w", err)
	}
	if n := len(result.Failures); n > 0 {
		return fmt.Errorf("%d of %d messages were not published", n, result.Total)
	}
	return nil
}
