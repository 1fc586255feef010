// Package cli implements the mqttlog command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/mqttlog/pkg/broker"
	"github.com/getmockd/mqttlog/pkg/config"
	"github.com/getmockd/mqttlog/pkg/logging"
	"github.com/getmockd/mqttlog/pkg/metrics"
)

var (
	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// metricsShutdownTimeout bounds the metrics server shutdown.
const metricsShutdownTimeout = 2 * time.Second

// app is the state shared by every command of one invocation.
type app struct {
	// flags
	configPath  string
	jsonOutput  bool
	logLevel    string
	logFormat   string
	logFile     string
	verbose     bool
	metricsAddr string

	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer
	metrics   *metrics.Set
	server    *http.Server

	stdout io.Writer
	stderr io.Writer

	// newClient is the broker client factory; nil means paho.
	newClient broker.NewClientFunc
}

// NewRootCommand builds the mqttlog command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "mqttlog",
		Short: "Record MQTT traffic and replay it later",
		Long: `mqttlog subscribes to MQTT topics and records every message, with its
capture time, into a SQLite file. Recordings can be replayed against any broker
at the original pace or scaled by a speed factor.

Settings are read from a TOML or YAML file (--config, default
~/.config/mqttlog/config.toml), then MQTTLOG_* environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	a.stdout = root.OutOrStdout()
	a.stderr = root.ErrOrStderr()

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "Config file (TOML or YAML)")
	pf.BoolVar(&a.jsonOutput, "json", false, "Output command results in JSON format")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", "", "Log format: text, json")
	pf.StringVar(&a.logFile, "log-file", "", "Also append JSON logs to this file")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "Log every captured or replayed message (same as --log-level debug)")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")

	root.AddCommand(
		newRecordCommand(a),
		newPlayCommand(a),
		newInfoCommand(a),
		newExportCommand(a),
		newBrokerCommand(a),
		newVersionCommand(a),
	)
	return root
}

// Execute runs the CLI with ctx, which should be cancelled on SIGINT/SIGTERM.
func Execute(ctx context.Context) int {
	a := &app{}
	root := newRootCommand(a)
	if err := a.execute(ctx, root); err != nil {
		_, _ = fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

// execute runs root and releases what setup acquired, whether or not the
// command succeeded.
func (a *app) execute(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.teardown())
}

// setup loads configuration, applies global flags, opens the logger and
// starts the metrics endpoint.
func (a *app) setup(cmd *cobra.Command) error {
	a.stdout = cmd.OutOrStdout()
	a.stderr = cmd.ErrOrStderr()

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if a.logFile != "" {
		cfg.Log.File = a.logFile
	}
	if a.metricsAddr != "" {
		cfg.Metrics.Address = a.metricsAddr
	}
	a.cfg = cfg

	logCfg := cfg.LoggingSettings()
	logCfg.Output = a.stderr
	log, closer, err := logging.Open(logCfg)
	if err != nil {
		return err
	}
	a.log = log
	a.logCloser = closer

	if cfg.Metrics.Address != "" {
		if err := a.serveMetrics(cfg.Metrics.Address); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) serveMetrics(addr string) error {
	registry, set := metrics.Init()
	a.metrics = set

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", registry.Handler())
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", "error", err)
		}
	}()
	a.log.Info("serving metrics", "address", ln.Addr().String())
	return nil
}

func (a *app) teardown() error {
	var errs []error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		errs = append(errs, a.server.Shutdown(ctx))
		cancel()
		a.server = nil
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
		a.logCloser = nil
	}
	return errors.Join(errs...)
}

// clientFactory returns the broker client constructor for sessions.
func (a *app) clientFactory() broker.NewClientFunc {
	if a.newClient != nil {
		return a.newClient
	}
	return broker.NewPahoClient
}
