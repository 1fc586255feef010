// Package config loads mqttlog settings.
//
// Settings come from a TOML or YAML file (chosen by extension) and are then
// overridden by MQTTLOG_* environment variables:
//
//	[recorder]
//	broker_address = "localhost:1883"
//	topics = ["sensors/#"]
//	output_dir = "./logs"
//
//	[player]
//	broker_address = "localhost:1883"
//	speed = 2.0
//
// MQTTLOG_RECORDER_TOPICS takes a comma separated list. Validation happens
// once, before any session is started, through ValidateRecorder and
// ValidatePlayer.
package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/getmockd/mqttlog/pkg/broker"
	"github.com/getmockd/mqttlog/pkg/logging"
	"github.com/getmockd/mqttlog/pkg/playback"
	"github.com/getmockd/mqttlog/pkg/recorder"
)

// Config is the full mqttlog configuration.
type Config struct {
	Recorder RecorderConfig `toml:"recorder" yaml:"recorder" envPrefix:"RECORDER_"`
	Player   PlayerConfig   `toml:"player" yaml:"player" envPrefix:"PLAYER_"`
	Log      LogConfig      `toml:"log" yaml:"log" envPrefix:"LOG_"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
}

// RecorderConfig configures capture.
type RecorderConfig struct {
	BrokerAddress string   `toml:"broker_address" yaml:"broker_address" env:"BROKER_ADDRESS"`
	Topics        []string `toml:"topics" yaml:"topics" env:"TOPICS" envSeparator:","`
	QoS           int      `toml:"qos" yaml:"qos" env:"QOS"`
	OutputDir     string   `toml:"output_dir" yaml:"output_dir" env:"OUTPUT_DIR"`
	ClientID      string   `toml:"client_id" yaml:"client_id" env:"CLIENT_ID"`
	Username      string   `toml:"username" yaml:"username" env:"USERNAME"`
	Password      string   `toml:"password" yaml:"password" env:"PASSWORD"`
}

// PlayerConfig configures playback.
type PlayerConfig struct {
	BrokerAddress string  `toml:"broker_address" yaml:"broker_address" env:"BROKER_ADDRESS"`
	Speed         float64 `toml:"speed" yaml:"speed" env:"SPEED"`
	// QoS overrides the recorded QoS when set.
	QoS      *int   `toml:"qos,omitempty" yaml:"qos,omitempty" env:"QOS"`
	Retain   bool   `toml:"retain" yaml:"retain" env:"RETAIN"`
	ClientID string `toml:"client_id" yaml:"client_id" env:"CLIENT_ID"`
	Username string `toml:"username" yaml:"username" env:"USERNAME"`
	Password string `toml:"password" yaml:"password" env:"PASSWORD"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level" env:"LEVEL"`
	Format string `toml:"format" yaml:"format" env:"FORMAT"`
	File   string `toml:"file" yaml:"file" env:"FILE"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Address string `toml:"address" yaml:"address" env:"ADDRESS"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Player: PlayerConfig{Speed: playback.DefaultSpeed},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// validLogLevels are the accepted log.level values. Empty means info.
var validLogLevels = map[string]bool{
	"":        true,
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// validLogFormats are the accepted log.format values. Empty means text.
var validLogFormats = map[string]bool{
	"":     true,
	"text": true,
	"json": true,
}

// ValidationError reports an invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ValidateRecorder checks everything a recording session needs.
func (c *Config) ValidateRecorder() error {
	r := c.Recorder
	if r.BrokerAddress == "" {
		return &ValidationError{Field: "recorder.broker_address", Message: "is required"}
	}
	if len(r.Topics) == 0 {
		return &ValidationError{Field: "recorder.topics", Message: "at least one topic is required"}
	}
	for _, t := range r.Topics {
		if err := broker.ValidateTopicFilter(t); err != nil {
			return &ValidationError{Field: "recorder.topics", Message: err.Error()}
		}
	}
	if r.QoS < 0 || r.QoS > 2 {
		return &ValidationError{Field: "recorder.qos", Message: fmt.Sprintf("must be 0, 1 or 2, got %d", r.QoS)}
	}
	return c.validateLog()
}

// ValidatePlayer checks everything a playback session needs.
func (c *Config) ValidatePlayer() error {
	p := c.Player
	if p.BrokerAddress == "" {
		return &ValidationError{Field: "player.broker_address", Message: "is required"}
	}
	if p.Speed <= 0 || math.IsNaN(p.Speed) || math.IsInf(p.Speed, 0) {
		return &ValidationError{Field: "player.speed", Message: fmt.Sprintf("must be a finite number greater than zero, got %v", p.Speed)}
	}
	if p.QoS != nil && (*p.QoS < 0 || *p.QoS > 2) {
		return &ValidationError{Field: "player.qos", Message: fmt.Sprintf("must be 0, 1 or 2, got %d", *p.QoS)}
	}
	return c.validateLog()
}

func (c *Config) validateLog() error {
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return &ValidationError{Field: "log.level", Message: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		return &ValidationError{Field: "log.format", Message: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	return nil
}

// RecorderSettings converts the recorder section for recorder.New.
func (c *Config) RecorderSettings() recorder.Config {
	r := c.Recorder
	return recorder.Config{
		BrokerAddress: r.BrokerAddress,
		Topics:        append([]string(nil), r.Topics...),
		QoS:           byte(r.QoS),
		OutputDir:     r.OutputDir,
		ClientID:      r.ClientID,
		Username:      r.Username,
		Password:      r.Password,
	}
}

// PlayerSettings converts the player section for playback.New.
func (c *Config) PlayerSettings() playback.Config {
	p := c.Player
	cfg := playback.Config{
		BrokerAddress: p.BrokerAddress,
		Speed:         p.Speed,
		Retain:        p.Retain,
		ClientID:      p.ClientID,
		Username:      p.Username,
		Password:      p.Password,
	}
	if p.QoS != nil {
		q := byte(*p.QoS)
		cfg.QoS = &q
	}
	return cfg
}

// LoggingSettings converts the log section for logging.Open.
func (c *Config) LoggingSettings() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Log.Level)
	cfg.Format = logging.ParseFormat(c.Log.Format)
	cfg.File = c.Log.File
	return cfg
}
