package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/mqttlog/pkg/logging"
)

const sampleTOML = `
[recorder]
output_dir = "./logs"
topics = ["sensors/#", "devices/+/state"]
broker_address = "localhost:1883"
qos = 1

[player]
broker_address = "replay.local:1884"
speed = 2.5
qos = 0

[log]
level = "debug"
format = "json"
`

const sampleYAML = `
recorder:
  output_dir: ./logs
  topics: ["sensors/#"]
  broker_address: localhost:1883
player:
  broker_address: replay.local
  retain: true
metrics:
  address: ":9102"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestLoadTOML(t *testing.T) {
	isolateEnv(t)
	cfg, err := Load(writeFile(t, "config.toml", sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "./logs", cfg.Recorder.OutputDir)
	assert.Equal(t, []string{"sensors/#", "devices/+/state"}, cfg.Recorder.Topics)
	assert.Equal(t, "localhost:1883", cfg.Recorder.BrokerAddress)
	assert.Equal(t, 1, cfg.Recorder.QoS)
	assert.Equal(t, "replay.local:1884", cfg.Player.BrokerAddress)
	assert.Equal(t, 2.5, cfg.Player.Speed)
	require.NotNil(t, cfg.Player.QoS)
	assert.Equal(t, 0, *cfg.Player.QoS)
	assert.Equal(t, "debug", cfg.Log.Level)

	require.NoError(t, cfg.ValidateRecorder())
	require.NoError(t, cfg.ValidatePlayer())
}

func TestLoadYAML(t *testing.T) {
	isolateEnv(t)
	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"sensors/#"}, cfg.Recorder.Topics)
	assert.Equal(t, "replay.local", cfg.Player.BrokerAddress)
	assert.True(t, cfg.Player.Retain)
	assert.Equal(t, 1.0, cfg.Player.Speed, "default speed survives a file that omits it")
	assert.Nil(t, cfg.Player.QoS)
	assert.Equal(t, ":9102", cfg.Metrics.Address)
}

func TestLoadErrors(t *testing.T) {
	isolateEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = Load(writeFile(t, "bad.toml", "[recorder\ntopics = 1"))
	assert.ErrorIs(t, err, ErrInvalidTOML)

	_, err = Load(writeFile(t, "typo.toml", "[recorder]\nbroker_adress = \"x\"\n"))
	assert.ErrorIs(t, err, ErrInvalidTOML, "unknown keys are rejected")

	_, err = Load(writeFile(t, "typo.yaml", "recorder:\n  topicz: [a]\n"))
	assert.ErrorIs(t, err, ErrInvalidYAML)

	_, err = Load(writeFile(t, "config.ini", "x=1"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoadWithoutFile(t *testing.T) {
	isolateEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadDefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "mqttlog"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mqttlog", DefaultFilename), []byte(sampleTOML), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:1883", cfg.Recorder.BrokerAddress)
}

func TestEnvOverrides(t *testing.T) {
	isolateEnv(t)
	t.Setenv("MQTTLOG_RECORDER_TOPICS", "a/#,b/+")
	t.Setenv("MQTTLOG_RECORDER_BROKER_ADDRESS", "env-broker:1883")
	t.Setenv("MQTTLOG_PLAYER_SPEED", "4")
	t.Setenv("MQTTLOG_PLAYER_QOS", "2")
	t.Setenv("MQTTLOG_LOG_LEVEL", "warn")
	t.Setenv("MQTTLOG_METRICS_ADDRESS", "127.0.0.1:9100")

	cfg, err := Load(writeFile(t, "config.toml", sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, []string{"a/#", "b/+"}, cfg.Recorder.Topics)
	assert.Equal(t, "env-broker:1883", cfg.Recorder.BrokerAddress)
	assert.Equal(t, "./logs", cfg.Recorder.OutputDir, "unset variables keep file values")
	assert.Equal(t, 4.0, cfg.Player.Speed)
	require.NotNil(t, cfg.Player.QoS)
	assert.Equal(t, 2, *cfg.Player.QoS)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Address)
}

func TestEnvOverrideBadValue(t *testing.T) {
	isolateEnv(t)
	t.Setenv("MQTTLOG_PLAYER_SPEED", "fast")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Recorder.BrokerAddress = "localhost"
		cfg.Recorder.Topics = []string{"#"}
		cfg.Player.BrokerAddress = "localhost"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		check  func(*Config) error
		field  string
	}{
		{"recorder address", func(c *Config) { c.Recorder.BrokerAddress = "" }, (*Config).ValidateRecorder, "recorder.broker_address"},
		{"recorder topics", func(c *Config) { c.Recorder.Topics = nil }, (*Config).ValidateRecorder, "recorder.topics"},
		{"recorder filter", func(c *Config) { c.Recorder.Topics = []string{"a/#/b"} }, (*Config).ValidateRecorder, "recorder.topics"},
		{"recorder qos", func(c *Config) { c.Recorder.QoS = 3 }, (*Config).ValidateRecorder, "recorder.qos"},
		{"player address", func(c *Config) { c.Player.BrokerAddress = "" }, (*Config).ValidatePlayer, "player.broker_address"},
		{"player speed zero", func(c *Config) { c.Player.Speed = 0 }, (*Config).ValidatePlayer, "player.speed"},
		{"player speed negative", func(c *Config) { c.Player.Speed = -2 }, (*Config).ValidatePlayer, "player.speed"},
		{"player qos", func(c *Config) { q := -1; c.Player.QoS = &q }, (*Config).ValidatePlayer, "player.qos"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, (*Config).ValidatePlayer, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, (*Config).ValidateRecorder, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := tt.check(cfg)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	cfg := valid()
	assert.NoError(t, cfg.ValidateRecorder())
	assert.NoError(t, cfg.ValidatePlayer())
}

func TestSettingsConversion(t *testing.T) {
	cfg := Default()
	cfg.Recorder = RecorderConfig{
		BrokerAddress: "b",
		Topics:        []string{"t"},
		QoS:           2,
		OutputDir:     "/tmp/out",
		Username:      "u",
		Password:      "p",
	}
	q := 1
	cfg.Player = PlayerConfig{BrokerAddress: "b2", Speed: 3, QoS: &q, Retain: true}
	cfg.Log = LogConfig{Level: "DEBUG", Format: "json", File: "/tmp/x.log"}

	rc := cfg.RecorderSettings()
	assert.Equal(t, byte(2), rc.QoS)
	assert.Equal(t, "/tmp/out", rc.OutputDir)
	assert.Equal(t, "u", rc.Username)

	pc := cfg.PlayerSettings()
	assert.Equal(t, 3.0, pc.Speed)
	require.NotNil(t, pc.QoS)
	assert.Equal(t, byte(1), *pc.QoS)
	assert.True(t, pc.Retain)

	lc := cfg.LoggingSettings()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, "/tmp/x.log", lc.File)
}
