package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/getmockd/mqttlog/pkg/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MQTTLOG_"

// DefaultFilename is looked up in the config directory when no file is given.
const DefaultFilename = "config.toml"

// Common errors for configuration loading.
var (
	ErrFileNotFound      = errors.New("configuration file not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInvalidTOML       = errors.New("invalid TOML syntax")
	ErrInvalidYAML       = errors.New("invalid YAML syntax")
	ErrUnsupportedFormat = errors.New("unsupported configuration format")
)

// DefaultPath returns the config file used when none is given explicitly.
func DefaultPath() string {
	return filepath.Join(store.DefaultConfigDir(), DefaultFilename)
}

// Load builds a Config from defaults, the file at path and the environment,
// in that order of precedence from lowest to highest. An empty path falls
// back to DefaultPath if that file exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultPath()); err == nil {
			path = DefaultPath()
		}
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any MQTTLOG_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		case os.IsPermission(err):
			return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml", "":
		return decodeTOML(data, cfg)
	case ".yaml", ".yml":
		return decodeYAML(data, cfg)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// decodeTOML rejects unknown keys so typos do not silently fall back to
// defaults.
func decodeTOML(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return fmt.Errorf("%w at line %d, column %d: %v", ErrInvalidTOML, row, col, derr)
		}
		return fmt.Errorf("%w: %v", ErrInvalidTOML, err)
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}
