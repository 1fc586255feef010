package store

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// filenameLayout names store files after the session start time. Millisecond
// resolution keeps back-to-back sessions in one directory apart.
const filenameLayout = "2006-01-02-15-04-05.000"

// Filename returns the store file name for a session started at t.
func Filename(t time.Time) string {
	return "MQTT_log_" + t.Format(filenameLayout) + ".db"
}

// DefaultDataDir returns the default data directory following the XDG Base Directory layout.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "mqttlog")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mqttlog", "data")
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "mqttlog")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "mqttlog")
		}
		return filepath.Join(home, "AppData", "Local", "mqttlog")
	}
	return filepath.Join(home, ".local", "share", "mqttlog")
}

// DefaultRecordingsDir is where new stores go when no output directory is
// configured.
func DefaultRecordingsDir() string {
	return filepath.Join(DefaultDataDir(), "recordings")
}

// DefaultConfigDir returns the default config directory following the XDG Base Directory layout.
func DefaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "mqttlog")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mqttlog", "config")
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Preferences", "mqttlog")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "mqttlog")
		}
		return filepath.Join(home, "AppData", "Roaming", "mqttlog")
	}
	return filepath.Join(home, ".config", "mqttlog")
}
