// Package logging builds the process-wide slog.Logger from the logconfig
// file. The file format itself is an external collaborator's concern (see
// the logconfig CLI argument in the top-level spec); this package only
// needs enough of it to pick an output path, rotation policy, and level.
package logging

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// FileConfig is the minimal logconfig shape this supervisor understands.
// An operator's logconfig file may carry other fields meant for
// downstream tooling; those are ignored here.
type FileConfig struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Setup reads path as YAML logconfig and returns a ready-to-use logger plus
// the io.Closer-like rotator so the caller can flush it on shutdown.
func Setup(path string) (*slog.Logger, *lumberjack.Logger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: read logconfig %s: %w", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, nil, fmt.Errorf("logging: parse logconfig %s: %w", path, err)
	}
	if fc.Path == "" {
		return nil, nil, fmt.Errorf("logging: logconfig %s: path must be set", path)
	}

	rotator := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    defaultInt(fc.MaxSizeMB, 100),
		MaxBackups: defaultInt(fc.MaxBackups, 5),
		MaxAge:     defaultInt(fc.MaxAgeDays, 28),
		Compress:   fc.Compress,
	}

	handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: parseLevel(fc.Level)})
	return slog.New(handler), rotator, nil
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
