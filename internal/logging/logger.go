// Package logging holds the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Log is the package-global logger configured by Init.
var Log = zerolog.New(os.Stdout).With().Timestamp().Logger()

// ParseLevel maps "debug", "info", "warn", "error" to a zerolog level.
// Unknown or empty values mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init configures Log. With a non-empty logFilePath, lines go to stdout and
// the file. The returned func closes the file.
func Init(logFilePath, level, service string) (func(), error) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	writers := []io.Writer{os.Stdout}
	var f *os.File
	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		var err error
		f, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
	}
	ctx := zerolog.New(io.MultiWriter(writers...)).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	Log = ctx.Logger()
	return func() {
		if f != nil {
			_ = f.Close()
		}
	}, nil
}

// Get returns a pointer to the package-global logger.
func Get() *zerolog.Logger {
	return &Log
}
