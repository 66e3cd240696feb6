// Package logging builds the slog loggers used by the chat binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

type config struct {
	level  slog.Level
	format string
	writer io.Writer
	source bool
}

// Option configures a logger created with New.
type Option func(*config)

// WithLevel sets the minimum level from a name such as "debug" or "warn".
// Unknown names leave the level at info.
func WithLevel(name string) Option {
	return func(c *config) {
		c.level = ParseLevel(name)
	}
}

// WithDebug switches to debug level when debug is true.
func WithDebug(debug bool) Option {
	return func(c *config) {
		if debug {
			c.level = slog.LevelDebug
		}
	}
}

// WithFormat selects "json", "text" or "pretty" output.
func WithFormat(format string) Option {
	return func(c *config) {
		c.format = format
	}
}

// WithWriter overrides the output writer. Defaults to os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		c.writer = w
	}
}

// WithSource includes source file:line in log output.
func WithSource(source bool) Option {
	return func(c *config) {
		c.source = source
	}
}

// New returns a logger. The default is JSON at info level on stdout.
func New(opts ...Option) *slog.Logger {
	c := &config{level: slog.LevelInfo, format: "json", writer: os.Stdout}
	for _, opt := range opts {
		opt(c)
	}

	switch c.format {
	case "pretty":
		l := charmlog.NewWithOptions(c.writer, charmlog.Options{
			ReportTimestamp: true,
			ReportCaller:    c.source,
			Level:           charmLevel(c.level),
		})
		return slog.New(l)
	case "text":
		return slog.New(slog.NewTextHandler(c.writer, &slog.HandlerOptions{Level: c.level, AddSource: c.source}))
	default:
		return slog.New(slog.NewJSONHandler(c.writer, &slog.HandlerOptions{Level: c.level, AddSource: c.source}))
	}
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func charmLevel(level slog.Level) charmlog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmlog.DebugLevel
	case level <= slog.LevelInfo:
		return charmlog.InfoLevel
	case level <= slog.LevelWarn:
		return charmlog.WarnLevel
	default:
		return charmlog.ErrorLevel
	}
}
