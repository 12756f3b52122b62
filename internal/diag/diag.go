// Package diag is the diagnostic sink collaborator from §6: diag(priority,
// fmt, ...) with the eight syslog priorities, plus a verbosity-gated
// debug(level, ...). It is built on log/slog — no repo in the example pack
// carries a current, non-vendored third-party structured-logging
// dependency, while github.com/.../bobbydeveaux-starbucks-mugs's own
// service (agent/internal/transport/client.go, cmd/server/main.go) uses
// log/slog exclusively, so that is the grounded choice here.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Priority mirrors the syslog priority order from §6.
type Priority int

const (
	Emerg Priority = iota
	Alert
	Crit
	Err
	Warning
	Notice
	Info
	Debug
)

// slogLevel maps a syslog Priority onto an slog.Level. slog only defines
// four built-in levels, so Emerg and Alert get custom levels above
// LevelError, Crit shares LevelError with Err, and Notice gets a custom
// level between LevelInfo and LevelWarn; a more severe priority never maps
// to a lower level than a less severe one.
func (p Priority) slogLevel() slog.Level {
	switch p {
	case Emerg:
		return slog.Level(12)
	case Alert:
		return slog.Level(10)
	case Crit:
		return slog.Level(8)
	case Err:
		return slog.LevelError
	case Warning:
		return slog.LevelWarn
	case Notice:
		return slog.Level(2)
	case Info:
		return slog.LevelInfo
	case Debug:
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func (p Priority) String() string {
	switch p {
	case Emerg:
		return "EMERG"
	case Alert:
		return "ALERT"
	case Crit:
		return "CRIT"
	case Err:
		return "ERR"
	case Warning:
		return "WARNING"
	case Notice:
		return "NOTICE"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	}
	return "UNKNOWN"
}

// Sink is the daemon's diagnostic sink.
type Sink struct {
	logger  *slog.Logger
	verbose int
}

// Format selects the slog.Handler used by New, matching bobbydeveaux's
// logging.format config field ("json" or "console").
type Format int

const (
	Console Format = iota
	JSON
)

// New builds a Sink writing to os.Stderr (matching
// the out-of-scope "syslog/stderr sinks" collaborator of §1 falling back to
// stderr when syslog isn't configured).
func New(format Format, verbose int) *Sink {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug - 4}
	var h slog.Handler
	if format == JSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return &Sink{logger: slog.New(h), verbose: verbose}
}

// Diag logs a formatted message at the given syslog priority.
func (s *Sink) Diag(p Priority, format string, args ...any) {
	if s == nil {
		return
	}
	s.logger.Log(context.Background(), p.slogLevel(), sprintf(format, args...), slog.String("priority", p.String()))
}

// Debug logs a message gated by the configured verbosity level: messages at
// a level higher than the configured verbosity are dropped.
func (s *Sink) Debug(level int, format string, args ...any) {
	if s == nil || level > s.verbose {
		return
	}
	s.logger.Log(context.Background(), slog.LevelDebug, sprintf(format, args...), slog.Int("level", level))
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
