// Package logging provides structured logging for oxy.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger creates a structured logger writing to stderr. level is one of
// debug, info, warn or error; format is text or json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter is NewLogger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLevel maps a level name to slog.Level; unknown names mean info.
func parseLevel(level string) slog.Level {
	if l, ok := levels[strings.ToLower(level)]; ok {
		return l
	}
	return slog.LevelInfo
}

// ValidLevel reports whether level is one NewLogger understands.
func ValidLevel(level string) bool {
	_, ok := levels[strings.ToLower(level)]
	return ok
}

// ValidFormat reports whether format is one NewLogger understands.
func ValidFormat(format string) bool {
	f := strings.ToLower(format)
	return f == "text" || f == "json"
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns logger tagged with a component name. A nil logger
// yields a NopLogger.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(KeyComponent, name)
}

// Attribute keys shared by every package.
const (
	KeySessionID   = "session_id"
	KeyReference   = "reference"
	KeyKind        = "kind"
	KeyMsgType     = "msg_type"
	KeyPerspective = "perspective"
	KeyMode        = "mode"
	KeyTransport   = "transport"
	KeyAddress     = "address"
	KeyRemoteAddr  = "remote_addr"
	KeyLocalAddr   = "local_addr"
	KeyPath        = "path"
	KeyCommand     = "command"
	KeyNote        = "note"
	KeyError       = "error"
	KeyComponent   = "component"
	KeyBytes       = "bytes"
	KeyDuration    = "duration"
	KeyCount       = "count"
	KeyAttempt     = "attempt"
	KeyDelay       = "delay"
	KeyPid         = "pid"
	KeyExitCode    = "exit_code"
	KeyFingerprint = "fingerprint"
)
