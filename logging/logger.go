package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// String returns the upper-case level name.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration string (debug, info, warn, error) into
// a LogLevel. Unknown values yield LogLevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) slog() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger is the logging surface every agentrelay package depends on.
// Arguments after the message are slog-style key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ToolCallLogger is implemented by loggers that record tool executions as
// dedicated structured entries.
type ToolCallLogger interface {
	LogToolCall(tool string, dur time.Duration, success bool, err error)
}

// LLMCallLogger is implemented by loggers that record completion backend
// calls as dedicated structured entries.
type LLMCallLogger interface {
	LogLLMCall(model string, tokens int, dur time.Duration, success bool, err error)
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any) {}
func (NoOpLogger) Info(string, ...any)  {}
func (NoOpLogger) Warn(string, ...any)  {}
func (NoOpLogger) Error(string, ...any) {}

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Level     LogLevel
	Format    string // json or text
	Output    io.Writer
	AddSource bool
	Component string
}

// DefaultLoggerConfig returns a JSON, info level configuration writing to stdout.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stdout}
}

// StructuredLogger is the slog-backed Logger. Scoping methods return a new
// logger; the receiver is never modified.
type StructuredLogger struct {
	logger *slog.Logger
}

// NewLogger builds a StructuredLogger from cfg (defaults if nil).
func NewLogger(cfg *LoggerConfig) *StructuredLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.slog(), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	l := &StructuredLogger{logger: slog.New(handler)}
	if cfg.Component != "" {
		l = l.WithComponent(cfg.Component)
	}
	return l
}

// NewSlogLogger is shorthand for NewLogger with level, format and source
// location set.
func NewSlogLogger(level LogLevel, format string, addSource bool) *StructuredLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	if format != "" {
		cfg.Format = format
	}
	cfg.AddSource = addSource
	return NewLogger(cfg)
}

// With attaches key/value attributes to every entry of the returned logger.
func (l *StructuredLogger) With(args ...any) *StructuredLogger {
	return &StructuredLogger{logger: l.logger.With(args...)}
}

// WithComponent tags entries with the emitting package.
func (l *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return l.With("component", component)
}

// WithSession tags entries with the chat and request they belong to. Empty
// ids are omitted.
func (l *StructuredLogger) WithSession(chatID, requestID string) *StructuredLogger {
	args := make([]any, 0, 4)
	if chatID != "" {
		args = append(args, "chat_id", chatID)
	}
	if requestID != "" {
		args = append(args, "request_id", requestID)
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}

func (l *StructuredLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *StructuredLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *StructuredLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *StructuredLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// ErrorWithStack logs err at error level together with the calling
// goroutine's stack.
func (l *StructuredLogger) ErrorWithStack(err error, msg string, args ...any) {
	if !l.logger.Enabled(context.Background(), slog.LevelError) {
		return
	}
	l.logger.Error(msg, append(stackArgs(err), args...)...)
}

// LogToolCall records one tool execution. Failures are logged at error level.
func (l *StructuredLogger) LogToolCall(tool string, dur time.Duration, success bool, err error) {
	l.outcome("tool.call", err, "tool", tool, "duration", dur, "success", success)
}

// LogLLMCall records one completion backend call.
func (l *StructuredLogger) LogLLMCall(model string, tokens int, dur time.Duration, success bool, err error) {
	l.outcome("llm.call", err, "model", model, "token_count", tokens, "duration", dur, "success", success)
}

func (l *StructuredLogger) outcome(prefix string, err error, args ...any) {
	if err != nil {
		l.logger.Error(prefix+".failed", append(args, "error", err.Error())...)
		return
	}
	l.logger.Info(prefix+".completed", args...)
}

func stackArgs(err error) []any {
	stack := make([]byte, 4096)
	n := runtime.Stack(stack, false)
	return []any{"error", err.Error(), "error_type", fmt.Sprintf("%T", err), "stack_trace", string(stack[:n])}
}

// ForComponent scopes l to component when it supports scoping and returns
// it unchanged otherwise.
func ForComponent(l Logger, component string) Logger {
	if sl, ok := l.(*StructuredLogger); ok {
		return sl.WithComponent(component)
	}
	return l
}

// ForRequest scopes l to one chat request when it supports scoping.
func ForRequest(l Logger, chatID, requestID string) Logger {
	if sl, ok := l.(*StructuredLogger); ok {
		return sl.WithSession(chatID, requestID)
	}
	return l
}

// ErrorWithStack logs err with a stack trace on loggers that support it and
// as a plain error entry on the rest.
func ErrorWithStack(l Logger, err error, msg string, args ...any) {
	if sl, ok := l.(*StructuredLogger); ok {
		sl.ErrorWithStack(err, msg, args...)
		return
	}
	l.Error(msg, append([]any{"error", err.Error()}, args...)...)
}
