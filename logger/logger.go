package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	mu            sync.RWMutex
	defaultLogger = slog.Default()
)

// LogLevel represents log levels
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration
type Config struct {
	Level  LogLevel `toml:"level" validate:"required,oneof=debug info warn error"`
	Format string   `toml:"format" validate:"required,oneof=text json"` // "text" or "json"
}

// Validate validates the logger configuration
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

func (c *Config) level() slog.Level {
	switch c.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init configures the global logger, writing to stdout.
func Init(config Config) {
	InitWriter(config, os.Stdout)
}

// InitWriter configures the global logger to write to w.
func InitWriter(config Config, w io.Writer) {
	if err := config.Validate(); err != nil {
		slog.Error("Invalid logger configuration", "error", err)
	}

	opts := &slog.HandlerOptions{Level: config.level()}

	var handler slog.Handler
	switch config.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	l := slog.New(handler)
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
	slog.SetDefault(l)
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Debug logs at debug level
func Debug(msg string, args ...any) {
	get().Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	get().Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	get().Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	get().Error(msg, args...)
}

// With returns a logger with additional context
func With(args ...any) *slog.Logger {
	return get().With(args...)
}

// Fatal logs an error and exits the program
func Fatal(msg string, args ...any) {
	get().Error(msg, args...)
	os.Exit(1)
}

// Service creates a logger with service context
func Service(service string) *slog.Logger {
	return get().With("service", service)
}

// Workflow creates a logger scoped to a workflow template
func Workflow(name string) *slog.Logger {
	return get().With("workflow", name)
}

// Job creates a logger scoped to one generation job
func Job(workflow, jobID string) *slog.Logger {
	return get().With("workflow", workflow, "job", jobID)
}
