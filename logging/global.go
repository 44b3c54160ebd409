// Package logging wires log/slog for the exporter: text to the console,
// JSON to weekly rotating files, and a request logging middleware.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/giygas/zulip-exporter/config"
)

type LoggingService struct {
	Logger   *slog.Logger
	rotating *RotatingLogger
}

var DefaultLoggingService *LoggingService

var (
	fallbackOnce   sync.Once
	fallbackLogger *slog.Logger
)

// Options configures InitLogger
type Options struct {
	LogDir         string
	Env            config.Environment
	LogLevel       string
	Verbose        bool
	RetentionWeeks int
	MaxFileSize    int64
}

// InitLogger initializes the global logger instance. An empty LogDir logs to the console only.
func InitLogger(opts Options) {
	DefaultLoggingService = newLoggingService(opts)
	slog.SetDefault(DefaultLoggingService.Logger)
}

func newLoggingService(opts Options) *LoggingService {
	consoleHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: GetConsoleLogLevel(opts.Env, opts.LogLevel, opts.Verbose),
	})

	if opts.LogDir == "" {
		return &LoggingService{Logger: slog.New(consoleHandler)}
	}

	if err := os.MkdirAll(opts.LogDir, 0750); err != nil {
		logger := slog.New(consoleHandler)
		logger.Error("Failed to create logs directory, logging to console only", "error", err)
		return &LoggingService{Logger: logger}
	}

	retention := opts.RetentionWeeks
	if retention <= 0 {
		retention = 4
	}

	rotating := NewRotatingLoggerWithSizeLimit(opts.LogDir, retention, opts.MaxFileSize)
	rotating.startCleanup()

	fileHandler := slog.NewJSONHandler(rotating, &slog.HandlerOptions{
		Level: GetFileLogLevel(),
	})

	return &LoggingService{
		Logger: slog.New(&multiHandler{
			handlers: []slog.Handler{consoleHandler, fileHandler},
		}),
		rotating: rotating,
	}
}

// Close releases the log file, if any
func (s *LoggingService) Close() error {
	if s == nil || s.rotating == nil {
		return nil
	}
	return s.rotating.Close()
}

// parseLogLevel maps a LOG_LEVEL value to a slog level, defaulting to info
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// GetConsoleLogLevel picks the console level: an explicit LOG_LEVEL wins,
// except under test where output stays quiet unless -v is set
func GetConsoleLogLevel(env config.Environment, logLevel string, verbose bool) slog.Level {
	if env == config.EnvTest {
		if verbose {
			return slog.LevelInfo
		}
		return slog.LevelError
	}

	if logLevel != "" {
		return parseLogLevel(logLevel)
	}

	switch env {
	case config.EnvProduction, config.EnvStaging:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// GetFileLogLevel returns the file level, files always get everything
func GetFileLogLevel() slog.Level {
	return slog.LevelDebug
}

// Logger returns the global logger, or a stderr fallback before InitLogger
func Logger() *slog.Logger {
	return logger()
}

func logger() *slog.Logger {
	if DefaultLoggingService != nil && DefaultLoggingService.Logger != nil {
		return DefaultLoggingService.Logger
	}
	fallbackOnce.Do(func() {
		fallbackLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	})
	return fallbackLogger
}

// Package-level functions for direct access

func Info(msg string, args ...any) {
	logger().Info(msg, args...)
}

func Error(msg string, args ...any) {
	logger().Error(msg, args...)
}

func Warn(msg string, args ...any) {
	logger().Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	logger().Debug(msg, args...)
}

// InfoContext logs with the request context so handlers can see request scoped values
func InfoContext(ctx context.Context, msg string, args ...any) {
	logger().InfoContext(ctx, msg, args...)
}
