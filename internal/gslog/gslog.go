// Package gslog provides structured logging with subsystem-specific levels
// and OpenTelemetry trace context integration.
package gslog

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const loggerKey contextKey = "logger"

// Subsystem names for per-subsystem logging configuration.
const (
	SubsystemPCI     = "PCI"
	SubsystemKmod    = "KMOD"
	SubsystemPower   = "POWER"
	SubsystemDriver  = "DRIVER"
	SubsystemProc    = "PROC"
	SubsystemXorg    = "XORG"
	SubsystemIPC     = "IPC"
	SubsystemSession = "SESSION"
	SubsystemClient  = "CLIENT"
)

// Config holds logging configuration.
type Config struct {
	// DefaultLevel is the default log level for all subsystems.
	DefaultLevel slog.Level
	// SubsystemLevels maps subsystem names to their specific log levels.
	// If a subsystem is not in this map, DefaultLevel is used.
	SubsystemLevels map[string]slog.Level
	// AddSource adds source file information to log entries.
	AddSource bool
}

// NewConfig creates a Config from environment variables.
// Reads LOG_LEVEL for default level and LOG_LEVEL_<SUBSYSTEM> for per-subsystem
// levels. --quiet/--verbose/--debug flags are applied on top by the caller.
func NewConfig() Config {
	cfg := Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
	}

	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		cfg.DefaultLevel = ParseLevel(levelStr)
	}

	subsystems := []string{
		SubsystemPCI, SubsystemKmod, SubsystemPower, SubsystemDriver,
		SubsystemProc, SubsystemXorg, SubsystemIPC, SubsystemSession, SubsystemClient,
	}
	for _, subsystem := range subsystems {
		envKey := "LOG_LEVEL_" + subsystem
		if levelStr := os.Getenv(envKey); levelStr != "" {
			cfg.SubsystemLevels[subsystem] = ParseLevel(levelStr)
		}
	}

	return cfg
}

// ParseLevel parses a log level string, defaulting to info on garbage input.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelFor returns the log level for the given subsystem.
func (c Config) LevelFor(subsystem string) slog.Level {
	if level, ok := c.SubsystemLevels[subsystem]; ok {
		return level
	}
	return c.DefaultLevel
}

// NewSubsystemLogger creates a logger for a specific subsystem with its
// configured level. Records are written as JSON to stderr; if otelHandler
// is non-nil, they fan out to both stderr and the OTel log pipeline.
func NewSubsystemLogger(subsystem string, cfg Config, otelHandler slog.Handler) *slog.Logger {
	level := cfg.LevelFor(subsystem)
	jsonHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	})

	var baseHandler slog.Handler = jsonHandler
	if otelHandler != nil {
		baseHandler = &multiHandler{handlers: []slog.Handler{jsonHandler, otelHandler}}
	}

	return slog.New(&traceContextHandler{
		Handler:   baseHandler,
		subsystem: subsystem,
		level:     level,
	})
}

// traceContextHandler wraps a slog.Handler to add trace context and subsystem.
type traceContextHandler struct {
	slog.Handler
	subsystem string
	level     slog.Level
}

func (h *traceContextHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *traceContextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("subsystem", h.subsystem))
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceContextHandler{Handler: h.Handler.WithAttrs(attrs), subsystem: h.subsystem, level: h.level}
}

func (h *traceContextHandler) WithGroup(name string) slog.Handler {
	return &traceContextHandler{Handler: h.Handler.WithGroup(name), subsystem: h.subsystem, level: h.level}
}

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// AddToContext adds a logger to the context.
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, or returns the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
