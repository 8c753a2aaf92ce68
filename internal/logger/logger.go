// Package logger provides structured logging using go.uber.org/zap.
package logger

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	// SessionIDKey is the context key carrying the active session ID.
	SessionIDKey contextKey = "session_id"
	// ConversationIDKey is the context key carrying the active conversation ID (main or subagent).
	ConversationIDKey contextKey = "conversation_id"
)

// Config holds the configuration for the logger.
type Config struct {
	Level      string `mapstructure:"level"`      // debug, info, warn, error
	Format     string `mapstructure:"format"`     // json, console
	OutputPath string `mapstructure:"outputPath"` // stdout, stderr, or file path
}

// Logger wraps zap.Logger to provide structured logging with helper methods.
type Logger struct {
	zap    *zap.Logger
	fields []zap.Field
}

var (
	defaultLogger     *Logger
	defaultLoggerOnce sync.Once
)

// Default returns the global default logger, lazily initialized with
// info-level logging to stdout, console-formatted for a terminal and
// JSON-formatted under a container orchestrator.
func Default() *Logger {
	defaultLoggerOnce.Do(func() {
		var err error
		defaultLogger, err = New(Config{
			Level:      "info",
			Format:     detectFormat(),
			OutputPath: "stdout",
		})
		if err != nil {
			zapLogger, _ := zap.NewProduction()
			defaultLogger = &Logger{zap: zapLogger}
		}
	})
	return defaultLogger
}

// SetDefault overrides the global default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// New creates a Logger from the given configuration.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" || cfg.Format == "text" {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var sink zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "", "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		sink = zapcore.AddSync(f)
	}

	core := zapcore.NewCore(encoder, sink, level)
	zl := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{zap: zl}, nil
}

// detectFormat favors JSON under a container/orchestrator, console text
// on an interactive terminal.
func detectFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTSESSION_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithFields returns a derived Logger carrying the given fields.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{
		zap:    l.zap.With(fields...),
		fields: append(append([]zap.Field{}, l.fields...), fields...),
	}
}

// WithContext attaches session/conversation identifiers found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var fields []zap.Field
	if sid, ok := ctx.Value(SessionIDKey).(string); ok && sid != "" {
		fields = append(fields, zap.String("session_id", sid))
	}
	if cid, ok := ctx.Value(ConversationIDKey).(string); ok && cid != "" {
		fields = append(fields, zap.String("conversation_id", cid))
	}
	if len(fields) == 0 {
		return l
	}
	return l.WithFields(fields...)
}

// WithError returns a derived Logger carrying the given error field.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(zap.Error(err))
}

// WithSessionID returns a derived Logger carrying the session_id field.
func (l *Logger) WithSessionID(id string) *Logger {
	return l.WithFields(zap.String("session_id", id))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Fatal logs at fatal level, then calls os.Exit(1).
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// LogAtLevel dispatches to Debug/Info/Warn/Error by name, falling back to
// Info for an unrecognized level. Used by runnerproto to forward runner
// "log" events at the level the runner chose.
func (l *Logger) LogAtLevel(level string, msg string, fields ...zap.Field) {
	switch level {
	case "debug":
		l.Debug(msg, fields...)
	case "warn":
		l.Warn(msg, fields...)
	case "error":
		l.Error(msg, fields...)
	default:
		l.Info(msg, fields...)
	}
}

// Zap returns the underlying zap.Logger for advanced use.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}
