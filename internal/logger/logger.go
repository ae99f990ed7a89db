// Package logger provides structured logging for the storage engine.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with engine-specific derived-logger helpers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// New creates a new structured logger.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "wiredb").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger { return &l.zlog }

func (l *Logger) Info(msg string) *zerolog.Event  { return l.zlog.Info().Str("msg", msg) }
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }
func (l *Logger) Warn(msg string) *zerolog.Event  { return l.zlog.Warn().Str("msg", msg) }
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }

// WithFields returns a logger with additional fields merged into its context.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// Component returns a logger tagged with a component name, e.g. "wal",
// "buffer", "btree", "txn", "checkpoint".
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// WithTxn returns a logger tagged with a transaction id and a correlation
// id, so every log line belonging to one transaction's lifetime can be
// grepped as a single thread.
func (l *Logger) WithTxn(xid uint32, correlationID string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Uint32("xid", xid).
			Str("corr_id", correlationID).
			Logger(),
	}
}

// LogCheckpoint logs a completed checkpoint.
func (l *Logger) LogCheckpoint(redoLSN, checkpointLSN uint64, d time.Duration) {
	l.zlog.Info().
		Str("event", "checkpoint").
		Uint64("redo_lsn", redoLSN).
		Uint64("checkpoint_lsn", checkpointLSN).
		Dur("duration_ms", d).
		Msg("checkpoint completed")
}

// LogRecovery logs startup recovery progress.
func (l *Logger) LogRecovery(recordsApplied int, d time.Duration) {
	l.zlog.Info().
		Str("event", "recovery").
		Int("records_applied", recordsApplied).
		Dur("duration_ms", d).
		Msg("crash recovery completed")
}

// Global logger instance, mirroring the teacher's package-level singleton.
var global *Logger

// InitGlobal initializes the global logger.
func InitGlobal(cfg Config) { global = New(cfg) }

// Global returns the global logger instance, initializing it with defaults
// if InitGlobal was never called.
func Global() *Logger {
	if global == nil {
		InitGlobal(Config{Level: "info", Pretty: true})
	}
	return global
}
