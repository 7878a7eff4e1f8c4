// Package log provides structured logging with deployment context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for engine paths (structured fields)
//   - SugaredLogger: Printf-style logging for CLI/debug surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides structured logging. Engine log entries carry deployment
// context fields (deployment_id, stage) attached via WithDeployment.
type Logger struct {
	zap *zap.Logger
}

// SugaredLogger provides printf-style logging for CLI and debug surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a logger writing JSON to stderr at the given level.
// Level strings follow zap conventions ("debug", "info", "warn", "error");
// unknown strings fall back to info.
func NewLogger(level string) *Logger {
	return newLoggerWithWriter(parseLevel(level), os.Stderr)
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() *Logger { return &Logger{zap: zap.NewNop()} }

// WithOutput returns a new logger writing to w instead of stderr.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	return &Logger{zap: l.zap.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }))}
}

// WithDeployment returns a logger whose entries carry the deployment id.
func (l *Logger) WithDeployment(deploymentID string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("deployment_id", deploymentID))}
}

// WithStage returns a logger whose entries carry the current stage.
func (l *Logger) WithStage(stage string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("stage", stage))}
}

// With returns a logger with additional structured fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

func parseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.Set(s); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

func newLoggerWithWriter(level zapcore.Level, w io.Writer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		level,
	)
	return &Logger{zap: zap.New(core)}
}

// Debug logs a debug message with structured fields.
func (l *Logger) Debug(message string, fields ...zap.Field) { l.zap.Debug(message, fields...) }

// Info logs an info message with structured fields.
func (l *Logger) Info(message string, fields ...zap.Field) { l.zap.Info(message, fields...) }

// Warn logs a warning message with structured fields.
func (l *Logger) Warn(message string, fields ...zap.Field) { l.zap.Warn(message, fields...) }

// Error logs an error message with structured fields.
func (l *Logger) Error(message string, fields ...zap.Field) { l.zap.Error(message, fields...) }

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) { s.sugar.Debugf(template, args...) }

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) { s.sugar.Infof(template, args...) }

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) { s.sugar.Warnf(template, args...) }

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) { s.sugar.Errorf(template, args...) }
