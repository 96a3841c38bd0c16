package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with consistent field structure
type Logger struct {
	*zap.Logger
}

// Fields for consistent structured logging
type Fields struct {
	Component   string
	Operation   string
	Principal   string
	ThreatID    string
	SessionID   string
	Severity    string
	Level       int
	EventType   string
	Detector    string
	Channel     string
	Error       error
	Duration    string
	Count       int
	Reason      string
	// Additional fields as key-value pairs
	Additional map[string]interface{}
}

var (
	globalLogger *Logger
	initOnce     sync.Once
)

// Init initializes the global logger
func Init(level string, development bool) error {
	var zapLevel zapcore.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		zapLevel = zapcore.DebugLevel
	case "INFO":
		zapLevel = zapcore.InfoLevel
	case "WARN", "WARNING":
		zapLevel = zapcore.WarnLevel
	case "ERROR":
		zapLevel = zapcore.ErrorLevel
	case "FATAL":
		zapLevel = zapcore.FatalLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var config zap.Config
	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.EncoderConfig.MessageKey = "message"
		config.EncoderConfig.LevelKey = "level"
		config.EncoderConfig.CallerKey = "caller"
	}

	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	zl, err := config.Build(
		zap.AddCallerSkip(1), // Skip logger wrapper calls
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return err
	}

	globalLogger = &Logger{Logger: zl}
	return nil
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	if globalLogger == nil {
		initOnce.Do(func() {
			if globalLogger == nil {
				_ = Init("INFO", false)
			}
		})
	}
	return globalLogger
}

// WithFields creates a new logger with structured fields
func (l *Logger) WithFields(fields Fields) *zap.Logger {
	zapFields := []zap.Field{}

	if fields.Component != "" {
		zapFields = append(zapFields, zap.String("component", fields.Component))
	}
	if fields.Operation != "" {
		zapFields = append(zapFields, zap.String("operation", fields.Operation))
	}
	if fields.Principal != "" {
		zapFields = append(zapFields, zap.String("principal", fields.Principal))
	}
	if fields.ThreatID != "" {
		zapFields = append(zapFields, zap.String("threat_id", fields.ThreatID))
	}
	if fields.SessionID != "" {
		zapFields = append(zapFields, zap.String("session_id", fields.SessionID))
	}
	if fields.Severity != "" {
		zapFields = append(zapFields, zap.String("severity", fields.Severity))
	}
	if fields.Level != 0 {
		zapFields = append(zapFields, zap.Int("security_level", fields.Level))
	}
	if fields.EventType != "" {
		zapFields = append(zapFields, zap.String("event_type", fields.EventType))
	}
	if fields.Detector != "" {
		zapFields = append(zapFields, zap.String("detector", fields.Detector))
	}
	if fields.Channel != "" {
		zapFields = append(zapFields, zap.String("channel", fields.Channel))
	}
	if fields.Error != nil {
		zapFields = append(zapFields, zap.Error(fields.Error))
	}
	if fields.Duration != "" {
		zapFields = append(zapFields, zap.String("duration", fields.Duration))
	}
	if fields.Count != 0 {
		zapFields = append(zapFields, zap.Int("count", fields.Count))
	}
	if fields.Reason != "" {
		zapFields = append(zapFields, zap.String("reason", fields.Reason))
	}
	for k, v := range fields.Additional {
		zapFields = append(zapFields, zap.Any(k, v))
	}

	return l.Logger.With(zapFields...)
}

// Info logs an info message with fields
func Info(msg string, fields Fields) {
	GetLogger().WithFields(fields).Info(msg)
}

// Warn logs a warning message with fields
func Warn(msg string, fields Fields) {
	GetLogger().WithFields(fields).Warn(msg)
}

// Error logs an error message with fields
func Error(msg string, fields Fields) {
	GetLogger().WithFields(fields).Error(msg)
}

// Debug logs a debug message with fields
func Debug(msg string, fields Fields) {
	GetLogger().WithFields(fields).Debug(msg)
}

// Sync flushes any buffered log entries
func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Logger.Sync()
	}
}
