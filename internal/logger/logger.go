package logger

import (
	"strings"

	"go.uber.org/zap"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

// NewNop returns a logger that discards everything. Used by tests and as a constructor default.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(sanitizeKVs(keysAndValues)...)}
}

func sanitizeKVs(kv []interface{}) []interface{} {
	if len(kv) == 0 {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key, _ := kv[i].(string)
		if isRedactKey(strings.ToLower(strings.TrimSpace(key))) {
			out = append(out, kv[i], "[REDACTED]")
			continue
		}
		out = append(out, kv[i], kv[i+1])
	}
	return out
}

func isRedactKey(key string) bool {
	switch {
	case strings.Contains(key, "token"),
		strings.Contains(key, "authorization"),
		strings.Contains(key, "password"),
		strings.Contains(key, "passphrase"),
		strings.Contains(key, "secret"),
		strings.Contains(key, "email"):
		return true
	default:
		return false
	}
}
