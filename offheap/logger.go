package offheap

import "go.uber.org/zap"

// Logger wraps a *zap.Logger with a variadic-keyvals convenience surface
// so the rest of the package never has to build zap.Field slices by hand.
// A nil *Logger is never passed around internally; newLogger always
// returns a usable value backed by zap.NewNop() when unset.
type Logger struct {
	z *zap.Logger
}

// NewLogger wraps z. A nil z is treated as a no-op logger.
func NewLogger(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

func noopLogger() *Logger { return &Logger{z: zap.NewNop()} }

func (l *Logger) fields(keyvals ...any) []zap.Field {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, _ := keyvals[i].(string)
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}
	return fields
}

func (l *Logger) Debug(msg string, keyvals ...any) { l.z.Debug(msg, l.fields(keyvals...)...) }
func (l *Logger) Info(msg string, keyvals ...any)  { l.z.Info(msg, l.fields(keyvals...)...) }
func (l *Logger) Warn(msg string, keyvals ...any)  { l.z.Warn(msg, l.fields(keyvals...)...) }
func (l *Logger) Error(msg string, keyvals ...any) { l.z.Error(msg, l.fields(keyvals...)...) }
