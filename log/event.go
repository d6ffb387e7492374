package log

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// LogEvent collects the fields of one log line. Every method is safe to call
// on a nil *LogEvent, which is what a logger returns for a filtered level, so
// call chains need no guard:
//
//	log.Debug().Uint32("node", id).Msg("handshake")
type LogEvent struct {
	logger Logger
	level  Level
	time   time.Time
	msg    string
	fields []zapcore.Field
}

func newEvent(logger Logger) *LogEvent {
	return &LogEvent{
		logger: logger,
		fields: make([]zapcore.Field, 0, 8),
	}
}

// Reset clears the event for reuse from the pool.
func (e *LogEvent) Reset() {
	e.level = InfoLevel
	e.time = time.Time{}
	e.msg = ""
	e.fields = e.fields[:0]
}

func (e *LogEvent) add(f zapcore.Field) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, f)
	return e
}

func (e *LogEvent) Str(key, val string) *LogEvent {
	return e.add(zapcore.Field{Key: key, Type: zapcore.StringType, String: val})
}

func (e *LogEvent) Strs(key string, vals []string) *LogEvent {
	return e.add(zapcore.Field{Key: key, Type: zapcore.ReflectType, Interface: vals})
}

func (e *LogEvent) Int(key string, val int) *LogEvent {
	return e.Int64(key, int64(val))
}

func (e *LogEvent) Int64(key string, val int64) *LogEvent {
	return e.add(zapcore.Field{Key: key, Type: zapcore.Int64Type, Integer: val})
}

func (e *LogEvent) Uint16(key string, val uint16) *LogEvent {
	return e.add(zapcore.Field{Key: key, Type: zapcore.Uint16Type, Integer: int64(val)})
}

func (e *LogEvent) Uint32(key string, val uint32) *LogEvent {
	return e.add(zapcore.Field{Key: key, Type: zapcore.Uint32Type, Integer: int64(val)})
}

func (e *LogEvent) Uint64(key string, val uint64) *LogEvent {
	return e.add(zapcore.Field{Key: key, Type: zapcore.Uint64Type, Integer: int64(val)})
}

func (e *LogEvent) Bool(key string, val bool) *LogEvent {
	var i int64
	if val {
		i = 1
	}
	return e.add(zapcore.Field{Key: key, Type: zapcore.BoolType, Integer: i})
}

// Err adds err under the "error" key. A nil error adds nothing.
func (e *LogEvent) Err(err error) *LogEvent {
	if err == nil {
		return e
	}
	return e.add(zapcore.Field{Key: "error", Type: zapcore.StringType, String: err.Error()})
}

func (e *LogEvent) Dur(key string, d time.Duration) *LogEvent {
	return e.add(zapcore.Field{Key: key, Type: zapcore.StringType, String: d.String()})
}

func (e *LogEvent) Time(key string, t *time.Time) *LogEvent {
	if t == nil {
		return e
	}
	return e.add(zapcore.Field{Key: key, Type: zapcore.StringType, String: t.Format(time.RFC3339Nano)})
}

func (e *LogEvent) Any(key string, val any) *LogEvent {
	return e.add(zapcore.Field{Key: key, Type: zapcore.ReflectType, Interface: val})
}

// Msg finishes the event and hands it to the logger's appenders. The event
// must not be used afterwards.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.msg = msg
	e.logger.OnEventEnd(e)
}

func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, args...))
}

// Send finishes the event with an empty message.
func (e *LogEvent) Send() {
	e.Msg("")
}

func (e *LogEvent) entry() zapcore.Entry {
	return zapcore.Entry{
		Level:   e.level.zapLevel(),
		Time:    e.time,
		Message: e.msg,
	}
}
