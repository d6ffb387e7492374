package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Level is the severity of a log event. Levels are ordered; an event is
// written when its level is at or above the logger's minimum.
type Level uint32

const (
	TraceLevel Level = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var _levelNames = [...]string{"trace", "debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if int(l) < len(_levelNames) {
		return _levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint32(l))
}

// UnmarshalText lets LogCfg carry levels as names in YAML ("info") as well as
// plain numbers.
func (l *Level) UnmarshalText(text []byte) error {
	lv, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

// ParseLevel converts a level name into a Level.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range _levelNames {
		if s == name || s == fmt.Sprint(i) {
			return Level(i), nil
		}
	}
	if s == "warning" {
		return WarnLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// zapLevel maps onto zap's scale with trace one step below debug.
func (l Level) zapLevel() zapcore.Level {
	return zapcore.Level(int8(l) - 2)
}

func levelFromZap(l zapcore.Level) Level {
	return Level(int8(l) + 2)
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(levelFromZap(l).String())
}
