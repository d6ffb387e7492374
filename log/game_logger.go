package log

import (
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap/zapcore"

	"github.com/lcx/nodenet/config"
)

// GameLogger is a leveled JSON logger with pluggable appenders.
//
// Level checks are lock free and events are pooled, so a filtered call costs
// one atomic load. Encoding is done by a shared zap JSON encoder; each line
// carries "time", "level" and "msg" followed by the event's fields in the
// order they were added.
//
// The logger implements config.ConfigChangeListener: registering it with a
// config.ConfigManager makes level, caller info, per-line overrides and file
// appender settings follow the "logger" YAML file.
//
//	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, ConsoleAppender: true})
//	logger.Info().Str("addr", addr).Int("maxNodes", 16).Msg("server open")
type GameLogger struct {
	mu            sync.RWMutex
	appenders     []LogAppender
	currentConfig *LogCfg

	minLevel          atomic.Uint32
	callerSkip        atomic.Int32
	enabledCallerInfo atomic.Bool
	levelChange       atomic.Pointer[levelChange]

	encoder     zapcore.Encoder
	eventPool   *sync.Pool
	callerCache sync.Map

	configManager config.ConfigManager
}

func newEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    encodeLevel,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
}

// NewLogger creates a logger from cfg. A nil cfg logs info and above to the
// console.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &GameLogger{
		currentConfig: cfg,
		encoder:       newEncoder(),
	}
	logger.applyLevels(cfg)
	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg))
	}
	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}
	return logger
}

// NewLoggerWithConfigManager creates a logger that follows hot reloads of
// the "logger" configuration published by configManager.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	logger.configManager = configManager
	if configManager != nil {
		configManager.AddChangeListener(logger)
	}
	return logger
}

func (x *GameLogger) applyLevels(cfg *LogCfg) {
	x.minLevel.Store(uint32(cfg.LogLevel))
	x.callerSkip.Store(int32(cfg.CallerSkip))
	x.enabledCallerInfo.Store(cfg.EnabledCallerInfo)
	x.levelChange.Store(newLevelChange(cfg.LevelChange))
}

// OnConfigChanged implements config.ConfigChangeListener.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != LogCfgName {
		return nil
	}
	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	x.updateConfig(newLogCfg)

	var result error
	for _, appender := range x.GetAppender() {
		if listener, ok := appender.(config.ConfigChangeListener); ok {
			if err := listener.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if result != nil {
		x.Error().Err(result).Msg("appender rejected logger config change")
	}
	return result
}

func (x *GameLogger) updateConfig(newCfg *LogCfg) {
	x.mu.Lock()
	x.currentConfig = newCfg
	x.mu.Unlock()

	x.applyLevels(newCfg)
	x.callerCache.Range(func(key, _ any) bool {
		x.callerCache.Delete(key)
		return true
	})
}

// GetCurrentConfig returns the configuration in effect.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.currentConfig
}

func (x *GameLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

func (x *GameLogger) AddAppender(appender LogAppender) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns a snapshot of the registered appenders.
func (x *GameLogger) GetAppender() []LogAppender {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]LogAppender(nil), x.appenders...)
}

// Refresh flushes every appender.
func (x *GameLogger) Refresh() {
	for _, appender := range x.GetAppender() {
		appender.Refresh()
	}
}

// Close flushes and closes every appender that holds a resource.
func (x *GameLogger) Close() error {
	var result error
	for _, appender := range x.GetAppender() {
		appender.Refresh()
		if c, ok := appender.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result
}

// IgnoreCheckLevel is always false for a GameLogger.
func (x *GameLogger) IgnoreCheckLevel() bool {
	return false
}

func (x *GameLogger) newEvent() *LogEvent {
	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	return e
}

// OnEventEnd encodes e, writes it to every appender and returns it to the
// pool. A fatal event panics after it has been written.
func (x *GameLogger) OnEventEnd(e *LogEvent) {
	buf, err := x.encoder.EncodeEntry(e.entry(), e.fields)
	if err == nil {
		for _, appender := range x.GetAppender() {
			_, _ = appender.Write(buf.Bytes())
		}
		buf.Free()
	}

	if e.level == FatalLevel {
		x.Refresh()
		panic(e.msg)
	}

	x.eventPool.Put(e)
}

func (x *GameLogger) Debug() *LogEvent {
	return x.log(DebugLevel)
}

func (x *GameLogger) Info() *LogEvent {
	return x.log(InfoLevel)
}

func (x *GameLogger) Warn() *LogEvent {
	return x.log(WarnLevel)
}

func (x *GameLogger) Error() *LogEvent {
	return x.log(ErrorLevel)
}

// Fatal logs and then panics once the event is sent.
func (x *GameLogger) Fatal() *LogEvent {
	return x.log(FatalLevel)
}

// getCallerInfo resolves the user's call site. The fixed depth covers
// getCallerInfo, logWith, log and the level method.
func (x *GameLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(4 + int(x.callerSkip.Load()))
	if !ok {
		return _UnknownCallerInfo
	}

	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	funcName := runtime.FuncForPC(pc).Name()
	function := funcName
	if dotIdx := strings.LastIndexByte(funcName, '.'); dotIdx != -1 {
		function = funcName[dotIdx+1:]
	}

	// keep "dir/file.go"
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if secondLastSlash := strings.LastIndexByte(file[:lastSlash], '/'); secondLastSlash >= 0 {
			file = file[secondLastSlash+1:]
		}
	}

	c := newCallerInfo(file, function, line)
	x.callerCache.Store(pc, c)
	return c
}

func (x *GameLogger) log(level Level) *LogEvent {
	return x.logWith(level, false)
}

// logWith builds an event for level, or returns nil when the level is
// filtered out. ignoreLevel skips every level check.
func (x *GameLogger) logWith(level Level, ignoreLevel bool) *LogEvent {
	var info *callerInfo
	if !ignoreLevel {
		if !x.checkLevel(level) {
			lc := x.levelChange.Load()
			if lc.Empty() {
				return nil
			}
			info = x.getCallerInfo()
			level = lc.GetLevel(info.file, info.line, level)
		}
		if !x.checkLevel(level) {
			return nil
		}
	}

	e := x.newEvent()
	e.level = level
	e.time = time.Now()

	if x.enabledCallerInfo.Load() {
		if info == nil {
			info = x.getCallerInfo()
		}
		e.Str("caller", info.String())
	}
	return e
}
