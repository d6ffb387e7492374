// Package log is the structured logger used across nodenet.
//
// Events are built with a fluent API and written as one JSON object per line:
//
//	log.Info().Uint32("node", 3).Str("name", "Player3").Msg("client entered")
//
// The package-level functions log through a default logger that writes info
// and above to the console until Initialize replaces it with one built from
// the "logger" configuration.
package log

import (
	"sync/atomic"

	"github.com/lcx/nodenet/config"
)

type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	IgnoreCheckLevel() bool
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var _defaultLogger atomic.Pointer[GameLogger]

func init() {
	_defaultLogger.Store(NewLogger(nil))
}

func defaultLogger() *GameLogger {
	return _defaultLogger.Load()
}

// Default returns the logger behind the package-level functions.
func Default() *GameLogger {
	return defaultLogger()
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	defaultLogger().AddAppender(appender)
}

// Refresh flushes the default logger's appenders.
func Refresh() {
	defaultLogger().Refresh()
}

// SetDefaultLogger replaces the default logger.
func SetDefaultLogger(logger *GameLogger) {
	if logger != nil {
		_defaultLogger.Store(logger)
	}
}

// InitializeWithConfigManager loads the "logger" configuration from
// configManager and installs a hot-reloading default logger built from it.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := &LogCfg{}
	if err := configManager.LoadConfig(LogCfgName, logCfg); err != nil {
		return err
	}

	SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	return nil
}

// Initialize is InitializeWithConfigManager on the process-wide manager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

func Debug() *LogEvent {
	return defaultLogger().log(DebugLevel)
}

func Info() *LogEvent {
	return defaultLogger().log(InfoLevel)
}

func Warn() *LogEvent {
	return defaultLogger().log(WarnLevel)
}

func Error() *LogEvent {
	return defaultLogger().log(ErrorLevel)
}

func Fatal() *LogEvent {
	return defaultLogger().log(FatalLevel)
}
