package log

import (
	"fmt"
	"net"
	"slices"
)

// LogCfgName is the name the logger configuration is loaded under.
const LogCfgName = "logger"

// LogCfg is the logger configuration. Every field can be hot-reloaded
// except IsAsync and AsyncCacheSize, which are fixed when the file appender
// is created.
type LogCfg struct {
	// LogPath is the log file written by the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level written. Accepts names ("info") in YAML.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB rotates the log file once it would grow past this size.
	// Zero disables rotation.
	FileSplitMB int `mapstructure:"splitmb"`

	// IsAsync queues file writes to a background goroutine.
	IsAsync bool `mapstructure:"isasync"`

	// AsyncCacheSize bounds the async queue. Default 1024.
	AsyncCacheSize int `mapstructure:"asynccachesize"`

	// CallerSkip adds stack frames to skip when resolving the caller.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// LevelChange overrides the level of individual log statements.
	LevelChange []LevelChangeEntry `mapstructure:"levelChange"`

	// NodeWhiteList lists peer hosts (IP or host name, no port) whose node
	// loggers bypass level filtering.
	NodeWhiteList []string `mapstructure:"nodeWhiteList"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

func (cfg *LogCfg) GetName() string {
	return LogCfgName
}

func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level %d", cfg.LogLevel)
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("file appender needs a log path")
	}
	if cfg.FileSplitMB < 0 {
		return fmt.Errorf("splitmb must not be negative")
	}
	if cfg.AsyncCacheSize < 0 {
		return fmt.Errorf("asynccachesize must not be negative")
	}
	return nil
}

// IsInWhiteList reports whether remote, an address or a bare host, is
// listed in NodeWhiteList.
func (cfg *LogCfg) IsInWhiteList(remote string) bool {
	if cfg == nil || len(cfg.NodeWhiteList) == 0 {
		return false
	}
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	return slices.Contains(cfg.NodeWhiteList, host)
}

var _defaultCfg = &LogCfg{
	LogPath:         "./nodenet.log",
	LogLevel:        InfoLevel,
	FileSplitMB:     50,
	CallerSkip:      0,
	FileAppender:    false,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	cfg := *_defaultCfg
	return &cfg
}
