package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memAppender keeps written lines in memory.
type memAppender struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (m *memAppender) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

func (m *memAppender) Refresh() {}

func (m *memAppender) lines(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(m.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var obj map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &obj), line)
		out = append(out, obj)
	}
	return out
}

func newMemLogger(cfg *LogCfg) (*GameLogger, *memAppender) {
	cfg.ConsoleAppender = false
	cfg.FileAppender = false
	logger := NewLogger(cfg)
	mem := &memAppender{}
	logger.AddAppender(mem)
	return logger, mem
}

func TestConsoleAppender_WriteDirect(t *testing.T) {
	ca := NewConsoleAppender()
	msg := []byte("hello-console-direct\n")
	n, err := ca.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)
}

func TestLogger_JSONFields(t *testing.T) {
	logger, mem := newMemLogger(&LogCfg{LogLevel: InfoLevel})

	logger.Info().
		Str("name", "Player1").
		Int("count", 3).
		Uint16("proto", 0x17).
		Uint32("node", 7).
		Bool("joined", true).
		Err(errors.New("boom")).
		Dur("wait", 1500*time.Millisecond).
		Msg("client entered")

	lines := mem.lines(t)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "client entered", line["msg"])
	assert.Equal(t, "Player1", line["name"])
	assert.EqualValues(t, 3, line["count"])
	assert.EqualValues(t, 0x17, line["proto"])
	assert.EqualValues(t, 7, line["node"])
	assert.Equal(t, true, line["joined"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "1.5s", line["wait"])
	assert.NotEmpty(t, line["time"])
}

func TestLogger_LevelFilter(t *testing.T) {
	logger, mem := newMemLogger(&LogCfg{LogLevel: WarnLevel})

	assert.Nil(t, logger.Debug())
	assert.Nil(t, logger.Info())
	// chained calls on a filtered event are no-ops
	logger.Info().Str("k", "v").Msg("dropped")
	logger.Warn().Msg("kept")
	logger.Error().Msgf("kept %d", 2)

	lines := mem.lines(t)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "kept 2", lines[1]["msg"])
}

func TestLogger_FatalPanics(t *testing.T) {
	logger, mem := newMemLogger(&LogCfg{LogLevel: InfoLevel})

	assert.Panics(t, func() {
		logger.Fatal().Msg("fatal-line")
	})
	lines := mem.lines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, "fatal", lines[0]["level"])
}

func TestLogger_CallerInfo(t *testing.T) {
	logger, mem := newMemLogger(&LogCfg{LogLevel: InfoLevel, EnabledCallerInfo: true})

	logger.Info().Msg("with caller")

	lines := mem.lines(t)
	require.Len(t, lines, 1)
	caller, _ := lines[0]["caller"].(string)
	assert.Contains(t, caller, "log/logger_test.go")
	assert.Contains(t, caller, "TestLogger_CallerInfo")
}

func TestLogger_LevelChangeOverride(t *testing.T) {
	logger, mem := newMemLogger(&LogCfg{
		LogLevel: WarnLevel,
		LevelChange: []LevelChangeEntry{
			{FileName: "logger_test.go", LogLevel: int(ErrorLevel)},
		},
	})

	// promoted to error by the whole-file override
	logger.Info().Msg("promoted")

	lines := mem.lines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])
}

func TestLevel_UnmarshalText(t *testing.T) {
	var l Level
	require.NoError(t, l.UnmarshalText([]byte("debug")))
	assert.Equal(t, DebugLevel, l)
	require.NoError(t, l.UnmarshalText([]byte("WARNING")))
	assert.Equal(t, WarnLevel, l)
	require.NoError(t, l.UnmarshalText([]byte("4")))
	assert.Equal(t, ErrorLevel, l)
	assert.Error(t, l.UnmarshalText([]byte("loud")))
	assert.Equal(t, "trace", TraceLevel.String())
}

func TestLogCfg_Validate(t *testing.T) {
	assert.NoError(t, (&LogCfg{LogLevel: InfoLevel}).Validate())
	assert.Error(t, (&LogCfg{LogLevel: Level(9)}).Validate())
	assert.Error(t, (&LogCfg{FileAppender: true}).Validate())
	assert.Equal(t, LogCfgName, (&LogCfg{}).GetName())
}

func TestNodeLogger_Fields(t *testing.T) {
	base, mem := newMemLogger(&LogCfg{LogLevel: InfoLevel})
	nl := NewNodeLogger(base, 4, "sess-1", "10.0.0.9:5029")

	nl.Info().Msg("joined")
	nl.Debug().Msg("filtered")

	lines := mem.lines(t)
	require.Len(t, lines, 1)
	assert.EqualValues(t, 4, lines[0]["node"])
	assert.Equal(t, "sess-1", lines[0]["session"])
	assert.Equal(t, "10.0.0.9:5029", lines[0]["remote"])
}

func TestNodeLogger_WhiteList(t *testing.T) {
	base, mem := newMemLogger(&LogCfg{
		LogLevel:      ErrorLevel,
		NodeWhiteList: []string{"10.0.0.9"},
	})

	listed := NewNodeLogger(base, 1, "", "10.0.0.9:5029")
	other := NewNodeLogger(base, 2, "", "10.0.0.10:5029")
	assert.True(t, listed.IgnoreCheckLevel())
	assert.False(t, other.IgnoreCheckLevel())

	listed.Debug().Msg("traced")
	other.Debug().Msg("hidden")

	lines := mem.lines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, "traced", lines[0]["msg"])
	assert.Equal(t, "debug", lines[0]["level"])
}

func TestFileAppender_Sync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, FileAppender: true, LogPath: path})
	defer logger.Close()

	logger.Info().Msg("logger-file-test")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "logger-file-test")
}

func TestFileAppender_AsyncConcurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "async.log")
	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, FileAppender: true, LogPath: path, IsAsync: true})
	defer logger.Close()

	const goroutines, perG = 8, 200
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				logger.Info().Int("goroutine", id).Msg("concurrent-file-test")
			}
		}(i)
	}
	wg.Wait()
	logger.Refresh()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, goroutines*perG, strings.Count(string(data), "concurrent-file-test"))
}

func TestFileAppender_RotateBySize(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")
	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, FileAppender: true, LogPath: logPath, FileSplitMB: 1})
	defer logger.Close()

	payload := strings.Repeat("A", 1024)
	for i := 0; i < 1100; i++ {
		logger.Info().Msg(payload)
	}
	logger.Refresh()

	files, err := filepath.Glob(filepath.Join(tmpDir, "test.log*"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(files), 2)
	for _, file := range files {
		info, err := os.Stat(file)
		require.NoError(t, err)
		assert.LessOrEqual(t, info.Size(), int64(_mb))
	}
}

func TestFileAppender_PathChange(t *testing.T) {
	tmpDir := t.TempDir()
	first := filepath.Join(tmpDir, "first.log")
	second := filepath.Join(tmpDir, "second.log")

	oldCfg := &LogCfg{LogLevel: InfoLevel, FileAppender: true, LogPath: first}
	logger := NewLogger(oldCfg)
	defer logger.Close()

	logger.Info().Msg("to-first")
	newCfg := &LogCfg{LogLevel: InfoLevel, FileAppender: true, LogPath: second}
	require.NoError(t, logger.OnConfigChanged(LogCfgName, newCfg, oldCfg))
	logger.Info().Msg("to-second")

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(a), "to-first")
	assert.NotContains(t, string(a), "to-second")
	assert.Contains(t, string(b), "to-second")
}

func TestLogger_HotReload(t *testing.T) {
	logger, mem := newMemLogger(&LogCfg{LogLevel: InfoLevel})

	logger.Debug().Msg("before")
	require.NoError(t, logger.OnConfigChanged(LogCfgName, &LogCfg{LogLevel: DebugLevel}, logger.GetCurrentConfig()))
	logger.Debug().Msg("after")

	// other configuration names are ignored
	require.NoError(t, logger.OnConfigChanged("node_transport", &LogCfg{LogLevel: FatalLevel}, nil))

	lines := mem.lines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, "after", lines[0]["msg"])
	assert.Equal(t, DebugLevel, logger.GetCurrentConfig().LogLevel)
}

func TestLogger_HotReloadConcurrent(t *testing.T) {
	logger, _ := newMemLogger(&LogCfg{LogLevel: InfoLevel})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(level Level) {
			defer wg.Done()
			_ = logger.OnConfigChanged(LogCfgName, &LogCfg{LogLevel: level}, logger.GetCurrentConfig())
		}(Level(i % 3))
		go func() {
			defer wg.Done()
			logger.Info().Msg("racing")
		}()
	}
	wg.Wait()
	assert.NotNil(t, logger.GetCurrentConfig())
}
