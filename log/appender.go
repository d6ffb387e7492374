package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lcx/nodenet/config"
)

// LogAppender is an output destination for encoded log lines.
type LogAppender interface {
	Write(p []byte) (int, error)
	// Refresh flushes anything the appender has buffered.
	Refresh()
}

// ConsoleAppender writes log lines to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
}

func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

func (x *ConsoleAppender) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return os.Stdout.Write(p)
}

func (x *ConsoleAppender) Refresh() {}

const (
	_defaultAsyncCacheSize = 1024
	_mb                    = 1024 * 1024
)

type fileItem struct {
	data    []byte
	flushed chan struct{}
}

// FileAppender writes log lines to a file, rotating it once it grows past
// FileSplitMB. In async mode lines are queued to a writer goroutine; Refresh
// blocks until everything queued before the call is on disk.
type FileAppender struct {
	mu      sync.Mutex
	path    string
	splitMB int
	file    *os.File
	size    int64

	async   bool
	queue   chan fileItem
	quit    chan struct{}
	done    chan struct{}
	closeMu sync.Once
}

func NewFileAppender(cfg *LogCfg) *FileAppender {
	x := &FileAppender{
		path:    cfg.LogPath,
		splitMB: cfg.FileSplitMB,
		async:   cfg.IsAsync,
	}

	if x.async {
		size := cfg.AsyncCacheSize
		if size <= 0 {
			size = _defaultAsyncCacheSize
		}
		x.queue = make(chan fileItem, size)
		x.quit = make(chan struct{})
		x.done = make(chan struct{})
		go x.serve()
	}
	return x
}

func (x *FileAppender) Write(p []byte) (int, error) {
	if !x.async {
		x.mu.Lock()
		defer x.mu.Unlock()
		return x.writeLocked(p)
	}

	data := make([]byte, len(p))
	copy(data, p)
	select {
	case x.queue <- fileItem{data: data}:
		return len(p), nil
	case <-x.quit:
		return 0, os.ErrClosed
	}
}

func (x *FileAppender) serve() {
	defer close(x.done)
	for {
		select {
		case item := <-x.queue:
			x.handle(item)
		case <-x.quit:
			for {
				select {
				case item := <-x.queue:
					x.handle(item)
				default:
					return
				}
			}
		}
	}
}

func (x *FileAppender) handle(item fileItem) {
	if item.flushed != nil {
		x.mu.Lock()
		if x.file != nil {
			_ = x.file.Sync()
		}
		x.mu.Unlock()
		close(item.flushed)
		return
	}
	x.mu.Lock()
	if _, err := x.writeLocked(item.data); err != nil {
		fmt.Fprintf(os.Stderr, "log: write %s: %v\n", x.path, err)
	}
	x.mu.Unlock()
}

func (x *FileAppender) writeLocked(p []byte) (int, error) {
	if x.file == nil {
		if err := x.openLocked(); err != nil {
			return 0, err
		}
	}
	if x.splitMB > 0 && x.size > 0 && x.size+int64(len(p)) > int64(x.splitMB)*_mb {
		if err := x.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := x.file.Write(p)
	x.size += int64(n)
	return n, err
}

func (x *FileAppender) openLocked() error {
	if dir := filepath.Dir(x.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(x.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	x.file = f
	x.size = st.Size()
	return nil
}

func (x *FileAppender) rotateLocked() error {
	if err := x.file.Close(); err != nil {
		return err
	}
	x.file = nil
	stamp := time.Now().Format("20060102-150405")
	rotated := fmt.Sprintf("%s.%s", x.path, stamp)
	for i := 1; ; i++ {
		if _, err := os.Stat(rotated); os.IsNotExist(err) {
			break
		}
		rotated = fmt.Sprintf("%s.%s.%d", x.path, stamp, i)
	}
	if err := os.Rename(x.path, rotated); err != nil {
		return err
	}
	return x.openLocked()
}

func (x *FileAppender) Refresh() {
	if !x.async {
		x.mu.Lock()
		if x.file != nil {
			_ = x.file.Sync()
		}
		x.mu.Unlock()
		return
	}
	flushed := make(chan struct{})
	select {
	case x.queue <- fileItem{flushed: flushed}:
	case <-x.quit:
		return
	}
	select {
	case <-flushed:
	case <-x.done:
	}
}

// OnConfigChanged applies a new path or rotation size. Switching between
// sync and async needs a new appender.
func (x *FileAppender) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	cfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}
	x.Refresh()

	x.mu.Lock()
	defer x.mu.Unlock()
	x.splitMB = cfg.FileSplitMB
	if cfg.LogPath == x.path {
		return nil
	}
	x.path = cfg.LogPath
	if x.file != nil {
		err := x.file.Close()
		x.file = nil
		return err
	}
	return nil
}

// Close flushes queued lines and closes the file.
func (x *FileAppender) Close() error {
	if x.async {
		x.closeMu.Do(func() { close(x.quit) })
		<-x.done
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.file == nil {
		return nil
	}
	err := x.file.Close()
	x.file = nil
	return err
}
