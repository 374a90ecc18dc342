package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// LogAppender writes encoded log lines to one destination.
type LogAppender interface {
	Write(p []byte) (int, error)
	Refresh()
	Close() error
}

// ConsoleAppender writes log lines to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
}

// NewConsoleAppender creates a stdout appender.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

// Write implements LogAppender.
func (a *ConsoleAppender) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return os.Stdout.Write(p)
}

// Refresh implements LogAppender.
func (a *ConsoleAppender) Refresh() {}

// Close implements LogAppender.
func (a *ConsoleAppender) Close() error { return nil }

// FileAppender appends log lines to a file and rotates it once it grows past
// FileSplitMB. In async mode lines are copied into a bounded channel and
// written by a background goroutine; lines that do not fit are dropped and
// counted.
type FileAppender struct {
	mu      sync.Mutex
	path    string
	splitMB int
	file    *os.File
	size    int64

	asyncCh chan []byte
	flushCh chan chan struct{}
	done    chan struct{}
	stopped chan struct{}
	dropped atomic.Uint64
}

// NewFileAppender opens cfg.LogPath for appending. Open failures are
// reported on stderr and the appender stays usable, retrying on Refresh.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	a := &FileAppender{
		path:    cfg.LogPath,
		splitMB: cfg.FileSplitMB,
	}
	if err := a.open(); err != nil {
		fmt.Fprintf(os.Stderr, "log: open %s failed: %v\n", a.path, err)
	}

	if cfg.IsAsync {
		size := cfg.AsyncCacheSize
		if size <= 0 {
			size = 1024
		}
		a.asyncCh = make(chan []byte, size)
		a.flushCh = make(chan chan struct{})
		a.done = make(chan struct{})
		a.stopped = make(chan struct{})
		go a.loop()
	}
	return a
}

func (a *FileAppender) open() error {
	if dir := filepath.Dir(a.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	a.file = f
	a.size = st.Size()
	return nil
}

// Write implements LogAppender.
func (a *FileAppender) Write(p []byte) (int, error) {
	if a.asyncCh == nil {
		return a.write(p)
	}
	line := make([]byte, len(p))
	copy(line, p)
	select {
	case a.asyncCh <- line:
	default:
		a.dropped.Add(1)
	}
	return len(p), nil
}

func (a *FileAppender) write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		if err := a.open(); err != nil {
			return 0, err
		}
	}
	n, err := a.file.Write(p)
	a.size += int64(n)
	if a.splitMB > 0 && a.size >= int64(a.splitMB)<<20 {
		a.rotate()
	}
	return n, err
}

// rotate renames the current file with a timestamp suffix; caller holds mu.
func (a *FileAppender) rotate() {
	_ = a.file.Close()
	a.file = nil
	backup := fmt.Sprintf("%s.%s", a.path, time.Now().Format("20060102-150405.000"))
	if err := os.Rename(a.path, backup); err != nil {
		fmt.Fprintf(os.Stderr, "log: rotate %s failed: %v\n", a.path, err)
	}
	if err := a.open(); err != nil {
		fmt.Fprintf(os.Stderr, "log: reopen %s failed: %v\n", a.path, err)
	}
}

func (a *FileAppender) loop() {
	defer close(a.stopped)
	for {
		select {
		case line := <-a.asyncCh:
			_, _ = a.write(line)
		case ack := <-a.flushCh:
			a.drain()
			close(ack)
		case <-a.done:
			a.drain()
			return
		}
	}
}

func (a *FileAppender) drain() {
	for {
		select {
		case line := <-a.asyncCh:
			_, _ = a.write(line)
		default:
			return
		}
	}
}

// Refresh writes out every queued line and syncs the file.
func (a *FileAppender) Refresh() {
	if a.asyncCh != nil {
		ack := make(chan struct{})
		select {
		case a.flushCh <- ack:
			<-ack
		case <-a.done:
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_ = a.file.Sync()
	}
}

// Dropped reports how many lines the async queue had to discard.
func (a *FileAppender) Dropped() uint64 {
	return a.dropped.Load()
}

// Close flushes and closes the file.
func (a *FileAppender) Close() error {
	if a.done != nil {
		select {
		case <-a.done:
		default:
			close(a.done)
		}
		<-a.stopped
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
