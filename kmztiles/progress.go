package kmztiles

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// ProgressWriter creates progress trackers for long running operations:
// tile rendering, archive writing and uploads.
type ProgressWriter interface {
	// NewCountProgress tracks a number of items, such as tiles.
	NewCountProgress(total int64, description string) Progress
	// NewBytesProgress tracks a number of bytes.
	NewBytesProgress(total int64, description string) Progress
}

// Progress is an active tracker. Writes count as bytes.
type Progress interface {
	io.Writer
	Add(num int)
	Close() error
}

var (
	progressWriterMu sync.RWMutex
	progressWriter   ProgressWriter = &barProgressWriter{}
	quietMode        bool
)

// SetProgressWriter replaces the process-wide progress writer. nil turns
// progress reporting off.
func SetProgressWriter(pw ProgressWriter) {
	progressWriterMu.Lock()
	defer progressWriterMu.Unlock()
	if pw == nil {
		progressWriter = quietProgressWriter{}
	} else {
		progressWriter = pw
	}
}

func getProgressWriter() ProgressWriter {
	progressWriterMu.RLock()
	defer progressWriterMu.RUnlock()
	return progressWriter
}

// SetQuietMode switches between terminal progress bars and no progress.
func SetQuietMode(quiet bool) {
	progressWriterMu.Lock()
	defer progressWriterMu.Unlock()
	quietMode = quiet
	if quiet {
		progressWriter = quietProgressWriter{}
	} else {
		progressWriter = &barProgressWriter{}
	}
}

func IsQuietMode() bool {
	progressWriterMu.RLock()
	defer progressWriterMu.RUnlock()
	return quietMode
}

// barProgressWriter draws schollz/progressbar bars on stderr.
type barProgressWriter struct{}

func (barProgressWriter) NewCountProgress(total int64, description string) Progress {
	return &barProgress{bar: progressbar.Default(total, description)}
}

func (barProgressWriter) NewBytesProgress(total int64, description string) Progress {
	return &barProgress{bar: progressbar.DefaultBytes(total, description)}
}

type barProgress struct {
	bar *progressbar.ProgressBar
}

func (p *barProgress) Write(data []byte) (int, error) {
	if p.bar == nil {
		return len(data), nil
	}
	return p.bar.Write(data)
}

func (p *barProgress) Add(num int) {
	if p.bar != nil {
		p.bar.Add(num)
	}
}

func (p *barProgress) Close() error {
	if p.bar == nil {
		return nil
	}
	return p.bar.Close()
}

// LogProgressWriter reports progress as structured log lines at most once
// per Interval, for non-interactive runs.
type LogProgressWriter struct {
	Logger   *zap.Logger
	Interval time.Duration
}

func (l *LogProgressWriter) NewCountProgress(total int64, description string) Progress {
	return l.newProgress(total, description, "items")
}

func (l *LogProgressWriter) NewBytesProgress(total int64, description string) Progress {
	return l.newProgress(total, description, "bytes")
}

func (l *LogProgressWriter) newProgress(total int64, description, unit string) Progress {
	interval := l.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &logProgress{logger: l.Logger, interval: interval, total: total, description: description, unit: unit}
}

type logProgress struct {
	logger      *zap.Logger
	interval    time.Duration
	total       int64
	description string
	unit        string
	current     atomic.Int64
	mu          sync.Mutex
	last        time.Time
}

func (p *logProgress) Write(data []byte) (int, error) {
	p.Add(len(data))
	return len(data), nil
}

func (p *logProgress) Add(num int) {
	cur := p.current.Add(int64(num))
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.last) < p.interval && cur < p.total {
		return
	}
	p.last = time.Now()
	p.log("progress", cur)
}

func (p *logProgress) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log("finished", p.current.Load())
	return nil
}

func (p *logProgress) log(msg string, cur int64) {
	if p.logger == nil {
		return
	}
	p.logger.Info(msg,
		zap.String("task", p.description),
		zap.Int64("current", cur),
		zap.Int64("total", p.total),
		zap.String("unit", p.unit))
}

type quietProgressWriter struct{}

func (quietProgressWriter) NewCountProgress(int64, string) Progress { return quietProgress{} }
func (quietProgressWriter) NewBytesProgress(int64, string) Progress { return quietProgress{} }

type quietProgress struct{}

func (quietProgress) Write(data []byte) (int, error) { return len(data), nil }
func (quietProgress) Add(int)                        {}
func (quietProgress) Close() error                   { return nil }
