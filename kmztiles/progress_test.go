package kmztiles

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockProgressWriter struct {
	mu     sync.Mutex
	counts []mockProgressCall
	bytes  []mockProgressCall
	last   *mockProgress
}

type mockProgressCall struct {
	total       int64
	description string
}

func (m *mockProgressWriter) NewCountProgress(total int64, description string) Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = append(m.counts, mockProgressCall{total, description})
	m.last = &mockProgress{}
	return m.last
}

func (m *mockProgressWriter) NewBytesProgress(total int64, description string) Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes = append(m.bytes, mockProgressCall{total, description})
	m.last = &mockProgress{}
	return m.last
}

type mockProgress struct {
	mu      sync.Mutex
	current int64
	closed  bool
}

func (p *mockProgress) Write(data []byte) (int, error) {
	p.Add(len(data))
	return len(data), nil
}

func (p *mockProgress) Add(num int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current += int64(num)
}

func (p *mockProgress) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func resetProgressWriter() {
	progressWriterMu.Lock()
	defer progressWriterMu.Unlock()
	progressWriter = &barProgressWriter{}
	quietMode = false
}

func TestSetProgressWriter(t *testing.T) {
	defer resetProgressWriter()
	mock := &mockProgressWriter{}
	SetProgressWriter(mock)
	assert.True(t, getProgressWriter() == ProgressWriter(mock))

	SetProgressWriter(nil)
	_, ok := getProgressWriter().(quietProgressWriter)
	assert.True(t, ok)
}

func TestSetQuietMode(t *testing.T) {
	defer resetProgressWriter()
	SetProgressWriter(&mockProgressWriter{})

	SetQuietMode(true)
	assert.True(t, IsQuietMode())
	_, ok := getProgressWriter().(quietProgressWriter)
	assert.True(t, ok)

	SetQuietMode(false)
	assert.False(t, IsQuietMode())
	_, ok = getProgressWriter().(*barProgressWriter)
	assert.True(t, ok)
}

func TestBarProgressNilBar(t *testing.T) {
	p := &barProgress{}
	n, err := p.Write([]byte("four"))
	assert.Nil(t, err)
	assert.Equal(t, 4, n)
	p.Add(3)
	assert.Nil(t, p.Close())
}

func TestQuietProgress(t *testing.T) {
	p := quietProgressWriter{}.NewBytesProgress(10, "quiet")
	n, err := p.Write([]byte("abc"))
	assert.Nil(t, err)
	assert.Equal(t, 3, n)
	p.Add(7)
	assert.Nil(t, p.Close())
}

func TestLogProgressWriter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	pw := &LogProgressWriter{Logger: zap.New(core), Interval: time.Hour}

	p := pw.NewCountProgress(3, "rendering tiles")
	p.Add(1)
	p.Add(1)
	p.Add(1)
	assert.Nil(t, p.Close())

	// the first Add logs because no line was written yet, the last because
	// the total was reached, then Close reports completion
	entries := logs.All()
	assert.Equal(t, 3, len(entries))
	assert.Equal(t, "progress", entries[0].Message)
	assert.Equal(t, int64(1), entries[0].ContextMap()["current"])
	assert.Equal(t, int64(3), entries[1].ContextMap()["current"])
	assert.Equal(t, "finished", entries[2].Message)
	assert.Equal(t, "rendering tiles", entries[2].ContextMap()["task"])
}

func TestLogProgressBytes(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	pw := &LogProgressWriter{Logger: zap.New(core)}
	p := pw.NewBytesProgress(100, "uploading")
	n, err := p.Write(make([]byte, 100))
	assert.Nil(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, "bytes", logs.All()[0].ContextMap()["unit"])
}

func TestConcurrentProgressWriterAccess(t *testing.T) {
	defer resetProgressWriter()
	mock := &mockProgressWriter{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			SetProgressWriter(mock)
			p := getProgressWriter().NewCountProgress(int64(i), "concurrent")
			p.Add(1)
			p.Close()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, len(mock.counts))
}
