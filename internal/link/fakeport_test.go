package link

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/shaunagostinho/optosync/internal/ledconfig"
)

// fakePort is an in-memory serial device. Bytes pushed with feed are
// returned by Read; Read honours the read timeout like the real driver.
type fakePort struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	timeout  time.Duration
	written  bytes.Buffer
	drains   int
	writeErr error
}

func newFakePort() *fakePort {
	return &fakePort{
		in:      make(chan []byte, 64),
		closed:  make(chan struct{}),
		timeout: 50 * time.Millisecond,
	}
}

func (f *fakePort) feed(s string) { f.in <- []byte(s) }

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	timeout := f.timeout
	f.mu.Unlock()

	select {
	case b := <-f.in:
		return copy(p, b), nil
	case <-time.After(timeout):
		return 0, nil
	case <-f.closed:
		return 0, errors.New("port has been closed")
	}
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.written.Write(p)
}

func (f *fakePort) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	return nil
}

func (f *fakePort) ResetInputBuffer() error { return nil }

func (f *fakePort) SetReadTimeout(t time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = t
	return nil
}

func (f *fakePort) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakePort) output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

// chanSource feeds an assembler or detector directly.
type chanSource chan []byte

func (c chanSource) Chunks() <-chan []byte { return c }

// memStore records saved configurations.
type memStore struct {
	mu    sync.Mutex
	saved []ledconfig.Config
	err   error
}

func (m *memStore) Save(cfg ledconfig.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, cfg)
	return m.err
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}
