package link

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/shaunagostinho/optosync/internal/ledconfig"
)

const defaultSettleDelay = 1 * time.Second

// Transmitter is the host side of the link. It writes the configuration
// and, later, the trigger byte.
//
// The protocol has no acknowledgment: nothing tells the host that the
// peripheral finished reassembling the configuration. Callers must wait
// long enough between SendConfiguration and SendTrigger for the receiver's
// idle-gap framing to complete (the host binary waits 5 s by default).
type Transmitter struct {
	mu     sync.Mutex
	path   string
	port   Port
	settle time.Duration
	open   *atomic.Bool
}

// OpenTransmitter opens the serial device for writing. settle is the pause
// after each configuration write; zero means the 1 s default.
func OpenTransmitter(cfg Config, settle time.Duration) (*Transmitter, error) {
	cfg = cfg.withDefaults()
	port, err := openDevice(cfg)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("transmitter: set timeout on %s: %w", cfg.PortPath, err)
	}
	log.Printf("[tx] opened %s at %d baud", cfg.PortPath, cfg.BaudRate)
	return NewTransmitter(port, cfg.PortPath, settle), nil
}

// NewTransmitter wraps an open port.
func NewTransmitter(port Port, path string, settle time.Duration) *Transmitter {
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	return &Transmitter{
		path:   path,
		port:   port,
		settle: settle,
		open:   atomic.NewBool(true),
	}
}

// SendConfiguration serializes cfg as UTF-8 JSON, writes it in one go,
// waits for the OS to flush it, then sleeps the settle delay. The sleep is
// cut short if ctx is cancelled.
func (t *Transmitter) SendConfiguration(ctx context.Context, cfg ledconfig.Config) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("transmitter: marshal config: %w", err)
	}
	if err := t.write(payload); err != nil {
		return err
	}
	log.Printf("[tx] payload sent (%d bytes, fingerprint %04X): %s", len(payload), ledconfig.Fingerprint(cfg), payload)

	timer := time.NewTimer(t.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SendTrigger writes exactly one byte and flushes.
func (t *Transmitter) SendTrigger(b byte) error {
	if err := t.write([]byte{b}); err != nil {
		return err
	}
	log.Printf("[tx] trigger %q sent", b)
	return nil
}

// IsOpen reports whether the port is still open.
func (t *Transmitter) IsOpen() bool { return t.open.Load() }

// Close closes the port. Further sends fail with ErrPortClosed.
func (t *Transmitter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open.Swap(false) {
		return nil
	}
	return t.port.Close()
}

func (t *Transmitter) write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open.Load() {
		return fmt.Errorf("transmitter: %s: %w", t.path, ErrPortClosed)
	}
	for written := 0; written < len(p); {
		n, err := t.port.Write(p[written:])
		if err != nil {
			return fmt.Errorf("transmitter: write %s: %w", t.path, err)
		}
		if n == 0 {
			return fmt.Errorf("transmitter: write %s: no progress after %d/%d bytes", t.path, written, len(p))
		}
		written += n
	}
	if err := t.port.Drain(); err != nil {
		return fmt.Errorf("transmitter: flush %s: %w", t.path, err)
	}
	return nil
}
