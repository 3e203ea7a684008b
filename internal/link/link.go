package link

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Error taxonomy for the serial link.
var (
	// ErrPortUnavailable is returned when the serial device cannot be opened.
	ErrPortUnavailable = errors.New("serial port unavailable")
	// ErrPortClosed is returned when the link or transmitter is used after Close,
	// or the device went away underneath a reader.
	ErrPortClosed = errors.New("serial port closed")
	// ErrDecode marks a buffer that is not valid UTF-8.
	ErrDecode = errors.New("payload is not valid UTF-8")
	// ErrMalformedMessage is returned when the accumulated bytes never resolve
	// to a configuration within the allowed number of idle gaps.
	ErrMalformedMessage = errors.New("malformed configuration message")
	// ErrTriggerTimeout is returned when no trigger arrives within the
	// caller's timeout.
	ErrTriggerTimeout = errors.New("trigger not received")
)

// Port is the subset of serial.Port the link uses.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// allow tests to override the device opener
var openPort = func(path string, mode *serial.Mode) (Port, error) { return serial.Open(path, mode) }

// Config holds serial parameters.
type Config struct {
	PortPath    string        `yaml:"port_path" json:"portPath"`
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	ReadTimeout time.Duration `yaml:"-" json:"-"`
}

const (
	defaultBaudRate    = 115200
	defaultReadTimeout = 1 * time.Second
	readChunkSize      = 1024
	chunkQueueDepth    = 64
)

func (c Config) withDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	return c
}

func openDevice(cfg Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPortUnavailable, cfg.PortPath, err)
	}
	return port, nil
}

// Link is the receiving end of the serial connection. A single goroutine
// reads the device and hands each chunk of bytes to whichever consumer
// (assembler, then trigger detector) is currently draining Chunks.
type Link struct {
	cfg    Config
	port   Port
	chunks chan []byte
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Open opens the serial device and starts reading. Failure to open is
// returned immediately as ErrPortUnavailable; Open never retries.
func Open(cfg Config) (*Link, error) {
	cfg = cfg.withDefaults()
	port, err := openDevice(cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("[link] opened %s at %d baud", cfg.PortPath, cfg.BaudRate)
	return New(port, cfg), nil
}

// New wraps an already open port. The link owns the port from here on.
func New(port Port, cfg Config) *Link {
	cfg = cfg.withDefaults()
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		log.Printf("[link] set read timeout on %s: %v", cfg.PortPath, err)
	}
	l := &Link{
		cfg:    cfg,
		port:   port,
		chunks: make(chan []byte, chunkQueueDepth),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.pump()
	return l
}

// Chunks delivers raw byte chunks in arrival order. The channel is closed
// when the link is closed or the device fails.
func (l *Link) Chunks() <-chan []byte { return l.chunks }

// ResetInput discards bytes the OS has buffered but not yet delivered.
func (l *Link) ResetInput() error {
	return l.port.ResetInputBuffer()
}

// Close stops the reader and closes the device.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closeErr = l.port.Close()
		l.wg.Wait()
		log.Printf("[link] closed %s", l.cfg.PortPath)
	})
	return l.closeErr
}

func (l *Link) pump() {
	defer l.wg.Done()
	defer close(l.chunks)

	buf := make([]byte, readChunkSize)
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case l.chunks <- chunk:
			case <-l.done:
				return
			}
		}
		if err != nil {
			select {
			case <-l.done:
			default:
				log.Printf("[link] read on %s failed: %v", l.cfg.PortPath, err)
			}
			return
		}
		select {
		case <-l.done:
			return
		default:
		}
	}
}
