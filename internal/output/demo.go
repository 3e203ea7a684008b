package output

import (
	"fmt"
	"sync"
	"time"
)

// Change is one recorded level change on a Demo output.
type Change struct {
	At    time.Time
	Level int
	Freq  float64
}

// Demo is an in-memory output for development and tests. It records every
// level change and can be told to fail individual operations.
type Demo struct {
	mu       sync.Mutex
	channel  string
	rng      int
	claimed  bool
	released bool
	level    int
	freq     float64
	history  []Change

	// Fail* are returned by the matching call when non-nil.
	FailClaim error
	FailSet   error
	FailOff   error
	// PanicOnSet makes Set panic when the requested level is non-zero.
	PanicOnSet bool
	// PanicOnClaim makes Claim panic.
	PanicOnClaim bool
}

func NewDemo(channel string, rng int) *Demo {
	if rng <= 0 {
		rng = DefaultRange
	}
	return &Demo{channel: channel, rng: rng}
}

func (d *Demo) Name() string { return "demo:" + d.channel }
func (d *Demo) Range() int   { return d.rng }

func (d *Demo) Claim() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PanicOnClaim {
		panic(fmt.Sprintf("demo %s: simulated claim fault", d.channel))
	}
	if d.FailClaim != nil {
		return d.FailClaim
	}
	d.claimed, d.released = true, false
	return nil
}

func (d *Demo) Set(level int, freq float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.claimed {
		return fmt.Errorf("demo %s: %w", d.channel, errNotClaimed)
	}
	if d.FailSet != nil {
		return d.FailSet
	}
	if d.PanicOnSet && level > 0 {
		panic(fmt.Sprintf("demo %s: simulated driver fault", d.channel))
	}
	d.record(clampLevel(level, d.rng), freq)
	return nil
}

func (d *Demo) Off() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.claimed {
		return fmt.Errorf("demo %s: %w", d.channel, errNotClaimed)
	}
	if d.FailOff != nil {
		return d.FailOff
	}
	d.record(0, d.freq)
	return nil
}

func (d *Demo) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.claimed {
		return nil
	}
	if d.FailOff != nil {
		return d.FailOff
	}
	if d.level != 0 {
		d.record(0, d.freq)
	}
	d.claimed, d.released = false, true
	return nil
}

func (d *Demo) record(level int, freq float64) {
	d.level, d.freq = level, freq
	d.history = append(d.history, Change{At: time.Now(), Level: level, Freq: freq})
}

// Level returns the current native level.
func (d *Demo) Level() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// IsOff reports whether the output currently reads OFF.
func (d *Demo) IsOff() bool { return d.Level() == 0 }

// Released reports whether Release completed.
func (d *Demo) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// History returns a copy of all recorded changes.
func (d *Demo) History() []Change {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Change(nil), d.history...)
}
