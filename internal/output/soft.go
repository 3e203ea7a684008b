package output

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Soft toggles a GPIO character-device line from a goroutine. Duty cycle
// accuracy is limited by the scheduler, which is acceptable for IR
// illumination but not for sub-millisecond pulse trains.
type Soft struct {
	mu      sync.Mutex
	channel string
	chip    string
	offset  int
	rng     int
	line    *gpiocdev.Line

	stop chan struct{}
	done chan struct{}
}

// NewSoft returns an unclaimed software-timed output on chip/offset.
func NewSoft(channel, chip string, offset, rng int) *Soft {
	return &Soft{channel: channel, chip: chip, offset: offset, rng: rng}
}

func (s *Soft) Name() string { return fmt.Sprintf("soft:%s/%d", s.chip, s.offset) }
func (s *Soft) Range() int   { return s.rng }

func (s *Soft) Claim() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := gpiocdev.RequestLine(s.chip, s.offset,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer("optosync-"+s.channel))
	if err != nil {
		return fmt.Errorf("soft: request %s line %d: %w", s.chip, s.offset, err)
	}
	s.line = line
	log.Printf("[output] %s claimed %s line %d", s.channel, s.chip, s.offset)
	return nil
}

func (s *Soft) Set(level int, freq float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.line == nil {
		return fmt.Errorf("soft: %s: %w", s.Name(), errNotClaimed)
	}
	s.stopLoop()

	level = clampLevel(level, s.rng)
	switch {
	case level == 0:
		return s.line.SetValue(0)
	case level == s.rng || freq <= 0:
		return s.line.SetValue(1)
	}

	period := time.Duration(float64(time.Second) / freq)
	high := period * time.Duration(level) / time.Duration(s.rng)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.toggle(s.line, high, period-high, s.stop, s.done)
	return nil
}

func (s *Soft) toggle(line *gpiocdev.Line, high, low time.Duration, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := line.SetValue(1); err != nil {
			log.Printf("[output] %s toggle: %v", s.channel, err)
			return
		}
		time.Sleep(high)
		if err := line.SetValue(0); err != nil {
			log.Printf("[output] %s toggle: %v", s.channel, err)
			return
		}
		time.Sleep(low)
	}
}

// stopLoop ends any running toggle goroutine. Caller holds s.mu.
func (s *Soft) stopLoop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
}

func (s *Soft) Off() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.line == nil {
		return fmt.Errorf("soft: %s: %w", s.Name(), errNotClaimed)
	}
	s.stopLoop()
	return s.line.SetValue(0)
}

func (s *Soft) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.line == nil {
		return nil
	}
	s.stopLoop()
	err := s.line.SetValue(0)
	if cerr := s.line.Close(); err == nil && cerr != nil {
		err = cerr
	}
	s.line = nil
	log.Printf("[output] %s released %s line %d", s.channel, s.chip, s.offset)
	return err
}
