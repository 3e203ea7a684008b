package output

import (
	"fmt"
	"log"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

var (
	hostOnce sync.Once
	hostErr  error
)

func initHost() error {
	hostOnce.Do(func() {
		if _, err := host.Init(); err != nil {
			hostErr = fmt.Errorf("failed to initialize periph: %w", err)
		}
	})
	return hostErr
}

// PWM drives a pin through the periph.io hardware PWM driver.
type PWM struct {
	mu      sync.Mutex
	channel string
	pinName string
	rng     int
	pin     gpio.PinIO
}

// NewPWM returns an unclaimed hardware PWM output on pinName (e.g. "GPIO12").
func NewPWM(channel, pinName string, rng int) *PWM {
	return &PWM{channel: channel, pinName: pinName, rng: rng}
}

func (p *PWM) Name() string { return "pwm:" + p.pinName }
func (p *PWM) Range() int   { return p.rng }

func (p *PWM) Claim() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := initHost(); err != nil {
		return err
	}
	pin := gpioreg.ByName(p.pinName)
	if pin == nil {
		return fmt.Errorf("pwm: pin %q not found", p.pinName)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("pwm: %s low: %w", p.pinName, err)
	}
	p.pin = pin
	log.Printf("[output] %s claimed %s", p.channel, p.pinName)
	return nil
}

func (p *PWM) Set(level int, freq float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pin == nil {
		return fmt.Errorf("pwm: %s: %w", p.pinName, errNotClaimed)
	}
	level = clampLevel(level, p.rng)
	if level == 0 {
		return p.pin.Out(gpio.Low)
	}
	duty := gpio.Duty(int64(level) * int64(gpio.DutyMax) / int64(p.rng))
	f := physic.Frequency(freq * float64(physic.Hertz))
	if err := p.pin.PWM(duty, f); err != nil {
		return fmt.Errorf("pwm: %s duty %d/%d at %v: %w", p.pinName, level, p.rng, f, err)
	}
	return nil
}

func (p *PWM) Off() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pin == nil {
		return fmt.Errorf("pwm: %s: %w", p.pinName, errNotClaimed)
	}
	if err := p.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("pwm: %s off: %w", p.pinName, err)
	}
	return nil
}

func (p *PWM) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pin == nil {
		return nil
	}
	err := p.pin.Out(gpio.Low)
	if herr := p.pin.Halt(); err == nil && herr != nil {
		err = herr
	}
	p.pin = nil
	log.Printf("[output] %s released %s", p.channel, p.pinName)
	return err
}

func clampLevel(level, rng int) int {
	if level < 0 {
		return 0
	}
	if level > rng {
		return rng
	}
	return level
}
