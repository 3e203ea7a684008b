package output

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Output is the interface every LED output backend must implement. One
// Output drives one physical channel and is owned by a single goroutine
// for the duration of a run.
type Output interface {
	// Name returns a human-readable identifier, e.g. "pwm:GPIO12".
	Name() string
	// Claim acquires the underlying pin and drives it low. It must be
	// called before Set or Off.
	Claim() error
	// Set drives the output at level (0..Range) and freq Hz.
	Set(level int, freq float64) error
	// Off forces the output low (level 0).
	Off() error
	// Release drives the output low and gives the pin back.
	Release() error
	// Range is the native full-scale duty value, e.g. 255.
	Range() int
}

// DefaultRange matches the 0-255 duty range of the daemon-driven hardware
// PWM the rig was first built on.
const DefaultRange = 255

var errNotClaimed = errors.New("output not claimed")

// PercentToNative converts a duty cycle percentage to the native range:
// round(p/100 * max), clamped to [0, max]. NaN maps to 0.
func PercentToNative(p float64, max int) int {
	if max <= 0 || math.IsNaN(p) {
		return 0
	}
	n := int(math.Round(p / 100 * float64(max)))
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}

// NativeToPercent is the inverse of PercentToNative, used for reporting.
func NativeToPercent(n, max int) float64 {
	if max <= 0 {
		return 0
	}
	return float64(n) / float64(max) * 100
}

// Config selects and parameterises the output backend.
type Config struct {
	Backend  string `yaml:"backend" json:"backend"` // pwm | soft | demo
	IRPin    string `yaml:"ir_pin" json:"irPin"`     // pwm backend pin names
	OptoPin  string `yaml:"opto_pin" json:"optoPin"`
	Chip     string `yaml:"chip" json:"chip"` // soft backend gpiochip
	IRLine   int    `yaml:"ir_line" json:"irLine"`
	OptoLine int    `yaml:"opto_line" json:"optoLine"`
	Range    int    `yaml:"range" json:"range"`
}

// New builds the IR and optogenetic outputs for the configured backend.
// Nothing is claimed yet; the controller claims each output once its run
// starts.
func New(cfg Config) (ir, opto Output, err error) {
	rng := cfg.Range
	if rng <= 0 {
		rng = DefaultRange
	}
	switch strings.ToLower(cfg.Backend) {
	case "pwm", "":
		return NewPWM("ir", cfg.IRPin, rng), NewPWM("opto", cfg.OptoPin, rng), nil
	case "soft":
		return NewSoft("ir", cfg.Chip, cfg.IRLine, rng), NewSoft("opto", cfg.Chip, cfg.OptoLine, rng), nil
	case "demo":
		return NewDemo("ir", rng), NewDemo("opto", rng), nil
	default:
		return nil, nil, fmt.Errorf("output: unknown backend %q (want pwm, soft or demo)", cfg.Backend)
	}
}
