package ledconfig

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sigurn/crc16"
)

// Config holds the parameters for one LED run: a continuous IR channel and
// a delayed optogenetic flash channel. Field names match the JSON the host
// transmitter sends over the serial link.
type Config struct {
	IR   IRChannel   `json:"IR_LEDs"`
	Opto OptoChannel `json:"Optogenetic_LEDs"`
}

// IRChannel runs once from the synchronized start for ActiveTime seconds.
type IRChannel struct {
	DutyCycle  float64 `json:"duty_cycle"`  // 0-100 %
	Frequency  float64 `json:"frequency"`   // Hz
	ActiveTime float64 `json:"active_time"` // seconds
}

// OptoChannel is held off for InitialDelay seconds, then flashes for
// FlashLength seconds.
type OptoChannel struct {
	DutyCycle    float64 `json:"duty_cycle"`    // 0-100 %
	Frequency    float64 `json:"frequency"`     // Hz
	FlashLength  float64 `json:"flash_length"`  // seconds
	InitialDelay float64 `json:"initial_delay"` // seconds
}

// Defaults used for any field that is missing or cannot be parsed.
const (
	DefaultIRDuty       = 60.0
	DefaultIRFrequency  = 500.0
	DefaultIRActiveTime = 40.0

	DefaultOptoDuty         = 100.0
	DefaultOptoFrequency    = 500.0
	DefaultOptoFlashLength  = 5.0
	DefaultOptoInitialDelay = 8.0
)

// Default returns the configuration used when nothing else is known.
func Default() Config {
	return Config{
		IR: IRChannel{
			DutyCycle:  DefaultIRDuty,
			Frequency:  DefaultIRFrequency,
			ActiveTime: DefaultIRActiveTime,
		},
		Opto: OptoChannel{
			DutyCycle:    DefaultOptoDuty,
			Frequency:    DefaultOptoFrequency,
			FlashLength:  DefaultOptoFlashLength,
			InitialDelay: DefaultOptoInitialDelay,
		},
	}
}

// Decode parses a configuration payload. The payload itself must be a JSON
// object; inside it, every missing or unparsable field falls back to its
// default rather than failing the whole message. Numbers may be sent either
// as JSON numbers or as numeric strings.
func Decode(data []byte) (Config, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return Config{}, fmt.Errorf("ledconfig: decode: %w", err)
	}
	if top == nil {
		return Config{}, fmt.Errorf("ledconfig: decode: payload is null")
	}

	cfg := Default()

	ir := objectFields(top["IR_LEDs"])
	cfg.IR.DutyCycle = number(ir, "duty_cycle", cfg.IR.DutyCycle)
	cfg.IR.Frequency = number(ir, "frequency", cfg.IR.Frequency)
	cfg.IR.ActiveTime = number(ir, "active_time", cfg.IR.ActiveTime)

	opto := objectFields(top["Optogenetic_LEDs"])
	cfg.Opto.DutyCycle = number(opto, "duty_cycle", cfg.Opto.DutyCycle)
	cfg.Opto.Frequency = number(opto, "frequency", cfg.Opto.Frequency)
	cfg.Opto.FlashLength = number(opto, "flash_length", cfg.Opto.FlashLength)
	cfg.Opto.InitialDelay = number(opto, "initial_delay", cfg.Opto.InitialDelay)

	cfg.Normalize()
	return cfg, nil
}

// MaxSeconds is the longest duration, in seconds, a time.Duration can hold.
const MaxSeconds = float64(math.MaxInt64 / int64(time.Second))

// Normalize clamps duty cycles to [0,100], replaces non-positive
// frequencies with the defaults and clamps durations to [0, MaxSeconds].
func (c *Config) Normalize() {
	c.IR.DutyCycle = clampDuty(c.IR.DutyCycle)
	c.Opto.DutyCycle = clampDuty(c.Opto.DutyCycle)

	if !(c.IR.Frequency > 0) || math.IsInf(c.IR.Frequency, 0) {
		c.IR.Frequency = DefaultIRFrequency
	}
	if !(c.Opto.Frequency > 0) || math.IsInf(c.Opto.Frequency, 0) {
		c.Opto.Frequency = DefaultOptoFrequency
	}

	c.IR.ActiveTime = nonNegative(c.IR.ActiveTime)
	c.Opto.FlashLength = nonNegative(c.Opto.FlashLength)
	c.Opto.InitialDelay = nonNegative(c.Opto.InitialDelay)
}

// Active is the IR on-duration.
func (c IRChannel) Active() time.Duration { return seconds(c.ActiveTime) }

// Delay is the opto hold-off before the flash.
func (c OptoChannel) Delay() time.Duration { return seconds(c.InitialDelay) }

// Flash is the opto on-duration.
func (c OptoChannel) Flash() time.Duration { return seconds(c.FlashLength) }

// Fingerprint is a CRC-16/CCITT-FALSE over the canonical JSON encoding of
// the configuration. Two runs with the same fingerprint used the same
// parameters.
func Fingerprint(c Config) uint16 {
	data, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return crc16.Checksum(data, crcTable)
}

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

func objectFields(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields
}

func number(fields map[string]json.RawMessage, key string, def float64) float64 {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return def
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

func clampDuty(d float64) float64 {
	switch {
	case math.IsNaN(d) || d < 0:
		return 0
	case d > 100:
		return 100
	}
	return d
}

func nonNegative(v float64) float64 {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0) || v < 0:
		return 0
	case v > MaxSeconds:
		return MaxSeconds
	}
	return v
}

// seconds converts without overflowing for values Normalize has not seen.
func seconds(s float64) time.Duration {
	return time.Duration(nonNegative(s) * float64(time.Second))
}
