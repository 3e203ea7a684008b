package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/optosync/internal/link"
	"github.com/shaunagostinho/optosync/internal/output"
	"github.com/shaunagostinho/optosync/internal/timing"
)

// DefaultPath is used when no -config flag is given.
const DefaultPath = "/etc/optosync/config.yaml"

// Config holds the settings for both the receiver and transmitter binaries.
type Config struct {
	mu sync.RWMutex

	// Serial link
	Link LinkConfig `yaml:"link" json:"link"`

	// Receiver side
	Assembler  AssemblerConfig  `yaml:"assembler" json:"assembler"`
	Trigger    TriggerConfig    `yaml:"trigger" json:"trigger"`
	Output     output.Config    `yaml:"output" json:"output"`
	Controller ControllerConfig `yaml:"controller" json:"controller"`
	Receiver   ReceiverConfig   `yaml:"receiver" json:"receiver"`

	// Host side
	Transmitter TransmitterConfig `yaml:"transmitter" json:"transmitter"`

	Paths     PathsConfig         `yaml:"paths" json:"paths"`
	RunLog    timing.RunLogConfig `yaml:"runlog" json:"runlog"`
	Telemetry TelemetryConfig     `yaml:"telemetry" json:"telemetry"`

	path string // file path for save/load
}

type LinkConfig struct {
	PortPath      string `yaml:"port_path" json:"portPath"` // e.g. /dev/serial0
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
}

type AssemblerConfig struct {
	IdleMs      int `yaml:"idle_ms" json:"idleMs"` // silence that ends a message
	PollMs      int `yaml:"poll_ms" json:"pollMs"`
	MaxAttempts int `yaml:"max_attempts" json:"maxAttempts"`
}

type TriggerConfig struct {
	Literal   string `yaml:"literal" json:"literal"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"` // 0 waits forever
}

type TransmitterConfig struct {
	OpenDelayMs    int    `yaml:"open_delay_ms" json:"openDelayMs"` // after opening, before the first write
	SettleMs       int    `yaml:"settle_ms" json:"settleMs"`
	TriggerDelayMs int    `yaml:"trigger_delay_ms" json:"triggerDelayMs"`
	TriggerByte    string `yaml:"trigger_byte" json:"triggerByte"`
}

type ControllerConfig struct {
	GateSettleMs int `yaml:"gate_settle_ms" json:"gateSettleMs"`
}

type ReceiverConfig struct {
	PostConfigDelayMs int `yaml:"post_config_delay_ms" json:"postConfigDelayMs"`
	RestartDelayMs    int `yaml:"restart_delay_ms" json:"restartDelayMs"`
}

type PathsConfig struct {
	LEDConfig    string `yaml:"led_config" json:"ledConfig"`
	CameraConfig string `yaml:"camera_config" json:"cameraConfig"`
	TimingsDir   string `yaml:"timings_dir" json:"timingsDir"`
}

type TelemetryConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Link: LinkConfig{
			PortPath:      "/dev/serial0",
			BaudRate:      115200,
			ReadTimeoutMs: 1000,
		},
		Assembler: AssemblerConfig{
			IdleMs:      1000,
			PollMs:      10,
			MaxAttempts: 5,
		},
		Trigger: TriggerConfig{
			Literal:   link.DefaultTrigger,
			TimeoutMs: 0,
		},
		Output: output.Config{
			Backend:  "pwm",
			IRPin:    "GPIO12",
			OptoPin:  "GPIO19",
			Chip:     "gpiochip0",
			IRLine:   23,
			OptoLine: 24,
			Range:    output.DefaultRange,
		},
		Controller: ControllerConfig{
			GateSettleMs: 100,
		},
		Receiver: ReceiverConfig{
			PostConfigDelayMs: 4000,
			RestartDelayMs:    2000,
		},
		Transmitter: TransmitterConfig{
			OpenDelayMs:    2000,
			SettleMs:       1000,
			TriggerDelayMs: 5000,
			TriggerByte:    link.DefaultTrigger,
		},
		Paths: PathsConfig{
			LEDConfig:    "/var/lib/optosync/led_config.json",
			CameraConfig: "/etc/optosync/camera_config.json",
			TimingsDir:   ".",
		},
		RunLog: timing.RunLogConfig{
			Enabled: false,
			Path:    "/var/log/optosync",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			ListenAddr: ":8090",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads OPTOSYNC_* environment variables and overrides
// config values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OPTOSYNC_PORT"); v != "" {
		c.Link.PortPath = v
	}
	if v := os.Getenv("OPTOSYNC_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Link.BaudRate = n
		}
	}
	if v := os.Getenv("OPTOSYNC_BACKEND"); v != "" {
		c.Output.Backend = v
	}
	if v := os.Getenv("OPTOSYNC_TRIGGER_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Trigger.TimeoutMs = n
		}
	}
	if v := os.Getenv("OPTOSYNC_LED_CONFIG"); v != "" {
		c.Paths.LEDConfig = v
	}
	if v := os.Getenv("OPTOSYNC_CAMERA_CONFIG"); v != "" {
		c.Paths.CameraConfig = v
	}
	if v := os.Getenv("OPTOSYNC_TIMINGS_DIR"); v != "" {
		c.Paths.TimingsDir = v
	}
	// Telemetry
	if v := os.Getenv("OPTOSYNC_TELEMETRY"); v != "" {
		c.Telemetry.Enabled = truthy(v)
	}
	if v := os.Getenv("OPTOSYNC_LISTEN"); v != "" {
		c.Telemetry.ListenAddr = v
	}
	// Run log
	if v := os.Getenv("OPTOSYNC_RUNLOG"); v != "" {
		c.RunLog.Enabled = truthy(v)
	}
	if v := os.Getenv("OPTOSYNC_RUNLOG_PATH"); v != "" {
		c.RunLog.Path = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. The link, assembler, trigger and receiver
// sections take effect on the next receiver cycle. Output, controller,
// paths, runlog and telemetry are read once at startup and need a restart.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// LinkSettings returns the serial parameters for link.Open and
// link.OpenTransmitter.
func (c *Config) LinkSettings() link.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return link.Config{
		PortPath:    c.Link.PortPath,
		BaudRate:    c.Link.BaudRate,
		ReadTimeout: ms(c.Link.ReadTimeoutMs),
	}
}

// AssemblerSettings returns the idle-gap framing parameters.
func (c *Config) AssemblerSettings() link.AssemblerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return link.AssemblerConfig{
		IdleTimeout:  ms(c.Assembler.IdleMs),
		PollInterval: ms(c.Assembler.PollMs),
		MaxAttempts:  c.Assembler.MaxAttempts,
	}
}

// OutputSettings returns the output backend selection.
func (c *Config) OutputSettings() output.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Output
}

// Snapshot resolves the delay and trigger settings. The receiver takes a
// fresh snapshot at the start of every cycle.
func (c *Config) Snapshot() Timings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Timings{
		TriggerLiteral:  c.Trigger.Literal,
		TriggerTimeout:  ms(c.Trigger.TimeoutMs),
		GateSettle:      ms(c.Controller.GateSettleMs),
		PostConfigDelay: ms(c.Receiver.PostConfigDelayMs),
		RestartDelay:    ms(c.Receiver.RestartDelayMs),
		OpenDelay:       ms(c.Transmitter.OpenDelayMs),
		Settle:          ms(c.Transmitter.SettleMs),
		TriggerDelay:    ms(c.Transmitter.TriggerDelayMs),
		TriggerByte:     triggerByte(c.Transmitter.TriggerByte),
	}
}

// Timings are the resolved delays and trigger settings.
type Timings struct {
	TriggerLiteral  string
	TriggerTimeout  time.Duration
	GateSettle      time.Duration
	PostConfigDelay time.Duration
	RestartDelay    time.Duration
	OpenDelay       time.Duration
	Settle          time.Duration
	TriggerDelay    time.Duration
	TriggerByte     byte
}

func triggerByte(s string) byte {
	if s == "" {
		return link.DefaultTrigger[0]
	}
	return s[0]
}

func ms(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}
