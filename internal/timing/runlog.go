package timing

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/optosync/internal/controller"
)

// RunLog appends one CSV row per run with automatic file rotation.
type RunLog struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
}

// RunLogConfig holds run log configuration.
type RunLogConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	maxRowsPerFile = 10_000
	stampFormat    = "2006-01-02T15:04:05.000000Z07:00"
)

var csvHeader = []string{
	"run_id", "fingerprint", "trigger", "gate_release",
	"ir_output", "ir_level", "ir_freq_hz", "ir_on", "ir_off",
	"opto_output", "opto_level", "opto_freq_hz", "opto_on", "opto_off",
	"elapsed_s", "trigger_to_done_s", "result",
}

// NewRunLog creates a run log. Files are only created on the first Record.
func NewRunLog(cfg RunLogConfig) *RunLog {
	if cfg.Path == "" {
		cfg.Path = "/var/log/optosync"
	}
	return &RunLog{dir: cfg.Path, enabled: cfg.Enabled}
}

// SetEnabled allows toggling logging at runtime.
func (l *RunLog) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *RunLog) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes one row for res. trigger is when the start signal was
// detected (zero if unknown); runErr is the controller's outcome.
func (l *RunLog) Record(res *controller.Result, trigger time.Time, runErr error) {
	if res == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(time.Now()); err != nil {
			log.Printf("[runlog] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(res, trigger, runErr)); err != nil {
		log.Printf("[runlog] write failed: %v", err)
		return
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		log.Printf("[runlog] flush failed: %v", err)
		return
	}
	l.rows++
}

// Close flushes and closes the current log file.
func (l *RunLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *RunLog) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("runs_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[runlog] opened %s", path)
	return nil
}

func (l *RunLog) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(res *controller.Result, trigger time.Time, runErr error) []string {
	row := make([]string, len(csvHeader))

	row[0] = res.RunID.String()
	row[1] = fmt.Sprintf("%04X", res.Fingerprint)
	row[2] = stamp(trigger)
	row[3] = stamp(res.Released)

	row[4] = res.IR.Output
	row[5] = fmt.Sprintf("%d", res.IR.Level)
	row[6] = fmt.Sprintf("%.1f", res.IR.Freq)
	row[7] = stamp(res.IR.On)
	row[8] = stamp(res.IR.Off)

	row[9] = res.Opto.Output
	row[10] = fmt.Sprintf("%d", res.Opto.Level)
	row[11] = fmt.Sprintf("%.1f", res.Opto.Freq)
	row[12] = stamp(res.Opto.On)
	row[13] = stamp(res.Opto.Off)

	row[14] = fmt.Sprintf("%.3f", res.Elapsed.Seconds())
	if !trigger.IsZero() && !res.Finished.IsZero() {
		row[15] = fmt.Sprintf("%.3f", res.Finished.Sub(trigger).Seconds())
	}
	row[16] = "ok"
	if runErr != nil {
		row[16] = runErr.Error()
	}
	return row
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(stampFormat)
}
