package timing

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/shaunagostinho/optosync/internal/ledconfig"
)

// FileName is the record written into each experiment directory.
const FileName = "timings.json"

// Record is the on-disk timing summary. The key names are read by the
// downstream analysis scripts and must not change.
type Record struct {
	ExperimentName string       `json:"Experiment_name"`
	Camera         CameraTiming `json:"Camera"`
}

// CameraTiming holds the measured capture duration in seconds.
type CameraTiming struct {
	CaptureTime float64 `json:"capture_time"`
}

// Write stores elapsed as dir/timings.json, creating dir if needed. An
// empty name defaults to the base name of dir. The returned path is the
// file written.
func Write(dir string, elapsed time.Duration, name string) (string, error) {
	if name == "" {
		name = experimentName(dir)
	}
	rec := Record{
		ExperimentName: name,
		Camera:         CameraTiming{CaptureTime: elapsed.Seconds()},
	}

	data, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return "", fmt.Errorf("%w: marshal timings: %w", ledconfig.ErrPersistence, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %w", ledconfig.ErrPersistence, dir, err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("%w: write %s: %w", ledconfig.ErrPersistence, path, err)
	}

	log.Printf("[timing] %s: %s capture took %.3f s", path, name, rec.Camera.CaptureTime)
	return path, nil
}

// experimentName is the base name of dir, resolved against the working
// directory so "." and ".." give a real name.
func experimentName(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return filepath.Base(filepath.Clean(dir))
}

// Read loads a timings record, mainly for tooling and tests.
func Read(path string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parse %s: %w", path, err)
	}
	return rec, nil
}
