package ledconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CameraSettings is the capture configuration consumed by the external
// camera capture step. The core only reads its capture window.
type CameraSettings struct {
	Mode          string  `json:"mode"`           // width:height:bitdepth:packing
	CaptureLength int     `json:"capture_length"` // ms
	Framerate     int     `json:"framerate"`
	Gain          float64 `json:"gain"`
	ShutterSpeed  *int    `json:"shutter_speed"` // µs, nil = auto
}

// DefaultCamera returns the HQ camera defaults.
func DefaultCamera() CameraSettings {
	return CameraSettings{
		Mode:          "4056:3040:12:U",
		CaptureLength: 35000,
		Framerate:     10,
		Gain:          1.0,
	}
}

// CaptureWindow is the configured capture duration.
func (c CameraSettings) CaptureWindow() time.Duration {
	return time.Duration(c.CaptureLength) * time.Millisecond
}

// LoadCamera reads camera settings from path, starting from the defaults so
// that fields absent from the file keep their default value. On any error the
// defaults are returned together with the error.
func LoadCamera(path string) (CameraSettings, error) {
	cs := DefaultCamera()
	data, err := os.ReadFile(path)
	if err != nil {
		return cs, fmt.Errorf("%w: read %s: %w", ErrPersistence, path, err)
	}
	if err := json.Unmarshal(data, &cs); err != nil {
		return DefaultCamera(), fmt.Errorf("%w: %s: %w", ErrPersistence, path, err)
	}
	if cs.Mode == "" {
		cs.Mode = DefaultCamera().Mode
	}
	if cs.CaptureLength <= 0 {
		cs.CaptureLength = DefaultCamera().CaptureLength
	}
	return cs, nil
}

// SaveCamera writes camera settings as indented JSON.
func SaveCamera(path string, cs CameraSettings) error {
	data, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal camera settings: %w", ErrPersistence, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", ErrPersistence, filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrPersistence, path, err)
	}
	return nil
}
