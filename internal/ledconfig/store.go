package ledconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// ErrPersistence marks a failure to write or read a persisted artifact.
// It never invalidates hardware actions already taken.
var ErrPersistence = errors.New("persistence failure")

// Store is the filesystem-backed configuration file shared between the
// serial receiver (writer) and the timing controller (reader).
type Store struct {
	path string
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Exists reports whether a persisted configuration is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Save writes cfg as indented JSON, creating the parent directory if needed.
func (s *Store) Save(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal config: %w", ErrPersistence, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", ErrPersistence, filepath.Dir(s.path), err)
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrPersistence, s.path, err)
	}
	log.Printf("[store] config written to %s (fingerprint %04X)", s.path, Fingerprint(cfg))
	return nil
}

// Load reads the persisted configuration. If the file is missing or cannot
// be decoded, Load returns Default() together with the error so the caller
// can warn and continue.
func (s *Store) Load() (Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Default(), fmt.Errorf("%w: read %s: %w", ErrPersistence, s.path, err)
	}
	cfg, err := Decode(data)
	if err != nil {
		return Default(), fmt.Errorf("%w: %s: %w", ErrPersistence, s.path, err)
	}
	return cfg, nil
}

// Remove deletes the persisted configuration. A missing file is not an error.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", ErrPersistence, s.path, err)
	}
	return nil
}
