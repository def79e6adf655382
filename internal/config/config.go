// Package config persists node configuration as a JSON file. Maintenance
// tasks re-read their intervals through a snapshot accessor every iteration,
// so edits take effect without a restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Duration marshals as a Go duration string ("45s", "3m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	// PexInterval is the time between peer-exchange announcements.
	PexInterval Duration `json:"pexInterval"`
	// LastSeenUpdateInterval is the time between directory sync passes.
	LastSeenUpdateInterval Duration `json:"lastSeenUpdateInterval"`
	// SessionRemoverInterval is the time between session reaper passes.
	SessionRemoverInterval Duration `json:"sessionRemoverInterval"`
	// AutoConnectInterval is the time between auto-connect passes.
	AutoConnectInterval Duration `json:"autoConnectInterval"`
}

func Default() Config {
	return Config{
		PexInterval:            Duration{45 * time.Second},
		LastSeenUpdateInterval: Duration{3 * time.Minute},
		SessionRemoverInterval: Duration{2 * time.Minute},
		AutoConnectInterval:    Duration{15 * time.Second},
	}
}

// File is a mutex-guarded configuration file. Reads and writes of the backing
// file never interleave with in-memory access.
type File struct {
	mu    sync.Mutex
	path  string
	value Config
}

// Open loads the file at path, creating it with defaults when absent. The
// normalized current value is written back so the file always reflects the
// full schema.
func Open(path string) (*File, error) {
	f := &File{path: path, value: Default()}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	if err := f.Save(); err != nil {
		return nil, err
	}
	return f, nil
}

// Snapshot returns the current value.
func (f *File) Snapshot() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Update mutates the current value in place. Call Save to persist.
func (f *File) Update(fn func(*Config)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.value)
}

// Reload discards in-memory state and reads the file again. A missing file
// resets to defaults.
func (f *File) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.value = Default()
		return nil
	}
	if err != nil {
		return err
	}
	value := Default()
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("parse %s: %w", f.path, err)
	}
	f.value = value
	return nil
}

// Save writes the current value to disk.
func (f *File) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := json.MarshalIndent(f.value, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(f.path, append(raw, '\n'), 0600)
}
