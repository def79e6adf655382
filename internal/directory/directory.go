// Package directory is the persisted address book of previously authenticated
// accounts: account name -> last known address and last seen time. One mutex
// guards the in-memory map and the backing file together, so reconciliation
// and persistence never interleave partial state.
package directory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry is one known peer. LastSeen is epoch seconds; it only moves forward.
type Entry struct {
	Address  string `json:"address"`
	LastSeen int64  `json:"lastSeen"`
}

// Snapshot is a point-in-time view of one live session, as the maintenance
// orchestrator reads it from the transport. RemoteName is empty while the
// session is unauthenticated.
type Snapshot struct {
	Closed     bool
	RemoteName string
	Address    string
}

type Directory struct {
	mu      sync.Mutex
	path    string
	now     func() time.Time
	entries map[string]Entry
}

// Open loads the directory at path. When no backing file exists yet, it
// starts empty and immediately persists the empty map.
func Open(path string) (*Directory, error) {
	d := &Directory{path: path, now: time.Now, entries: make(map[string]Entry)}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reconcile upserts an entry for every open, authenticated session snapshot.
// Closed and unauthenticated sessions are skipped. Reconciling the same
// snapshots twice is idempotent apart from LastSeen moving forward.
func (d *Directory) Reconcile(snapshots []Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range snapshots {
		if s.Closed || s.RemoteName == "" {
			continue
		}
		d.seenLocked(s.RemoteName, s.Address)
	}
}

// Seen records a fresh authenticated contact with name at addr.
func (d *Directory) Seen(name, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seenLocked(name, addr)
}

func (d *Directory) seenLocked(name, addr string) {
	now := d.now().Unix()
	entry := d.entries[name]
	entry.Address = addr
	if now > entry.LastSeen {
		entry.LastSeen = now
	}
	d.entries[name] = entry
}

func (d *Directory) Get(name string) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[name]
	return entry, ok
}

// Names returns all known account names, sorted.
func (d *Directory) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.entries))
	for name := range d.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Remove drops one entry. Administrative use only; no maintenance task calls
// this.
func (d *Directory) Remove(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[name]
	delete(d.entries, name)
	return ok
}

// Save serializes the full current map to the backing file.
func (d *Directory) Save() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saveLocked()
}

func (d *Directory) saveLocked() error {
	raw, err := json.MarshalIndent(d.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(d.path, append(raw, '\n'), 0600)
}

// Reload discards in-memory state and reads the backing file again,
// initializing it when absent.
func (d *Directory) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		d.entries = make(map[string]Entry)
		return d.saveLocked()
	}
	if err != nil {
		return err
	}
	entries := make(map[string]Entry)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", d.path, err)
	}
	d.entries = entries
	return nil
}
