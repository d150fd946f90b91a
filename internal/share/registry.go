package share

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/metrics"
)

// Registry is the authoritative, ordered collection of entries. Insertion
// order is row order. Structural changes are persisted immediately.
type Registry struct {
	mu      sync.RWMutex
	path    string
	entries []*Entry
	index   map[string]*Entry
}

// NewRegistry returns an empty registry persisted at path. An empty path
// disables persistence.
func NewRegistry(path string) *Registry {
	return &Registry{
		path:  path,
		index: make(map[string]*Entry),
	}
}

// Load reads the registry backup at path. A missing backup yields an empty
// registry; a corrupt one is logged and also yields an empty registry.
// Every loaded entry starts closed since no worker serves it yet.
func Load(path string) *Registry {
	r := NewRegistry(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Warn("registry backup unreadable, starting empty",
				logging.String("path", path), logging.Err(err))
		}
		return r
	}

	var loaded []*Entry
	if err := json.Unmarshal(data, &loaded); err != nil {
		logging.Warn("registry backup corrupt, starting empty",
			logging.String("path", path), logging.Err(err))
		return r
	}

	for _, e := range loaded {
		if e == nil || e.ID == "" || !e.Protocol.Valid() {
			logging.Warn("skipping malformed registry record", logging.String("path", path))
			continue
		}
		if _, dup := r.index[e.ID]; dup {
			continue
		}
		e.IsSharing = false
		e.RowPosition = len(r.entries)
		r.entries = append(r.entries, e)
		r.index[e.ID] = e
	}
	r.updateMetricsLocked()
	logging.Info("registry loaded", logging.String("path", path), logging.Int("entries", len(r.entries)))
	return r
}

// Append adds e as the last row and persists the registry.
func (r *Registry) Append(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.index[e.ID]; dup {
		return fmt.Errorf("entry %s already registered", e.ID)
	}
	e.RowPosition = len(r.entries)
	r.entries = append(r.entries, e)
	r.index[e.ID] = e
	r.changedLocked()
	return nil
}

// Remove deletes the entry at row. Entries still sharing are rejected with
// RemovalConflictError. Later rows shift down by one.
func (r *Registry) Remove(row int) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if row < 0 || row >= len(r.entries) {
		return Entry{}, fmt.Errorf("row %d: %w", row, ErrNotFound)
	}
	e := r.entries[row]
	if e.IsSharing {
		return Entry{}, &RemovalConflictError{Row: row, ID: e.ID, Path: e.TargetPath}
	}

	r.entries = append(r.entries[:row], r.entries[row+1:]...)
	delete(r.index, e.ID)
	for i := row; i < len(r.entries); i++ {
		r.entries[i].RowPosition = i
	}
	r.changedLocked()
	return e.Clone(), nil
}

// Contains returns the row of the entry sharing path over p, if any.
func (r *Registry) Contains(path string, p Protocol) (int, bool) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.IsSharing && e.Protocol == p && e.TargetPath == path {
			return e.RowPosition, true
		}
	}
	return 0, false
}

// Get returns a copy of the entry with id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.index[id]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

// Entries returns copies of all entries in row order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Clone()
	}
	return out
}

// Active returns the entries of protocol p that are sharing, in row order.
func (r *Registry) Active(p Protocol) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.IsSharing && e.Protocol == p {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SetSharing flips the sharing flag of id.
func (r *Registry) SetSharing(id string, sharing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.index[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	e.IsSharing = sharing
	r.updateMetricsLocked()
	return nil
}

// RecordHit increments the browse counter of id and returns the new value.
func (r *Registry) RecordHit(id string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.index[id]
	if !ok {
		return 0, false
	}
	e.BrowseCount++
	return e.BrowseCount, true
}

// FTPParams returns the access parameters previously assigned to an FTP
// share of path.
func (r *Registry) FTPParams(path string) (FTPParams, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Protocol == FTP && e.TargetPath == path && e.FTP != nil {
			return *e.FTP, true
		}
	}
	return FTPParams{}, false
}

// FTPPorts returns the ports assigned to FTP entries.
func (r *Registry) FTPPorts() map[int]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ports := make(map[int]bool)
	for _, e := range r.entries {
		if e.FTP != nil {
			ports[e.FTP.Port] = true
		}
	}
	return ports
}

// Dump writes the full registry to its backup file.
func (r *Registry) Dump() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dumpLocked()
}

func (r *Registry) changedLocked() {
	r.updateMetricsLocked()
	if err := r.dumpLocked(); err != nil {
		logging.Error("registry backup failed", logging.String("path", r.path), logging.Err(err))
	}
}

func (r *Registry) updateMetricsLocked() {
	active := 0
	for _, e := range r.entries {
		if e.IsSharing {
			active++
		}
	}
	metrics.SetRegistrySize(len(r.entries), active)
}

func (r *Registry) dumpLocked() error {
	if r.path == "" {
		return nil
	}
	snapshot := r.entries
	if snapshot == nil {
		snapshot = []*Entry{}
	}
	data, err := json.MarshalIndent(snapshot, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".file-sharing-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", r.path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", r.path, err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", r.path, err)
	}
	return nil
}
