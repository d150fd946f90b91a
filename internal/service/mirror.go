// Package service implements the worker side of a share: a process that
// serves one protocol and rebuilds its view of what is shared purely from
// the add/remove commands it receives.
package service

import (
	"sort"
	"sync"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/ipc"
)

// Mirror is a worker's private map of served entries. It is written only by
// the command-watch loop and read by request handlers.
type Mirror struct {
	mu      sync.RWMutex
	entries map[string]ipc.EntrySnapshot
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{entries: make(map[string]ipc.EntrySnapshot)}
}

// Add inserts or overwrites the entry for e.ID.
func (m *Mirror) Add(e ipc.EntrySnapshot) {
	m.mu.Lock()
	m.entries[e.ID] = e
	m.mu.Unlock()
}

// Remove deletes id. Removing a missing id is a no-op.
func (m *Mirror) Remove(id string) (ipc.EntrySnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	return e, ok
}

// Get looks up id.
func (m *Mirror) Get(id string) (ipc.EntrySnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// Len returns the number of entries.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns a copy of the mirror keyed by id.
func (m *Mirror) Snapshot() map[string]ipc.EntrySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ipc.EntrySnapshot, len(m.entries))
	for id, e := range m.entries {
		out[id] = e
	}
	return out
}

// IDs returns the served ids in sorted order.
func (m *Mirror) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
