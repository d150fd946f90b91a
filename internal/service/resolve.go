package service

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/ipc"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
)

// ErrNotFound is returned when an id is not in the mirror or its file is
// gone from disk.
var ErrNotFound = errors.New("not found")

// Target is a resolved request: the served entry and, for composite ids, a
// path nested inside it.
type Target struct {
	ID    string // the requested id, composite or not
	Entry ipc.EntrySnapshot
	Rel   string // slash-separated path below Entry.TargetPath, empty at top level
	Path  string // absolute path on disk
	IsDir bool
	Size  int64
}

// ChildID encodes a path relative to a shared directory for use after the
// composite separator.
func ChildID(rel string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(filepath.ToSlash(rel)))
}

// Resolve parses id, looks it up in m and checks the file on disk. The
// existence check is done on every call. A stale mirror entry is left in
// place.
func Resolve(m *Mirror, id string) (Target, error) {
	parentID, childID := protocol.SplitID(id)
	entry, ok := m.Get(parentID)
	if !ok {
		return Target{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	t := Target{ID: id, Entry: entry, Path: entry.TargetPath}
	if childID != "" {
		if !entry.IsDir {
			return Target{}, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		raw, err := base64.RawURLEncoding.DecodeString(childID)
		if err != nil {
			return Target{}, fmt.Errorf("%s: malformed child id: %w", id, ErrNotFound)
		}
		rel := filepath.FromSlash(string(raw))
		if !filepath.IsLocal(rel) {
			return Target{}, fmt.Errorf("%s: child escapes share: %w", id, ErrNotFound)
		}
		t.Rel = filepath.ToSlash(rel)
		t.Path = filepath.Join(entry.TargetPath, rel)
	}

	info, err := os.Stat(t.Path)
	if err != nil {
		return Target{}, fmt.Errorf("%s: %w", t.Path, ErrNotFound)
	}
	if childID == "" && info.IsDir() != entry.IsDir {
		return Target{}, fmt.Errorf("%s changed type since it was shared: %w", t.Path, ErrNotFound)
	}
	t.IsDir = info.IsDir()
	t.Size = info.Size()
	return t, nil
}

// Name is the display name of the target.
func (t Target) Name() string {
	return filepath.Base(t.Path)
}
