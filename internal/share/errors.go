package share

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no entry matches an id or row.
var ErrNotFound = errors.New("share not found")

// DuplicateShareError reports that the path is already shared over the
// protocol. Row is the zero-based row of the existing entry.
type DuplicateShareError struct {
	Row      int
	Path     string
	Protocol Protocol
}

func (e *DuplicateShareError) Error() string {
	return fmt.Sprintf("%s is already shared over %s (row %d)", e.Path, e.Protocol, e.Row+1)
}

// RemovalConflictError reports an attempt to remove an entry that is still
// sharing.
type RemovalConflictError struct {
	Row  int
	ID   string
	Path string
}

func (e *RemovalConflictError) Error() string {
	return fmt.Sprintf("share %s (%s) is still open; close it before removing", e.ID, e.Path)
}

// AsDuplicate checks if err is a DuplicateShareError and returns it.
func AsDuplicate(err error) (*DuplicateShareError, bool) {
	var de *DuplicateShareError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// AsRemovalConflict checks if err is a RemovalConflictError and returns it.
func AsRemovalConflict(err error) (*RemovalConflictError, bool) {
	var rc *RemovalConflictError
	if errors.As(err, &rc) {
		return rc, true
	}
	return nil, false
}
