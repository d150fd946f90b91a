package share

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// errLimit stops the walk early.
var errLimit = errors.New("file limit exceeded")

// CountFiles counts regular files under root. A file root counts as one.
// The walk stops as soon as the count exceeds limit; the returned count is
// then limit+1. A limit <= 0 counts everything.
func CountFiles(root string, limit int) (int, error) {
	info, err := os.Stat(root)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 1, nil
	}

	count := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped.
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		count++
		if limit > 0 && count > limit {
			return errLimit
		}
		return nil
	})
	if errors.Is(err, errLimit) {
		return count, nil
	}
	return count, err
}
