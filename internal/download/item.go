// Package download fetches remote shared items in the background. Each
// protocol has one pipeline that processes queued items one at a time and
// reports every status transition to a callback.
package download

import (
	"fmt"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

// Status is the state of one download item.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
)

// Final reports whether s is a terminal status.
func (s Status) Final() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Item is one file to transfer.
type Item struct {
	ID           string // remote item id
	BatchID      string
	Protocol     share.Protocol
	Source       string // remote download address
	RelativePath string // slash separated, relative to the batch root
	Destination  string // local file path
	Size         int64

	Status Status
	Reason string // set when Status is failed
}

// Key identifies the item across status updates.
func (it Item) Key() string {
	return it.BatchID + "/" + it.RelativePath
}

// Batch is an ordered group of items submitted together.
type Batch struct {
	ID       string
	Protocol share.Protocol
	Root     string   // local directory the items are written under
	Dirs     []string // directories to create, relative to Root
	Items    []Item
}

// StatusFunc receives every status transition of every item.
type StatusFunc func(item Item, status Status, batchID string)

// TransferError is a failed transfer of one item.
type TransferError struct {
	Path string
	Op   string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
