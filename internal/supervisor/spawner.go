package supervisor

import (
	"context"
	"io"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

// Process is a running worker as seen from the controller: the two ends of
// its queues and its lifecycle.
type Process interface {
	Commands() io.WriteCloser
	Events() io.Reader
	// Wait blocks until the worker has exited.
	Wait() error
	// Terminate asks the worker to exit; Kill forces it.
	Terminate() error
	Kill() error
	Pid() int
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, p share.Protocol) (Process, error)
}
