package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/ipc"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

// Capability is the protocol-specific part of a worker. The worker keeps
// the mirror itself and calls ApplyAdd/ApplyRemove after updating it.
type Capability interface {
	ApplyAdd(entry ipc.EntrySnapshot) error
	ApplyRemove(entry ipc.EntrySnapshot) error
	// Run blocks until ctx is done and releases protocol resources.
	Run(ctx context.Context) error
	// ServeDownload fulfils a download request for t.
	ServeDownload(w http.ResponseWriter, r *http.Request, t Target) error
}

// RequestError is a client-facing failure with its status code.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// NewCapability returns the capability serving p.
func NewCapability(p share.Protocol, listenHost, advertiseHost string) (Capability, error) {
	switch p {
	case share.HTTP:
		return &httpCapability{}, nil
	case share.FTP:
		return newFTPCapability(listenHost, advertiseHost), nil
	default:
		return nil, fmt.Errorf("no capability for protocol %q", p)
	}
}
