package service

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/ipc"
)

// httpCapability streams file bytes over the worker's own HTTP surface. It
// holds no state beyond the mirror.
type httpCapability struct{}

func (c *httpCapability) ApplyAdd(ipc.EntrySnapshot) error    { return nil }
func (c *httpCapability) ApplyRemove(ipc.EntrySnapshot) error { return nil }

func (c *httpCapability) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (c *httpCapability) ServeDownload(w http.ResponseWriter, r *http.Request, t Target) error {
	if t.IsDir {
		return &RequestError{Status: http.StatusBadRequest, Message: "directories are downloaded file by file"}
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return &RequestError{Status: http.StatusNotFound, Message: "file not found"}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	ct := mime.TypeByExtension(filepath.Ext(t.Path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.PathEscape(t.Name()))
	http.ServeContent(w, r, t.Name(), info.ModTime(), f)
	return nil
}
