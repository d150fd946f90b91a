package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/ipc"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/metrics"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
)

// Handler returns the worker's HTTP surface.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+protocol.RouteHealth, w.handleHealth)
	mux.HandleFunc("GET "+protocol.RouteFileList+"{id}", w.handleFileList)
	mux.HandleFunc("GET "+protocol.RouteDownload+"{id}", w.handleDownload)
	mux.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		writeEnvelope(rw, r, http.StatusNotFound, "unknown route", nil)
	})

	var h http.Handler = mux
	h = metrics.Middleware(routeLabel, h)
	h = logging.Middleware(h)
	return h
}

func routeLabel(r *http.Request) string {
	switch {
	case strings.HasPrefix(r.URL.Path, protocol.RouteFileList):
		return "file_list"
	case strings.HasPrefix(r.URL.Path, protocol.RouteDownload):
		return "download"
	case r.URL.Path == protocol.RouteHealth:
		return "health"
	default:
		return "other"
	}
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeEnvelope(rw, r, http.StatusOK, "", map[string]any{
		"status":   "ok",
		"protocol": w.protocol,
		"shares":   w.mirror.Len(),
	})
}

func (w *Worker) handleFileList(rw http.ResponseWriter, r *http.Request) {
	t, ok := w.resolve(rw, r)
	if !ok {
		return
	}

	d, err := BuildDescriptor(t, w.addresser(r))
	if err != nil {
		logging.Error("build listing", logging.String("id", t.ID), logging.String("path", t.Path), logging.Err(err))
		writeEnvelope(rw, r, http.StatusInternalServerError, "internal error", nil)
		return
	}

	logging.Access("file list",
		logging.String("id", t.ID),
		logging.String("path", t.Path),
		logging.String("remote", r.RemoteAddr))
	writeEnvelope(rw, r, http.StatusOK, "", d)
	w.emit(ipc.EventBrowsed, t.Entry.ID)
}

func (w *Worker) handleDownload(rw http.ResponseWriter, r *http.Request) {
	t, ok := w.resolve(rw, r)
	if !ok {
		return
	}

	if err := w.capability.ServeDownload(rw, r, t); err != nil {
		var re *RequestError
		if errors.As(err, &re) {
			writeEnvelope(rw, r, re.Status, re.Message, nil)
			return
		}
		logging.Error("download", logging.String("id", t.ID), logging.String("path", t.Path), logging.Err(err))
		writeEnvelope(rw, r, http.StatusInternalServerError, "internal error", nil)
		return
	}

	logging.Access("download",
		logging.String("id", t.ID),
		logging.String("path", t.Path),
		logging.String("remote", r.RemoteAddr))
	w.emit(ipc.EventHit, t.Entry.ID)
}

func (w *Worker) resolve(rw http.ResponseWriter, r *http.Request) (Target, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeEnvelope(rw, r, http.StatusBadRequest, "item id required", nil)
		return Target{}, false
	}
	t, err := Resolve(w.mirror, id)
	if err != nil {
		logging.AccessWarn("item not found",
			logging.String("id", id),
			logging.String("remote", r.RemoteAddr),
			logging.Err(err))
		writeEnvelope(rw, r, http.StatusNotFound, "item not found", nil)
		return Target{}, false
	}
	return t, true
}

// addresser builds item addresses the requesting client can reach: the
// advertised host if configured, otherwise the host the request came in on.
func (w *Worker) addresser(r *http.Request) Addresser {
	host := w.advertiseHost
	if host == "" {
		host = requestHost(r)
	}
	port := w.Port()
	return func(route, id string) string {
		return protocol.ItemAddress(host, port, route, id)
	}
}

// writeEnvelope writes status and the errno envelope. The body is gzipped
// when the client accepts it.
func writeEnvelope(rw http.ResponseWriter, r *http.Request, status int, msg string, data any) error {
	env := protocol.Envelope{Errno: status, Errmsg: msg}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			status = http.StatusInternalServerError
			env = protocol.Envelope{Errno: status, Errmsg: "internal error"}
		} else {
			env.Data = raw
		}
	}
	if env.Errmsg == "" && status == http.StatusOK {
		env.Errmsg = "ok"
	}

	rw.Header().Set("Content-Type", "application/json")
	if !acceptsGzip(r) {
		rw.WriteHeader(status)
		return json.NewEncoder(rw).Encode(env)
	}

	rw.Header().Set("Content-Encoding", "gzip")
	rw.Header().Add("Vary", "Accept-Encoding")
	rw.WriteHeader(status)
	gz := gzip.NewWriter(rw)
	if err := json.NewEncoder(gz).Encode(env); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(strings.SplitN(part, ";", 2)[0]) == "gzip" {
			return true
		}
	}
	return false
}
