// Package api provides the control HTTP server the CLI talks to.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/browse"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/controller"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/events"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/metrics"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
)

// maxBodySize bounds request bodies; every request is a small JSON object.
const maxBodySize = 1 << 20

// Server is the control API server.
type Server struct {
	controller  *controller.Controller
	broadcaster *events.Broadcaster
}

// NewServer creates a new server over c.
func NewServer(c *controller.Controller) *Server {
	return &Server{
		controller:  c,
		broadcaster: c.Broadcaster(),
	}
}

// Handler returns the routed handler wrapped in logging and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Shares
	mux.HandleFunc("GET /api/v1/shares", s.handleListShares)
	mux.HandleFunc("POST /api/v1/shares", s.handleCreateShare)
	mux.HandleFunc("POST /api/v1/shares/open-all", s.handleOpenAll)
	mux.HandleFunc("POST /api/v1/shares/close-all", s.handleCloseAll)
	mux.HandleFunc("POST /api/v1/shares/{id}/open", s.handleOpenShare)
	mux.HandleFunc("POST /api/v1/shares/{id}/close", s.handleCloseShare)
	mux.HandleFunc("DELETE /api/v1/shares/{id}", s.handleRemoveShare)

	// Browse
	mux.HandleFunc("GET /api/v1/browse", s.handleBrowseView)
	mux.HandleFunc("POST /api/v1/browse", s.handleBrowse)
	mux.HandleFunc("POST /api/v1/browse/enter", s.handleEnter)
	mux.HandleFunc("POST /api/v1/browse/back", s.handleBack)

	// Downloads
	mux.HandleFunc("GET /api/v1/downloads", s.handleListDownloads)
	mux.HandleFunc("POST /api/v1/downloads", s.handleDownload)
	mux.HandleFunc("DELETE /api/v1/downloads", s.handleClearDownloads)

	// Settings
	mux.HandleFunc("GET /api/v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/v1/settings", s.handleUpdateSettings)

	return logging.Middleware(metrics.Middleware(routeLabel, mux))
}

// routeLabel keeps share ids out of metric labels.
func routeLabel(r *http.Request) string {
	p := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	if p == r.URL.Path {
		return strings.TrimPrefix(p, "/")
	}
	parts := strings.Split(p, "/")
	if parts[0] == "shares" && len(parts) >= 2 && parts[1] != "open-all" && parts[1] != "close-all" {
		parts[1] = "{id}"
	}
	return strings.Join(parts, "/")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"workers": s.controller.Supervisor().Running(),
	})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	types, err := events.ParseTypes(r.URL.Query().Get("types"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broadcaster.Subscribe(types...)
	defer s.broadcaster.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err := events.WriteSSE(w, event); err != nil {
				logging.Debug("event stream closed", logging.Err(err))
				return
			}
			flusher.Flush()
		}
	}
}

// ─── Shares ─────────────────────────────────────────────────────────────────

func shareInfo(sh controller.Share) protocol.ShareInfo {
	info := protocol.ShareInfo{
		Row:         sh.RowPosition,
		ID:          sh.ID,
		Path:        sh.TargetPath,
		Name:        filepath.Base(sh.TargetPath),
		Protocol:    string(sh.Protocol),
		IsDir:       sh.IsDir,
		IsSharing:   sh.IsSharing,
		BrowseCount: sh.BrowseCount,
		Address:     sh.Address,
	}
	if sh.FTP != nil {
		info.FTPPort = sh.FTP.Port
		info.FTPPassword = sh.FTP.Password
	}
	return info
}

// withAddress finds the listing address of e among the current shares.
func (s *Server) withAddress(e share.Entry) controller.Share {
	for _, sh := range s.controller.Shares() {
		if sh.ID == e.ID {
			return sh
		}
	}
	return controller.Share{Entry: e}
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	shares := s.controller.Shares()
	resp := protocol.ShareListResponse{Shares: make([]protocol.ShareInfo, 0, len(shares))}
	for _, sh := range shares {
		resp.Shares = append(resp.Shares, shareInfo(sh))
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateShareRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.sendError(w, http.StatusBadRequest, "path is required")
		return
	}
	p, err := share.ParseProtocol(req.Protocol)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.controller.CreateShare(req.Path, p)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, protocol.CreateShareResponse{
		Share:   shareInfo(s.withAddress(res.Entry)),
		Files:   res.Files,
		Warning: res.Warning,
	})
}

func (s *Server) handleOpenShare(w http.ResponseWriter, r *http.Request) {
	e, err := s.controller.OpenShare(r.PathValue("id"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, shareInfo(s.withAddress(e)))
}

func (s *Server) handleCloseShare(w http.ResponseWriter, r *http.Request) {
	e, err := s.controller.CloseShare(r.PathValue("id"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, shareInfo(controller.Share{Entry: e}))
}

func (s *Server) handleRemoveShare(w http.ResponseWriter, r *http.Request) {
	e, err := s.controller.RemoveEntry(r.PathValue("id"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, shareInfo(controller.Share{Entry: e}))
}

func (s *Server) handleOpenAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.controller.OpenAll()
	if err != nil && n == 0 {
		s.sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.CountResponse{Changed: n})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.controller.CloseAll()
	if err != nil && n == 0 {
		s.sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.CountResponse{Changed: n})
}

// ─── Browse ─────────────────────────────────────────────────────────────────

func browseResponse(v browse.View) protocol.BrowseResponse {
	return protocol.BrowseResponse{
		State:   string(v.State),
		Address: v.Address,
		IsRoot:  v.IsRoot,
		Error:   v.Error,
		Listing: v.Listing,
	}
}

func (s *Server) handleBrowseView(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, browseResponse(s.controller.BrowseView()))
}

// handleBrowse answers with the session state even when the load failed;
// the status code tells the outcomes apart.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	var req protocol.BrowseRequest
	if !s.decode(w, r, &req) {
		return
	}
	v, _ := s.controller.Browse(r.Context(), strings.TrimSpace(req.Address))
	sendJSON(w, browseStatus(v.State), browseResponse(v))
}

func browseStatus(st browse.State) int {
	switch st {
	case browse.StateLoaded:
		return http.StatusOK
	case browse.StateInvalid:
		return http.StatusBadRequest
	case browse.StateNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	var req protocol.EnterRequest
	if !s.decode(w, r, &req) {
		return
	}
	v, err := s.controller.Enter(req.Name)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, browseResponse(v))
}

func (s *Server) handleBack(w http.ResponseWriter, r *http.Request) {
	v, err := s.controller.Back()
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, browseResponse(v))
}

// ─── Downloads ──────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req protocol.DownloadRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	b, err := s.controller.Download(req.Name)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusAccepted, protocol.DownloadSubmitResponse{BatchID: b.ID, Items: len(b.Items)})
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	recs := s.controller.Downloads()
	resp := protocol.DownloadListResponse{Downloads: make([]protocol.DownloadInfo, 0, len(recs))}
	for _, rec := range recs {
		resp.Downloads = append(resp.Downloads, protocol.DownloadInfo{
			ItemID:       rec.Item.ID,
			BatchID:      rec.Item.BatchID,
			Protocol:     string(rec.Item.Protocol),
			RelativePath: rec.Item.RelativePath,
			Destination:  rec.Item.Destination,
			Status:       string(rec.Item.Status),
			Reason:       rec.Item.Reason,
			UpdatedAt:    rec.UpdatedAt,
		})
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearDownloads(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, protocol.CountResponse{Changed: s.controller.ClearFinished()})
}

// ─── Settings ───────────────────────────────────────────────────────────────

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, protocol.SettingsResponse{Settings: s.controller.Settings().Values()})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req protocol.SettingsUpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	applied, ignored, err := s.controller.UpdateSettings(req.Settings)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	if applied == nil {
		applied = []string{}
	}
	sendJSON(w, http.StatusOK, protocol.SettingsUpdateResponse{Applied: applied, Ignored: ignored})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// sendFailure maps a controller error onto a status code. Errors caused by
// the request are echoed; anything else is logged and hidden.
func (s *Server) sendFailure(w http.ResponseWriter, r *http.Request, err error) {
	if dup, ok := share.AsDuplicate(err); ok {
		row := dup.Row
		sendJSON(w, http.StatusConflict, protocol.ErrorResponse{Error: err.Error(), Code: http.StatusConflict, Row: &row})
		return
	}
	if rc, ok := share.AsRemovalConflict(err); ok {
		row := rc.Row
		sendJSON(w, http.StatusConflict, protocol.ErrorResponse{Error: err.Error(), Code: http.StatusConflict, Row: &row})
		return
	}

	var ve *browse.ValidationError
	switch {
	case errors.Is(err, controller.ErrInvalid), errors.As(err, &ve):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, share.ErrNotFound), errors.Is(err, browse.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	default:
		logging.WithContext(r.Context()).Error("control request failed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Err(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
