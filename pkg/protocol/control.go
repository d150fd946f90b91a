package protocol

import "time"

// ErrorResponse is returned on control API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	Row   *int   `json:"row,omitempty"` // existing row on a duplicate share
}

// ShareInfo describes one registry row.
type ShareInfo struct {
	Row         int    `json:"row"`
	ID          string `json:"id"`
	Path        string `json:"path"`
	Name        string `json:"name"`
	Protocol    string `json:"protocol"`
	IsDir       bool   `json:"isDir"`
	IsSharing   bool   `json:"isSharing"`
	BrowseCount int    `json:"browseCount"`
	Address     string `json:"address,omitempty"`
	FTPPort     int    `json:"ftpPort,omitempty"`
	FTPPassword string `json:"ftpPassword,omitempty"`
}

// ShareListResponse is returned by GET /api/v1/shares.
type ShareListResponse struct {
	Shares []ShareInfo `json:"shares"`
}

// CreateShareRequest is the body of POST /api/v1/shares.
type CreateShareRequest struct {
	Path     string `json:"path"`
	Protocol string `json:"protocol"`
}

// CreateShareResponse is returned on a created share. Warning is set when
// the target holds many files.
type CreateShareResponse struct {
	Share   ShareInfo `json:"share"`
	Files   int       `json:"files"`
	Warning string    `json:"warning,omitempty"`
}

// CountResponse reports how many shares a bulk operation changed.
type CountResponse struct {
	Changed int `json:"changed"`
}

// BrowseRequest is the body of POST /api/v1/browse.
type BrowseRequest struct {
	Address string `json:"address"`
}

// EnterRequest is the body of POST /api/v1/browse/enter.
type EnterRequest struct {
	Name string `json:"name"`
}

// BrowseResponse is the current browse state.
type BrowseResponse struct {
	State   string      `json:"state"`
	Address string      `json:"address,omitempty"`
	IsRoot  bool        `json:"isRoot"`
	Error   string      `json:"error,omitempty"`
	Listing *Descriptor `json:"listing,omitempty"`
}

// DownloadRequest is the body of POST /api/v1/downloads. An empty Name
// downloads the current listing itself.
type DownloadRequest struct {
	Name string `json:"name,omitempty"`
}

// DownloadInfo is the last known status of one download item.
type DownloadInfo struct {
	ItemID       string    `json:"itemId"`
	BatchID      string    `json:"batchId"`
	Protocol     string    `json:"protocol"`
	RelativePath string    `json:"relativePath"`
	Destination  string    `json:"destination"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DownloadSubmitResponse is returned when a batch is queued.
type DownloadSubmitResponse struct {
	BatchID string `json:"batchId"`
	Items   int    `json:"items"`
}

// DownloadListResponse is returned by GET /api/v1/downloads.
type DownloadListResponse struct {
	Downloads []DownloadInfo `json:"downloads"`
}

// SettingsResponse carries every setting by key.
type SettingsResponse struct {
	Settings map[string]any `json:"settings"`
}

// SettingsUpdateRequest is the body of PUT /api/v1/settings.
type SettingsUpdateRequest struct {
	Settings map[string]any `json:"settings"`
}

// SettingsUpdateResponse lists the keys that were applied; unknown keys are
// ignored.
type SettingsUpdateResponse struct {
	Applied []string `json:"applied"`
	Ignored []string `json:"ignored,omitempty"`
}
