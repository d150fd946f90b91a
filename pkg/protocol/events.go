package protocol

// Event types streamed on /api/v1/events.
const (
	EventHit      = "hit"
	EventShare    = "share"
	EventDownload = "download"
)

// HitEvent reports a browse or download counted against a share.
type HitEvent struct {
	ShareID  string `json:"shareId"`
	Protocol string `json:"protocol"`
	Count    int    `json:"count"`
}

// ShareEvent reports a share being opened or closed.
type ShareEvent struct {
	ShareID  string `json:"shareId"`
	Path     string `json:"path"`
	Protocol string `json:"protocol"`
	Sharing  bool   `json:"sharing"`
}

// DownloadEvent is one status transition of a download item.
type DownloadEvent struct {
	ItemID   string `json:"itemId"`
	BatchID  string `json:"batchId"`
	Path     string `json:"path"`
	Protocol string `json:"protocol"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// Event is one controller update. The payload matching Type is set; Seq
// increases by one per published event, so a gap tells a subscriber it
// missed updates.
type Event struct {
	Seq      uint64         `json:"seq"`
	Type     string         `json:"type"`
	Time     int64          `json:"time"`
	Hit      *HitEvent      `json:"hit,omitempty"`
	Share    *ShareEvent    `json:"share,omitempty"`
	Download *DownloadEvent `json:"download,omitempty"`
}
