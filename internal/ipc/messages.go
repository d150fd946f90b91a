package ipc

import (
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

// Kind tags a command.
type Kind string

const (
	KindAdd     Kind = "add"
	KindRemove  Kind = "remove"
	KindSetting Kind = "setting"
	KindStop    Kind = "stop"
)

// FTPAccess is the FTP part of an entry snapshot.
type FTPAccess struct {
	Password string `cbor:"password"`
	Port     int    `cbor:"port"`
	BasePath string `cbor:"basePath"`
}

// EntrySnapshot is the subset of a shared entry a worker needs to serve it.
type EntrySnapshot struct {
	ID         string         `cbor:"id"`
	TargetPath string         `cbor:"targetPath"`
	Protocol   share.Protocol `cbor:"protocol"`
	IsDir      bool           `cbor:"isDir"`
	FTP        *FTPAccess     `cbor:"ftp,omitempty"`
}

// SnapshotOf copies the served fields of e.
func SnapshotOf(e share.Entry) EntrySnapshot {
	s := EntrySnapshot{
		ID:         e.ID,
		TargetPath: e.TargetPath,
		Protocol:   e.Protocol,
		IsDir:      e.IsDir,
	}
	if e.FTP != nil {
		s.FTP = &FTPAccess{
			Password: e.FTP.Password,
			Port:     e.FTP.Port,
			BasePath: e.FTP.BasePath,
		}
	}
	return s
}

// Command is a controller to worker message. Exactly one payload is set,
// matching Kind.
type Command struct {
	Kind  Kind           `cbor:"kind"`
	Entry *EntrySnapshot `cbor:"entry,omitempty"`
	ID    string         `cbor:"id,omitempty"`
	Key   string         `cbor:"key,omitempty"`
	Value any            `cbor:"value"`
}

// AddCommand asks a worker to serve entry.
func AddCommand(entry EntrySnapshot) Command {
	return Command{Kind: KindAdd, Entry: &entry}
}

// RemoveCommand asks a worker to stop serving id.
func RemoveCommand(id string) Command {
	return Command{Kind: KindRemove, ID: id}
}

// SettingCommand propagates one settings change.
func SettingCommand(key string, value any) Command {
	return Command{Kind: KindSetting, Key: key, Value: value}
}

// StopCommand asks a worker to shut down.
func StopCommand() Command {
	return Command{Kind: KindStop}
}

// EventKind tags an event.
type EventKind string

const (
	// EventReady is sent once when the worker is serving; Port is set.
	EventReady EventKind = "ready"
	// EventHit follows a fulfilled download request.
	EventHit EventKind = "hit"
	// EventBrowsed follows a fulfilled listing request.
	EventBrowsed EventKind = "browsed"
)

// Event is a worker to controller message.
type Event struct {
	Kind   EventKind `cbor:"kind"`
	ItemID string    `cbor:"itemId,omitempty"`
	Port   int       `cbor:"port,omitempty"`
}

// IsHit reports whether e is a browse or download hit.
func (e Event) IsHit() bool {
	return e.Kind == EventHit || e.Kind == EventBrowsed
}
