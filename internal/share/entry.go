// Package share holds the controller's model of shared files and
// directories and the registry that orders and persists them.
package share

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Protocol is the transfer protocol a share is exposed over.
type Protocol string

const (
	HTTP Protocol = "http"
	FTP  Protocol = "ftp"
)

// Protocols lists every supported protocol.
var Protocols = []Protocol{HTTP, FTP}

// Tag is the one-character prefix carried by ids of this protocol.
func (p Protocol) Tag() byte {
	return p[0]
}

func (p Protocol) String() string { return string(p) }

// Valid reports whether p is a supported protocol.
func (p Protocol) Valid() bool {
	return p == HTTP || p == FTP
}

// ParseProtocol accepts "http"/"ftp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unsupported protocol %q", s)
	}
	return p, nil
}

// ProtocolFromID recovers the protocol from an id's tag prefix.
func ProtocolFromID(id string) (Protocol, error) {
	if id == "" {
		return "", errors.New("empty id")
	}
	for _, p := range Protocols {
		if id[0] == p.Tag() {
			return p, nil
		}
	}
	return "", fmt.Errorf("id %q carries no protocol tag", id)
}

// NewID returns a globally unique id prefixed with the protocol tag.
func NewID(p Protocol) string {
	return string(p.Tag()) + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// FTPParams are the access parameters of an FTP share. They are assigned
// once per target path and reused when that path is shared again.
type FTPParams struct {
	Password string `json:"password"`
	Port     int    `json:"port"`
	BasePath string `json:"basePath"`
}

// Entry is one shared file or directory.
type Entry struct {
	ID          string     `json:"id"`
	TargetPath  string     `json:"targetPath"`
	Protocol    Protocol   `json:"protocol"`
	IsDir       bool       `json:"isDir"`
	IsSharing   bool       `json:"isSharing"`
	BrowseCount int        `json:"browseCount"`
	RowPosition int        `json:"rowPosition"`
	FTP         *FTPParams `json:"ftp,omitempty"`
}

// NewEntry builds an entry for path. IsDir is fixed here and never
// re-derived.
func NewEntry(path string, p Protocol, ftp *FTPParams) (*Entry, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unsupported protocol %q", p)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	e := &Entry{
		ID:         NewID(p),
		TargetPath: abs,
		Protocol:   p,
		IsDir:      info.IsDir(),
	}
	if p == FTP {
		if ftp == nil {
			return nil, errors.New("ftp share requires access parameters")
		}
		params := *ftp
		e.FTP = &params
	}
	return e, nil
}

// Name is the last element of the target path.
func (e *Entry) Name() string {
	return filepath.Base(e.TargetPath)
}

// Clone returns a deep copy.
func (e *Entry) Clone() Entry {
	c := *e
	if e.FTP != nil {
		params := *e.FTP
		c.FTP = &params
	}
	return c
}

// FTPBasePath is the FTP root for a target: the directory itself, or the
// parent directory of a file.
func FTPBasePath(target string, isDir bool) string {
	if isDir {
		return target
	}
	return filepath.Dir(target)
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"

// GeneratePassword returns a short random alphanumeric FTP password.
func GeneratePassword(n int) (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b.WriteByte(passwordAlphabet[idx.Int64()])
	}
	return b.String(), nil
}
