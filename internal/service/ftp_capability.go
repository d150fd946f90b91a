package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"

	ftpserver "goftp.io/server/v2"
	"goftp.io/server/v2/driver/file"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/ipc"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
)

// FTPUser is the login name of every FTP share.
const FTPUser = "filesharer"

var errReadOnly = errors.New("share is read-only")

// ftpCapability runs one FTP server per shared entry, each on the entry's
// own port and rooted at its base path.
type ftpCapability struct {
	listenHost    string
	advertiseHost string

	mu      sync.Mutex
	servers map[string]*ftpShare // by entry id
}

// ftpShare owns its listener. Closing it is what ends Serve: the server's
// own Shutdown is a no-op until Serve has recorded the listener.
type ftpShare struct {
	port     int
	basePath string
	ln       net.Listener
	done     chan struct{}
}

func newFTPCapability(listenHost, advertiseHost string) *ftpCapability {
	return &ftpCapability{
		listenHost:    listenHost,
		advertiseHost: advertiseHost,
		servers:       make(map[string]*ftpShare),
	}
}

func (c *ftpCapability) ApplyAdd(e ipc.EntrySnapshot) error {
	if e.FTP == nil {
		return fmt.Errorf("ftp entry %s has no access parameters", e.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.servers[e.ID]; ok {
		if cur.port == e.FTP.Port && cur.basePath == e.FTP.BasePath {
			return nil
		}
		c.stopLocked(e.ID, cur)
	}

	s, err := startFTPShare(c.listenHost, e)
	if err != nil {
		return err
	}
	c.servers[e.ID] = s
	logging.Info("ftp share started",
		logging.String("id", e.ID),
		logging.Int("port", s.port),
		logging.String("root", s.basePath))
	return nil
}

func (c *ftpCapability) ApplyRemove(e ipc.EntrySnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.servers[e.ID]; ok {
		c.stopLocked(e.ID, cur)
	}
	return nil
}

func (c *ftpCapability) Run(ctx context.Context) error {
	<-ctx.Done()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.servers {
		c.stopLocked(id, s)
	}
	return nil
}

func (c *ftpCapability) stopLocked(id string, s *ftpShare) {
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logging.Warn("ftp share shutdown", logging.String("id", id), logging.Err(err))
	}
	<-s.done
	delete(c.servers, id)
	logging.Info("ftp share stopped", logging.String("id", id), logging.Int("port", s.port))
}

// running reports the port of the server for id.
func (c *ftpCapability) running(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[id]
	if !ok {
		return 0, false
	}
	return s.port, true
}

func startFTPShare(host string, e ipc.EntrySnapshot) (*ftpShare, error) {
	driver, err := file.NewDriver(e.FTP.BasePath)
	if err != nil {
		return nil, fmt.Errorf("ftp driver for %s: %w", e.FTP.BasePath, err)
	}

	srv, err := ftpserver.NewServer(&ftpserver.Options{
		Name:   "filesharer",
		Driver: readOnlyDriver{driver},
		Auth:   &ftpserver.SimpleAuth{Name: FTPUser, Password: e.FTP.Password},
		Perm:   ftpserver.NewSimplePerm(FTPUser, FTPUser),
		Port:   e.FTP.Port,
		Logger: ftpLogger{id: e.ID},
	})
	if err != nil {
		return nil, fmt.Errorf("ftp server for %s: %w", e.ID, err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(e.FTP.Port)))
	if err != nil {
		return nil, fmt.Errorf("ftp port %d: %w", e.FTP.Port, err)
	}

	s := &ftpShare{port: e.FTP.Port, basePath: e.FTP.BasePath, ln: ln, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, ftpserver.ErrServerClosed) {
			logging.Warn("ftp server exited", logging.String("id", e.ID), logging.Err(err))
		}
	}()
	return s, nil
}

func (c *ftpCapability) ServeDownload(w http.ResponseWriter, r *http.Request, t Target) error {
	if r.Header.Get(protocol.HeaderClient) == "" {
		return &RequestError{Status: http.StatusBadRequest, Message: "ftp shares must be downloaded with a file sharer client"}
	}
	if t.IsDir {
		return &RequestError{Status: http.StatusBadRequest, Message: "directories are downloaded file by file"}
	}
	if t.Entry.FTP == nil {
		return fmt.Errorf("ftp entry %s has no access parameters", t.Entry.ID)
	}
	if _, ok := c.running(t.Entry.ID); !ok {
		return &RequestError{Status: http.StatusNotFound, Message: "ftp share is not running"}
	}

	rel, err := filepath.Rel(t.Entry.FTP.BasePath, t.Path)
	if err != nil || !filepath.IsLocal(rel) {
		return &RequestError{Status: http.StatusNotFound, Message: "file not found"}
	}

	host := c.advertiseHost
	if host == "" {
		host = requestHost(r)
	}
	data := protocol.FTPDownload{FTPAddress: protocol.FTPLocation{
		Host:     host,
		Port:     t.Entry.FTP.Port,
		User:     FTPUser,
		Password: t.Entry.FTP.Password,
		Path:     filepath.ToSlash(rel),
	}}
	return writeEnvelope(w, r, http.StatusOK, "", data)
}

func requestHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		return r.Host
	}
	return host
}

// readOnlyDriver refuses every mutating FTP command.
type readOnlyDriver struct {
	ftpserver.Driver
}

func (readOnlyDriver) DeleteDir(*ftpserver.Context, string) error      { return errReadOnly }
func (readOnlyDriver) DeleteFile(*ftpserver.Context, string) error     { return errReadOnly }
func (readOnlyDriver) Rename(*ftpserver.Context, string, string) error { return errReadOnly }
func (readOnlyDriver) MakeDir(*ftpserver.Context, string) error        { return errReadOnly }

func (readOnlyDriver) PutFile(*ftpserver.Context, string, io.Reader, int64) (int64, error) {
	return 0, errReadOnly
}

// ftpLogger routes FTP session logs to zap; retrievals go to the sharer log.
type ftpLogger struct {
	id string
}

func (l ftpLogger) Print(sessionID string, message interface{}) {
	logging.Debug("ftp", logging.String("share", l.id), logging.String("session", sessionID), logging.Any("msg", message))
}

func (l ftpLogger) Printf(sessionID string, format string, v ...interface{}) {
	logging.Debug("ftp", logging.String("share", l.id), logging.String("session", sessionID), logging.String("msg", fmt.Sprintf(format, v...)))
}

func (l ftpLogger) PrintCommand(sessionID string, command string, params string) {
	switch command {
	case "PASS":
		return
	case "RETR":
		logging.Access("ftp download",
			logging.String("share", l.id),
			logging.String("session", sessionID),
			logging.String("path", params))
	default:
		logging.Debug("ftp command", logging.String("share", l.id), logging.String("session", sessionID),
			logging.String("command", command), logging.String("params", params))
	}
}

func (l ftpLogger) PrintResponse(sessionID string, code int, message string) {
	logging.Debug("ftp response", logging.String("share", l.id), logging.String("session", sessionID),
		logging.Int("code", code), logging.String("message", message))
}
