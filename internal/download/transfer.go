package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
)

// Transfer fetches one item into its destination and returns the number
// of bytes written.
type Transfer interface {
	Transfer(ctx context.Context, item Item) (int64, error)
}

// NewHTTPClient returns the client used for transfers. A zero timeout
// leaves whole transfers unbounded.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

// HTTPTransfer streams the item's download address into the destination.
type HTTPTransfer struct {
	Client *http.Client
}

func (t *HTTPTransfer) Transfer(ctx context.Context, item Item) (int64, error) {
	resp, err := get(ctx, t.Client, item.Source)
	if err != nil {
		return 0, &TransferError{Path: item.RelativePath, Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &TransferError{Path: item.RelativePath, Op: "fetch", Err: envelopeError(resp)}
	}

	n, err := writeAtomic(item.Destination, resp.Body)
	if err != nil {
		return n, &TransferError{Path: item.RelativePath, Op: "write", Err: err}
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		os.Remove(item.Destination)
		return n, &TransferError{Path: item.RelativePath, Op: "fetch",
			Err: fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)}
	}
	return n, nil
}

// FTPTransfer asks the worker for the item's FTP coordinates and retrieves
// the file from the share's FTP server.
type FTPTransfer struct {
	Client      *http.Client
	DialTimeout time.Duration
}

func (t *FTPTransfer) Transfer(ctx context.Context, item Item) (int64, error) {
	loc, err := t.locate(ctx, item)
	if err != nil {
		return 0, &TransferError{Path: item.RelativePath, Op: "locate", Err: err}
	}

	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	addr := net.JoinHostPort(loc.Host, strconv.Itoa(loc.Port))
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
	if err != nil {
		return 0, &TransferError{Path: item.RelativePath, Op: "connect", Err: err}
	}
	defer conn.Quit()

	if err := conn.Login(loc.User, loc.Password); err != nil {
		return 0, &TransferError{Path: item.RelativePath, Op: "login", Err: err}
	}

	r, err := conn.Retr(loc.Path)
	if err != nil {
		return 0, &TransferError{Path: item.RelativePath, Op: "retrieve", Err: err}
	}
	n, err := writeAtomic(item.Destination, r)
	if cerr := r.Close(); err == nil && cerr != nil {
		os.Remove(item.Destination)
		err = cerr
	}
	if err != nil {
		return n, &TransferError{Path: item.RelativePath, Op: "retrieve", Err: err}
	}
	return n, nil
}

func (t *FTPTransfer) locate(ctx context.Context, item Item) (protocol.FTPLocation, error) {
	resp, err := get(ctx, t.Client, item.Source)
	if err != nil {
		return protocol.FTPLocation{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return protocol.FTPLocation{}, envelopeError(resp)
	}
	var env protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return protocol.FTPLocation{}, fmt.Errorf("decode response: %w", err)
	}
	var data protocol.FTPDownload
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return protocol.FTPLocation{}, fmt.Errorf("decode ftp address: %w", err)
	}
	if data.FTPAddress.Host == "" || data.FTPAddress.Port == 0 || data.FTPAddress.Path == "" {
		return protocol.FTPLocation{}, errors.New("incomplete ftp address")
	}
	return data.FTPAddress, nil
}

func get(ctx context.Context, c *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(protocol.HeaderClient, protocol.ClientMarker)
	if c == nil {
		c = http.DefaultClient
	}
	return c.Do(req)
}

// envelopeError turns a failed worker response into an error, using the
// envelope's message when the body carries one.
func envelopeError(resp *http.Response) error {
	var env protocol.Envelope
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(body, &env); err == nil && env.Errmsg != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, env.Errmsg)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

// writeAtomic copies r into path through a temporary file in the same
// directory, so a failed transfer never leaves a partial file behind.
func writeAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return n, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return n, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return n, err
	}
	return n, nil
}
