package browse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/retry"
)

// ErrNotFound is returned when the remote instance does not share the
// requested item.
var ErrNotFound = errors.New("item not found on the remote instance")

// ServerError is a remote failure that is not a missing item.
type ServerError struct {
	Status int
	Errno  int
	Msg    string
}

func (e *ServerError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("remote error %d: %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("remote error %d", e.Status)
}

// ValidationError is a malformed address or listing payload.
type ValidationError struct {
	Address string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid listing %s: %v", e.Address, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Fetcher loads the descriptor behind a listing address.
type Fetcher interface {
	Fetch(ctx context.Context, address string) (*protocol.Descriptor, error)
}

// HTTPFetcher fetches listings from a remote worker, retrying transport
// failures and 5xx responses.
type HTTPFetcher struct {
	client *http.Client
	retry  retry.Config
}

// NewHTTPFetcher creates a fetcher with the given per-request timeout.
func NewHTTPFetcher(timeout time.Duration, cfg retry.Config) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		retry: cfg,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, address string) (*protocol.Descriptor, error) {
	return retry.DoWithResult(ctx, f.retry, func() (*protocol.Descriptor, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
		if err != nil {
			return nil, &ValidationError{Address: address, Err: err}
		}
		// Set explicitly so the body arrives compressed and is decoded here.
		req.Header.Set("Accept-Encoding", "gzip")
		req.Header.Set(protocol.HeaderClient, protocol.ClientMarker)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()

		var body io.Reader = resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				return nil, &ValidationError{Address: address, Err: err}
			}
			defer gr.Close()
			body = gr
		}

		var env protocol.Envelope
		decodeErr := json.NewDecoder(body).Decode(&env)

		switch {
		case resp.StatusCode == http.StatusNotFound || (decodeErr == nil && env.Errno == protocol.ErrnoNotFound):
			return nil, ErrNotFound
		case resp.StatusCode >= 500:
			return nil, retry.Retryable(&ServerError{Status: resp.StatusCode, Errno: env.Errno, Msg: env.Errmsg})
		case resp.StatusCode != http.StatusOK:
			return nil, &ServerError{Status: resp.StatusCode, Errno: env.Errno, Msg: env.Errmsg}
		case decodeErr != nil:
			return nil, &ValidationError{Address: address, Err: decodeErr}
		case env.Errno != protocol.ErrnoOK:
			return nil, &ServerError{Status: resp.StatusCode, Errno: env.Errno, Msg: env.Errmsg}
		}

		d, err := protocol.ValidateDescriptor(env.Data)
		if err != nil {
			return nil, &ValidationError{Address: address, Err: err}
		}
		return d, nil
	})
}
