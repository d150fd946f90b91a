// Package client talks to a running instance's control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/retry"
)

// DefaultBaseURL is the control address a default instance listens on.
const DefaultBaseURL = "http://127.0.0.1:7830"

// APIError is a non-2xx answer of the control API.
type APIError struct {
	Status  int
	Message string
	Row     *int // existing row on a duplicate share or removal conflict
}

func (e *APIError) Error() string {
	if e.Row != nil {
		return fmt.Sprintf("%s (row %d)", e.Message, *e.Row)
	}
	return e.Message
}

// IsNotFound reports whether err is a 404 from the control API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the control API.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusConflict
}

// Client is a control API client. Reads are retried while the instance
// is unreachable; mutations are sent once.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
	}
}

// BaseURL returns the control API address.
func (c *Client) BaseURL() string { return c.baseURL }

// Ping checks that the instance answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// Shares lists every registry row.
func (c *Client) Shares(ctx context.Context) ([]protocol.ShareInfo, error) {
	var resp protocol.ShareListResponse
	if err := c.get(ctx, "/api/v1/shares", &resp); err != nil {
		return nil, err
	}
	return resp.Shares, nil
}

// CreateShare shares path over protocol ("http" or "ftp").
func (c *Client) CreateShare(ctx context.Context, path, proto string) (*protocol.CreateShareResponse, error) {
	var resp protocol.CreateShareResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/shares", protocol.CreateShareRequest{Path: path, Protocol: proto}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenShare starts sharing a closed row again.
func (c *Client) OpenShare(ctx context.Context, id string) (*protocol.ShareInfo, error) {
	return c.shareAction(ctx, http.MethodPost, "/api/v1/shares/"+id+"/open")
}

// CloseShare stops sharing a row.
func (c *Client) CloseShare(ctx context.Context, id string) (*protocol.ShareInfo, error) {
	return c.shareAction(ctx, http.MethodPost, "/api/v1/shares/"+id+"/close")
}

// RemoveShare deletes a closed row.
func (c *Client) RemoveShare(ctx context.Context, id string) (*protocol.ShareInfo, error) {
	return c.shareAction(ctx, http.MethodDelete, "/api/v1/shares/"+id)
}

func (c *Client) shareAction(ctx context.Context, method, path string) (*protocol.ShareInfo, error) {
	var resp protocol.ShareInfo
	if err := c.do(ctx, method, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenAll opens every closed row and returns how many were opened.
func (c *Client) OpenAll(ctx context.Context) (int, error) {
	var resp protocol.CountResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/shares/open-all", nil, &resp)
	return resp.Changed, err
}

// CloseAll closes every open row and returns how many were closed.
func (c *Client) CloseAll(ctx context.Context) (int, error) {
	var resp protocol.CountResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/shares/close-all", nil, &resp)
	return resp.Changed, err
}

// Browse loads a remote listing address. A failed load still returns the
// browse state next to the error.
func (c *Client) Browse(ctx context.Context, address string) (*protocol.BrowseResponse, error) {
	var resp protocol.BrowseResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/browse", protocol.BrowseRequest{Address: address}, &resp)
	return &resp, err
}

// BrowseState returns the current browse state.
func (c *Client) BrowseState(ctx context.Context) (*protocol.BrowseResponse, error) {
	var resp protocol.BrowseResponse
	if err := c.get(ctx, "/api/v1/browse", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Enter opens the child directory called name.
func (c *Client) Enter(ctx context.Context, name string) (*protocol.BrowseResponse, error) {
	var resp protocol.BrowseResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/browse/enter", protocol.EnterRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Back returns to the parent listing.
func (c *Client) Back(ctx context.Context) (*protocol.BrowseResponse, error) {
	var resp protocol.BrowseResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/browse/back", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Download queues the child called name of the current listing, or the
// whole listing when name is empty.
func (c *Client) Download(ctx context.Context, name string) (*protocol.DownloadSubmitResponse, error) {
	var resp protocol.DownloadSubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/downloads", protocol.DownloadRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Downloads lists the last status of every download item.
func (c *Client) Downloads(ctx context.Context) ([]protocol.DownloadInfo, error) {
	var resp protocol.DownloadListResponse
	if err := c.get(ctx, "/api/v1/downloads", &resp); err != nil {
		return nil, err
	}
	return resp.Downloads, nil
}

// ClearDownloads forgets finished items.
func (c *Client) ClearDownloads(ctx context.Context) (int, error) {
	var resp protocol.CountResponse
	err := c.do(ctx, http.MethodDelete, "/api/v1/downloads", nil, &resp)
	return resp.Changed, err
}

// Settings returns every setting by key.
func (c *Client) Settings(ctx context.Context) (map[string]any, error) {
	var resp protocol.SettingsResponse
	if err := c.get(ctx, "/api/v1/settings", &resp); err != nil {
		return nil, err
	}
	return resp.Settings, nil
}

// UpdateSettings applies values by key.
func (c *Client) UpdateSettings(ctx context.Context, values map[string]any) (*protocol.SettingsUpdateResponse, error) {
	var resp protocol.SettingsUpdateResponse
	if err := c.do(ctx, http.MethodPut, "/api/v1/settings", protocol.SettingsUpdateRequest{Settings: values}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// get performs a GET with retries on transport failures and 5xx answers.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var ae *APIError
		if err != nil && (!errors.As(err, &ae) || ae.Status >= 500) {
			return retry.Retryable(err)
		}
		return err
	})
}

// do performs one request. On a non-2xx answer the error body is decoded
// into an APIError and out is filled as far as the body matches it.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(protocol.HeaderClient, protocol.ClientMarker)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er protocol.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
			apiErr.Row = er.Row
		}
		// Browse answers with its state on failure too.
		if out != nil {
			json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
