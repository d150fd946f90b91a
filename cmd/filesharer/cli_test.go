package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzmx-sudo/file-sharer-LAN/pkg/client"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/retry"
)

func testEnv(t *testing.T, handler http.HandlerFunc, args ...string) (*cliEnv, *bytes.Buffer) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	var out bytes.Buffer
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	shareFlags(flags)
	downloadsFlags(flags)
	require.NoError(t, flags.Parse(args))
	return &cliEnv{
		client: client.New(client.Config{BaseURL: ts.URL, Timeout: 2 * time.Second, RetryConfig: retry.Once()}),
		flags:  flags,
		args:   flags.Args(),
		out:    &out,
	}, &out
}

func TestControlURL(t *testing.T) {
	t.Setenv("FILESHARER_CONTROL_ADDR", "")
	assert.Equal(t, client.DefaultBaseURL, controlURL())
	t.Setenv("FILESHARER_CONTROL_ADDR", "127.0.0.1:9000")
	assert.Equal(t, "http://127.0.0.1:9000", controlURL())
	t.Setenv("FILESHARER_CONTROL_ADDR", "http://10.0.0.2:7830")
	assert.Equal(t, "http://10.0.0.2:7830", controlURL())
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	assert.Error(t, run([]string{"frobnicate"}))
	assert.Error(t, run(nil))
}

func TestListPrintsTable(t *testing.T) {
	env, out := testEnv(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.ShareListResponse{Shares: []protocol.ShareInfo{
			{Row: 0, ID: "habc", Protocol: "http", IsSharing: true, BrowseCount: 2, Path: "/srv/a", Address: "http://h:8080/file_list/habc"},
			{Row: 1, ID: "fdef", Protocol: "ftp", Path: "/srv/b", FTPPort: 2121, FTPPassword: "Ab3dE"},
		}})
	})

	require.NoError(t, cmdList(context.Background(), env))
	text := out.String()
	assert.Contains(t, text, "habc")
	assert.Contains(t, text, "http://h:8080/file_list/habc")
	assert.Contains(t, text, "ftp-port=2121 password=Ab3dE")
}

func TestShareSendsProtocolFlag(t *testing.T) {
	var got protocol.CreateShareRequest
	env, _ := testEnv(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(protocol.CreateShareResponse{Share: protocol.ShareInfo{ID: "f1", Path: got.Path}})
	}, "--protocol", "ftp", "/srv/music")

	require.NoError(t, cmdShare(context.Background(), env))
	assert.Equal(t, protocol.CreateShareRequest{Path: "/srv/music", Protocol: "ftp"}, got)
}

func TestSettingsParsesPairs(t *testing.T) {
	var got protocol.SettingsUpdateRequest
	env, out := testEnv(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(protocol.SettingsUpdateResponse{Applied: []string{"SAVE_SHARER_LOG"}})
	}, "SAVE_SHARER_LOG=false")

	require.NoError(t, cmdSettings(context.Background(), env))
	assert.Equal(t, map[string]any{"SAVE_SHARER_LOG": "false"}, got.Settings)
	assert.Contains(t, out.String(), "applied: SAVE_SHARER_LOG")

	env, _ = testEnv(t, func(w http.ResponseWriter, r *http.Request) {}, "no-equals-sign")
	assert.Error(t, cmdSettings(context.Background(), env))
}

func TestBrowsePrintsStateOnFailure(t *testing.T) {
	env, out := testEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(protocol.BrowseResponse{State: "not_found", IsRoot: true, Error: "item not found on the remote instance"})
	}, "http://peer:8080/file_list/hx")

	err := cmdBrowse(context.Background(), env)
	assert.True(t, client.IsNotFound(err))
	assert.Contains(t, out.String(), "state: not_found")
}

func TestWatchPrintsTypedEvents(t *testing.T) {
	env, out := testEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "types=share,download", r.URL.RawQuery)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("id: 3\nevent: share\ndata: {\"seq\":3,\"type\":\"share\",\"time\":1,\"share\":{\"shareId\":\"h9\",\"path\":\"/srv/a\",\"protocol\":\"http\",\"sharing\":false}}\n\n"))
		w.Write([]byte("id: 4\nevent: download\ndata: {\"seq\":4,\"type\":\"download\",\"time\":1,\"download\":{\"itemId\":\"f1\",\"path\":\"/tmp/a\",\"protocol\":\"http\",\"status\":\"failed\",\"reason\":\"disk full\"}}\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}, "share", "download")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cmdWatch(ctx, env))

	text := out.String()
	assert.Contains(t, text, "share     h9 sharing=false /srv/a")
	assert.Contains(t, text, "download  failed /tmp/a (disk full)")
}

func TestWatchRejectsUnknownType(t *testing.T) {
	env, _ := testEnv(t, func(w http.ResponseWriter, r *http.Request) {}, "weather")
	assert.Error(t, cmdWatch(context.Background(), env))
}
