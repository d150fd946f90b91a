package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/ipc"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
)

type harness struct {
	w      *Worker
	cmds   *ipc.Sender[ipc.Command]
	events chan ipc.Event
	base   string
}

func startWorker(t *testing.T, p share.Protocol) *harness {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	evR, evW := io.Pipe()

	w, err := NewWorker(Options{
		Protocol:   p,
		ListenHost: "127.0.0.1",
		BasePort:   18080,
		Commands:   cmdR,
		Events:     evW,
		DataDir:    t.TempDir(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Drain events continuously so handlers never block on the pipe.
	events := make(chan ipc.Event, 128)
	stream, _ := ipc.Stream(ctx, ipc.NewReceiver[ipc.Event](evR))
	go func() {
		for e := range stream {
			events <- e
		}
	}()

	h := &harness{w: w, cmds: ipc.NewSender[ipc.Command](cmdW), events: events}
	select {
	case e := <-events:
		require.Equal(t, ipc.EventReady, e.Kind)
		require.NotZero(t, e.Port)
		h.base = fmt.Sprintf("http://127.0.0.1:%d", e.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("worker never became ready")
	}
	assert.Equal(t, StateServing, w.State())

	t.Cleanup(func() {
		cancel()
		cmdW.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
		evR.Close()
	})
	return h
}

func (h *harness) add(t *testing.T, e ipc.EntrySnapshot) {
	t.Helper()
	require.NoError(t, h.cmds.Send(ipc.AddCommand(e)))
	require.Eventually(t, func() bool {
		_, ok := h.w.Mirror().Get(e.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func (h *harness) nextHit(t *testing.T) ipc.Event {
	t.Helper()
	select {
	case e := <-h.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return ipc.Event{}
	}
}

func getEnvelope(t *testing.T, url string, header http.Header) (int, protocol.Envelope) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env protocol.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestWorkerServesDownloadAndEmitsHit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello lan"), 0o644))

	h := startWorker(t, share.HTTP)
	h.add(t, ipc.EntrySnapshot{ID: "h1a2b3", TargetPath: path, Protocol: share.HTTP})

	resp, err := http.Get(h.base + "/download/h1a2b3")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello lan", string(body))

	e := h.nextHit(t)
	assert.Equal(t, ipc.EventHit, e.Kind)
	assert.Equal(t, "h1a2b3", e.ItemID)
}

func TestWorkerListingIsGzippedAndValid(t *testing.T) {
	root := writeTree(t)
	h := startWorker(t, share.HTTP)
	h.add(t, ipc.EntrySnapshot{ID: "hdir", TargetPath: root, Protocol: share.HTTP, IsDir: true})

	// The default transport asks for gzip and decompresses transparently.
	resp, err := http.Get(h.base + "/file_list/hdir")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, resp.Uncompressed, "listing should be sent gzipped")

	var env protocol.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, protocol.ErrnoOK, env.Errno)
	d, err := protocol.ValidateDescriptor(env.Data)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub", "a.txt"}, d.ChildNames())

	e := h.nextHit(t)
	assert.Equal(t, ipc.EventBrowsed, e.Kind)
	assert.Equal(t, "hdir", e.ItemID)

	// A nested file is downloadable through its composite address, and the
	// hit is attributed to the shared directory.
	sub, _ := d.Child("sub")
	b, _ := sub.Child("b.txt")
	resp2, err := http.Get(b.DownloadAddress)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	assert.Equal(t, "bravo", string(body))
	assert.Equal(t, "hdir", h.nextHit(t).ItemID)
}

func TestWorkerNotFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	h := startWorker(t, share.HTTP)
	h.add(t, ipc.EntrySnapshot{ID: "h9", TargetPath: path, Protocol: share.HTTP})
	require.NoError(t, os.Remove(path))

	status, env := getEnvelope(t, h.base+"/download/h9", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, protocol.ErrnoNotFound, env.Errno)

	status, _ = getEnvelope(t, h.base+"/file_list/hnever", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = getEnvelope(t, h.base+"/no/such/route", nil)
	assert.Equal(t, http.StatusNotFound, status)

	_, ok := h.w.Mirror().Get("h9")
	assert.True(t, ok)
}

func TestWorkerRemoveStopsServing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	h := startWorker(t, share.HTTP)
	h.add(t, ipc.EntrySnapshot{ID: "h1", TargetPath: path, Protocol: share.HTTP})
	require.NoError(t, h.cmds.Send(ipc.RemoveCommand("h1")))
	require.Eventually(t, func() bool { return h.w.Mirror().Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	status, _ := getEnvelope(t, h.base+"/download/h1", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWorkerStopCommand(t *testing.T) {
	cmdR, cmdW := io.Pipe()
	w, err := NewWorker(Options{
		Protocol:   share.HTTP,
		ListenHost: "127.0.0.1",
		BasePort:   18180,
		Commands:   cmdR,
		Events:     io.Discard,
		DataDir:    t.TempDir(),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	require.Eventually(t, func() bool { return w.State() == StateServing }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ipc.NewSender[ipc.Command](cmdW).Send(ipc.StopCommand()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker ignored stop")
	}
	assert.Equal(t, StateStopped, w.State())
	cmdW.Close()
}

func TestFTPWorkerRequiresClientMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	port, err := FreePort("127.0.0.1", 22121, nil)
	require.NoError(t, err)

	h := startWorker(t, share.FTP)
	h.add(t, ipc.EntrySnapshot{
		ID: "f1", TargetPath: path, Protocol: share.FTP,
		FTP: &ipc.FTPAccess{Password: "ab3De", Port: port, BasePath: dir},
	})

	status, env := getEnvelope(t, h.base+"/download/f1", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, protocol.ErrnoBadRequest, env.Errno)

	status, env = getEnvelope(t, h.base+"/download/f1", http.Header{protocol.HeaderClient: {protocol.ClientMarker}})
	require.Equal(t, http.StatusOK, status, env.Errmsg)
	var data protocol.FTPDownload
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, port, data.FTPAddress.Port)
	assert.Equal(t, FTPUser, data.FTPAddress.User)
	assert.Equal(t, "ab3De", data.FTPAddress.Password)
	assert.Equal(t, "doc.txt", data.FTPAddress.Path)
	assert.Equal(t, "127.0.0.1", data.FTPAddress.Host)
	assert.Equal(t, "f1", h.nextHit(t).ItemID)
}
