package service

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/ipc"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

func ftpEntry(t *testing.T, id string, base int) ipc.EntrySnapshot {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	port, err := FreePort("127.0.0.1", base, nil)
	require.NoError(t, err)
	return ipc.EntrySnapshot{
		ID: id, TargetPath: path, Protocol: share.FTP,
		FTP: &ipc.FTPAccess{Password: "ab3De", Port: port, BasePath: dir},
	}
}

// within fails the test when fn does not return in time.
func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s did not return", what)
	}
}

func TestFTPRemoveRightAfterAdd(t *testing.T) {
	c := newFTPCapability("127.0.0.1", "")
	e := ftpEntry(t, "f1", 22621)

	for i := 0; i < 25; i++ {
		require.NoError(t, c.ApplyAdd(e))
		within(t, 3*time.Second, "remove", func() {
			assert.NoError(t, c.ApplyRemove(e))
		})
		_, running := c.running(e.ID)
		require.False(t, running, "iteration %d", i)

		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(e.FTP.Port)))
		require.NoError(t, err, "port is released after remove (iteration %d)", i)
		ln.Close()
	}
}

func TestFTPRunStopsFreshShares(t *testing.T) {
	c := newFTPCapability("127.0.0.1", "")
	a := ftpEntry(t, "fa", 22721)
	b := ftpEntry(t, "fb", a.FTP.Port+1)
	require.NoError(t, c.ApplyAdd(a))
	require.NoError(t, c.ApplyAdd(b))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	within(t, 3*time.Second, "run", func() {
		assert.NoError(t, c.Run(ctx))
	})
	_, running := c.running(a.ID)
	assert.False(t, running)
	_, running = c.running(b.ID)
	assert.False(t, running)
}

func TestFTPShareBindsListenHost(t *testing.T) {
	c := newFTPCapability("127.0.0.1", "")
	e := ftpEntry(t, "f2", 22821)
	require.NoError(t, c.ApplyAdd(e))
	t.Cleanup(func() { c.ApplyRemove(e) })

	c.mu.Lock()
	addr := c.servers[e.ID].ln.Addr().(*net.TCPAddr)
	c.mu.Unlock()
	assert.Equal(t, "127.0.0.1", addr.IP.String())
	assert.Equal(t, e.FTP.Port, addr.Port)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	conn.Close()
}
