package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/browse"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/config"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/download"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/service"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/supervisor"
)

func newController(t *testing.T, tweak ...func(*config.Config)) *Controller {
	t.Helper()
	data := t.TempDir()
	cfg := &config.Config{
		DataDir:         data,
		AdvertiseHost:   "127.0.0.1",
		HTTPBasePort:    18380,
		FTPBasePort:     22321,
		StopTimeout:     2 * time.Second,
		BrowseTimeout:   2 * time.Second,
		SoftFileLimit:   100,
		HardFileLimit:   10000,
		DownloadTimeout: 5 * time.Second,
	}
	for _, fn := range tweak {
		fn(cfg)
	}
	settings := config.DefaultSettings(data)
	settings.DownloadDir = filepath.Join(data, "downloads")
	require.NoError(t, os.MkdirAll(settings.DownloadDir, 0o755))

	c := New(Options{
		Config:   cfg,
		Registry: share.NewRegistry(cfg.BackupPath()),
		Settings: settings,
		Spawner: &supervisor.InProcessSpawner{Options: service.Options{
			ListenHost:    "127.0.0.1",
			AdvertiseHost: "127.0.0.1",
			BasePort:      cfg.HTTPBasePort,
			DataDir:       data,
		}},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func waitAddress(t *testing.T, c *Controller, id string) string {
	t.Helper()
	var addr string
	require.Eventually(t, func() bool {
		for _, s := range c.Shares() {
			if s.ID == id && s.Address != "" {
				addr = s.Address
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	return addr
}

func TestCreateShareRejectsDuplicate(t *testing.T) {
	c := newController(t)
	doc := filepath.Join(t.TempDir(), "doc.txt")
	writeFile(t, doc, "hello")

	res, err := c.CreateShare(doc, share.HTTP)
	require.NoError(t, err)
	assert.True(t, res.Entry.IsSharing)
	assert.Equal(t, byte('h'), res.Entry.ID[0])
	assert.Equal(t, 1, res.Files)

	row, ok := c.registry.Contains(doc, share.HTTP)
	require.True(t, ok)
	assert.Equal(t, 0, row)

	_, err = c.CreateShare(doc, share.HTTP)
	dup, ok := share.AsDuplicate(err)
	require.True(t, ok, "want duplicate error, got %v", err)
	assert.Equal(t, 0, dup.Row)

	// The same path over the other protocol is a different share.
	_, err = c.CreateShare(doc, share.FTP)
	require.NoError(t, err)
	assert.Equal(t, 2, c.registry.Len())
}

func TestCreateShareValidation(t *testing.T) {
	c := newController(t, func(cfg *config.Config) {
		cfg.SoftFileLimit = 2
		cfg.HardFileLimit = 4
	})

	_, err := c.CreateShare(filepath.Join(t.TempDir(), "missing"), share.HTTP)
	assert.ErrorIs(t, err, ErrInvalid)

	small := t.TempDir()
	for i := 0; i < 3; i++ {
		writeFile(t, filepath.Join(small, fmt.Sprintf("f%d", i)), "x")
	}
	res, err := c.CreateShare(small, share.HTTP)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warning)

	big := t.TempDir()
	for i := 0; i < 6; i++ {
		writeFile(t, filepath.Join(big, "sub", fmt.Sprintf("f%d", i)), "x")
	}
	_, err = c.CreateShare(big, share.HTTP)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 1, c.registry.Len())
}

func TestRemoveRequiresClose(t *testing.T) {
	c := newController(t)
	doc := filepath.Join(t.TempDir(), "doc.txt")
	writeFile(t, doc, "hello")

	res, err := c.CreateShare(doc, share.HTTP)
	require.NoError(t, err)
	id := res.Entry.ID

	_, err = c.RemoveEntry(id)
	_, ok := share.AsRemovalConflict(err)
	require.True(t, ok, "want removal conflict, got %v", err)
	assert.Equal(t, 1, c.registry.Len())

	closed, err := c.CloseShare(id)
	require.NoError(t, err)
	assert.False(t, closed.IsSharing)

	_, err = c.RemoveEntry(id)
	require.NoError(t, err)
	assert.Equal(t, 0, c.registry.Len())
	assert.Empty(t, c.Supervisor().Running(), "workers stop once the registry is empty")

	_, err = c.RemoveEntry(id)
	assert.ErrorIs(t, err, share.ErrNotFound)
}

func TestFTPParametersAreReused(t *testing.T) {
	c := newController(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "alpha")

	first, err := c.CreateShare(dir, share.FTP)
	require.NoError(t, err)
	require.NotNil(t, first.Entry.FTP)
	assert.Len(t, first.Entry.FTP.Password, ftpPasswordLength)
	assert.GreaterOrEqual(t, first.Entry.FTP.Port, 22321)
	assert.Equal(t, dir, first.Entry.FTP.BasePath)

	_, err = c.CloseShare(first.Entry.ID)
	require.NoError(t, err)

	second, err := c.CreateShare(dir, share.FTP)
	require.NoError(t, err)
	assert.NotEqual(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, *first.Entry.FTP, *second.Entry.FTP)

	// A different path never gets a port already assigned.
	other := t.TempDir()
	third, err := c.CreateShare(other, share.FTP)
	require.NoError(t, err)
	assert.NotEqual(t, first.Entry.FTP.Port, third.Entry.FTP.Port)
}

func TestOpenAllCloseAll(t *testing.T) {
	c := newController(t)
	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		p := filepath.Join(t.TempDir(), name)
		writeFile(t, p, name)
		res, err := c.CreateShare(p, share.HTTP)
		require.NoError(t, err)
		ids = append(ids, res.Entry.ID)
	}

	n, err := c.CloseAll()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, c.Supervisor().Running())

	n, err = c.OpenAll()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, s := range c.Shares() {
		assert.True(t, s.IsSharing, s.ID)
	}

	_, err = c.OpenShare(ids[0])
	assert.ErrorIs(t, err, ErrInvalid, "opening an open share")
}

func TestBrowseAndDownloadOwnShare(t *testing.T) {
	c := newController(t)
	root := filepath.Join(t.TempDir(), "album")
	writeFile(t, filepath.Join(root, "cover.txt"), "cover")
	writeFile(t, filepath.Join(root, "disc1", "track1.txt"), "one")
	writeFile(t, filepath.Join(root, "disc1", "track2.txt"), "two")

	res, err := c.CreateShare(root, share.HTTP)
	require.NoError(t, err)
	addr := waitAddress(t, c, res.Entry.ID)

	view, err := c.Browse(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, browse.StateLoaded, view.State)
	assert.Equal(t, []string{"disc1", "cover.txt"}, view.Listing.ChildNames())

	view, err = c.Enter("disc1")
	require.NoError(t, err)
	assert.False(t, view.IsRoot)
	view, err = c.Back()
	require.NoError(t, err)
	assert.True(t, view.IsRoot)

	b, err := c.Download("")
	require.NoError(t, err)
	assert.Len(t, b.Items, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitDownloads(ctx))

	dest := c.Settings().DownloadDir
	for rel, want := range map[string]string{
		"album/cover.txt":        "cover",
		"album/disc1/track1.txt": "one",
		"album/disc1/track2.txt": "two",
	} {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.Equal(t, want, string(got))
	}

	recs := c.Downloads()
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, download.StatusSucceeded, r.Item.Status, r.Item.RelativePath)
	}
	assert.Equal(t, 3, c.ClearFinished())
	assert.Empty(t, c.Downloads())

	// One browse plus three downloads, all attributed to the shared directory.
	require.Eventually(t, func() bool {
		e, _ := c.registry.Get(res.Entry.ID)
		return e.BrowseCount == 4
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDownloadFailureIsRecorded(t *testing.T) {
	c := newController(t)
	doc := filepath.Join(t.TempDir(), "doc.txt")
	writeFile(t, doc, "soon gone")

	res, err := c.CreateShare(doc, share.HTTP)
	require.NoError(t, err)
	addr := waitAddress(t, c, res.Entry.ID)

	_, err = c.Browse(context.Background(), addr)
	require.NoError(t, err)
	require.NoError(t, os.Remove(doc))

	_, err = c.Download("")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitDownloads(ctx))

	recs := c.Downloads()
	require.Len(t, recs, 1)
	assert.Equal(t, download.StatusFailed, recs[0].Item.Status)
	assert.NotEmpty(t, recs[0].Item.Reason)
}

func TestDownloadNeedsListing(t *testing.T) {
	c := newController(t)
	_, err := c.Download("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestUpdateSettings(t *testing.T) {
	c := newController(t)
	dir := t.TempDir()

	applied, ignored, err := c.UpdateSettings(map[string]any{
		config.KeyDownloadDir: dir,
		"UNKNOWN_KEY":         1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{config.KeyDownloadDir}, applied)
	assert.Equal(t, []string{"UNKNOWN_KEY"}, ignored)
	assert.Equal(t, dir, c.Settings().DownloadDir)

	saved := config.LoadSettings(c.cfg.SettingsPath(), c.cfg.DataDir)
	assert.Equal(t, dir, saved.Snapshot().DownloadDir)

	_, _, err = c.UpdateSettings(map[string]any{config.KeyDownloadDir: filepath.Join(dir, "missing")})
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Equal(t, dir, c.Settings().DownloadDir)
}

type brokenSpawner struct{}

func (brokenSpawner) Spawn(context.Context, share.Protocol) (supervisor.Process, error) {
	return nil, errors.New("exec format error")
}

func TestCreateShareDropsRowWhenWorkerFails(t *testing.T) {
	c := newController(t)
	keep := filepath.Join(t.TempDir(), "keep.txt")
	writeFile(t, keep, "k")
	_, err := c.CreateShare(keep, share.HTTP)
	require.NoError(t, err)
	c.supervisor.CloseAll()

	c.supervisor = supervisor.New(supervisor.Options{Spawner: brokenSpawner{}, Registry: c.registry})
	path := filepath.Join(t.TempDir(), "doc.txt")
	writeFile(t, path, "x")

	_, err = c.CreateShare(path, share.HTTP)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exec format error")

	entries := c.registry.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, keep, entries[0].TargetPath)
	assert.Equal(t, 0, entries[0].RowPosition)

	reloaded := share.Load(c.cfg.BackupPath())
	assert.Equal(t, 1, reloaded.Len())
}
