package service

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/ipc"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
)

func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range map[string]string{
		"a.txt":         "alpha",
		"sub/b.txt":     "bravo",
		"sub/deep/c.md": "charlie",
	} {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func TestResolveTopLevelAndComposite(t *testing.T) {
	root := writeTree(t)
	m := NewMirror()
	m.Add(ipc.EntrySnapshot{ID: "hdir", TargetPath: root, Protocol: share.HTTP, IsDir: true})

	top, err := Resolve(m, "hdir")
	require.NoError(t, err)
	assert.True(t, top.IsDir)
	assert.Empty(t, top.Rel)

	child, err := Resolve(m, protocol.CompositeID("hdir", ChildID("sub/deep/c.md")))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "deep", "c.md"), child.Path)
	assert.Equal(t, "sub/deep/c.md", child.Rel)
	assert.Equal(t, int64(len("charlie")), child.Size)
}

func TestResolveRejectsEscapes(t *testing.T) {
	root := writeTree(t)
	m := NewMirror()
	m.Add(ipc.EntrySnapshot{ID: "hdir", TargetPath: filepath.Join(root, "sub"), Protocol: share.HTTP, IsDir: true})

	for _, rel := range []string{"../a.txt", "/etc/passwd", "b.txt/../../a.txt"} {
		_, err := Resolve(m, protocol.CompositeID("hdir", ChildID(rel)))
		assert.ErrorIs(t, err, ErrNotFound, rel)
	}
	_, err := Resolve(m, "hdir%***")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveChecksDiskEveryTime(t *testing.T) {
	root := writeTree(t)
	path := filepath.Join(root, "a.txt")
	m := NewMirror()
	m.Add(ipc.EntrySnapshot{ID: "f9", TargetPath: path, Protocol: share.FTP})

	_, err := Resolve(m, "f9")
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	_, err = Resolve(m, "f9")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, stillMirrored := m.Get("f9")
	assert.True(t, stillMirrored, "stale entries stay until a remove command")
}

func TestResolveCompositeOnFile(t *testing.T) {
	root := writeTree(t)
	m := NewMirror()
	m.Add(ipc.EntrySnapshot{ID: "h1", TargetPath: filepath.Join(root, "a.txt"), Protocol: share.HTTP})
	_, err := Resolve(m, protocol.CompositeID("h1", ChildID("x")))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Resolve(m, "hunknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuildDescriptorRecurses(t *testing.T) {
	root := writeTree(t)
	m := NewMirror()
	m.Add(ipc.EntrySnapshot{ID: "hdir", TargetPath: root, Protocol: share.HTTP, IsDir: true})
	target, err := Resolve(m, "hdir")
	require.NoError(t, err)

	addr := func(route, id string) string { return protocol.ItemAddress("10.0.0.1", 8080, route, id) }
	d, err := BuildDescriptor(target, addr)
	require.NoError(t, err)

	assert.Equal(t, "hdir", d.ID)
	assert.Equal(t, "h", d.ProtocolTag)
	assert.Equal(t, []string{"sub", "a.txt"}, d.ChildNames())

	sub, ok := d.Child("sub")
	require.True(t, ok)
	deep, ok := sub.Child("deep")
	require.True(t, ok)
	c, ok := deep.Child("c.md")
	require.True(t, ok)
	assert.False(t, c.IsDir)

	resolved, err := Resolve(m, c.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "deep", "c.md"), resolved.Path)
	assert.Equal(t, addr(protocol.RouteDownload, c.ID), c.DownloadAddress)

	// The descriptor passes the client's structural validation.
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	_, err = protocol.ValidateDescriptor(raw)
	require.NoError(t, err)
}
