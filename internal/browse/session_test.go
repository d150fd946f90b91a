package browse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/retry"
)

func listing() *protocol.Descriptor {
	child := func(id, name string, isDir bool) map[string]*protocol.Descriptor {
		d := &protocol.Descriptor{ID: id, Name: name, ProtocolTag: "h", IsDir: isDir, DownloadAddress: "http://peer/download/" + id}
		if isDir {
			d.Children = []map[string]*protocol.Descriptor{}
		}
		return map[string]*protocol.Descriptor{name: d}
	}
	return &protocol.Descriptor{
		ID: "hroot", Name: "share", ProtocolTag: "h", IsDir: true,
		DownloadAddress: "http://peer/download/hroot",
		Children: []map[string]*protocol.Descriptor{
			child("hroot%c1", "child1", true),
			child("hroot%c2", "notes.txt", false),
		},
	}
}

// server serves body at every path and counts requests. gzipped bodies
// are compressed when the client asks for it.
func server(t *testing.T, status int, body any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Accept-Encoding") == "gzip" {
			w.Header().Set("Content-Encoding", "gzip")
			w.WriteHeader(status)
			gw := gzip.NewWriter(w)
			defer gw.Close()
			json.NewEncoder(gw).Encode(body)
			return
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func okEnvelope(t *testing.T, d any) protocol.Envelope {
	t.Helper()
	data, err := json.Marshal(d)
	require.NoError(t, err)
	return protocol.Envelope{Errno: protocol.ErrnoOK, Errmsg: "ok", Data: data}
}

func newSession() *Session {
	return NewSession(NewHTTPFetcher(2*time.Second, retry.Config{
		MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1,
	}))
}

func TestLoadEnterBack(t *testing.T) {
	ts, _ := server(t, http.StatusOK, okEnvelope(t, listing()))
	s := newSession()

	require.NoError(t, s.Load(context.Background(), ts.URL+"/file_list/hroot"))
	v := s.View()
	assert.Equal(t, StateLoaded, v.State)
	assert.True(t, v.IsRoot)
	require.NotNil(t, v.Listing)
	assert.Equal(t, []string{"child1", "notes.txt"}, v.Listing.ChildNames())

	root := s.Current()
	child, ok := root.Child("child1")
	require.True(t, ok)
	require.NoError(t, s.Enter(child))
	assert.False(t, s.IsRoot())
	assert.Equal(t, "child1", s.Current().Name)

	require.NoError(t, s.Back())
	assert.True(t, s.IsRoot())
	assert.Same(t, root, s.Current())
	assert.Error(t, s.Back())
}

func TestEnterRejectsFiles(t *testing.T) {
	ts, _ := server(t, http.StatusOK, okEnvelope(t, listing()))
	s := newSession()
	require.NoError(t, s.Load(context.Background(), ts.URL+"/file_list/hroot"))

	assert.Error(t, s.EnterName("notes.txt"))
	assert.Error(t, s.EnterName("missing"))
	assert.True(t, s.IsRoot())
}

func TestLoadSameAddressUsesCache(t *testing.T) {
	ts, hits := server(t, http.StatusOK, okEnvelope(t, listing()))
	s := newSession()
	addr := ts.URL + "/file_list/hroot"

	require.NoError(t, s.Load(context.Background(), addr))
	require.NoError(t, s.EnterName("child1"))
	require.NoError(t, s.Load(context.Background(), addr))

	assert.EqualValues(t, 1, hits.Load())
	assert.False(t, s.IsRoot(), "reload keeps the navigation position")
	assert.Equal(t, StateLoaded, s.View().State)
}

func TestLoadRejectsMalformedAddress(t *testing.T) {
	s := newSession()
	for _, addr := range []string{"", "ftp://peer/file_list/x", "http://peer/download/x", "http:///file_list/x"} {
		err := s.Load(context.Background(), addr)
		var ve *ValidationError
		assert.True(t, errors.As(err, &ve), "address %q", addr)
		assert.Equal(t, StateInvalid, s.View().State)
	}
}

func TestLoadNotFound(t *testing.T) {
	ts, _ := server(t, http.StatusNotFound, protocol.Envelope{Errno: protocol.ErrnoNotFound, Errmsg: "item not found"})
	s := newSession()

	err := s.Load(context.Background(), ts.URL+"/file_list/hgone")
	assert.ErrorIs(t, err, ErrNotFound)
	v := s.View()
	assert.Equal(t, StateNotFound, v.State)
	assert.Nil(t, v.Listing)
}

func TestLoadMalformedPayloadIsServerError(t *testing.T) {
	// A directory without children fails structural validation.
	bad := map[string]any{"id": "h1", "downloadAddress": "x", "name": "d", "protocolTag": "h", "isDir": true}
	ts, _ := server(t, http.StatusOK, okEnvelope(t, bad))
	s := newSession()

	// Load a good listing first so we can see it discarded.
	good, _ := server(t, http.StatusOK, okEnvelope(t, listing()))
	require.NoError(t, s.Load(context.Background(), good.URL+"/file_list/hroot"))

	err := s.Load(context.Background(), ts.URL+"/file_list/h1")
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	v := s.View()
	assert.Equal(t, StateServerError, v.State)
	assert.Nil(t, v.Listing)
}

func TestLoadRetriesServerErrors(t *testing.T) {
	ts, hits := server(t, http.StatusInternalServerError, protocol.Envelope{Errno: protocol.ErrnoInternal, Errmsg: "internal error"})
	s := newSession()

	err := s.Load(context.Background(), ts.URL+"/file_list/h1")
	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Status)
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, StateServerError, s.View().State)
}
