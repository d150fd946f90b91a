package logging

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestPersistedLogs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	t.Cleanup(InitDefault)

	require.NoError(t, Init(Config{
		Level:         "info",
		LogsPath:      dir,
		SaveSystemLog: true,
		SaveSharerLog: false,
	}))
	Info("system line")
	Access("browsed", String("id", "h1"))
	Sync()

	data, err := os.ReadFile(filepath.Join(dir, systemLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "system line")
	_, err = os.Stat(filepath.Join(dir, sharerLogFile))
	assert.True(t, os.IsNotExist(err), "sharer log is not persisted when disabled")

	require.NoError(t, Reconfigure(func(c *Config) { c.SaveSharerLog = true }))
	assert.True(t, Current().SaveSharerLog)
	assert.Equal(t, dir, Current().LogsPath)

	Access("downloaded", String("id", "h1"))
	Sync()
	data, err = os.ReadFile(filepath.Join(dir, sharerLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "downloaded")
	assert.Contains(t, string(data), `"logger":"sharer"`)
}

func TestMiddlewareSetsRequestID(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, GetRequestID(r.Context()))
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	t.Cleanup(InitDefault)
	require.NoError(t, Init(Config{Level: "loud"}))
	assert.True(t, L().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, L().Core().Enabled(zapcore.DebugLevel))
}
