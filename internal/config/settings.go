package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/tidwall/jsonc"
)

// Setting keys accepted by Settings.Apply and propagated to workers.
const (
	KeySaveSystemLog = "SAVE_SYSTEM_LOG"
	KeySaveSharerLog = "SAVE_SHARER_LOG"
	KeyLogsPath      = "LOGS_PATH"
	KeyDownloadDir   = "DOWNLOAD_DIR"
)

// Settings is the user-editable configuration. It is owned by the
// controller and handed to its collaborators by reference; workers get
// changes through modify-setting commands.
type Settings struct {
	mu sync.RWMutex

	SaveSystemLog bool   `json:"saveSystemLog"`
	SaveSharerLog bool   `json:"saveShareLog"`
	LogsPath      string `json:"logsPath"`
	DownloadDir   string `json:"downloadPath"`
}

// DefaultSettings returns settings rooted under dataDir.
func DefaultSettings(dataDir string) *Settings {
	home, err := os.UserHomeDir()
	downloads := filepath.Join(dataDir, "downloads")
	if err == nil {
		downloads = filepath.Join(home, "Downloads")
	}
	return &Settings{
		SaveSystemLog: true,
		SaveSharerLog: true,
		LogsPath:      filepath.Join(dataDir, "logs"),
		DownloadDir:   downloads,
	}
}

// LoadSettings reads the settings file. A missing or unparsable file yields
// the defaults; fields pointing at directories that no longer exist keep
// their default value.
func LoadSettings(path, dataDir string) *Settings {
	s := DefaultSettings(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}

	var raw struct {
		SaveSystemLog *bool  `json:"saveSystemLog"`
		SaveSharerLog *bool  `json:"saveShareLog"`
		LogsPath      string `json:"logsPath"`
		DownloadDir   string `json:"downloadPath"`
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return s
	}
	if raw.SaveSystemLog != nil {
		s.SaveSystemLog = *raw.SaveSystemLog
	}
	if raw.SaveSharerLog != nil {
		s.SaveSharerLog = *raw.SaveSharerLog
	}
	if isDir(raw.LogsPath) {
		s.LogsPath = raw.LogsPath
	}
	if isDir(raw.DownloadDir) {
		s.DownloadDir = raw.DownloadDir
	}
	return s
}

// Save writes the settings file atomically.
func (s *Settings) Save(path string) error {
	snap := s.Snapshot()
	data, err := json.MarshalIndent(&snap, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return writeFileAtomic(path, data)
}

// Snapshot returns an unlocked copy of the current values.
func (s *Settings) Snapshot() SettingsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SettingsSnapshot{
		SaveSystemLog: s.SaveSystemLog,
		SaveSharerLog: s.SaveSharerLog,
		LogsPath:      s.LogsPath,
		DownloadDir:   s.DownloadDir,
	}
}

// SettingsSnapshot is a copy of Settings safe to pass around by value.
type SettingsSnapshot struct {
	SaveSystemLog bool   `json:"saveSystemLog"`
	SaveSharerLog bool   `json:"saveShareLog"`
	LogsPath      string `json:"logsPath"`
	DownloadDir   string `json:"downloadPath"`
}

// Values returns the snapshot keyed by setting name.
func (s SettingsSnapshot) Values() map[string]any {
	return map[string]any{
		KeySaveSystemLog: s.SaveSystemLog,
		KeySaveSharerLog: s.SaveSharerLog,
		KeyLogsPath:      s.LogsPath,
		KeyDownloadDir:   s.DownloadDir,
	}
}

// Apply sets one setting by key. Unknown keys are ignored and reported as
// not applied. Values may be typed or their string form.
func (s *Settings) Apply(key string, value any) (bool, error) {
	switch key {
	case KeySaveSystemLog, KeySaveSharerLog:
		b, err := toBool(value)
		if err != nil {
			return false, fmt.Errorf("%s: %w", key, err)
		}
		s.mu.Lock()
		if key == KeySaveSystemLog {
			s.SaveSystemLog = b
		} else {
			s.SaveSharerLog = b
		}
		s.mu.Unlock()
		return true, nil
	case KeyLogsPath, KeyDownloadDir:
		p, ok := value.(string)
		if !ok || p == "" {
			return false, fmt.Errorf("%s must be a non-empty path", key)
		}
		if !isDir(p) {
			return false, fmt.Errorf("%s: directory %s does not exist", key, p)
		}
		s.mu.Lock()
		if key == KeyLogsPath {
			s.LogsPath = p
		} else {
			s.DownloadDir = p
		}
		s.mu.Unlock()
		return true, nil
	default:
		return false, nil
	}
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}

func isDir(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	return nil
}
