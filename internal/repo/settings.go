package repo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SettingsFileName is the settings record kept inside each registered clone.
// It is the single source of truth for repository state; no sidecar files
// are maintained outside the clone.
const SettingsFileName = ".claude-batch-settings.json"

// CloneStatus tracks a repository through its registration pipeline.
type CloneStatus string

const (
	StatusCloning      CloneStatus = "cloning"
	StatusCidxIndexing CloneStatus = "cidx_indexing"
	StatusCompleted    CloneStatus = "completed"
	StatusCidxFailed   CloneStatus = "cidx_failed"
	StatusFailed       CloneStatus = "failed"
)

// Settings is the on-disk registration record. Field names are part of the
// on-disk contract.
type Settings struct {
	Name         string      `json:"Name"`
	Description  string      `json:"Description"`
	GitURL       string      `json:"GitUrl"`
	RegisteredAt time.Time   `json:"RegisteredAt"`
	CloneStatus  CloneStatus `json:"CloneStatus"`
	CidxAware    bool        `json:"CidxAware"`
}

func settingsPath(cloneDir string) string {
	return filepath.Join(cloneDir, SettingsFileName)
}

func readSettings(cloneDir string) (*Settings, error) {
	b, err := os.ReadFile(settingsPath(cloneDir))
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", settingsPath(cloneDir), err)
	}
	return &s, nil
}

func writeSettings(cloneDir string, s *Settings) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(settingsPath(cloneDir), b, 0o644)
}
