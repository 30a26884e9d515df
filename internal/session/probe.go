package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// cachePrefix selects the host application's feature-evaluation cache files
// inside its statsig directory. The newest one carries the currently
// logged-in account.
const cachePrefix = "statsig.cached.evaluations."

// Probe reads the externally-maintained session cache to learn which account
// the host application is logged into. The artifact's schema is owned by
// another system and versioned independently; every failure collapses to
// absence, never an error.
type Probe struct {
	statsigDir string
}

func NewProbe(claudeDir string) *Probe {
	return &Probe{statsigDir: filepath.Join(claudeDir, "statsig")}
}

type cacheEnvelope struct {
	Data string `json:"data"`
}

type cacheEvaluations struct {
	EvaluatedKeys struct {
		UserID    string            `json:"userID"`
		CustomIDs map[string]string `json:"customIDs"`
	} `json:"evaluated_keys"`
}

// CurrentExternalAccountID returns the host's current external account
// correlation id, or ok=false when it cannot be determined.
func (p *Probe) CurrentExternalAccountID() (string, bool) {
	path, ok := p.newestCacheFile()
	if !ok {
		return "", false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}

	// The cache nests a JSON document inside a JSON-encoded string field.
	var envelope cacheEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Data == "" {
		return "", false
	}
	var evaluations cacheEvaluations
	if err := json.Unmarshal([]byte(envelope.Data), &evaluations); err != nil {
		return "", false
	}

	if id := strings.TrimSpace(evaluations.EvaluatedKeys.UserID); id != "" {
		return id, true
	}
	if id := strings.TrimSpace(evaluations.EvaluatedKeys.CustomIDs["userID"]); id != "" {
		return id, true
	}
	return "", false
}

func (p *Probe) newestCacheFile() (string, bool) {
	entries, err := os.ReadDir(p.statsigDir)
	if err != nil {
		return "", false
	}
	var (
		newestPath string
		newestMod  int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), cachePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newestPath == "" || mod > newestMod {
			newestPath = filepath.Join(p.statsigDir, entry.Name())
			newestMod = mod
		}
	}
	return newestPath, newestPath != ""
}
