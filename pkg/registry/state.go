package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xlttj/tunfwd/pkg/config"
	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/logging"
)

// stateFile is the persisted registry document
type stateFile struct {
	Processes map[string]stateEntry `json:"processes"`
}

type stateEntry struct {
	PID       int                 `json:"pid"`
	Config    config.TunnelConfig `json:"config"`
	StartedAt *time.Time          `json:"started_at,omitempty"`
	Adopted   bool                `json:"adopted,omitempty"`
}

// readState returns the persisted entries; a missing file is an empty map
func readState(path string) (map[string]stateEntry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]stateEntry{}, nil
	}
	if err != nil {
		return nil, tferrors.New(tferrors.KindConfig, "load", "", fmt.Errorf("failed to read state file %s: %w", path, err))
	}

	var doc stateFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, tferrors.New(tferrors.KindConfig, "load", "", fmt.Errorf("failed to parse state file %s: %w", path, err)).
			WithHint(fmt.Sprintf("Fix or delete %s; running tunnels can be recovered with `tunfwd orphans --adopt`", path))
	}
	if doc.Processes == nil {
		doc.Processes = map[string]stateEntry{}
	}
	return doc.Processes, nil
}

// encodeState renders the registry map in the persisted format
func encodeState(entries map[string]*ProcessInfo) ([]byte, error) {
	doc := stateFile{Processes: make(map[string]stateEntry, len(entries))}
	for name, info := range entries {
		entry := stateEntry{PID: info.PID, Config: info.Config, Adopted: info.Adopted}
		if !info.StartedAt.IsZero() {
			started := info.StartedAt.UTC()
			entry.StartedAt = &started
		}
		doc.Processes[name] = entry
	}
	return json.MarshalIndent(doc, "", "  ")
}

// persistLocked writes the full map atomically. Must be called with r.mu held.
// On failure the previous file is left intact and the registry stays dirty
// until a later write succeeds.
func (r *Registry) persistLocked() error {
	data, err := encodeState(r.entries)
	if err == nil {
		if mkErr := os.MkdirAll(filepath.Dir(r.path), 0o755); mkErr != nil {
			err = mkErr
		} else {
			err = r.writeFile(r.path, data, 0o644)
		}
	}
	if err != nil {
		r.dirty = true
		logging.LogError("Failed to persist registry state to %s: %v", r.path, err)
		return tferrors.New(tferrors.KindSystem, "persist", "", fmt.Errorf("%w: %w", tferrors.ErrPersist, err))
	}
	r.dirty = false
	logging.LogDebug("Persisted %d registry entries to %s", len(r.entries), r.path)
	return nil
}

// load replaces the in-memory map with the persisted entries whose process
// is still alive. Probe failures count as dead.
func (r *Registry) load() error {
	persisted, err := readState(r.path)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(persisted))
	for name := range persisted {
		names = append(names, name)
	}
	sort.Strings(names)

	kept, discarded := 0, 0
	entries := make(map[string]*ProcessInfo, len(persisted))
	for _, name := range names {
		entry := persisted[name]
		alive, probeErr := r.detector.IsAlive(entry.PID)
		if probeErr != nil {
			logging.LogWarn("Liveness probe for %s (PID %d) failed, discarding: %v", name, entry.PID, probeErr)
		}
		if !alive || probeErr != nil {
			logging.LogDebug("Discarding stale registry entry %s (PID %d)", name, entry.PID)
			discarded++
			continue
		}

		cfg := entry.Config.Normalized()
		cfg.Name = name
		info := &ProcessInfo{PID: entry.PID, Config: cfg, Adopted: entry.Adopted}
		if entry.StartedAt != nil {
			info.StartedAt = *entry.StartedAt
		}
		entries[name] = info
		kept++
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = entries
	logging.LogInfo("Loaded registry from %s: %d kept, %d discarded", r.path, kept, discarded)

	if discarded > 0 {
		if err := r.persistLocked(); err != nil {
			logging.LogWarn("Could not rewrite pruned registry state: %v", err)
		}
	}
	return nil
}
