package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/logging"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// FileStore keeps tunnel configurations in a YAML or JSON document
type FileStore struct {
	fs       afero.Fs
	configs  []TunnelConfig
	mutex    sync.RWMutex
	filePath string
}

// NewFileStore loads the tunnel list at path. A missing file is an empty list.
func NewFileStore(fs afero.Fs, path string) (*FileStore, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	store := &FileStore{fs: fs, filePath: expanded}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("failed to initialize config store: %w", err)
	}
	return store, nil
}

// Path returns the backing file
func (cs *FileStore) Path() string {
	return cs.filePath
}

// GetAll returns a copy of all tunnel configurations
func (cs *FileStore) GetAll() []TunnelConfig {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	configsCopy := make([]TunnelConfig, len(cs.configs))
	copy(configsCopy, cs.configs)
	return configsCopy
}

// Len returns the number of configurations
func (cs *FileStore) Len() int {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()
	return len(cs.configs)
}

// Get returns the configuration with the given name
func (cs *FileStore) Get(name string) (TunnelConfig, bool) {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()
	if i := cs.indexOf(name); i >= 0 {
		return cs.configs[i], true
	}
	return TunnelConfig{}, false
}

// Add appends a configuration and saves the file
func (cs *FileStore) Add(cfg TunnelConfig) error {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return err
	}

	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	if cs.indexOf(cfg.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}
	cs.configs = append(cs.configs, cfg)
	if err := cs.saveToDisk(); err != nil {
		cs.configs = cs.configs[:len(cs.configs)-1]
		return err
	}
	logging.LogDebug("Added tunnel config: %s", cfg.Name)
	return nil
}

// Update replaces the configuration stored under name
func (cs *FileStore) Update(name string, cfg TunnelConfig) error {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return err
	}

	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	i := cs.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, name)
	}
	if cfg.Name != name && cs.indexOf(cfg.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}
	prev := cs.configs[i]
	cs.configs[i] = cfg
	if err := cs.saveToDisk(); err != nil {
		cs.configs[i] = prev
		return err
	}
	return nil
}

// Delete removes the configuration stored under name
func (cs *FileStore) Delete(name string) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	i := cs.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, name)
	}
	prev := cs.configs
	cs.configs = append(append([]TunnelConfig{}, cs.configs[:i]...), cs.configs[i+1:]...)
	if err := cs.saveToDisk(); err != nil {
		cs.configs = prev
		return err
	}
	logging.LogDebug("Deleted tunnel config: %s", name)
	return nil
}

// Rename changes the name of a configuration, keeping its position
func (cs *FileStore) Rename(oldName, newName string) error {
	cs.mutex.RLock()
	i := cs.indexOf(oldName)
	var cfg TunnelConfig
	if i >= 0 {
		cfg = cs.configs[i]
	}
	cs.mutex.RUnlock()
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, oldName)
	}
	cfg.Name = newName
	return cs.Update(oldName, cfg)
}

// Reload re-reads the file from disk. On failure the previous list is kept.
func (cs *FileStore) Reload() ([]TunnelConfig, error) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	previous := make([]TunnelConfig, len(cs.configs))
	copy(previous, cs.configs)

	if err := cs.loadFromDisk(); err != nil {
		cs.configs = previous
		return previous, fmt.Errorf("config reload failed, kept previous config: %w", err)
	}
	logging.LogDebug("Configuration reloaded: %d configs (was %d)", len(cs.configs), len(previous))
	return previous, nil
}

// Close is a no-op for the file store
func (cs *FileStore) Close() error {
	return nil
}

func (cs *FileStore) indexOf(name string) int {
	for i, cfg := range cs.configs {
		if cfg.Name == name {
			return i
		}
	}
	return -1
}

// loadFromDisk must be called with the mutex held
func (cs *FileStore) loadFromDisk() error {
	exists, err := afero.Exists(cs.fs, cs.filePath)
	if err != nil {
		return fmt.Errorf("failed to stat config file %s: %w", cs.filePath, err)
	}
	if !exists {
		logging.LogDebug("Config file %s does not exist, starting with an empty tunnel list", cs.filePath)
		cs.configs = []TunnelConfig{}
		return nil
	}

	data, err := afero.ReadFile(cs.fs, cs.filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cs.filePath, err)
	}

	// JSON documents are valid YAML, so one decoder handles both formats
	var cfgFile ConfigFile
	if err := yaml.Unmarshal(data, &cfgFile); err != nil {
		return tferrors.New(tferrors.KindConfig, "load", "", fmt.Errorf("failed to parse config file %s: %w", cs.filePath, err)).
			WithHint(fmt.Sprintf("Fix or remove %s", cs.filePath))
	}

	configs := make([]TunnelConfig, 0, len(cfgFile.Configs))
	for _, cfg := range cfgFile.Configs {
		configs = append(configs, cfg.Normalized())
	}
	if err := validateConfigs(configs); err != nil {
		return tferrors.New(tferrors.KindConfig, "load", "", fmt.Errorf("config validation failed: %w", err)).
			WithHint(fmt.Sprintf("Fix %s", cs.filePath))
	}

	cs.configs = configs
	logging.LogDebug("Loaded %d tunnel configurations from %s", len(cs.configs), cs.filePath)
	return nil
}

// saveToDisk writes the list to a temp file and renames it over the real path.
// Must be called with the mutex held.
func (cs *FileStore) saveToDisk() error {
	data, err := encodeConfigFile(cs.filePath, ConfigFile{Configs: cs.configs})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(cs.fs, cs.filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to save config file %s: %w", cs.filePath, err)
	}
	return nil
}

func encodeConfigFile(path string, doc ConfigFile) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
		return append(data, '\n'), nil
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

// writeFileAtomic writes through a sibling temp file so readers never see a
// partial document
func writeFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, perm); err != nil {
		return err
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return nil
}

// validateConfigs checks names are present and unique
func validateConfigs(configs []TunnelConfig) error {
	seen := make(map[string]bool, len(configs))
	for i, cfg := range configs {
		if cfg.Name == "" {
			return fmt.Errorf("tunnel at index %d has empty name", i)
		}
		if seen[cfg.Name] {
			return fmt.Errorf("duplicate tunnel name: '%s'", cfg.Name)
		}
		seen[cfg.Name] = true
	}
	return nil
}
