package config

import (
	"fmt"
	"strings"

	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/logging"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	DetectorPs     = "ps"
	DetectorNative = "native"

	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Settings are the application-level options kept in app-config.yaml
type Settings struct {
	KubectlPath    string `yaml:"kubectl_path,omitempty"`
	KubeconfigPath string `yaml:"kubeconfig_path,omitempty"`
	Detector       string `yaml:"detector,omitempty"`
	Store          string `yaml:"store,omitempty"`
	LogLevel       string `yaml:"log_level,omitempty"`
}

// DefaultSettings returns the settings used when app-config.yaml is absent
func DefaultSettings() Settings {
	return Settings{
		Detector: DetectorPs,
		Store:    StoreFile,
		LogLevel: "info",
	}
}

func (s *Settings) applyDefaults() {
	d := DefaultSettings()
	if s.Detector == "" {
		s.Detector = d.Detector
	}
	if s.Store == "" {
		s.Store = d.Store
	}
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
	s.Detector = strings.ToLower(s.Detector)
	s.Store = strings.ToLower(s.Store)
}

// Validate rejects unknown detector or store names
func (s Settings) Validate() error {
	switch s.Detector {
	case DetectorPs, DetectorNative:
	default:
		return tferrors.Newf(tferrors.KindConfig, "settings", "", "unknown detector %q (expected ps or native)", s.Detector)
	}
	switch s.Store {
	case StoreFile, StoreSQLite:
	default:
		return tferrors.Newf(tferrors.KindConfig, "settings", "", "unknown store %q (expected file or sqlite)", s.Store)
	}
	return nil
}

// LoadSettings reads app-config.yaml; a missing file yields DefaultSettings
func LoadSettings(fs afero.Fs, path string) (Settings, error) {
	settings := DefaultSettings()

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return settings, fmt.Errorf("failed to stat settings file %s: %w", path, err)
	}
	if !exists {
		logging.LogDebug("Settings file %s not found, using defaults", path)
		return settings, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return settings, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	var loaded Settings
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return settings, tferrors.New(tferrors.KindConfig, "settings", "", fmt.Errorf("failed to parse %s: %w", path, err)).
			WithHint(fmt.Sprintf("Fix or remove %s", path))
	}
	loaded.applyDefaults()
	if err := loaded.Validate(); err != nil {
		return settings, err
	}
	return loaded, nil
}

// SaveSettings writes app-config.yaml atomically
func SaveSettings(fs afero.Fs, path string, s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := writeFileAtomic(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save settings %s: %w", path, err)
	}
	return nil
}
