package config

import (
	"fmt"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// DefaultConfigDir holds every file tunfwd reads or writes
const DefaultConfigDir = "~/.tunfwd"

const (
	StateFileName    = "process-state.json"
	TunnelsFileName  = "tunnels.yaml"
	DatabaseFileName = "tunfwd.db"
	SettingsFileName = "app-config.yaml"
	LogFileName      = "tunfwd.log"
)

// Paths resolves the locations of tunfwd's files under one directory
type Paths struct {
	Dir string
}

// NewPaths expands dir (which may start with ~); an empty dir means DefaultConfigDir
func NewPaths(dir string) (Paths, error) {
	if dir == "" {
		dir = DefaultConfigDir
	}
	expanded, err := ExpandHome(dir)
	if err != nil {
		return Paths{}, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	return Paths{Dir: expanded}, nil
}

func (p Paths) StateFile() string    { return filepath.Join(p.Dir, StateFileName) }
func (p Paths) TunnelsFile() string  { return filepath.Join(p.Dir, TunnelsFileName) }
func (p Paths) DatabaseFile() string { return filepath.Join(p.Dir, DatabaseFileName) }
func (p Paths) SettingsFile() string { return filepath.Join(p.Dir, SettingsFileName) }
func (p Paths) LogFile() string      { return filepath.Join(p.Dir, LogFileName) }

// ExpandHome replaces a leading ~ with the user's home directory
func ExpandHome(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	return expanded, nil
}
