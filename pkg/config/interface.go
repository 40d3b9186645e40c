package config

import "errors"

// Sentinel errors for tunnel lookups
var (
	ErrConfigNotFound = errors.New("tunnel configuration not found")
	ErrDuplicateName  = errors.New("tunnel name already exists")
)

// Store defines the interface for tunnel configuration storage
type Store interface {
	GetAll() []TunnelConfig
	Len() int
	Get(name string) (TunnelConfig, bool)
	Add(cfg TunnelConfig) error
	Update(name string, cfg TunnelConfig) error
	Delete(name string) error
	Rename(oldName, newName string) error

	// Reload re-reads the backing storage and returns the configs held
	// before the reload, for ReloadSync.
	Reload() (previous []TunnelConfig, err error)
	Close() error
}
