package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xlttj/tunfwd/pkg/logging"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps tunnel configurations in a SQLite database
type SQLiteStore struct {
	db       *sql.DB
	mutex    sync.RWMutex
	dbPath   string
	snapshot []TunnelConfig // configs as of the last open/reload
}

// NewSQLiteStore opens (creating if needed) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	expanded, err := ExpandHome(dbPath)
	if err != nil {
		return nil, err
	}
	dbPath = expanded

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create empty file with 0600 so the database never starts world-readable
	if _, statErr := os.Stat(dbPath); os.IsNotExist(statErr) {
		f, ferr := os.OpenFile(dbPath, os.O_CREATE|os.O_RDONLY, 0600)
		if ferr == nil {
			_ = f.Close()
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, dbPath: dbPath}
	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	store.snapshot = store.GetAll()

	logging.LogDebug("SQLite config store initialized at: %s", dbPath)
	return store, nil
}

func (cs *SQLiteStore) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tunnels (
		name TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		context TEXT NOT NULL,
		namespace TEXT NOT NULL,
		service TEXT NOT NULL,
		ports TEXT NOT NULL,
		local_interface TEXT NOT NULL DEFAULT '',
		forward_type TEXT NOT NULL DEFAULT 'kubectl'
	);

	CREATE INDEX IF NOT EXISTS idx_tunnels_context ON tunnels(context);
	`
	if _, err := cs.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (cs *SQLiteStore) Close() error {
	if cs.db != nil {
		return cs.db.Close()
	}
	return nil
}

// Add inserts a configuration at the end of the list
func (cs *SQLiteStore) Add(cfg TunnelConfig) error {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return err
	}
	ports, err := json.Marshal(cfg.Ports)
	if err != nil {
		return fmt.Errorf("failed to encode ports: %w", err)
	}

	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if _, exists := cs.getUnsafe(cfg.Name); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}

	query := `
		INSERT INTO tunnels (name, position, context, namespace, service, ports, local_interface, forward_type)
		VALUES (?, (SELECT COALESCE(MAX(position), -1) + 1 FROM tunnels), ?, ?, ?, ?, ?, ?)
	`
	_, err = cs.db.Exec(query, cfg.Name, cfg.Context, cfg.Namespace, cfg.Service, string(ports), cfg.LocalInterface, string(cfg.Backend))
	if err != nil {
		return fmt.Errorf("failed to add tunnel: %w", err)
	}

	logging.LogDebug("Added tunnel config: %s", cfg.Name)
	return nil
}

// GetAll returns all configurations in insertion order
func (cs *SQLiteStore) GetAll() []TunnelConfig {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()
	return cs.getAllUnsafe()
}

func (cs *SQLiteStore) getAllUnsafe() []TunnelConfig {
	query := `SELECT name, context, namespace, service, ports, local_interface, forward_type FROM tunnels ORDER BY position`

	rows, err := cs.db.Query(query)
	if err != nil {
		logging.LogError("Failed to query tunnels: %v", err)
		return []TunnelConfig{}
	}
	defer rows.Close()

	configs := []TunnelConfig{}
	for rows.Next() {
		cfg, err := scanTunnel(rows)
		if err != nil {
			logging.LogError("Failed to scan tunnel row: %v", err)
			continue
		}
		configs = append(configs, cfg)
	}
	return configs
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTunnel(row rowScanner) (TunnelConfig, error) {
	var cfg TunnelConfig
	var ports, backend string
	if err := row.Scan(&cfg.Name, &cfg.Context, &cfg.Namespace, &cfg.Service, &ports, &cfg.LocalInterface, &backend); err != nil {
		return TunnelConfig{}, err
	}
	if err := json.Unmarshal([]byte(ports), &cfg.Ports); err != nil {
		return TunnelConfig{}, fmt.Errorf("invalid ports for %s: %w", cfg.Name, err)
	}
	if err := cfg.Backend.UnmarshalText([]byte(backend)); err != nil {
		return TunnelConfig{}, err
	}
	return cfg, nil
}

// Len returns the number of configurations
func (cs *SQLiteStore) Len() int {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	var count int
	if err := cs.db.QueryRow("SELECT COUNT(*) FROM tunnels").Scan(&count); err != nil {
		logging.LogError("Failed to count tunnels: %v", err)
		return 0
	}
	return count
}

// Get returns the configuration with the given name
func (cs *SQLiteStore) Get(name string) (TunnelConfig, bool) {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()
	return cs.getUnsafe(name)
}

func (cs *SQLiteStore) getUnsafe(name string) (TunnelConfig, bool) {
	row := cs.db.QueryRow(`SELECT name, context, namespace, service, ports, local_interface, forward_type FROM tunnels WHERE name = ?`, name)
	cfg, err := scanTunnel(row)
	if err != nil {
		if err != sql.ErrNoRows {
			logging.LogError("Failed to load tunnel %s: %v", name, err)
		}
		return TunnelConfig{}, false
	}
	return cfg, true
}

// Update replaces the configuration stored under name
func (cs *SQLiteStore) Update(name string, cfg TunnelConfig) error {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return err
	}
	ports, err := json.Marshal(cfg.Ports)
	if err != nil {
		return fmt.Errorf("failed to encode ports: %w", err)
	}

	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if cfg.Name != name {
		if _, exists := cs.getUnsafe(cfg.Name); exists {
			return fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
		}
	}

	query := `
		UPDATE tunnels SET name = ?, context = ?, namespace = ?, service = ?, ports = ?, local_interface = ?, forward_type = ?
		WHERE name = ?
	`
	result, err := cs.db.Exec(query, cfg.Name, cfg.Context, cfg.Namespace, cfg.Service, string(ports), cfg.LocalInterface, string(cfg.Backend), name)
	if err != nil {
		return fmt.Errorf("failed to update tunnel: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, name)
	}
	return nil
}

// Delete removes the configuration stored under name
func (cs *SQLiteStore) Delete(name string) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	result, err := cs.db.Exec("DELETE FROM tunnels WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete tunnel: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, name)
	}
	logging.LogDebug("Deleted tunnel config: %s", name)
	return nil
}

// Rename changes the name of a configuration
func (cs *SQLiteStore) Rename(oldName, newName string) error {
	newName = strings.TrimSpace(newName)
	cfg, ok := cs.Get(oldName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, oldName)
	}
	cfg.Name = newName
	return cs.Update(oldName, cfg)
}

// Reload returns the configs seen at the previous open/reload. The database
// is always read live, so the reload itself only refreshes that snapshot.
func (cs *SQLiteStore) Reload() ([]TunnelConfig, error) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	previous := cs.snapshot
	cs.snapshot = cs.getAllUnsafe()
	return previous, nil
}
