package config

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tunfwd.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Add(TunnelConfig{Name: "api", Namespace: "default", Service: "svc/api", Ports: []string{"8080:80"}}))
	require.NoError(t, store.Add(TunnelConfig{Name: "db", Service: "ops@bastion", Ports: []string{"5432", "6432:5432"}, Backend: BackendSSH, LocalInterface: "127.0.0.3"}))
	assert.True(t, errors.Is(store.Add(TunnelConfig{Name: "api", Service: "x", Ports: []string{"1"}}), ErrDuplicateName))

	all := store.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "api", all[0].Name)
	assert.Equal(t, []string{"5432", "6432:5432"}, all[1].Ports)
	assert.Equal(t, BackendSSH, all[1].Backend)
	assert.Equal(t, 2, store.Len())

	require.NoError(t, store.Rename("db", "pg"))
	_, ok := store.Get("db")
	assert.False(t, ok)
	pg, ok := store.Get("pg")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.3", pg.LocalInterface)

	previous, err := store.Reload()
	require.NoError(t, err)
	assert.Empty(t, previous, "snapshot was taken when the store was opened")

	require.NoError(t, store.Delete("pg"))
	assert.True(t, errors.Is(store.Delete("pg"), ErrConfigNotFound))
	assert.True(t, errors.Is(store.Update("pg", pg), ErrConfigNotFound))

	previous, err = store.Reload()
	require.NoError(t, err)
	assert.Len(t, previous, 2)
}
