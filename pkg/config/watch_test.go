package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnels.yaml")
	require.NoError(t, os.WriteFile(path, []byte("configs: []\n"), 0o644))

	events, cleanup, err := Watch(context.Background(), path, 20*time.Millisecond)
	require.NoError(t, err)

	// Unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("configs: [{name: a}]\n"), 0o644))

	select {
	case ev := <-events:
		assert.NoError(t, ev.Err)
		assert.Equal(t, path, ev.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("no watch event received")
	}

	require.NoError(t, cleanup())
}
