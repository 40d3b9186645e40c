package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/xlttj/tunfwd/pkg/command"
	"github.com/xlttj/tunfwd/pkg/config"
	"github.com/xlttj/tunfwd/pkg/executor"
	"github.com/xlttj/tunfwd/pkg/executor/executortest"
	"github.com/xlttj/tunfwd/pkg/forward"
	"github.com/xlttj/tunfwd/pkg/registry"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveDetector struct{}

func (liveDetector) IsAlive(int) (bool, error)                        { return true, nil }
func (liveDetector) MatchesRunning(config.TunnelConfig) (bool, error) { return false, nil }
func (liveDetector) FindPID(config.TunnelConfig) (int, bool, error)   { return 0, false, nil }

type noInterfaces struct{}

func (noInterfaces) EnsureInterfaceExists(context.Context, string) error { return nil }

func newTestForwarder(t *testing.T) (*forward.Forwarder, *executortest.Fake) {
	t.Helper()
	store, err := config.NewFileStore(afero.NewMemMapFs(), "/cfg/tunnels.yaml")
	require.NoError(t, err)
	require.NoError(t, store.Add(config.TunnelConfig{Name: "api", Namespace: "default", Service: "svc/api", Ports: []string{"8080:80"}}))

	fake := executortest.New(900)
	reg, err := registry.Open(filepath.Join(t.TempDir(), config.StateFileName),
		registry.WithExecutor(fake),
		registry.WithDetector(liveDetector{}),
		registry.WithBuilder(command.NewBuilder("kubectl", "")),
		registry.WithInterfaces(noInterfaces{}),
		registry.WithKill(func(int) error { return nil }),
	)
	require.NoError(t, err)

	fwd := forward.New(store, reg, forward.WithKill(func(int) error { return nil }), forward.WithPrivilegeCheck(func() bool { return true }))
	t.Cleanup(fwd.Close)
	return fwd, fake
}

func foreground(ctx context.Context, fwd *forward.Forwarder, names ...string) (*bytes.Buffer, <-chan error) {
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- runForeground(ctx, &out, fwd, names) }()
	return &out, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("foreground run did not return")
		return nil
	}
}

func TestForegroundEndsWhenTunnelsExit(t *testing.T) {
	fwd, fake := newTestForwarder(t)
	out, done := foreground(context.Background(), fwd, "api")

	require.Eventually(t, func() bool { return len(fake.Spawned()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, fake.Emit(900, executor.Event{Kind: executor.EventStdout, Line: "Forwarding from 127.0.0.1:8080 -> 80"}))
	require.NoError(t, fake.Terminate(900, 0))

	require.NoError(t, wait(t, done))
	assert.Contains(t, out.String(), "started api (pid 900)")
	assert.Contains(t, out.String(), "[api] Forwarding from 127.0.0.1:8080 -> 80")
	assert.Contains(t, out.String(), "[api] exited with code 0")
	assert.False(t, fwd.IsRunning("api"))
}

func TestForegroundReportsDiagnosis(t *testing.T) {
	fwd, fake := newTestForwarder(t)
	out, done := foreground(context.Background(), fwd, "api")

	require.Eventually(t, func() bool { return len(fake.Spawned()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, fake.Emit(900, executor.Event{Kind: executor.EventStderr, Line: "error: You must be logged in to the server (Unauthorized)"}))
	require.NoError(t, fake.Terminate(900, 1))

	err := wait(t, done)
	require.Error(t, err)
	assert.Contains(t, out.String(), "[api] exited with code 1")
	assert.Contains(t, out.String(), "[api] hint:")
}

func TestForegroundStopsOnCancel(t *testing.T) {
	fwd, fake := newTestForwarder(t)
	ctx, cancel := context.WithCancel(context.Background())
	out, done := foreground(ctx, fwd, "api")

	require.Eventually(t, func() bool { return fwd.IsRunning("api") }, 5*time.Second, 10*time.Millisecond)
	cancel()

	require.NoError(t, wait(t, done))
	assert.Contains(t, out.String(), "stopping tunnels...")
	assert.False(t, fwd.IsRunning("api"))
	assert.Len(t, fake.Spawned(), 1)
}

func TestForegroundUnknownTunnel(t *testing.T) {
	fwd, _ := newTestForwarder(t)
	_, done := foreground(context.Background(), fwd, "missing")
	assert.Error(t, wait(t, done))
}
