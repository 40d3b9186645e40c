package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xlttj/tunfwd/pkg/command"
	"github.com/xlttj/tunfwd/pkg/config"
	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/executor/executortest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	mu       sync.Mutex
	alive    map[int]bool
	probeErr map[int]error
	found    map[string]int
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{alive: map[int]bool{}, probeErr: map[int]error{}, found: map[string]int{}}
}

func (d *fakeDetector) setAlive(pid int, alive bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alive[pid] = alive
}

func (d *fakeDetector) IsAlive(pid int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.probeErr[pid]; err != nil {
		return false, err
	}
	return d.alive[pid], nil
}

func (d *fakeDetector) MatchesRunning(cfg config.TunnelConfig) (bool, error) {
	_, found, err := d.FindPID(cfg)
	return found, err
}

func (d *fakeDetector) FindPID(cfg config.TunnelConfig) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pid, ok := d.found[cfg.Name]
	return pid, ok, nil
}

type fakeInterfaces struct {
	calls []string
	err   error
}

func (f *fakeInterfaces) EnsureInterfaceExists(_ context.Context, address string) error {
	f.calls = append(f.calls, address)
	return f.err
}

type harness struct {
	path       string
	exec       *executortest.Fake
	detector   *fakeDetector
	interfaces *fakeInterfaces
	killed     []int
	killErr    error
	writeErr   error
}

func newHarness(t *testing.T) *harness {
	return &harness{
		path:       filepath.Join(t.TempDir(), "state", "process-state.json"),
		exec:       executortest.New(1000),
		detector:   newFakeDetector(),
		interfaces: &fakeInterfaces{},
	}
}

func (h *harness) options() []Option {
	return []Option{
		WithExecutor(h.exec),
		WithDetector(h.detector),
		WithBuilder(command.NewBuilder("kubectl", "")),
		WithInterfaces(h.interfaces),
		WithKill(func(pid int) error {
			h.killed = append(h.killed, pid)
			return h.killErr
		}),
		WithWriteFile(func(path string, data []byte, perm os.FileMode) error {
			if h.writeErr != nil {
				return h.writeErr
			}
			tmp := path + ".tmp"
			if err := os.WriteFile(tmp, data, perm); err != nil {
				return err
			}
			return os.Rename(tmp, path)
		}),
		WithClock(func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) }),
	}
}

func (h *harness) open(t *testing.T) *Registry {
	r, err := Open(h.path, h.options()...)
	require.NoError(t, err)
	return r
}

func (h *harness) persisted(t *testing.T) map[string]stateEntry {
	data, err := os.ReadFile(h.path)
	require.NoError(t, err)
	var doc stateFile
	require.NoError(t, json.Unmarshal(data, &doc))
	require.NotNil(t, doc.Processes)
	return doc.Processes
}

func tunnelConfig(name string) config.TunnelConfig {
	return config.TunnelConfig{
		Name:      name,
		Namespace: "default",
		Service:   "svc/" + name,
		Ports:     []string{"8080:80"},
	}
}

func names(list []ProcessInfo) []string {
	out := make([]string, 0, len(list))
	for _, info := range list {
		out = append(out, info.Config.Name)
	}
	return out
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)

	tunnel, err := r.Start(tunnelConfig("api"))
	require.NoError(t, err)
	require.NotNil(t, tunnel)
	assert.Equal(t, "api", tunnel.Name)
	assert.Equal(t, 1000, tunnel.Handle.PID)
	assert.Equal(t, []string{"api"}, names(r.List()))
	assert.True(t, r.IsRunning("api"))

	spawned := h.exec.Spawned()
	require.Len(t, spawned, 1)
	assert.Equal(t, "kubectl -n default port-forward svc/api 8080:80", spawned[0].Line())

	pid, err := r.Stop("api")
	require.NoError(t, err)
	assert.Equal(t, 1000, pid)
	assert.Empty(t, r.List())
	assert.Equal(t, []int{1000}, h.killed)
}

func TestStartAlreadyRunning(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)

	_, err := r.Start(tunnelConfig("api"))
	require.NoError(t, err)
	before, err := os.ReadFile(h.path)
	require.NoError(t, err)

	_, err = r.Start(tunnelConfig("api"))
	require.Error(t, err)
	assert.ErrorIs(t, err, tferrors.ErrAlreadyRunning)
	assert.Equal(t, tferrors.KindProcess, tferrors.KindOf(err))

	after, err := os.ReadFile(h.path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, h.exec.Spawned(), 1)
	assert.Len(t, r.List(), 1)
}

func TestStartSpawnFailureLeavesRegistryUntouched(t *testing.T) {
	h := newHarness(t)
	h.exec.SpawnErr = errors.New("exec: \"kubectl\": executable file not found in $PATH")
	r := h.open(t)

	_, err := r.Start(tunnelConfig("api"))
	require.Error(t, err)
	assert.Equal(t, tferrors.KindProcess, tferrors.KindOf(err))
	assert.Empty(t, r.List())
	assert.NoFileExists(t, h.path)

	// The name is free again
	h.exec.SpawnErr = nil
	_, err = r.Start(tunnelConfig("api"))
	require.NoError(t, err)
}

func TestStartInvalidConfig(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)

	cfg := tunnelConfig("api")
	cfg.Ports = nil
	_, err := r.Start(cfg)
	require.Error(t, err)
	assert.Equal(t, tferrors.KindInvalidInput, tferrors.KindOf(err))
	assert.Empty(t, h.exec.Spawned())
}

func TestStartInterface(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)

	cfg := tunnelConfig("api")
	cfg.LocalInterface = "127.0.0.2"
	_, err := r.Start(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.2"}, h.interfaces.calls)

	cfg = tunnelConfig("web")
	cfg.LocalInterface = "127.0.0.1"
	_, err = r.Start(cfg)
	require.NoError(t, err)
	assert.Len(t, h.interfaces.calls, 1, "default address needs no alias")
}

func TestStartInterfaceFailureAbortsBeforeSpawn(t *testing.T) {
	h := newHarness(t)
	h.interfaces.err = tferrors.Newf(tferrors.KindSystem, "create interface", "", "failed to create interface 127.0.0.3").
		WithHint("sudo ip addr add 127.0.0.3/32 dev lo")
	r := h.open(t)

	cfg := tunnelConfig("api")
	cfg.LocalInterface = "127.0.0.3:9090"
	_, err := r.Start(cfg)
	require.Error(t, err)
	assert.Equal(t, tferrors.KindSystem, tferrors.KindOf(err))
	assert.Equal(t, "sudo ip addr add 127.0.0.3/32 dev lo", tferrors.HintOf(err))
	assert.Contains(t, err.Error(), `"api"`)
	assert.Empty(t, h.exec.Spawned())
	assert.Empty(t, r.List())
}

func TestStopNotRunning(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)

	_, err := r.Stop("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, tferrors.ErrNotRunning)
	assert.Equal(t, tferrors.KindNotFound, tferrors.KindOf(err))
	assert.Empty(t, h.killed)
}

func TestStopKillFailureKeepsRemoval(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)
	_, err := r.Start(tunnelConfig("api"))
	require.NoError(t, err)

	h.killErr = errors.New("operation not permitted")
	pid, err := r.Stop("api")
	require.Error(t, err)
	assert.Equal(t, 1000, pid)
	assert.Equal(t, tferrors.KindProcess, tferrors.KindOf(err))
	assert.Empty(t, r.List())
	assert.Empty(t, h.persisted(t))
}

func TestRename(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)
	_, err := r.Start(tunnelConfig("a"))
	require.NoError(t, err)

	require.NoError(t, r.Rename("a", "b"))

	assert.False(t, r.IsRunning("a"))
	info, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, 1000, info.PID)
	assert.Equal(t, "b", info.Config.Name)

	persisted := h.persisted(t)
	require.Len(t, persisted, 1)
	assert.Equal(t, 1000, persisted["b"].PID)
	assert.Equal(t, "b", persisted["b"].Config.Name)
}

func TestRenameErrors(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)
	_, err := r.Start(tunnelConfig("a"))
	require.NoError(t, err)
	_, err = r.Start(tunnelConfig("b"))
	require.NoError(t, err)

	err = r.Rename("ghost", "c")
	assert.Equal(t, tferrors.KindNotFound, tferrors.KindOf(err))

	err = r.Rename("a", "b")
	assert.Equal(t, tferrors.KindInvalidInput, tferrors.KindOf(err))

	err = r.Rename("a", "  ")
	assert.Equal(t, tferrors.KindInvalidInput, tferrors.KindOf(err))

	assert.NoError(t, r.Rename("a", "a"))
	assert.Equal(t, []string{"a", "b"}, names(r.List()))
}

func TestReloadReproducesLiveState(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)

	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := r.Start(tunnelConfig(name))
		require.NoError(t, err)
	}
	_, err := r.Stop("b")
	require.NoError(t, err)
	require.NoError(t, r.Rename("c", "e"))
	_, err = r.Start(tunnelConfig("b"))
	require.NoError(t, err)

	live := r.List()
	for _, info := range live {
		h.detector.setAlive(info.PID, true)
	}

	reloaded := h.open(t)
	got := reloaded.List()
	require.Len(t, got, len(live))
	for i := range live {
		assert.Equal(t, live[i].Config.Name, got[i].Config.Name)
		assert.Equal(t, live[i].PID, got[i].PID)
		assert.True(t, live[i].Config.Equal(got[i].Config))
		assert.True(t, live[i].StartedAt.Equal(got[i].StartedAt))
	}
}

func TestLoadDiscardsDeadEntries(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.path), 0o755))
	doc := `{"processes": {
		"A": {"pid": 111, "config": {"name": "A", "context": "", "namespace": "ns", "service": "svc/a", "ports": ["8080:80"], "forward_type": "kubectl"}},
		"B": {"pid": 222, "config": {"name": "B", "context": "", "namespace": "ns", "service": "svc/b", "ports": ["9090:90"]}}
	}}`
	require.NoError(t, os.WriteFile(h.path, []byte(doc), 0o644))
	h.detector.setAlive(111, false)
	h.detector.setAlive(222, true)

	r := h.open(t)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "B", list[0].Config.Name)
	assert.Equal(t, 222, list[0].PID)
	assert.Equal(t, config.BackendKubectl, list[0].Config.Backend)

	persisted := h.persisted(t)
	assert.Len(t, persisted, 1)
	assert.Contains(t, persisted, "B")
}

func TestLoadProbeErrorDiscards(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.path), 0o755))
	require.NoError(t, os.WriteFile(h.path, []byte(`{"processes":{"A":{"pid":5,"config":{"name":"A","service":"svc/a","ports":["1"]}}}}`), 0o644))
	h.detector.probeErr[5] = errors.New("ps: not found")

	r := h.open(t)
	assert.Empty(t, r.List())
}

func TestLoadMissingAndCorruptFile(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)
	assert.Empty(t, r.List())

	require.NoError(t, os.MkdirAll(filepath.Dir(h.path), 0o755))
	require.NoError(t, os.WriteFile(h.path, []byte("{not json"), 0o644))
	_, err := Open(h.path, h.options()...)
	require.Error(t, err)
	assert.Equal(t, tferrors.KindConfig, tferrors.KindOf(err))
	assert.Contains(t, tferrors.HintOf(err), h.path)
}

func TestVerifyPrunesDead(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)
	_, err := r.Start(tunnelConfig("a"))
	require.NoError(t, err)
	_, err = r.Start(tunnelConfig("b"))
	require.NoError(t, err)
	h.detector.setAlive(1000, false)
	h.detector.setAlive(1001, true)

	statuses, err := r.Verify()
	require.NoError(t, err)
	assert.Equal(t, []Status{
		{Name: "a", PID: 1000, Alive: false},
		{Name: "b", PID: 1001, Alive: true},
	}, statuses)
	assert.Equal(t, []string{"b"}, names(r.List()))
	assert.NotContains(t, h.persisted(t), "a")
}

func TestVerifyProbeErrorKeepsEntry(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)
	_, err := r.Start(tunnelConfig("a"))
	require.NoError(t, err)
	h.detector.probeErr[1000] = errors.New("tasklist failed")

	statuses, err := r.Verify()
	require.Error(t, err)
	var multi *tferrors.MultiError
	require.ErrorAs(t, err, &multi)
	assert.Len(t, multi.Errors, 1)
	require.Len(t, statuses, 1)
	assert.Error(t, statuses[0].Err)
	assert.True(t, r.IsRunning("a"))
}

func TestCleanupAll(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)
	for _, name := range []string{"b", "a"} {
		_, err := r.Start(tunnelConfig(name))
		require.NoError(t, err)
	}

	pids, err := r.CleanupAll()
	require.NoError(t, err)
	assert.Equal(t, []int{1001, 1000}, pids)
	assert.Empty(t, r.List())
	assert.Empty(t, h.persisted(t))
	assert.Empty(t, h.killed, "the caller kills")
}

func TestOrphans(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)
	_, err := r.Start(tunnelConfig("managed"))
	require.NoError(t, err)

	h.detector.found["managed"] = 1000
	h.detector.found["stray"] = 4242
	h.detector.found["dup"] = 4242
	configs := []config.TunnelConfig{tunnelConfig("managed"), tunnelConfig("stray"), tunnelConfig("dup"), tunnelConfig("absent")}

	orphans, err := r.DetectOrphans(configs)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "stray", orphans[0].Config.Name)
	assert.Equal(t, 4242, orphans[0].PID)
	assert.False(t, r.IsRunning("stray"), "detection does not mutate")

	adopted, err := r.AdoptOrphans(configs)
	require.NoError(t, err)
	require.Len(t, adopted, 1)
	info, ok := r.Get("stray")
	require.True(t, ok)
	assert.Equal(t, 4242, info.PID)
	assert.True(t, info.Adopted)
	assert.True(t, h.persisted(t)["stray"].Adopted)

	again, err := r.AdoptOrphans(configs)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRelease(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)
	_, err := r.Start(tunnelConfig("api"))
	require.NoError(t, err)

	_, released, err := r.Release(999)
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, r.IsRunning("api"))

	name, released, err := r.Release(1000)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, "api", name)
	assert.False(t, r.IsRunning("api"))
	assert.Empty(t, h.persisted(t))
}

func TestReleaseFollowsRename(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)
	_, err := r.Start(tunnelConfig("api"))
	require.NoError(t, err)
	require.NoError(t, r.Rename("api", "web"))

	name, ok := r.NameOf(1000)
	require.True(t, ok)
	assert.Equal(t, "web", name)

	name, released, err := r.Release(1000)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, "web", name)
	assert.False(t, r.IsRunning("web"))
	assert.Empty(t, r.List())
}

func TestPersistFailureKeepsDiskAndRetries(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)
	_, err := r.Start(tunnelConfig("a"))
	require.NoError(t, err)
	before, err := os.ReadFile(h.path)
	require.NoError(t, err)

	h.writeErr = errors.New("disk full")
	tunnel, err := r.Start(tunnelConfig("b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, tferrors.ErrPersist)
	assert.Equal(t, tferrors.KindSystem, tferrors.KindOf(err))
	require.NotNil(t, tunnel, "the process is running even though the write failed")
	assert.True(t, r.IsRunning("b"))
	assert.True(t, r.Dirty())

	after, err := os.ReadFile(h.path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	h.writeErr = nil
	require.NoError(t, r.Flush())
	assert.False(t, r.Dirty())
	assert.Contains(t, h.persisted(t), "b")
	assert.NoError(t, r.Flush())
}

func TestApiTunnelLifecycle(t *testing.T) {
	h := newHarness(t)
	r := h.open(t)

	cfg := config.TunnelConfig{Name: "api", Namespace: "default", Service: "svc/api", Ports: []string{"8080:80"}}
	tunnel, err := r.Start(cfg)
	require.NoError(t, err)
	pid := tunnel.Handle.PID
	assert.Positive(t, pid)

	h.detector.setAlive(pid, true)
	restarted := h.open(t)
	info, ok := restarted.Get("api")
	require.True(t, ok)
	assert.Equal(t, pid, info.PID)
	assert.True(t, cfg.Equal(info.Config))

	_, err = restarted.Stop("api")
	require.NoError(t, err)
	assert.Empty(t, restarted.List())

	data, err := os.ReadFile(h.path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"processes": {}}`, string(data))
}
