package ui

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xlttj/tunfwd/pkg/command"
	"github.com/xlttj/tunfwd/pkg/config"
	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/executor"
	"github.com/xlttj/tunfwd/pkg/executor/executortest"
	"github.com/xlttj/tunfwd/pkg/forward"
	"github.com/xlttj/tunfwd/pkg/registry"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type aliveDetector struct{ alive bool }

func (d aliveDetector) IsAlive(int) (bool, error)                        { return d.alive, nil }
func (d aliveDetector) MatchesRunning(config.TunnelConfig) (bool, error) { return false, nil }
func (d aliveDetector) FindPID(config.TunnelConfig) (int, bool, error)   { return 0, false, nil }

type noInterfaces struct{}

func (noInterfaces) EnsureInterfaceExists(context.Context, string) error { return nil }

func newTestModel(t *testing.T, detector registry.Option) (*Model, *executortest.Fake) {
	store, err := config.NewFileStore(afero.NewMemMapFs(), "/cfg/tunnels.yaml")
	require.NoError(t, err)
	require.NoError(t, store.Add(config.TunnelConfig{Name: "api", Context: "prod", Namespace: "default", Service: "svc/api", Ports: []string{"8080:80"}}))
	require.NoError(t, store.Add(config.TunnelConfig{Name: "db", Service: "ops@bastion", Ports: []string{"5432"}, Backend: config.BackendSSH}))

	fake := executortest.New(700)
	reg, err := registry.Open(filepath.Join(t.TempDir(), "process-state.json"),
		registry.WithExecutor(fake),
		detector,
		registry.WithBuilder(command.NewBuilder("kubectl", "")),
		registry.WithInterfaces(noInterfaces{}),
		registry.WithKill(func(int) error { return nil }),
	)
	require.NoError(t, err)

	fwd := forward.New(store, reg, forward.WithKill(func(int) error { return nil }), forward.WithPrivilegeCheck(func() bool { return true }))
	t.Cleanup(fwd.Close)

	m := NewModel(fwd, nil)
	// Flat rows keep cursor positions simple
	m.Update(keyMsg(ShortcutGroup))
	require.False(t, m.groupingEnabled)
	return m, fake
}

func keyMsg(s string) tea.KeyMsg {
	if s == " " {
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// run executes cmd and feeds its message back into the model
func run(t *testing.T, m *Model, cmd tea.Cmd) {
	t.Helper()
	require.NotNil(t, cmd)
	m.Update(cmd())
}

func TestRowsAndGrouping(t *testing.T) {
	m, _ := newTestModel(t, registry.WithDetector(aliveDetector{alive: true}))

	require.Len(t, m.tableRows, 2)
	assert.Equal(t, "api", m.tableRows[0].Name)
	assert.Equal(t, StatusStopped, m.tableRows[0].Data[6])
	assert.Equal(t, "127.0.0.1", m.tableRows[1].Data[5])

	m.Update(keyMsg(ShortcutGroup))
	require.True(t, m.groupingEnabled)
	require.Len(t, m.tableRows, 4)
	assert.Equal(t, RowTypeGroup, m.tableRows[0].Type)
	assert.Equal(t, "(ssh)", m.tableRows[0].GroupName)
	assert.Equal(t, "prod", m.tableRows[2].GroupName)

	// Collapse the first group
	m.Update(keyMsg(" "))
	assert.Len(t, m.tableRows, 3)
}

func TestToggleStartsAndStops(t *testing.T) {
	m, fake := newTestModel(t, registry.WithDetector(aliveDetector{alive: true}))

	_, cmd := m.Update(keyMsg(" "))
	assert.True(t, m.starting["api"])
	run(t, m, cmd)

	assert.False(t, m.starting["api"])
	assert.Empty(t, m.errorMsg)
	assert.Equal(t, "Started api (PID 700)", m.statusMsg)
	assert.Equal(t, StatusRunning+" 700", m.tableRows[0].Data[6])
	require.Len(t, fake.Spawned(), 1)

	m.Update(keyMsg(" "))
	assert.Equal(t, "Stopped api (PID 700)", m.statusMsg)
	assert.Equal(t, StatusStopped, m.tableRows[0].Data[6])
}

func TestTunnelFailureShowsDiagnosis(t *testing.T) {
	m, fake := newTestModel(t, registry.WithDetector(aliveDetector{alive: true}))
	_, cmd := m.Update(keyMsg(" "))
	run(t, m, cmd)

	require.NoError(t, fake.Emit(700, executor.Event{Kind: executor.EventStderr, Line: "error: You must be logged in to the server (Unauthorized)"}))
	require.NoError(t, fake.Terminate(700, 1))

	wait := m.waitForTunnelEvent()
	m.Update(wait())
	m.Update(wait())

	assert.Contains(t, m.errorMsg, "authentication failed")
	assert.Contains(t, m.errorMsg, "hint:")
	assert.Equal(t, StatusFailed, m.tableRows[0].Data[6])
	assert.Len(t, m.output["api"], 2)
	assert.Contains(t, m.View(), "last failure")
}

func TestStartErrorShowsHint(t *testing.T) {
	m, fake := newTestModel(t, registry.WithDetector(aliveDetector{alive: true}))
	fake.SpawnErr = tferrors.New(tferrors.KindProcess, "spawn", "", assert.AnError).WithHint("Install kubectl")

	_, cmd := m.Update(keyMsg(" "))
	run(t, m, cmd)

	assert.Contains(t, m.errorMsg, "Error starting api")
	assert.Contains(t, m.errorMsg, "hint: Install kubectl")
	assert.Equal(t, StatusFailed, m.tableRows[0].Data[6])
}

func TestRenamePrompt(t *testing.T) {
	m, _ := newTestModel(t, registry.WithDetector(aliveDetector{alive: true}))
	_, cmd := m.Update(keyMsg(" "))
	run(t, m, cmd)

	m.Update(keyMsg(ShortcutRename))
	require.True(t, m.renameMode)
	assert.Equal(t, "api", m.renameInput.Value())

	m.renameInput.SetValue("gateway")
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})

	assert.False(t, m.renameMode)
	assert.Equal(t, "Renamed api to gateway", m.statusMsg)
	assert.True(t, m.forwarder.IsRunning("gateway"))
	_, ok := m.forwarder.Store().Get("gateway")
	assert.True(t, ok)
}

func TestFilter(t *testing.T) {
	m, _ := newTestModel(t, registry.WithDetector(aliveDetector{alive: true}))

	m.Update(keyMsg(ShortcutFilter))
	require.True(t, m.filterMode)
	m.Update(keyMsg("bastion"))
	require.Len(t, m.tableRows, 1)
	assert.Equal(t, "db", m.tableRows[0].Name)

	m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.False(t, m.filterMode)
	assert.Len(t, m.tableRows, 2)
}

func TestVerifyReportsDeadTunnels(t *testing.T) {
	m, _ := newTestModel(t, registry.WithDetector(aliveDetector{alive: false}))
	_, cmd := m.Update(keyMsg(" "))
	run(t, m, cmd)
	require.True(t, m.forwarder.IsRunning("api"))

	_, cmd = m.Update(keyMsg(ShortcutVerify))
	require.NotNil(t, cmd)
	msg := cmd()
	_, next := m.Update(msg)

	assert.Nil(t, next, "manual verify does not schedule a tick")
	assert.Contains(t, m.errorMsg, "no longer running: api")
	assert.False(t, m.forwarder.IsRunning("api"))
}

func TestReloadSummary(t *testing.T) {
	assert.Equal(t, "Config reloaded: no changes needed", formatReloadSummary(&forward.ReloadResult{}))
	assert.Equal(t, "Config reloaded: 1 stopped, 1 updated, 2 added",
		formatReloadSummary(&forward.ReloadResult{Stopped: []string{"a"}, Updated: []string{"a"}, Added: []string{"b", "c"}}))
	assert.Contains(t, formatReloadSummary(&forward.ReloadResult{Errors: map[string]error{"a": assert.AnError}}), "Reload errors: a:")
}

func TestQuit(t *testing.T) {
	m, _ := newTestModel(t, registry.WithDetector(aliveDetector{alive: true}))
	_, cmd := m.Update(keyMsg("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
