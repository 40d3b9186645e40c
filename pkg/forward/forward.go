// Package forward is the supervisor facade the front ends talk to. It joins
// the tunnel config store with the process registry and fans the output of
// every running tunnel into a single event channel.
package forward

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xlttj/tunfwd/pkg/command"
	"github.com/xlttj/tunfwd/pkg/config"
	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/executor"
	"github.com/xlttj/tunfwd/pkg/logging"
	"github.com/xlttj/tunfwd/pkg/registry"
)

// EventBufferSize is the capacity of the channel returned by Events
const EventBufferSize = 100

// stderrTail is how many stderr lines are kept for diagnosing a failed exit
const stderrTail = 20

// TunnelEvent is one executor event tagged with the tunnel it came from.
// Diagnosis is set when a tunnel exited on its own with a non-zero code.
type TunnelEvent struct {
	Name      string
	PID       int
	Event     executor.Event
	Diagnosis *tferrors.Error
}

// Forwarder starts and stops tunnels by name
type Forwarder struct {
	store    config.Store
	registry *registry.Registry

	kill          registry.KillFunc
	canPrivileged func() bool

	events    chan TunnelEvent
	done      chan struct{}
	closeOnce sync.Once
	pumps     sync.WaitGroup
}

// Option configures a Forwarder
type Option func(*Forwarder)

// WithKill sets the function CleanupAll uses to signal drained pids
func WithKill(kill registry.KillFunc) Option {
	return func(f *Forwarder) { f.kill = kill }
}

// WithPrivilegeCheck replaces the "may bind ports below 1024" check
func WithPrivilegeCheck(check func() bool) Option {
	return func(f *Forwarder) { f.canPrivileged = check }
}

// New returns a Forwarder over store and reg
func New(store config.Store, reg *registry.Registry, opts ...Option) *Forwarder {
	f := &Forwarder{
		store:         store,
		registry:      reg,
		kill:          executor.Kill,
		canPrivileged: command.CanBindPrivileged,
		events:        make(chan TunnelEvent, EventBufferSize),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Events returns the merged output of all tunnels started by this Forwarder.
// The consumer must keep draining it.
func (f *Forwarder) Events() <-chan TunnelEvent {
	return f.events
}

// Store returns the config store
func (f *Forwarder) Store() config.Store {
	return f.store
}

// Registry returns the process registry
func (f *Forwarder) Registry() *registry.Registry {
	return f.registry
}

// Start starts the configured tunnel called name
func (f *Forwarder) Start(name string) (int, error) {
	cfg, ok := f.store.Get(name)
	if !ok {
		return 0, tferrors.New(tferrors.KindNotFound, "start", name, config.ErrConfigNotFound)
	}
	return f.StartConfig(cfg)
}

// StartConfig starts cfg and returns the spawned pid. If the process is
// running but its registry entry could not be persisted, the pid is returned
// along with the error.
func (f *Forwarder) StartConfig(cfg config.TunnelConfig) (int, error) {
	if ports := command.PrivilegedPorts(cfg); len(ports) > 0 && !f.canPrivileged() {
		return 0, tferrors.New(tferrors.KindInvalidInput, "start", cfg.Name,
			fmt.Errorf("%w %v requires root", tferrors.ErrPrivilegedPort, ports)).
			WithHint("Use a local port of 1024 or above, or run tunfwd with sudo")
	}

	tunnel, err := f.registry.Start(cfg)
	if tunnel == nil {
		return 0, err
	}

	f.pumps.Add(1)
	go f.pump(tunnel, cfg.Normalized().Backend)
	return tunnel.Handle.PID, err
}

// pump forwards one tunnel's events until its stream closes
func (f *Forwarder) pump(tunnel *registry.Tunnel, backend config.Backend) {
	defer f.pumps.Done()
	pid := tunnel.Handle.PID

	var tail []string
	name := tunnel.Name
	for ev := range tunnel.Events {
		// Follow renames made while the tunnel runs
		if current, ok := f.registry.NameOf(pid); ok {
			name = current
		}
		te := TunnelEvent{Name: name, PID: pid, Event: ev}

		switch ev.Kind {
		case executor.EventStderr:
			tail = append(tail, ev.Line)
			if len(tail) > stderrTail {
				tail = tail[1:]
			}
		case executor.EventTerminated:
			released, ok, err := f.registry.Release(pid)
			if err != nil {
				logging.LogError("Failed to release %s after exit: %v", name, err)
			}
			if ok {
				name = released
				te.Name = name
			}
			// Tunnels removed by Stop were killed on purpose
			if ok && ev.ExitCode != 0 {
				te.Diagnosis = tferrors.DiagnoseBackend(string(backend), name, strings.Join(tail, "\n"))
				logging.WithTunnel(name).WithField("pid", pid).
					Warnf("Tunnel exited with code %d: %v", ev.ExitCode, te.Diagnosis)
			}
		}

		f.deliver(te)
	}
	logging.LogDebug("Event pump for %s (PID %d) finished", name, pid)
}

func (f *Forwarder) deliver(te TunnelEvent) {
	select {
	case <-f.done:
		return
	default:
	}
	select {
	case f.events <- te:
	case <-f.done:
	}
}

// Stop stops a running tunnel and returns its pid
func (f *Forwarder) Stop(name string) (int, error) {
	return f.registry.Stop(name)
}

// Running lists running tunnels sorted by name
func (f *Forwarder) Running() []registry.ProcessInfo {
	return f.registry.List()
}

// IsRunning reports whether name has a registry entry
func (f *Forwarder) IsRunning(name string) bool {
	return f.registry.IsRunning(name)
}

// Verify re-probes every running tunnel and prunes the dead
func (f *Forwarder) Verify() ([]registry.Status, error) {
	return f.registry.Verify()
}

// DetectOrphans reports unmanaged processes matching configured tunnels
func (f *Forwarder) DetectOrphans() ([]registry.Orphan, error) {
	return f.registry.DetectOrphans(f.store.GetAll())
}

// AdoptOrphans binds unmanaged processes matching configured tunnels
func (f *Forwarder) AdoptOrphans() ([]registry.Orphan, error) {
	return f.registry.AdoptOrphans(f.store.GetAll())
}

// Rename renames a configured tunnel and, when it is running, its registry entry
func (f *Forwarder) Rename(oldName, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return tferrors.Newf(tferrors.KindInvalidInput, "rename", oldName, "new name must not be empty")
	}
	if err := f.store.Rename(oldName, newName); err != nil {
		return storeError("rename", oldName, err)
	}
	if !f.registry.IsRunning(oldName) {
		return nil
	}
	if err := f.registry.Rename(oldName, newName); err != nil {
		// The entry was renamed in memory; only the state file write failed
		if errors.Is(err, tferrors.ErrPersist) {
			return err
		}
		if rbErr := f.store.Rename(newName, oldName); rbErr != nil {
			logging.LogError("Rename: failed to restore config name %s: %v", oldName, rbErr)
		}
		return err
	}
	return nil
}

// CleanupAll drains the registry and kills every tunnel. Kill failures are
// aggregated; the registry is empty either way.
func (f *Forwarder) CleanupAll() ([]int, error) {
	pids, err := f.registry.CleanupAll()

	var errs tferrors.MultiError
	errs.Add(err)
	for _, pid := range pids {
		if killErr := f.kill(pid); killErr != nil {
			logging.LogError("CleanupAll: failed to kill PID %d: %v", pid, killErr)
			errs.Add(tferrors.New(tferrors.KindProcess, "cleanup", "", fmt.Errorf("pid %d: %w", pid, killErr)))
		}
	}
	logging.LogInfo("CleanupAll stopped %d tunnels", len(pids))
	return pids, errs.Err()
}

// ReloadResult describes what a config reload changed
type ReloadResult struct {
	Stopped []string         // running tunnels stopped because their config changed or vanished
	Updated []string         // configs whose parameters changed
	Added   []string         // new configs, not started
	Removed []string         // configs that disappeared
	Errors  map[string]error // stop failures by name
}

// Reload re-reads the store and applies ReloadSync
func (f *Forwarder) Reload() (*ReloadResult, error) {
	previous, err := f.store.Reload()
	if err != nil {
		return nil, err
	}
	return f.ReloadSync(previous, f.store.GetAll()), nil
}

// ReloadSync stops running tunnels whose definition changed or was removed.
// Nothing is started; runtime state stays under the user's control.
func (f *Forwarder) ReloadSync(oldConfigs, newConfigs []config.TunnelConfig) *ReloadResult {
	result := &ReloadResult{Errors: make(map[string]error)}

	oldByName := make(map[string]config.TunnelConfig, len(oldConfigs))
	for _, cfg := range oldConfigs {
		oldByName[cfg.Name] = cfg
	}
	newByName := make(map[string]config.TunnelConfig, len(newConfigs))
	for _, cfg := range newConfigs {
		newByName[cfg.Name] = cfg
		old, existed := oldByName[cfg.Name]
		switch {
		case !existed:
			result.Added = append(result.Added, cfg.Name)
		case !old.Equal(cfg):
			result.Updated = append(result.Updated, cfg.Name)
		}
	}
	for _, cfg := range oldConfigs {
		if _, ok := newByName[cfg.Name]; !ok {
			result.Removed = append(result.Removed, cfg.Name)
		}
	}

	for _, info := range f.registry.List() {
		name := info.Config.Name
		cfg, ok := newByName[name]
		if ok && cfg.Equal(info.Config) {
			continue
		}
		logging.LogDebug("ReloadSync: definition of running tunnel %s changed or was removed, stopping", name)
		if _, err := f.registry.Stop(name); err != nil && !errors.Is(err, tferrors.ErrNotRunning) {
			result.Errors[name] = err
			continue
		}
		result.Stopped = append(result.Stopped, name)
	}

	logging.LogDebug("ReloadSync: stopped %d, updated %d, added %d, removed %d, errors %d",
		len(result.Stopped), len(result.Updated), len(result.Added), len(result.Removed), len(result.Errors))
	return result
}

// Close stops event delivery. Tunnels keep running; call CleanupAll first to
// stop them.
func (f *Forwarder) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// Wait blocks until every event pump has seen its tunnel terminate
func (f *Forwarder) Wait() {
	f.pumps.Wait()
}

func storeError(op, name string, err error) error {
	switch {
	case errors.Is(err, config.ErrConfigNotFound):
		return tferrors.New(tferrors.KindNotFound, op, name, err)
	case errors.Is(err, config.ErrDuplicateName):
		return tferrors.New(tferrors.KindInvalidInput, op, name, err)
	}
	return err
}
