package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xlttj/tunfwd/pkg/command"
	"github.com/xlttj/tunfwd/pkg/config"
	"github.com/xlttj/tunfwd/pkg/detector"
	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/executor"
	"github.com/xlttj/tunfwd/pkg/logging"
	"github.com/xlttj/tunfwd/pkg/netif"

	"github.com/google/renameio/v2/maybe"
)

const defaultInterfaceTimeout = 30 * time.Second

// Registry maps tunnel names to the OS processes that carry them and keeps
// that map persisted in a state file. One Registry owns one state file.
//
// Per name: absent -> starting -> running -> absent. A name that is starting
// or running cannot be started again.
type Registry struct {
	mu       sync.Mutex
	path     string
	entries  map[string]*ProcessInfo
	starting map[string]bool
	// dirty is set when the last persist failed
	dirty bool

	exec             executor.Executor
	detector         detector.Detector
	builder          CommandBuilder
	interfaces       InterfaceEnsurer
	kill             KillFunc
	writeFile        WriteFileFunc
	interfaceTimeout time.Duration
	now              func() time.Time
}

// New returns an empty registry backed by statePath without reading it
func New(statePath string, opts ...Option) *Registry {
	r := &Registry{
		path:     statePath,
		entries:  make(map[string]*ProcessInfo),
		starting: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.exec == nil {
		r.exec = executor.New()
	}
	if r.detector == nil {
		r.detector = detector.NewPsDetector(r.exec)
	}
	if r.builder == nil {
		r.builder = command.NewBuilder("kubectl", "")
	}
	if r.interfaces == nil {
		r.interfaces = netif.NewManager(r.exec)
	}
	if r.kill == nil {
		r.kill = executor.Kill
	}
	if r.writeFile == nil {
		r.writeFile = maybe.WriteFile
	}
	if r.interfaceTimeout <= 0 {
		r.interfaceTimeout = defaultInterfaceTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Open constructs a registry and loads the persisted state, keeping only
// entries whose process is still alive
func Open(statePath string, opts ...Option) (*Registry, error) {
	r := New(statePath, opts...)
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the state file location
func (r *Registry) Path() string {
	return r.path
}

// Start spawns the tunnel described by cfg. The returned Tunnel's event
// stream must be drained. If only the persist step fails, the live Tunnel is
// returned together with an error wrapping errors.ErrPersist.
func (r *Registry) Start(cfg config.TunnelConfig) (*Tunnel, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := cfg.Name

	r.mu.Lock()
	if _, running := r.entries[name]; running || r.starting[name] {
		r.mu.Unlock()
		logging.LogDebug("Start: tunnel %s is already starting or running", name)
		return nil, tferrors.New(tferrors.KindProcess, "start", name, tferrors.ErrAlreadyRunning)
	}
	r.starting[name] = true
	r.mu.Unlock() // Unlock before the blocking build/interface/spawn sequence

	tunnel, info, err := r.launch(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.starting, name)
	if err != nil {
		logging.LogError("Start: tunnel %s failed: %v", name, err)
		return nil, err
	}

	r.entries[name] = info
	logging.LogInfo("Started tunnel %s (PID %d)", name, info.PID)
	if err := r.persistLocked(); err != nil {
		return tunnel, err
	}
	return tunnel, nil
}

// launch builds the command, prepares the bind address and spawns. It holds
// no lock and touches no registry state.
func (r *Registry) launch(cfg config.TunnelConfig) (*Tunnel, *ProcessInfo, error) {
	cmd, err := r.builder.Build(cfg)
	if err != nil {
		return nil, nil, withName(err, tferrors.KindInvalidInput, "start", cfg.Name)
	}

	if cfg.LocalInterface != "" && !netif.IsDefaultAddress(cfg.LocalInterface) {
		ctx, cancel := context.WithTimeout(context.Background(), r.interfaceTimeout)
		err := r.interfaces.EnsureInterfaceExists(ctx, cfg.LocalInterface)
		cancel()
		if err != nil {
			return nil, nil, withName(err, tferrors.KindSystem, "start", cfg.Name)
		}
	}

	logging.LogDebug("Start: %s: %s", cfg.Name, cmd.String())
	handle, events, err := r.exec.Spawn(cmd.Program, cmd.Args, cmd.Env)
	if err != nil {
		return nil, nil, withName(err, tferrors.KindProcess, "start", cfg.Name)
	}

	info := &ProcessInfo{PID: handle.PID, Config: cfg, StartedAt: r.now()}
	return &Tunnel{Name: cfg.Name, Handle: handle, Events: events}, info, nil
}

// Stop removes the entry, persists, then signals the process. A kill failure
// is returned but the entry stays removed.
func (r *Registry) Stop(name string) (int, error) {
	r.mu.Lock()
	info, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return 0, tferrors.New(tferrors.KindNotFound, "stop", name, tferrors.ErrNotRunning)
	}
	delete(r.entries, name)
	persistErr := r.persistLocked()
	r.mu.Unlock()

	var errs tferrors.MultiError
	errs.Add(persistErr)
	if err := r.kill(info.PID); err != nil {
		logging.LogError("Stop: failed to kill %s (PID %d): %v", name, info.PID, err)
		errs.Add(withName(err, tferrors.KindProcess, "stop", name))
	} else {
		logging.LogInfo("Stopped tunnel %s (PID %d)", name, info.PID)
	}
	return info.PID, errs.Err()
}

// Rename moves an entry to a new name and updates its embedded config
func (r *Registry) Rename(oldName, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return tferrors.Newf(tferrors.KindInvalidInput, "rename", oldName, "new name must not be empty")
	}
	if oldName == newName {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.entries[oldName]
	if !ok {
		return tferrors.New(tferrors.KindNotFound, "rename", oldName, tferrors.ErrNotRunning)
	}
	if _, taken := r.entries[newName]; taken || r.starting[newName] {
		return tferrors.Newf(tferrors.KindInvalidInput, "rename", oldName, "name %q is already in use", newName)
	}

	delete(r.entries, oldName)
	info.Config.Name = newName
	r.entries[newName] = info
	logging.LogInfo("Renamed tunnel %s to %s (PID %d)", oldName, newName, info.PID)
	return r.persistLocked()
}

// CleanupAll drains the registry, persists an empty map and returns every
// pid for the caller to kill
func (r *Registry) CleanupAll() ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := sortedNames(r.entries)
	pids := make([]int, 0, len(names))
	for _, name := range names {
		pids = append(pids, r.entries[name].PID)
	}
	r.entries = make(map[string]*ProcessInfo)
	logging.LogDebug("CleanupAll: drained %d entries", len(pids))
	return pids, r.persistLocked()
}

// Verify probes every entry, prunes the dead and reports all of them. Probe
// failures keep the entry and are aggregated into the returned error.
func (r *Registry) Verify() ([]Status, error) {
	snapshot := r.List()

	statuses := make([]Status, 0, len(snapshot))
	var probeErrs tferrors.MultiError
	for _, info := range snapshot {
		alive, err := r.detector.IsAlive(info.PID)
		st := Status{Name: info.Config.Name, PID: info.PID, Alive: alive}
		if err != nil {
			st.Err = err
			probeErrs.Add(withName(err, tferrors.KindSystem, "verify", info.Config.Name))
		}
		statuses = append(statuses, st)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for _, st := range statuses {
		if st.Alive || st.Err != nil {
			continue
		}
		// The entry may have been replaced while probing
		if cur, ok := r.entries[st.Name]; ok && cur.PID == st.PID {
			delete(r.entries, st.Name)
			pruned++
			logging.LogInfo("Verify: pruned dead tunnel %s (PID %d)", st.Name, st.PID)
		}
	}
	if pruned > 0 || r.dirty {
		probeErrs.Add(r.persistLocked())
	}
	return statuses, probeErrs.Err()
}

// DetectOrphans returns, for every config without a registry entry, the
// matching unmanaged process found by the Detector
func (r *Registry) DetectOrphans(configs []config.TunnelConfig) ([]Orphan, error) {
	r.mu.Lock()
	claimed := make(map[int]bool, len(r.entries))
	candidates := make([]config.TunnelConfig, 0, len(configs))
	for _, info := range r.entries {
		claimed[info.PID] = true
	}
	for _, cfg := range configs {
		cfg = cfg.Normalized()
		if _, ok := r.entries[cfg.Name]; ok || r.starting[cfg.Name] {
			continue
		}
		candidates = append(candidates, cfg)
	}
	r.mu.Unlock()

	var orphans []Orphan
	var errs tferrors.MultiError
	for _, cfg := range candidates {
		pid, found, err := r.detector.FindPID(cfg)
		if err != nil {
			errs.Add(withName(err, tferrors.KindSystem, "detect", cfg.Name))
			continue
		}
		if !found || claimed[pid] {
			continue
		}
		claimed[pid] = true
		logging.LogDebug("Found orphaned process for %s (PID %d)", cfg.Name, pid)
		orphans = append(orphans, Orphan{Config: cfg, PID: pid})
	}
	return orphans, errs.Err()
}

// AdoptOrphans binds every detected orphan into the registry
func (r *Registry) AdoptOrphans(configs []config.TunnelConfig) ([]Orphan, error) {
	orphans, detectErr := r.DetectOrphans(configs)

	r.mu.Lock()
	defer r.mu.Unlock()

	claimed := make(map[int]bool, len(r.entries))
	for _, info := range r.entries {
		claimed[info.PID] = true
	}

	var adopted []Orphan
	for _, o := range orphans {
		if _, ok := r.entries[o.Config.Name]; ok || r.starting[o.Config.Name] || claimed[o.PID] {
			continue
		}
		r.entries[o.Config.Name] = &ProcessInfo{PID: o.PID, Config: o.Config, StartedAt: r.now(), Adopted: true}
		claimed[o.PID] = true
		adopted = append(adopted, o)
		logging.LogInfo("Adopted orphaned tunnel %s (PID %d)", o.Config.Name, o.PID)
	}

	var errs tferrors.MultiError
	if detectErr != nil {
		errs.Add(detectErr)
	}
	if len(adopted) > 0 {
		errs.Add(r.persistLocked())
	}
	return adopted, errs.Err()
}

// Release drops the entry holding pid after its spawned process terminated
// and returns the name it was registered under at that moment. Entries are
// matched by pid so a tunnel renamed while running is still released.
func (r *Registry) Release(pid int) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.nameOfLocked(pid)
	if !ok {
		return "", false, nil
	}
	delete(r.entries, name)
	logging.LogInfo("Released terminated tunnel %s (PID %d)", name, pid)
	return name, true, r.persistLocked()
}

// NameOf returns the name pid is currently registered under
func (r *Registry) NameOf(pid int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nameOfLocked(pid)
}

func (r *Registry) nameOfLocked(pid int) (string, bool) {
	for name, info := range r.entries {
		if info.PID == pid {
			return name, true
		}
	}
	return "", false
}

// List returns copies of all entries sorted by name
func (r *Registry) List() []ProcessInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]ProcessInfo, 0, len(r.entries))
	for _, name := range sortedNames(r.entries) {
		info := *r.entries[name]
		info.Config = info.Config.Normalized()
		list = append(list, info)
	}
	return list
}

// Get returns a copy of name's entry
func (r *Registry) Get(name string) (ProcessInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.entries[name]
	if !ok {
		return ProcessInfo{}, false
	}
	cp := *info
	cp.Config = cp.Config.Normalized()
	return cp, true
}

// IsRunning reports whether name has an entry
func (r *Registry) IsRunning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

// Dirty reports whether the in-memory state is ahead of the state file
func (r *Registry) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// Flush retries a failed persist
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}
	return r.persistLocked()
}

func sortedNames(entries map[string]*ProcessInfo) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// withName tags err with the tunnel name, wrapping foreign errors with kind
func withName(err error, kind tferrors.Kind, op, name string) error {
	var e *tferrors.Error
	if errors.As(err, &e) {
		if e.Name == "" {
			e.Name = name
		}
		return err
	}
	return tferrors.New(kind, op, name, err)
}
