package registry

import (
	"context"
	"os"
	"time"

	"github.com/xlttj/tunfwd/pkg/command"
	"github.com/xlttj/tunfwd/pkg/config"
	"github.com/xlttj/tunfwd/pkg/detector"
	"github.com/xlttj/tunfwd/pkg/executor"
)

// ProcessInfo is the registry's record of a running tunnel
type ProcessInfo struct {
	PID       int
	Config    config.TunnelConfig
	StartedAt time.Time
	// Adopted is true when the pid was bound from an orphan rather than spawned
	Adopted bool
}

// Tunnel is returned by Start. Events must be drained until it is closed.
type Tunnel struct {
	Name   string
	Handle *executor.Handle
	Events <-chan executor.Event
}

// Status is one row of a Verify result
type Status struct {
	Name  string
	PID   int
	Alive bool
	// Err is set when the liveness probe failed; the entry is kept
	Err error
}

// Orphan is an unmanaged process that matches a configured tunnel
type Orphan struct {
	Config config.TunnelConfig
	PID    int
}

// CommandBuilder turns a tunnel config into an external command
type CommandBuilder interface {
	Build(cfg config.TunnelConfig) (command.Command, error)
}

// InterfaceEnsurer creates loopback aliases for non-default bind addresses
type InterfaceEnsurer interface {
	EnsureInterfaceExists(ctx context.Context, address string) error
}

// KillFunc sends a termination signal to pid
type KillFunc func(pid int) error

// WriteFileFunc writes a file atomically
type WriteFileFunc func(path string, data []byte, perm os.FileMode) error

// Option configures a Registry
type Option func(*Registry)

// WithExecutor sets the Executor used to spawn tunnels
func WithExecutor(exec executor.Executor) Option {
	return func(r *Registry) { r.exec = exec }
}

// WithDetector sets the Detector used for liveness and orphan queries
func WithDetector(d detector.Detector) Option {
	return func(r *Registry) { r.detector = d }
}

// WithBuilder sets the CommandBuilder
func WithBuilder(b CommandBuilder) Option {
	return func(r *Registry) { r.builder = b }
}

// WithInterfaces sets the InterfaceEnsurer
func WithInterfaces(i InterfaceEnsurer) Option {
	return func(r *Registry) { r.interfaces = i }
}

// WithKill sets the function used to signal processes on Stop
func WithKill(kill KillFunc) Option {
	return func(r *Registry) { r.kill = kill }
}

// WithWriteFile replaces the atomic file writer used to persist state
func WithWriteFile(write WriteFileFunc) Option {
	return func(r *Registry) { r.writeFile = write }
}

// WithInterfaceTimeout bounds interface alias creation during Start
func WithInterfaceTimeout(d time.Duration) Option {
	return func(r *Registry) { r.interfaceTimeout = d }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}
