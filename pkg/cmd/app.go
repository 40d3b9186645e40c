package cmd

import (
	"fmt"

	"github.com/xlttj/tunfwd/pkg/command"
	"github.com/xlttj/tunfwd/pkg/config"
	"github.com/xlttj/tunfwd/pkg/detector"
	"github.com/xlttj/tunfwd/pkg/executor"
	"github.com/xlttj/tunfwd/pkg/forward"
	"github.com/xlttj/tunfwd/pkg/logging"
	"github.com/xlttj/tunfwd/pkg/netif"
	"github.com/xlttj/tunfwd/pkg/registry"

	"github.com/spf13/afero"
)

// globalOptions are the persistent root flags
type globalOptions struct {
	configDir  string
	configFile string
	logLevel   string
}

// app is the wired supervisor stack shared by all subcommands
type app struct {
	paths     config.Paths
	settings  config.Settings
	store     config.Store
	builder   *command.Builder
	forwarder *forward.Forwarder
}

// newApp loads settings, starts logging and opens the store and registry
func newApp(opts *globalOptions, fs afero.Fs) (*app, error) {
	paths, err := config.NewPaths(opts.configDir)
	if err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(paths.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory %s: %w", paths.Dir, err)
	}

	settings, err := config.LoadSettings(fs, paths.SettingsFile())
	if err != nil {
		return nil, err
	}
	level := settings.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	if err := logging.Init(paths.LogFile(), level); err != nil {
		return nil, err
	}

	store, err := openStore(opts, paths, settings, fs)
	if err != nil {
		return nil, err
	}

	exec := executor.New()
	builder := newBuilder(settings)
	reg, err := registry.Open(paths.StateFile(),
		registry.WithExecutor(exec),
		registry.WithDetector(newDetector(settings, exec)),
		registry.WithBuilder(builder),
		registry.WithInterfaces(netif.NewManager(exec)),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	logging.LogInfo("tunfwd started: config dir %s, %d tunnels configured, %d running", paths.Dir, store.Len(), len(reg.List()))
	return &app{
		paths:     paths,
		settings:  settings,
		store:     store,
		builder:   builder,
		forwarder: forward.New(store, reg),
	}, nil
}

func openStore(opts *globalOptions, paths config.Paths, settings config.Settings, fs afero.Fs) (config.Store, error) {
	if opts.configFile != "" {
		return config.NewFileStore(fs, opts.configFile)
	}
	if settings.Store == config.StoreSQLite {
		return config.NewSQLiteStore(paths.DatabaseFile())
	}
	return config.NewFileStore(fs, paths.TunnelsFile())
}

func newDetector(settings config.Settings, exec executor.Executor) detector.Detector {
	if settings.Detector == config.DetectorNative {
		return detector.NewNativeDetector()
	}
	return detector.NewPsDetector(exec)
}

func newBuilder(settings config.Settings) *command.Builder {
	kubectl := settings.KubectlPath
	if kubectl == "" {
		detected, err := command.DetectKubectlPath()
		if err != nil {
			logging.LogWarn("%v; falling back to kubectl on PATH", err)
			detected = "kubectl"
		}
		kubectl = detected
	}
	if effective := command.ResolveKubeconfig(settings.KubeconfigPath); effective != "" {
		logging.LogDebug("kubectl %s, kubeconfig %s", kubectl, effective)
	}
	return command.NewBuilder(kubectl, command.ExpandKubeconfig(settings.KubeconfigPath))
}

// watchPath returns the file to watch for config changes, or "" for stores
// that are not file backed
func (a *app) watchPath() string {
	if fs, ok := a.store.(*config.FileStore); ok {
		return fs.Path()
	}
	return ""
}

func (a *app) Close() error {
	a.forwarder.Close()
	err := a.store.Close()
	if flushErr := a.forwarder.Registry().Flush(); flushErr != nil {
		logging.LogError("Final registry flush failed: %v", flushErr)
	}
	_ = logging.Close()
	return err
}
