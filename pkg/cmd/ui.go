package cmd

import (
	"context"
	"fmt"

	"github.com/xlttj/tunfwd/pkg/config"
	"github.com/xlttj/tunfwd/pkg/logging"
	"github.com/xlttj/tunfwd/pkg/ui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newUICmd(opts *globalOptions, fs afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "ui",
		Short: "Open the interactive tunnel table",
		Long: `Open the interactive tunnel table. Every tunnel still running when the
table is closed is stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUI(opts, fs)
		},
	}
}

func runUI(opts *globalOptions, fs afero.Fs) error {
	a, err := newApp(opts, fs)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watch <-chan config.WatchEvent
	if path := a.watchPath(); path != "" {
		events, stop, err := config.Watch(ctx, path, config.DefaultDebounce)
		if err != nil {
			logging.LogWarn("Config file watching disabled: %v", err)
		} else {
			watch = events
			defer func() {
				if err := stop(); err != nil {
					logging.LogDebug("Config watch stopped: %v", err)
				}
			}()
		}
	}

	model := ui.NewModel(a.forwarder, watch)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, runErr := p.Run()

	if err := model.Cleanup(); err != nil {
		logging.LogError("Cleanup after UI exit: %v", err)
		if runErr == nil {
			return fmt.Errorf("failed to stop all tunnels: %w", err)
		}
	}
	return runErr
}
