package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/xlttj/tunfwd/pkg/config"
	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/executor"
	"github.com/xlttj/tunfwd/pkg/forward"
	"github.com/xlttj/tunfwd/pkg/logging"
	"github.com/xlttj/tunfwd/pkg/registry"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// withApp opens the app for the duration of fn
func withApp(opts *globalOptions, fs afero.Fs, fn func(a *app) error) error {
	a, err := newApp(opts, fs)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newListCmd(opts *globalOptions, fs afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured tunnels and their state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, fs, func(a *app) error {
				return printTunnels(cmd.OutOrStdout(), a)
			})
		},
	}
}

func printTunnels(out io.Writer, a *app) error {
	w := tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
	fmt.Fprintf(w, "NAME\tTYPE\tCONTEXT\tNAMESPACE\tSERVICE\tPORTS\tBIND\tSTATUS\n")

	seen := make(map[string]bool)
	for _, cfg := range a.store.GetAll() {
		seen[cfg.Name] = true
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			cfg.Name, cfg.Backend, dash(cfg.Context), dash(cfg.Namespace), cfg.Service,
			strings.Join(cfg.Ports, ","), cfg.BindIP(), status(a, cfg.Name))
	}
	// Running tunnels whose config was deleted or renamed elsewhere
	for _, info := range a.forwarder.Running() {
		if seen[info.Config.Name] {
			continue
		}
		cfg := info.Config
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s (unconfigured)\n",
			cfg.Name, cfg.Backend, dash(cfg.Context), dash(cfg.Namespace), cfg.Service,
			strings.Join(cfg.Ports, ","), cfg.BindIP(), status(a, cfg.Name))
	}
	return w.Flush()
}

func status(a *app, name string) string {
	info, ok := a.forwarder.Registry().Get(name)
	if !ok {
		return "stopped"
	}
	if info.Adopted {
		return fmt.Sprintf("running (pid %d, adopted)", info.PID)
	}
	return fmt.Sprintf("running (pid %d)", info.PID)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newStartCmd(opts *globalOptions, fs afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "start NAME...",
		Short: "Start tunnels in the foreground",
		Long: `Start the named tunnels and stream their output. The tunnels are stopped
when tunfwd receives an interrupt, or when all of them have exited.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, fs, func(a *app) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runForeground(ctx, cmd.OutOrStdout(), a.forwarder, args)
			})
		},
	}
}

// runForeground starts names, prints their events and stops them when ctx
// is done or every tunnel has terminated
func runForeground(ctx context.Context, out io.Writer, fwd *forward.Forwarder, names []string) error {
	var errs tferrors.MultiError
	live := make(map[int]string)
	for _, name := range names {
		pid, err := fwd.Start(name)
		if err != nil {
			errs.Add(err)
			if pid == 0 {
				continue
			}
		}
		live[pid] = name
		fmt.Fprintf(out, "started %s (pid %d)\n", name, pid)
	}
	if len(live) == 0 {
		return errs.Err()
	}

	for len(live) > 0 {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "stopping tunnels...")
			for _, name := range sortedValues(live) {
				if _, err := fwd.Stop(name); err != nil && !tferrors.IsKind(err, tferrors.KindNotFound) {
					errs.Add(err)
				}
			}
			return errs.Err()
		case ev := <-fwd.Events():
			if _, ok := live[ev.PID]; !ok {
				continue
			}
			printEvent(out, ev)
			if ev.Event.Kind == executor.EventTerminated {
				delete(live, ev.PID)
				if ev.Diagnosis != nil {
					errs.Add(ev.Diagnosis)
				}
			}
		}
	}
	return errs.Err()
}

func printEvent(out io.Writer, ev forward.TunnelEvent) {
	switch ev.Event.Kind {
	case executor.EventStdout:
		fmt.Fprintf(out, "[%s] %s\n", ev.Name, ev.Event.Line)
	case executor.EventStderr:
		fmt.Fprintf(out, "[%s] stderr: %s\n", ev.Name, ev.Event.Line)
	case executor.EventError:
		fmt.Fprintf(out, "[%s] output error: %v\n", ev.Name, ev.Event.Err)
	case executor.EventTerminated:
		fmt.Fprintf(out, "[%s] exited with code %d\n", ev.Name, ev.Event.ExitCode)
		if ev.Diagnosis != nil {
			if hint := ev.Diagnosis.Hint; hint != "" {
				fmt.Fprintf(out, "[%s] %v\n[%s] hint: %s\n", ev.Name, ev.Diagnosis.Err, ev.Name, hint)
			} else {
				fmt.Fprintf(out, "[%s] %v\n", ev.Name, ev.Diagnosis.Err)
			}
		}
	}
}

func newStopCmd(opts *globalOptions, fs afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "stop NAME...",
		Short: "Stop running tunnels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, fs, func(a *app) error {
				var errs tferrors.MultiError
				for _, name := range args {
					pid, err := a.forwarder.Stop(name)
					if err != nil {
						errs.Add(err)
					}
					if pid > 0 {
						fmt.Fprintf(cmd.OutOrStdout(), "stopped %s (pid %d)\n", name, pid)
					}
				}
				return errs.Err()
			})
		},
	}
}

func newVerifyCmd(opts *globalOptions, fs afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:     "verify",
		Aliases: []string{"prune"},
		Short:   "Re-check running tunnels and forget the dead ones",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, fs, func(a *app) error {
				statuses, err := a.forwarder.Verify()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 1, 1, 2, ' ', 0)
				fmt.Fprintf(w, "NAME\tPID\tALIVE\n")
				for _, st := range statuses {
					alive := fmt.Sprintf("%t", st.Alive)
					if st.Err != nil {
						alive = "unknown"
					}
					fmt.Fprintf(w, "%s\t%d\t%s\n", st.Name, st.PID, alive)
				}
				if flushErr := w.Flush(); flushErr != nil {
					return flushErr
				}
				if len(statuses) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no running tunnels")
				}
				return err
			})
		},
	}
}

func newOrphansCmd(opts *globalOptions, fs afero.Fs) *cobra.Command {
	var adopt bool
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Find tunnel processes running outside tunfwd",
		Long: `Scan the process table for kubectl and ssh processes that match a
configured tunnel but are not tracked. With --adopt they are recorded as
running so tunfwd can stop them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, fs, func(a *app) error {
				find := a.forwarder.DetectOrphans
				verb := "found"
				if adopt {
					find = a.forwarder.AdoptOrphans
					verb = "adopted"
				}
				orphans, err := find()
				for _, o := range orphans {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s (pid %d)\n", verb, o.Config.Name, o.PID)
				}
				if len(orphans) == 0 && err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "no orphaned tunnels")
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&adopt, "adopt", false, "record the found processes as running tunnels")
	return cmd
}

func newRenameCmd(opts *globalOptions, fs afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "rename OLD NEW",
		Short: "Rename a tunnel, running or not",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, fs, func(a *app) error {
				if err := a.forwarder.Rename(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newCleanupCmd(opts *globalOptions, fs afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Stop every running tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, fs, func(a *app) error {
				pids, err := a.forwarder.CleanupAll()
				if len(pids) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no running tunnels")
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "stopped %d tunnel(s): pids %s\n", len(pids), joinInts(pids))
				}
				if err != nil {
					logging.LogError("cleanup: %v", err)
				}
				return err
			})
		},
	}
}

func newShowCmd(opts *globalOptions, fs afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print the command line a tunnel runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, fs, func(a *app) error {
				cfg, ok := a.store.Get(args[0])
				if !ok {
					return tferrors.New(tferrors.KindNotFound, "show", args[0], config.ErrConfigNotFound)
				}
				line, err := describeCommand(a.builder, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
				return nil
			})
		},
	}
}

// describeCommand renders the command line cfg would run, shell-quoted
func describeCommand(b registry.CommandBuilder, cfg config.TunnelConfig) (string, error) {
	built, err := b.Build(cfg.Normalized())
	if err != nil {
		return "", err
	}
	return built.String(), nil
}

func sortedValues(m map[int]string) []string {
	values := make([]string, 0, len(m))
	for _, v := range m {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

func joinInts(ints []int) string {
	parts := make([]string, 0, len(ints))
	for _, i := range ints {
		parts = append(parts, fmt.Sprintf("%d", i))
	}
	return strings.Join(parts, " ")
}
