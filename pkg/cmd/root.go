package cmd

import (
	"fmt"
	"io"
	"os"

	tferrors "github.com/xlttj/tunfwd/pkg/errors"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion sets the version reported by `tunfwd version`
func SetVersion(v string) {
	version = v
}

// NewRootCmd builds the command tree. Files are accessed through fs.
func NewRootCmd(fs afero.Fs) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "tunfwd",
		Short: "Supervise kubectl port-forward and ssh tunnels",
		Long: `tunfwd starts, stops and tracks long-running kubectl port-forward and
ssh -L tunnels. Running tunnels are recorded in a state file so they survive
restarts of tunfwd itself, and tunnels started elsewhere can be adopted.

Run without a command to open the interactive table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUI(opts, fs)
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "tunfwd version %s\n" .Version}}`)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configDir, "config-dir", "", "directory holding state, settings and logs (default ~/.tunfwd)")
	flags.StringVar(&opts.configFile, "config", "", "tunnel config file (YAML or JSON), overrides the configured store")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	rootCmd.AddCommand(
		newUICmd(opts, fs),
		newListCmd(opts, fs),
		newStartCmd(opts, fs),
		newStopCmd(opts, fs),
		newVerifyCmd(opts, fs),
		newOrphansCmd(opts, fs),
		newRenameCmd(opts, fs),
		newCleanupCmd(opts, fs),
		newShowCmd(opts, fs),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the CLI and exits non-zero on failure
func Execute() {
	rootCmd := NewRootCmd(afero.NewOsFs())
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

// printError writes err and, when present, its remediation hint
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	if hint := tferrors.HintOf(err); hint != "" {
		fmt.Fprintf(w, "hint: %s\n", hint)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tunfwd",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tunfwd version %s\n", version)
		},
	}
}
