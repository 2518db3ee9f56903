// Command winexec is the execution bridge binary. Invoked without a
// subcommand it reads a framed execution stream on stdin and writes the
// terminal JSON document on stdout. The hidden subcommands are the respawn
// targets the bridge launches itself into for the detached and elevated
// stages.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	winexec "github.com/smnsjas/go-winexec"
	"github.com/smnsjas/go-winexec/config"
)

var (
	verbose  bool
	envFiles []string

	// exitCode is the process exit status once a command ran to a terminal
	// document; command errors exit 1 via main.
	exitCode int

	rootCmd = &cobra.Command{
		Use:   "winexec",
		Short: "execution bridge for streamed module payloads",
		Long: `winexec reads an execution stream on stdin (a JSON manifest, a sentinel
line, then the raw payload), drives the staged action queue and writes the
terminal JSON document on stdout. Output from the module itself is flushed
as console text ahead of the document.`,
		Version:      winexec.Version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runBridge,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log stage transitions to stderr")
	rootCmd.PersistentFlags().StringArrayVar(&envFiles, "env-file", nil, "dotenv file to load before reading the environment")
	rootCmd.AddCommand(watchdogCmd, elevatedCmd, relaunchCmd)
}

// newBridge loads configuration and builds the bridge around this binary.
func newBridge(opts ...winexec.Option) (*winexec.Bridge, *config.Config, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, nil, err
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve own executable: %w", err)
	}
	b := winexec.New(cfg, exe, opts...)
	if verbose {
		b.SetLogger(log.NewWithOptions(os.Stderr, log.Options{Prefix: "winexec"}))
	}
	return b, cfg, nil
}

func runBridge(cmd *cobra.Command, _ []string) error {
	b, _, err := newBridge()
	if err != nil {
		return err
	}
	exitCode = b.Run(cmd.Context(), os.Stdin, os.Stdout)
	return nil
}
