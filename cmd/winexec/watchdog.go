package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/smnsjas/go-winexec/asyncsup"
)

var (
	wdJobID   string
	wdRecord  string
	wdTimeout time.Duration

	watchdogCmd = &cobra.Command{
		Use:    "watchdog",
		Short:  "detached side of an async launch (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runWatchdog,
	}
)

func init() {
	watchdogCmd.Flags().StringVar(&wdJobID, "job-id", "", "job identifier")
	watchdogCmd.Flags().StringVar(&wdRecord, "record", "", "path of the provisional result record")
	watchdogCmd.Flags().DurationVar(&wdTimeout, "timeout", 0, "execution timeout, zero for unbounded")
	watchdogCmd.MarkFlagRequired("job-id")
	watchdogCmd.MarkFlagRequired("record")
}

// runWatchdog reads the re-transmitted stream from stdin, signals readiness
// on the inherited pipe and finalizes the result record when the job ends.
func runWatchdog(cmd *cobra.Command, _ []string) error {
	b, cfg, err := newBridge()
	if err != nil {
		return err
	}
	timeout := wdTimeout
	if timeout == 0 {
		timeout = cfg.ExecTimeout
	}
	wd := &asyncsup.Watchdog{
		JobID:       wdJobID,
		RecordPath:  wdRecord,
		ExecTimeout: timeout,
		Run:         b.WatchdogRun,
	}
	return wd.Execute(cmd.Context())
}
