package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/smnsjas/go-winexec/proctl"
)

// relaunchCmd is the intermediate hop of the detach fallback: when the
// launching process cannot break away directly, it spawns this command,
// which respawns the watchdog in a fresh session with every inherited pipe
// intact and exits immediately.
var relaunchCmd = &cobra.Command{
	Use:                "relaunch",
	Short:              "intermediate hop that detaches the watchdog (internal)",
	Hidden:             true,
	DisableFlagParsing: true,
	RunE:               runRelaunch,
}

func runRelaunch(cmd *cobra.Command, args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	_, err = proctl.SpawnInherited(exe, append([]string{"watchdog"}, args...), true)
	return err
}
