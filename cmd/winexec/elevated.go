package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	winexec "github.com/smnsjas/go-winexec"
	"github.com/smnsjas/go-winexec/elevate"
	"github.com/smnsjas/go-winexec/manifest"
	"github.com/smnsjas/go-winexec/results"
)

// elevatedCmd runs the re-transmitted stream under the identity the parent
// spawned us as. Flag parsing is disabled because the payload flags are
// decoded by elevate.ReadPayload, not cobra.
var elevatedCmd = &cobra.Command{
	Use:                "elevated",
	Short:              "run the re-transmitted stream under the target identity (internal)",
	Hidden:             true,
	DisableFlagParsing: true,
	RunE:               runElevated,
}

// runElevated replies on stdout with a framed result document so the parent
// conduit can separate it from console chatter. Failures past payload
// decoding are framed too; only an unreadable payload errors out plainly.
func runElevated(cmd *cobra.Command, args []string) error {
	payload, err := elevate.ReadPayload(args, os.Stdin)
	if err != nil {
		return err
	}

	b, _, err := newBridge(winexec.WithElevated())
	if err != nil {
		return replyFailure(err, results.CategoryNotSpecified)
	}

	pipe, err := manifest.Decode(bytes.NewReader(payload))
	if err != nil {
		return replyFailure(err, results.CategoryParserError)
	}

	oc := b.Execute(cmd.Context(), pipe)
	if oc.Console != "" {
		io.WriteString(os.Stdout, oc.Console)
		if !strings.HasSuffix(oc.Console, "\n") {
			io.WriteString(os.Stdout, "\n")
		}
	}

	res := oc.Result
	if res == nil {
		// Async-under-become: the terminal document is the polling record.
		// Reframe it as a result so it survives the conduit.
		res = &results.Result{}
		if err := json.Unmarshal(oc.Reply, res); err != nil {
			res = results.Failure("terminal document could not be reframed: %v", err)
		}
	}
	if err := elevate.Reply(os.Stdout, res); err != nil {
		return err
	}
	exitCode = oc.ExitCode
	return nil
}

func replyFailure(err error, cat results.Category) error {
	res := results.FailureFromError(err, &results.ErrorRecord{
		Message:  err.Error(),
		Category: cat,
	})
	if rerr := elevate.Reply(os.Stdout, res); rerr != nil {
		return rerr
	}
	exitCode = 1
	return nil
}
