package elevate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/smnsjas/go-winexec/clixml"
	"github.com/smnsjas/go-winexec/manifest"
	"github.com/smnsjas/go-winexec/proctl"
	"github.com/smnsjas/go-winexec/results"
)

// MaxEncodedCommand bounds how many base64 payload bytes may ride the child
// command line. Larger payloads are delivered over stdin.
const MaxEncodedCommand = 32000

// EncodedCommandFlag and StdinPayloadFlag tell the child how its payload
// arrives.
const (
	EncodedCommandFlag = "--encoded-command"
	StdinPayloadFlag   = "--stdin-payload"
)

// Identity selects who the elevated child runs as.
type Identity struct {
	// Username is the target account, informational for diagnostics.
	Username string
	// Password decides the spawn shape. Nil runs as the current identity
	// with elevated rights; non-nil, empty included, performs a credentialed
	// spawn under UID and GID.
	Password *manifest.SecureString
	UID      uint32
	GID      uint32
}

// credential maps the password shape onto the spawn attribute. The value of
// the password never matters here, only whether one was supplied.
func (id Identity) credential() *proctl.Credential {
	if id.Password == nil {
		return nil
	}
	return &proctl.Credential{UID: id.UID, GID: id.GID}
}

// Command describes the elevated child to run.
type Command struct {
	// Exe and BaseArgs put the executable into elevated-run mode.
	Exe      string
	BaseArgs []string
	// Env is the child environment. Nil inherits.
	Env      []string
	Identity Identity
}

// Outcome is what the elevated run produced.
type Outcome struct {
	// Result is the structured result, never nil.
	Result *results.Result
	// ExitCode is the child's exit code.
	ExitCode int
	// Console is the child's non-frame stdout.
	Console string
	// StreamRecords are the decoded stderr stream records, when the child's
	// stderr was a serialized stream dump.
	StreamRecords []clixml.Record
	// RawStderr is the child's stderr when it was not serialized.
	RawStderr string
}

// payloadArgs decides how the payload travels: on the command line when the
// encoded form fits the bound, over stdin otherwise.
func payloadArgs(base []string, payload []byte) (args []string, viaStdin bool) {
	encoded := base64.StdEncoding.EncodeToString(payload)
	if len(encoded) <= MaxEncodedCommand {
		return append(append([]string(nil), base...), EncodedCommandFlag, encoded), false
	}
	return append(append([]string(nil), base...), StdinPayloadFlag), true
}

// Run executes the payload under the command's identity and blocks until the
// child delivers its result and exits.
func Run(ctx context.Context, cmd Command, payload []byte) (*Outcome, error) {
	args, viaStdin := payloadArgs(cmd.BaseArgs, payload)

	roles := []proctl.Role{proctl.RoleStdout, proctl.RoleStderr}
	if viaStdin {
		roles = append(roles, proctl.RoleStdin)
	}
	handles, err := proctl.NewHandleSet(roles...)
	if err != nil {
		return nil, err
	}

	p, err := proctl.Spawn(proctl.Command{
		Path:       cmd.Exe,
		Args:       args,
		Env:        cmd.Env,
		Handles:    handles,
		Credential: cmd.Identity.credential(),
	})
	if err != nil {
		handles.Close()
		return nil, fmt.Errorf("spawn elevated child for %s: %w", cmd.Identity.Username, err)
	}
	defer handles.CloseParent()

	// Cancellation kills the child; its pipes then close, the frame loop
	// drains and the wait below collects the corpse.
	waitDone := make(chan struct{})
	defer close(waitDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Kill()
		case <-waitDone:
		}
	}()

	if viaStdin {
		stdin := handles.Parent(proctl.RoleStdin)
		_, _ = stdin.Write(payload)
		_ = stdin.Close()
	}

	var console strings.Builder
	conduit := NewConduit(handles.Parent(proctl.RoleStdout), io.Discard, &console)

	stderrCh := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(handles.Parent(proctl.RoleStderr))
		stderrCh <- string(data)
	}()

	var resultDoc []byte
	var fault []byte
	for {
		frame, err := conduit.Receive()
		if err != nil {
			break
		}
		switch frame.Type {
		case FrameResult:
			resultDoc = frame.Payload
		case FrameFault:
			fault = frame.Payload
		case FrameStatus:
			// Startup acceptance; nothing to do until the result arrives.
		}
	}

	code, waitErr := p.Wait()
	stderrText := <-stderrCh
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	out := &Outcome{ExitCode: code, Console: console.String()}
	if records, ok := clixml.TryDecode(stderrText); ok {
		out.StreamRecords = records
	} else {
		out.RawStderr = stderrText
	}

	switch {
	case resultDoc != nil:
		var res results.Result
		if err := json.Unmarshal(resultDoc, &res); err != nil {
			out.Result = results.FailureFromError(err, &results.ErrorRecord{
				Message:  fmt.Sprintf("malformed elevated result: %v", err),
				Category: results.CategoryInvalidResult,
			})
			return out, nil
		}
		out.Result = &res
	case fault != nil:
		out.Result = results.Failure("elevated run failed during bootstrap: %s", fault)
	case waitErr != nil:
		return nil, waitErr
	default:
		res := results.Failure("elevated child exited with status %d without a result", code)
		res.SetField("rc", code)
		res.SetField("stderr", stderrText)
		out.Result = res
	}
	return out, nil
}

// ReadPayload recovers the payload inside the elevated child from the
// arguments Run constructed.
func ReadPayload(args []string, stdin io.Reader) ([]byte, error) {
	for i, arg := range args {
		switch arg {
		case EncodedCommandFlag:
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", EncodedCommandFlag)
			}
			payload, err := base64.StdEncoding.DecodeString(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("decode command payload: %w", err)
			}
			return payload, nil
		case StdinPayloadFlag:
			if stdin == nil {
				stdin = os.Stdin
			}
			return io.ReadAll(stdin)
		}
	}
	return nil, fmt.Errorf("no payload delivery flag present")
}

// Reply sends the terminal result from inside the elevated child.
func Reply(w io.Writer, res *results.Result) error {
	doc, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode elevated result: %w", err)
	}
	return NewConduit(strings.NewReader(""), w, nil).SendResult(uuid.New(), doc)
}
