package asyncsup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-winexec/proctl"
	"github.com/smnsjas/go-winexec/results"
)

// readySignal is the byte the watchdog writes on the signal pipe once it has
// the payload and is about to start the job.
const readySignal = 'R'

// DefaultStartupTimeout bounds how long the supervisor waits for readiness.
const DefaultStartupTimeout = 5 * time.Second

// Config describes how to launch watchdog processes.
type Config struct {
	// Dir is the directory result records are written to.
	Dir string
	// StartupTimeout bounds the wait for the watchdog's readiness signal.
	// Zero means DefaultStartupTimeout.
	StartupTimeout time.Duration
	// Exe is the executable to spawn, normally the wrapper's own binary.
	Exe string
	// WatchdogArgs builds the argument list that puts Exe into watchdog mode
	// for the given job and record path.
	WatchdogArgs func(jobID, recordPath string) []string
	// RelaunchArgs builds the argument list for the intermediate relaunch
	// step, used when this process cannot detach a child directly. Nil
	// disables the fallback.
	RelaunchArgs func(jobID, recordPath string) []string
	// Env is the environment for the spawned process. Nil inherits.
	Env []string
}

// Supervisor launches and hands off detached jobs.
type Supervisor struct {
	cfg Config
}

// NewSupervisor validates the config and builds a Supervisor.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("async dir is required")
	}
	if cfg.Exe == "" {
		return nil, fmt.Errorf("watchdog executable is required")
	}
	if cfg.WatchdogArgs == nil {
		return nil, fmt.Errorf("watchdog argument builder is required")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	return &Supervisor{cfg: cfg}, nil
}

// StartupError reports a watchdog that never became ready. It carries the
// child's raw output so the failure is diagnosable from the reply alone.
type StartupError struct {
	JobID    string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Error implements the error interface.
func (e *StartupError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("job %s: watchdog did not signal readiness within the startup timeout; raise WINEXEC_ASYNC_STARTUP_TIMEOUT if the host is slow to fork", e.JobID)
	}
	return fmt.Sprintf("job %s: watchdog exited with status %d before signaling readiness", e.JobID, e.ExitCode)
}

// Result converts the startup error into a structured failure.
func (e *StartupError) Result() *results.Result {
	res := results.Failure("%s", e.Error())
	if !e.TimedOut {
		res.SetField("rc", e.ExitCode)
	}
	res.SetField("stdout", e.Stdout)
	res.SetField("stderr", e.Stderr)
	return res
}

// Launch detaches the payload into a watchdog and returns the provisional
// record as the immediate reply. An empty jobID gets a generated one.
func (s *Supervisor) Launch(ctx context.Context, jobID string, payload []byte) (*results.Record, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	// Keyed on the supervisor's pid so the path is known before the spawn
	// and can be handed to the watchdog on its command line.
	recordPath := results.RecordPath(s.cfg.Dir, jobID, os.Getpid())

	args := s.cfg.WatchdogArgs(jobID, recordPath)
	breakaway := true
	if !proctl.CanBreakaway() && s.cfg.RelaunchArgs != nil {
		args = s.cfg.RelaunchArgs(jobID, recordPath)
		breakaway = false
	}

	handles, err := proctl.NewHandleSet(proctl.RoleStdin, proctl.RoleStdout, proctl.RoleStderr, proctl.RoleSignal)
	if err != nil {
		return nil, err
	}

	p, err := proctl.Spawn(proctl.Command{
		Path:      s.cfg.Exe,
		Args:      args,
		Env:       s.cfg.Env,
		Handles:   handles,
		Breakaway: breakaway,
	})
	if err != nil {
		handles.Close()
		return nil, err
	}

	rec := &results.Record{
		Started:     1,
		Finished:    0,
		ResultsFile: recordPath,
		JobID:       jobID,
		WatchdogPID: p.PID(),
	}

	// The child is still blocked reading stdin, so the record is on disk
	// before the job can possibly begin.
	if err := results.WriteProvisional(recordPath, rec); err != nil {
		_ = p.Kill()
		handles.CloseParent()
		return nil, err
	}

	// A write failure here means the child is already gone; the wait branch
	// below reports that with the real exit status.
	stdin := handles.Parent(proctl.RoleStdin)
	_, _ = stdin.Write(payload)
	_ = stdin.Close()

	var stdout, stderr bytes.Buffer
	outDone := make(chan struct{})
	go func() {
		io.Copy(&stdout, handles.Parent(proctl.RoleStdout))
		io.Copy(&stderr, handles.Parent(proctl.RoleStderr))
		close(outDone)
	}()

	ready := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		if _, err := io.ReadFull(handles.Parent(proctl.RoleSignal), buf); err != nil {
			ready <- err
			return
		}
		if buf[0] != readySignal {
			ready <- fmt.Errorf("unexpected readiness byte %#x", buf[0])
			return
		}
		ready <- nil
	}()

	waitCh := p.WaitCh()
	timer := time.NewTimer(s.cfg.StartupTimeout)
	defer timer.Stop()

	// In the relaunch fallback the direct child exits immediately after
	// handing its pipes to the real watchdog, so an exit alone is not a
	// failure. The job has failed only once the signal pipe closes without
	// the readiness byte, which cannot happen while any holder of the child
	// ends is still alive.
	var exited *proctl.WaitResult
	startupFailure := func() (*results.Record, error) {
		<-outDone
		handles.CloseParent()
		_ = os.Remove(recordPath)
		se := &StartupError{
			JobID:  jobID,
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if exited != nil {
			se.ExitCode = exited.Code
		}
		return nil, se
	}

	for {
		select {
		case err := <-ready:
			if err == nil {
				handles.CloseParent()
				return rec, nil
			}
			if exited != nil {
				return startupFailure()
			}
			// Pipe closed but the exit has not been collected yet; wait for
			// it so the error carries the real status.
			ready = nil

		case res := <-waitCh:
			exited = &res
			waitCh = nil
			if ready == nil {
				return startupFailure()
			}

		case <-timer.C:
			// Deliberately no kill: the watchdog may have begun independently
			// and will still finalize the record; only the launching call
			// fails.
			handles.CloseParent()
			return nil, &StartupError{JobID: jobID, TimedOut: true}

		case <-ctx.Done():
			_ = p.Kill()
			handles.CloseParent()
			_ = os.Remove(recordPath)
			return nil, ctx.Err()
		}
	}
}
