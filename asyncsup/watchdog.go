package asyncsup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/smnsjas/go-winexec/proctl"
	"github.com/smnsjas/go-winexec/results"
)

// RunFunc executes the detached payload and returns its structured result.
// It must honor context cancellation; the execution timeout arrives that way.
type RunFunc func(ctx context.Context, payload []byte) *results.Result

// Watchdog is the detached side of a launched job.
type Watchdog struct {
	// JobID and RecordPath come off the watchdog command line.
	JobID      string
	RecordPath string

	// ExecTimeout bounds the job's execution. Zero means unbounded.
	ExecTimeout time.Duration

	// Run executes the payload.
	Run RunFunc

	// Stdin and Signal default to the inherited process handles; tests
	// override them.
	Stdin  io.Reader
	Signal io.WriteCloser

	finalized atomic.Bool
}

// Execute drives one detached job to its terminal record. Every path through
// here, panic included, leaves a finalized record behind; a silent watchdog
// death would otherwise poll as running forever.
func (w *Watchdog) Execute(ctx context.Context) (err error) {
	rec := &results.Record{
		Started:     1,
		Finished:    1,
		ResultsFile: w.RecordPath,
		JobID:       w.JobID,
		WatchdogPID: os.Getpid(),
	}
	defer func() {
		if r := recover(); r != nil {
			rec.Result = results.Failure("watchdog panicked: %v", r)
			err = w.finalize(rec)
		}
	}()

	stdin := w.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	payload, err := io.ReadAll(stdin)
	if err != nil {
		rec.Result = results.Failure("read job payload: %v", err)
		return w.finalize(rec)
	}

	if err := w.signalReady(); err != nil {
		rec.Result = results.Failure("signal readiness: %v", err)
		return w.finalize(rec)
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if w.ExecTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, w.ExecTimeout)
	}
	defer cancel()

	res := w.Run(runCtx, payload)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res = results.FailureFromError(
			fmt.Errorf("async task did not complete within %s", w.ExecTimeout),
			&results.ErrorRecord{
				Message:  fmt.Sprintf("execution exceeded the %s timeout", w.ExecTimeout),
				Category: results.CategoryOperationTimeout,
			},
		)
	}
	rec.Result = res
	return w.finalize(rec)
}

func (w *Watchdog) signalReady() error {
	sig := w.Signal
	if sig == nil {
		sig = proctl.SignalFile()
	}
	if _, err := sig.Write([]byte{readySignal}); err != nil {
		return err
	}
	return sig.Close()
}

// finalize writes the terminal record exactly once. Later callers, such as
// the panic handler firing after a normal finalize, are no-ops.
func (w *Watchdog) finalize(rec *results.Record) error {
	if !w.finalized.CompareAndSwap(false, true) {
		return nil
	}
	return results.Finalize(w.RecordPath, rec)
}
