package asyncsup

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smnsjas/go-winexec/results"
)

type signalBuffer struct {
	bytes.Buffer
	closed bool
}

func (s *signalBuffer) Close() error {
	s.closed = true
	return nil
}

func TestWatchdogExecuteFinalizes(t *testing.T) {
	recordPath := filepath.Join(t.TempDir(), "j1.100")
	sig := &signalBuffer{}
	var gotPayload []byte
	readyBeforeRun := false

	w := &Watchdog{
		JobID:      "j1",
		RecordPath: recordPath,
		Stdin:      strings.NewReader("the payload"),
		Signal:     sig,
		Run: func(ctx context.Context, payload []byte) *results.Result {
			gotPayload = payload
			readyBeforeRun = sig.closed
			return results.OK(map[string]any{"changed": true})
		},
	}
	if err := w.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if string(gotPayload) != "the payload" {
		t.Errorf("payload: got %q", gotPayload)
	}
	if !readyBeforeRun {
		t.Error("readiness must be signaled before the job runs")
	}
	if sig.Len() != 1 || sig.Bytes()[0] != readySignal {
		t.Errorf("signal bytes: got %v", sig.Bytes())
	}

	rec, raw, err := results.ReadRecord(recordPath)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.Finished != 1 || rec.JobID != "j1" {
		t.Errorf("terminal record: %+v", rec)
	}
	if raw["changed"] != true {
		t.Errorf("result field missing: %v", raw)
	}
	if raw["failed"] != false {
		t.Errorf("failed flag: %v", raw["failed"])
	}
}

func TestWatchdogExecTimeout(t *testing.T) {
	recordPath := filepath.Join(t.TempDir(), "j2.100")
	w := &Watchdog{
		JobID:       "j2",
		RecordPath:  recordPath,
		ExecTimeout: 50 * time.Millisecond,
		Stdin:       strings.NewReader(""),
		Signal:      &signalBuffer{},
		Run: func(ctx context.Context, payload []byte) *results.Result {
			<-ctx.Done()
			return results.Failure("stopped")
		},
	}
	if err := w.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	rec, raw, err := results.ReadRecord(recordPath)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.Finished != 1 {
		t.Errorf("record not finalized: %+v", rec)
	}
	if raw["failed"] != true {
		t.Errorf("timeout must fail the job: %v", raw)
	}
	exc, _ := raw["exception"].(string)
	if !strings.Contains(exc, "OperationTimeout") {
		t.Errorf("exception missing timeout category: %q", exc)
	}
}

func TestWatchdogPanicStillFinalizes(t *testing.T) {
	recordPath := filepath.Join(t.TempDir(), "j3.100")
	w := &Watchdog{
		JobID:      "j3",
		RecordPath: recordPath,
		Stdin:      strings.NewReader(""),
		Signal:     &signalBuffer{},
		Run: func(ctx context.Context, payload []byte) *results.Result {
			panic("job blew up")
		},
	}
	if err := w.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	rec, raw, err := results.ReadRecord(recordPath)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.Finished != 1 {
		t.Errorf("record not finalized after panic: %+v", rec)
	}
	if raw["failed"] != true {
		t.Errorf("panic must fail the job: %v", raw)
	}
	msg, _ := raw["msg"].(string)
	if !strings.Contains(msg, "job blew up") {
		t.Errorf("msg: got %q", msg)
	}
}

func TestFinalizeExactlyOnce(t *testing.T) {
	recordPath := filepath.Join(t.TempDir(), "j4.100")
	w := &Watchdog{JobID: "j4", RecordPath: recordPath}

	first := &results.Record{Started: 1, Finished: 1, JobID: "j4", ResultsFile: recordPath,
		Result: results.OK(map[string]any{"attempt": "first"})}
	if err := w.finalize(first); err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	second := &results.Record{Started: 1, Finished: 1, JobID: "j4", ResultsFile: recordPath,
		Result: results.OK(map[string]any{"attempt": "second"})}
	if err := w.finalize(second); err != nil {
		t.Fatalf("second finalize: %v", err)
	}

	_, raw, err := results.ReadRecord(recordPath)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if raw["attempt"] != "first" {
		t.Errorf("second finalize overwrote the record: %v", raw)
	}
}
