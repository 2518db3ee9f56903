package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Record is the polling contract for a detached job. The provisional record
// (Started=1, Finished=0) is written before the job begins real work; the
// terminal record (Finished=1, plus either module result fields or failure
// fields) replaces it exactly once.
type Record struct {
	Started     int    `json:"started"`
	Finished    int    `json:"finished"`
	ResultsFile string `json:"results_file"`
	JobID       string `json:"ansible_job_id"`
	WatchdogPID int    `json:"ansible_async_watchdog_pid"`

	// Result is merged into the terminal record. Nil for provisional writes.
	Result *Result `json:"-"`
}

// MarshalJSON merges the job bookkeeping fields with the terminal result, if
// any. Bookkeeping fields win on key collision.
func (rec *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any)
	if rec.Result != nil {
		resultJSON, err := json.Marshal(rec.Result)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(resultJSON, &out); err != nil {
			return nil, err
		}
	}
	out["started"] = rec.Started
	out["finished"] = rec.Finished
	out["results_file"] = rec.ResultsFile
	out["ansible_job_id"] = rec.JobID
	out["ansible_async_watchdog_pid"] = rec.WatchdogPID
	return json.Marshal(out)
}

// RecordPath returns the well-known result-file path for a job:
// <asyncDir>/<jobID>.<pid>.
func RecordPath(asyncDir, jobID string, pid int) string {
	return filepath.Join(asyncDir, fmt.Sprintf("%s.%d", jobID, pid))
}

// WriteProvisional writes the initial record so that any poller sees a
// valid, if incomplete, JSON body from the moment the job is visible. The
// parent directory is created if needed.
func WriteProvisional(path string, rec *Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create async dir: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode provisional record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write provisional record: %w", err)
	}
	return nil
}

// Finalize atomically replaces the result file with the terminal record. The
// body is written to a sibling temp file first and renamed into place, so a
// poller can never observe a half-written JSON document.
func Finalize(path string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode terminal record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

// ReadRecord parses a result file the way a poller would.
func ReadRecord(path string) (*Record, map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse record: %w", err)
	}

	rec := &Record{}
	if v, ok := raw["started"].(float64); ok {
		rec.Started = int(v)
	}
	if v, ok := raw["finished"].(float64); ok {
		rec.Finished = int(v)
	}
	if v, ok := raw["results_file"].(string); ok {
		rec.ResultsFile = v
	}
	if v, ok := raw["ansible_job_id"].(string); ok {
		rec.JobID = v
	}
	if v, ok := raw["ansible_async_watchdog_pid"].(float64); ok {
		rec.WatchdogPID = int(v)
	}
	return rec, raw, nil
}
