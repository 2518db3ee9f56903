package results

import (
	"encoding/json"
	"fmt"
)

// Category classifies a failure for the controller. The values mirror the
// engine's own error classification tags.
type Category string

const (
	CategoryNotSpecified     Category = "NotSpecified"
	CategoryParserError      Category = "ParserError"
	CategoryInvalidResult    Category = "InvalidResult"
	CategoryOperationStopped Category = "OperationStopped"
	CategoryOperationTimeout Category = "OperationTimeout"
	CategoryNativeCall       Category = "NativeCallFailure"
)

// Result is the structured outcome of running one action. Exactly one of the
// normal output fields or the failure fields is authoritative: Failed=true
// implies Msg is set.
type Result struct {
	Failed    bool
	Msg       string
	Exception string

	// Fields carries arbitrary module-specific result fields merged into the
	// top-level JSON object.
	Fields map[string]any

	// ExitCode is the explicit process exit code requested by the script, or
	// nil when the script did not set one. Uncaught faults force 1; clean
	// structured failures leave it unset.
	ExitCode *int
}

// OK builds a successful result from module fields.
func OK(fields map[string]any) *Result {
	return &Result{Fields: fields}
}

// Failure builds a failed result with a plain message.
func Failure(format string, args ...any) *Result {
	return &Result{Failed: true, Msg: fmt.Sprintf(format, args...)}
}

// FailureFromError builds a failed result carrying a rendered exception.
func FailureFromError(err error, rec *ErrorRecord) *Result {
	r := &Result{Failed: true, Msg: err.Error()}
	if rec == nil {
		rec = &ErrorRecord{Message: err.Error(), Category: CategoryNotSpecified}
	}
	r.Exception = rec.Render()
	return r
}

// SetField attaches a module-specific field.
func (r *Result) SetField(key string, value any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[key] = value
}

// MarshalJSON flattens module fields into the top-level object. The failed
// flag always comes from the struct, and on a failed result the diagnostic
// fields do too, so a module cannot forge or mask its own failure state. On a
// successful result, msg and exception are ordinary module fields.
func (r *Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["failed"] = r.Failed
	if r.Failed {
		out["msg"] = r.Msg
		if r.Exception != "" {
			out["exception"] = r.Exception
		} else {
			delete(out, "exception")
		}
		return json.Marshal(out)
	}
	if r.Msg != "" {
		out["msg"] = r.Msg
	}
	if r.Exception != "" {
		out["exception"] = r.Exception
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON: on a failed document the
// diagnostic fields are lifted out, everything else lands in Fields. A
// successful module's msg stays in Fields untouched.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["failed"].(bool); ok {
		r.Failed = v
	}
	delete(raw, "failed")
	if r.Failed {
		if v, ok := raw["msg"].(string); ok {
			r.Msg = v
		}
		if v, ok := raw["exception"].(string); ok {
			r.Exception = v
		}
		delete(raw, "msg")
		delete(raw, "exception")
	}
	if len(raw) > 0 {
		r.Fields = raw
	}
	return nil
}

// ErrorRecord is the diagnostic context for a failure: the rendered message,
// the source position it originated from and a classification tag.
type ErrorRecord struct {
	Message  string
	Script   string
	Line     int
	Column   int
	Category Category
}

// Render formats the record the way the controller expects an exception
// trace: message first, then source position, then the category tag.
func (e *ErrorRecord) Render() string {
	out := e.Message
	if e.Script != "" && e.Line > 0 {
		out += fmt.Sprintf("\nAt %s:%d char:%d", e.Script, e.Line, e.Column)
	}
	cat := e.Category
	if cat == "" {
		cat = CategoryNotSpecified
	}
	out += fmt.Sprintf("\n    + CategoryInfo          : %s", cat)
	return out
}
