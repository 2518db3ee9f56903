package manifest

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sentinel marks the boundary between the manifest segment and the raw
// payload segment of an execution stream. It must appear on its own line.
const Sentinel = "\x00\x00\x00\x00"

var (
	// ErrNoActions is returned when a decoded manifest has an empty action queue.
	ErrNoActions = errors.New("manifest contains no actions")
	// ErrMissingSentinel is returned when the stream ends before the
	// manifest/payload boundary was seen.
	ErrMissingSentinel = errors.New("stream ended before manifest sentinel")
	// ErrUnknownScript is returned when an action references a script name
	// that is not present in the manifest's script map.
	ErrUnknownScript = errors.New("action references unknown script")
)

// ScriptInfo is one named script carried by a manifest. Script holds the
// base64-encoded source bytes and Path the location the controller resolved
// it from. Path is what coverage tracking keys on.
type ScriptInfo struct {
	Script string `json:"script"`
	Path   string `json:"path"`
}

// NewScriptInfo builds a ScriptInfo from raw source bytes.
func NewScriptInfo(source []byte, path string) ScriptInfo {
	return ScriptInfo{
		Script: base64.StdEncoding.EncodeToString(source),
		Path:   path,
	}
}

// Source decodes and returns the script source bytes.
func (s ScriptInfo) Source() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s.Script)
	if err != nil {
		return nil, fmt.Errorf("decode script source: %w", err)
	}
	return data, nil
}

// Action is one script invocation with its parameters. SecureParams values
// are wrapped as SecureString before binding and are never logged in
// plaintext.
type Action struct {
	Name         string         `json:"name"`
	Params       map[string]any `json:"params"`
	SecureParams map[string]any `json:"secure_params"`
}

// BoundParams merges Params with SecureParams into a single bag ready for
// binding. Secure values are wrapped as SecureString. A secure key that is
// not in accepted is skipped silently: the target script simply does not take
// that parameter and optional parameters must not fail the action. When
// accepted is nil every secure key is bound.
func (a Action) BoundParams(accepted map[string]bool) map[string]any {
	bound := make(map[string]any, len(a.Params)+len(a.SecureParams))
	for k, v := range a.Params {
		bound[k] = v
	}
	for k, v := range a.SecureParams {
		if accepted != nil && !accepted[k] {
			continue
		}
		bound[k] = WrapSecure(v)
	}
	return bound
}

// Manifest is the decoded unit of work. Scripts is immutable once received;
// Actions is consumed head-first as pipeline stages execute.
type Manifest struct {
	Scripts map[string]ScriptInfo `json:"scripts"`
	Actions []Action              `json:"actions"`

	// Wrapper configuration supplied by the controller.
	MinEngineVersion string            `json:"min_engine_version,omitempty"`
	TempDir          string            `json:"temp_dir,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`

	// AsyncJID is the controller-assigned job id for detached runs; empty
	// means the supervisor generates one. AsyncStartupTimeout, in seconds,
	// overrides the environment's startup timeout when positive.
	AsyncJID            string `json:"async_jid,omitempty"`
	AsyncStartupTimeout int    `json:"async_startup_timeout,omitempty"`
}

// Script looks up a script by name.
func (m *Manifest) Script(name string) (ScriptInfo, error) {
	info, ok := m.Scripts[name]
	if !ok {
		return ScriptInfo{}, fmt.Errorf("%w: %q", ErrUnknownScript, name)
	}
	return info, nil
}

// Dequeue removes and returns the head of the action queue.
func (m *Manifest) Dequeue() (Action, bool) {
	if len(m.Actions) == 0 {
		return Action{}, false
	}
	head := m.Actions[0]
	m.Actions = m.Actions[1:]
	return head, true
}

// Tail returns a copy of the manifest holding the remaining action queue.
// Scripts and wrapper configuration are shared; only the queue differs. This
// is what nested stages re-transmit to a child process.
func (m *Manifest) Tail() *Manifest {
	tail := *m
	tail.Actions = append([]Action(nil), m.Actions...)
	return &tail
}

// Pipeline is a steppable execution pipeline primed with a decoded manifest
// and the raw payload that followed the sentinel. The payload reader is
// consumed by whichever stage ends up owning stdin.
type Pipeline struct {
	Manifest *Manifest
	Payload  io.Reader
}

// StageKind tags the variant of a pipeline's next stage.
type StageKind int

const (
	// StageDone indicates the action queue is exhausted.
	StageDone StageKind = iota
	// StageAction indicates an action is ready to execute.
	StageAction
)

// Stage describes the next unit of pipeline work.
type Stage struct {
	Kind   StageKind
	Action Action
}

// Next dequeues the next stage descriptor.
func (p *Pipeline) Next() Stage {
	action, ok := p.Manifest.Dequeue()
	if !ok {
		return Stage{Kind: StageDone}
	}
	return Stage{Kind: StageAction, Action: action}
}

// Decode reads a manifest stream: a JSON manifest segment terminated by the
// sentinel line, followed by the raw payload. The returned pipeline's Payload
// reader yields the unread remainder of r.
//
// Decoding is fully synchronous and must complete before any action runs;
// actions may depend on manifest-wide fields such as the temp directory and
// environment map.
func Decode(r io.Reader) (*Pipeline, error) {
	br := bufio.NewReader(r)

	var manifestBuf bytes.Buffer
	sawSentinel := false
	for {
		line, err := br.ReadString('\n')
		if strings.TrimRight(line, "\r\n") == Sentinel {
			sawSentinel = true
			break
		}
		manifestBuf.WriteString(line)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read manifest segment: %w", err)
		}
	}
	if !sawSentinel {
		return nil, ErrMissingSentinel
	}

	m, err := Parse(manifestBuf.Bytes())
	if err != nil {
		return nil, err
	}
	return &Pipeline{Manifest: m, Payload: br}, nil
}

// FromManifest builds a pipeline from an already-decoded manifest. Nested
// stages use this to skip stream parsing when the manifest was handed over
// in memory.
func FromManifest(m *Manifest, payload io.Reader) (*Pipeline, error) {
	if len(m.Actions) == 0 {
		return nil, ErrNoActions
	}
	return &Pipeline{Manifest: m, Payload: payload}, nil
}

// Parse decodes a manifest from raw JSON and validates it. Parameter values
// are normalized so downstream code only ever sees plain maps, slices,
// strings, bools, int64 and float64.
func Parse(data []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if len(m.Actions) == 0 {
		return nil, ErrNoActions
	}

	for i := range m.Actions {
		m.Actions[i].Params = normalizeMap(m.Actions[i].Params)
		m.Actions[i].SecureParams = normalizeMap(m.Actions[i].SecureParams)
	}
	return &m, nil
}

// EncodeStream writes the manifest segment, the sentinel line and the raw
// payload to w. This is the controller-side counterpart of Decode and is also
// used by stages that re-transmit a queue tail to a child process.
func EncodeStream(w io.Writer, m *Manifest, payload []byte) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write manifest segment: %w", err)
	}
	if _, err := io.WriteString(w, "\n"+Sentinel+"\n"); err != nil {
		return fmt.Errorf("write sentinel: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// normalize converts decoder-specific value types into a uniform
// representation: json.Number becomes int64 when it is integral and float64
// otherwise, and nested containers are rebuilt recursively.
func normalize(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		return normalizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}
