package coverage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"mvdan.cc/sh/v3/syntax"
)

// Breakpoint is one traceable line and how often it was hit.
type Breakpoint struct {
	Line     int `json:"Line"`
	HitCount int `json:"HitCount"`
}

// Filter decides which script paths participate in tracing. Patterns are
// colon-delimited globs matched against the full path; an empty spec matches
// everything.
type Filter struct {
	patterns []string
}

// NewFilter parses a colon-delimited glob spec.
func NewFilter(spec string) *Filter {
	f := &Filter{}
	for _, pat := range strings.Split(spec, ":") {
		if pat = strings.TrimSpace(pat); pat != "" {
			f.patterns = append(f.patterns, pat)
		}
	}
	return f
}

// Match reports whether path should be traced.
func (f *Filter) Match(path string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, pat := range f.patterns {
		if ok, err := filepath.Match(pat, path); err == nil && ok {
			return true
		}
	}
	return false
}

// ScanLines parses source and returns the distinct lines that carry a command
// call, sorted ascending. These are the lines a run can possibly hit.
func ScanLines(source, name string) ([]int, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("scan %s for traceable lines: %w", name, err)
	}

	seen := make(map[int]struct{})
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			seen[int(call.Pos().Line())] = struct{}{}
		}
		return true
	})

	lines := make([]int, 0, len(seen))
	for line := range seen {
		lines = append(lines, line)
	}
	sort.Ints(lines)
	return lines, nil
}

// Tracker accumulates hit counts per path. It implements the execution host's
// line tracer and is safe for concurrent hits.
type Tracker struct {
	mu    sync.Mutex
	files map[string]map[int]int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{files: make(map[string]map[int]int)}
}

// Register pre-registers lines for path at zero hits.
func (t *Tracker) Register(path string, lines []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := t.files[path]
	if counts == nil {
		counts = make(map[int]int, len(lines))
		t.files[path] = counts
	}
	for _, line := range lines {
		if _, ok := counts[line]; !ok {
			counts[line] = 0
		}
	}
}

// Hit records one execution of a line.
func (t *Tracker) Hit(path string, line int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := t.files[path]
	if counts == nil {
		counts = make(map[int]int)
		t.files[path] = counts
	}
	counts[line]++
}

// Snapshot returns the current counts as sorted breakpoint lists per path.
func (t *Tracker) Snapshot() map[string][]Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]Breakpoint, len(t.files))
	for path, counts := range t.files {
		bps := make([]Breakpoint, 0, len(counts))
		for line, hits := range counts {
			bps = append(bps, Breakpoint{Line: line, HitCount: hits})
		}
		sort.Slice(bps, func(i, j int) bool { return bps[i].Line < bps[j].Line })
		out[path] = bps
	}
	return out
}

// Instrumentor wires tracing into an execution run and flushes the collected
// counts to the coverage output file.
type Instrumentor struct {
	output  string
	engine  string
	version string
	filter  *Filter
	tracker *Tracker
}

// New creates an Instrumentor. output is the coverage output base path,
// engine and version name the runtime the counts were collected under, and
// pathFilter is a colon-delimited glob spec selecting which scripts to trace.
func New(output, engine, version, pathFilter string) *Instrumentor {
	return &Instrumentor{
		output:  output,
		engine:  engine,
		version: version,
		filter:  NewFilter(pathFilter),
		tracker: NewTracker(),
	}
}

// Instrument registers a script for tracing and returns the tracker to hand
// to the execution host, or nil when the path is filtered out. A scan failure
// disables tracing for that script rather than failing the run; the script
// itself will report its own parse error.
func (i *Instrumentor) Instrument(path, source string) *Tracker {
	if !i.filter.Match(path) {
		return nil
	}
	lines, err := ScanLines(source, path)
	if err != nil {
		return nil
	}
	i.tracker.Register(path, lines)
	return i.tracker
}

// OutputPath is the per-process result file the counts are written to.
func (i *Instrumentor) OutputPath() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s=%s-%s=coverage.%s.%d.%s",
		i.output, i.engine, i.version, host, os.Getpid(), suffix)
}

// Flush writes the collected counts. It is called unconditionally, after
// failed runs too, so partial counts from an aborted run survive.
func (i *Instrumentor) Flush() error {
	snapshot := i.tracker.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode coverage counts: %w", err)
	}

	path := i.OutputPath()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create coverage output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write coverage output: %w", err)
	}
	return nil
}
