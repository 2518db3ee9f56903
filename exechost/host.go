package exechost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/smnsjas/go-winexec/manifest"
	"github.com/smnsjas/go-winexec/results"
)

// State is the lifecycle of one invocation.
type State int

const (
	StateIdle State = iota
	StateDecoding
	StateExecuting
	StateSucceeded
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDecoding:
		return "Decoding"
	case StateExecuting:
		return "Executing"
	case StateSucceeded:
		return "Succeeded"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ErrorMode controls how stream errors (writes to stderr, as opposed to
// faults) are handled.
type ErrorMode int

const (
	// CollectErrors accumulates stream errors and keeps executing. Used when
	// the host is not the terminal stage.
	CollectErrors ErrorMode = iota
	// FailFast short-circuits the invocation on the first stream error.
	FailFast
)

// LineTracer receives a hit for each source line as statements are
// dispatched. Implemented by the coverage tracker.
type LineTracer interface {
	Hit(path string, line int)
}

// Logger is an optional interface for debug logging.
type Logger interface {
	Printf(format string, v ...any)
}

// Util is a utility module loaded into the runner before the script body.
type Util struct {
	Name   string
	Source []byte
}

// Outcome bundles everything one invocation produced.
type Outcome struct {
	// Result is the structured result; never nil.
	Result *results.Result
	// Console is the captured stdout that preceded the structured result.
	// It must be emitted as one block before the result document.
	Console string
	// StreamErrors are the collected stderr lines (CollectErrors mode).
	StreamErrors []string
	// ExitCode is the process exit code to propagate. Zero unless the script
	// set one explicitly or an uncaught fault forced 1.
	ExitCode int
}

// Host executes one script body per Run call.
type Host struct {
	name      string
	dir       string
	stdin     io.Reader
	env       map[string]string
	utils     []Util
	natives   []string
	registry  *Registry
	tracer    LineTracer
	tracePath string
	errorMode ErrorMode

	mu     sync.Mutex
	state  State
	logger Logger
}

// Option configures a Host.
type Option func(*Host)

// WithEnvironment sets environment variables to apply process-wide before
// execution. This is deliberately not isolated per action; the environment
// is global to the process.
func WithEnvironment(env map[string]string) Option {
	return func(h *Host) { h.env = env }
}

// WithDir sets the working directory for the script.
func WithDir(dir string) Option {
	return func(h *Host) { h.dir = dir }
}

// WithStdin provides the script's standard input.
func WithStdin(r io.Reader) Option {
	return func(h *Host) { h.stdin = r }
}

// WithUtilities loads utility modules into the runner ahead of the script.
func WithUtilities(utils []Util) Option {
	return func(h *Host) { h.utils = utils }
}

// WithNatives names the native helper modules to resolve from the registry.
func WithNatives(names []string) Option {
	return func(h *Host) { h.natives = names }
}

// WithRegistry overrides DefaultRegistry, mainly for tests.
func WithRegistry(r *Registry) Option {
	return func(h *Host) { h.registry = r }
}

// WithTracer registers a line tracer; hits are keyed on path.
func WithTracer(tracer LineTracer, path string) Option {
	return func(h *Host) {
		h.tracer = tracer
		h.tracePath = path
	}
}

// WithErrorMode selects stream-error handling.
func WithErrorMode(mode ErrorMode) Option {
	return func(h *Host) { h.errorMode = mode }
}

// New creates a Host. The name is used purely for diagnostic traces.
func New(name string, opts ...Option) *Host {
	h := &Host{
		name:     name,
		registry: DefaultRegistry,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetLogger sets the logger for debug logging.
func (h *Host) SetLogger(logger Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger = logger
}

// SetSlogLogger adapts a *slog.Logger as the host's debug logger.
func (h *Host) SetSlogLogger(logger *slog.Logger) {
	h.SetLogger(&slogAdapter{logger: logger, script: h.name})
}

type slogAdapter struct {
	logger *slog.Logger
	script string
}

func (a *slogAdapter) Printf(format string, v ...any) {
	a.logger.Debug(fmt.Sprintf(format, v...), "script", a.script)
}

// State returns the state of the current or last invocation.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Host) transition(s State) {
	h.mu.Lock()
	h.state = s
	logger := h.logger
	h.mu.Unlock()
	if logger != nil {
		logger.Printf("host %s: %s", h.name, s)
	}
}

// Run executes the script body with the given parameter bag. It always
// produces an Outcome; every fault is converted into a structured failure at
// this boundary.
func (h *Host) Run(ctx context.Context, source string, params map[string]any) *Outcome {
	h.transition(StateDecoding)

	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(source), h.name)
	if err != nil {
		h.transition(StateFailed)
		return h.parseFailure(err)
	}

	for k, v := range h.env {
		if err := os.Setenv(k, v); err != nil {
			h.transition(StateFailed)
			return faultOutcome(results.FailureFromError(
				fmt.Errorf("apply environment %q: %w", k, err),
				&results.ErrorRecord{Message: err.Error(), Script: h.name, Category: results.CategoryNativeCall},
			))
		}
	}

	var stdout bytes.Buffer
	stderr := newLineCollector()

	runnerOpts := []interp.RunnerOption{
		interp.StdIO(h.stdin, &stdout, stderr),
		interp.Env(expand.ListEnviron(append(os.Environ(), paramEnv(params)...)...)),
	}
	if h.dir != "" {
		runnerOpts = append(runnerOpts, interp.Dir(h.dir))
	}
	if len(h.natives) > 0 {
		middleware, err := h.registry.ExecMiddleware(h.natives)
		if err != nil {
			h.transition(StateFailed)
			return faultOutcome(results.FailureFromError(err, &results.ErrorRecord{
				Message: err.Error(), Script: h.name, Category: results.CategoryNotSpecified,
			}))
		}
		runnerOpts = append(runnerOpts, interp.ExecHandlers(middleware))
	}

	runner, err := interp.New(runnerOpts...)
	if err != nil {
		h.transition(StateFailed)
		return faultOutcome(results.FailureFromError(err, &results.ErrorRecord{
			Message: err.Error(), Script: h.name, Category: results.CategoryNotSpecified,
		}))
	}

	h.transition(StateExecuting)

	for _, util := range h.utils {
		utilFile, err := parser.Parse(bytes.NewReader(util.Source), util.Name)
		if err != nil {
			h.transition(StateFailed)
			return h.parseFailure(fmt.Errorf("load utility %q: %w", util.Name, err))
		}
		if err := runner.Run(ctx, utilFile); err != nil {
			h.transition(StateFailed)
			return faultOutcome(results.FailureFromError(
				fmt.Errorf("utility %q failed to load: %w", util.Name, err),
				&results.ErrorRecord{Message: err.Error(), Script: util.Name, Category: results.CategoryNotSpecified},
			))
		}
	}

	outcome := h.step(ctx, runner, file, &stdout, stderr)
	if outcome.Result.Failed {
		h.transition(StateFailed)
	} else {
		h.transition(StateSucceeded)
	}
	return outcome
}

// step drives the script one top-level statement at a time so that line hits
// and fault positions are exact.
func (h *Host) step(ctx context.Context, runner *interp.Runner, file *syntax.File, stdout *bytes.Buffer, stderr *lineCollector) *Outcome {
	var lastStatus int
	explicitExit := false

	for _, stmt := range file.Stmts {
		if h.tracer != nil {
			h.tracer.Hit(h.tracePath, int(stmt.Pos().Line()))
		}

		err := runner.Run(ctx, stmt)
		if ctx.Err() != nil {
			out := faultOutcome(results.FailureFromError(
				fmt.Errorf("execution stopped: %w", ctx.Err()),
				&results.ErrorRecord{
					Message:  ctx.Err().Error(),
					Script:   h.name,
					Line:     int(stmt.Pos().Line()),
					Column:   int(stmt.Pos().Col()),
					Category: results.CategoryOperationStopped,
				},
			))
			out.StreamErrors = stderr.flush()
			return out
		}
		if err != nil {
			var status interp.ExitStatus
			if !errors.As(err, &status) {
				// Uncaught fault: convert at the host boundary, exit code 1.
				out := faultOutcome(results.FailureFromError(err, &results.ErrorRecord{
					Message:  err.Error(),
					Script:   h.name,
					Line:     int(stmt.Pos().Line()),
					Column:   int(stmt.Pos().Col()),
					Category: results.CategoryNotSpecified,
				}))
				out.Console = stdout.String()
				out.StreamErrors = stderr.flush()
				return out
			}
			lastStatus = int(status)
		} else {
			lastStatus = 0
		}

		if runner.Exited() {
			explicitExit = true
			break
		}

		if h.errorMode == FailFast && len(stderr.lines) > 0 {
			res := results.Failure("%s", stderr.lines[0])
			res.SetField("stream_errors", stderr.lines)
			out := &Outcome{Result: res, Console: stdout.String(), StreamErrors: stderr.lines}
			return out
		}
	}

	return h.collect(stdout.String(), stderr.flush(), lastStatus, explicitExit)
}

// collect turns the captured output into the invocation outcome.
func (h *Host) collect(captured string, streamErrors []string, lastStatus int, explicitExit bool) *Outcome {
	console, doc := splitResult(captured)

	out := &Outcome{Console: console, StreamErrors: streamErrors}
	if explicitExit {
		out.ExitCode = lastStatus
	}

	if doc == nil {
		if lastStatus != 0 {
			res := results.Failure("script %s returned exit status %d without a result", h.name, lastStatus)
			res.SetField("rc", lastStatus)
			res.SetField("stdout", captured)
			res.SetField("stderr", strings.Join(streamErrors, "\n"))
			out.Result = res
			if !explicitExit {
				out.ExitCode = lastStatus
			}
			return out
		}
		res := results.FailureFromError(
			fmt.Errorf("script %s produced no structured result", h.name),
			&results.ErrorRecord{
				Message:  "no JSON result document found in script output",
				Script:   h.name,
				Category: results.CategoryInvalidResult,
			},
		)
		res.SetField("stdout", captured)
		out.Result = res
		return out
	}

	var res results.Result
	if err := json.Unmarshal(doc, &res); err != nil {
		out.Result = results.FailureFromError(err, &results.ErrorRecord{
			Message:  fmt.Sprintf("malformed result document: %v", err),
			Script:   h.name,
			Category: results.CategoryInvalidResult,
		})
		return out
	}

	if res.Failed && res.Msg == "" && len(streamErrors) > 0 {
		res.Msg = streamErrors[0]
	}
	if explicitExit && lastStatus != 0 && !res.Failed {
		res.Failed = true
		res.Msg = fmt.Sprintf("script %s exited with status %d", h.name, lastStatus)
	}
	out.Result = &res
	return out
}

func (h *Host) parseFailure(err error) *Outcome {
	rec := &results.ErrorRecord{
		Message:  err.Error(),
		Script:   h.name,
		Category: results.CategoryParserError,
	}
	var perr syntax.ParseError
	if errors.As(err, &perr) {
		rec.Line = int(perr.Pos.Line())
		rec.Column = int(perr.Pos.Col())
	}
	return faultOutcome(results.FailureFromError(err, rec))
}

func faultOutcome(res *results.Result) *Outcome {
	return &Outcome{Result: res, ExitCode: 1}
}

// paramEnv binds the parameter bag as runner-scoped variables. Secure values
// are revealed here, at the last possible moment, and only into the
// in-process runner environment, never the OS environment. The whole bag is
// also exposed as WINEXEC_PARAMS for scripts that want the raw JSON.
func paramEnv(params map[string]any) []string {
	if len(params) == 0 {
		return nil
	}

	pairs := make([]string, 0, len(params)+1)
	plain := make(map[string]any, len(params))
	for k, v := range params {
		var rendered string
		switch val := v.(type) {
		case manifest.SecureString:
			rendered = val.Reveal()
			plain[k] = val.Reveal()
		case string:
			rendered = val
			plain[k] = val
		case map[string]any, []any:
			data, err := json.Marshal(val)
			if err != nil {
				continue
			}
			rendered = string(data)
			plain[k] = val
		default:
			rendered = fmt.Sprintf("%v", val)
			plain[k] = val
		}
		pairs = append(pairs, k+"="+rendered)
	}

	if bag, err := json.Marshal(plain); err == nil {
		pairs = append(pairs, "WINEXEC_PARAMS="+string(bag))
	}
	return pairs
}

// splitResult separates the console block from the trailing JSON result
// document. The document is either the entire output or its last non-empty
// line.
func splitResult(captured string) (console string, doc []byte) {
	trimmed := strings.TrimSpace(captured)
	if trimmed == "" {
		return captured, nil
	}
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return "", []byte(trimmed)
	}

	rest := strings.TrimRight(captured, " \t\r\n")
	idx := strings.LastIndexByte(rest, '\n')
	last := strings.TrimSpace(rest[idx+1:])
	if strings.HasPrefix(last, "{") && json.Valid([]byte(last)) {
		return rest[:idx+1], []byte(last)
	}
	return captured, nil
}

// lineCollector buffers stderr writes and exposes them as complete lines.
type lineCollector struct {
	buf   bytes.Buffer
	lines []string
}

func newLineCollector() *lineCollector {
	return &lineCollector{}
}

func (c *lineCollector) Write(p []byte) (int, error) {
	c.buf.Write(p)
	for {
		data := c.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		c.lines = append(c.lines, strings.TrimRight(string(data[:idx]), "\r"))
		c.buf.Next(idx + 1)
	}
	return len(p), nil
}

// flush returns all collected lines including a trailing partial line.
func (c *lineCollector) flush() []string {
	if c.buf.Len() > 0 {
		c.lines = append(c.lines, c.buf.String())
		c.buf.Reset()
	}
	return c.lines
}
