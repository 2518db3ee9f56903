package winexec

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
	"time"

	"github.com/smnsjas/go-winexec/asyncsup"
	"github.com/smnsjas/go-winexec/clixml"
	"github.com/smnsjas/go-winexec/config"
	"github.com/smnsjas/go-winexec/coverage"
	"github.com/smnsjas/go-winexec/elevate"
	"github.com/smnsjas/go-winexec/exechost"
	"github.com/smnsjas/go-winexec/manifest"
	"github.com/smnsjas/go-winexec/results"
)

// Engine identity, embedded in coverage output names and compared against
// manifest and script minimum-version requirements.
const (
	EngineName    = "winexec"
	EngineVersion = "1.0"
)

// Reserved stage action names the bridge handles without a script body. Any
// other action name is a module and must resolve in the manifest's script
// map.
const (
	StageBecome   = "become"
	StageAsync    = "async"
	StageWatchdog = "watchdog"
	StageCoverage = "coverage"
)

// ReservedStages lists the stage names, in a form the manifest builder's
// validation accepts.
func ReservedStages() []string {
	return []string{StageBecome, StageAsync, StageWatchdog, StageCoverage}
}

// Logger is an optional interface for debug logging.
type Logger interface {
	Printf(format string, v ...any)
}

// Bridge drives one execution stream to completion.
type Bridge struct {
	cfg      *config.Config
	exe      string
	stderr   io.Writer
	elevated bool
	inst     *coverage.Instrumentor

	mu     sync.Mutex
	logger Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithElevated marks the bridge as already running under the target
// principal, satisfying script "requires -become" directives.
func WithElevated() Option {
	return func(b *Bridge) { b.elevated = true }
}

// WithStderr redirects stream-record relays, mainly for tests.
func WithStderr(w io.Writer) Option {
	return func(b *Bridge) { b.stderr = w }
}

// New creates a Bridge. exe is the path to this process's own binary, used
// to respawn into the watchdog and elevated stages.
func New(cfg *config.Config, exe string, opts ...Option) *Bridge {
	b := &Bridge{cfg: cfg, exe: exe, stderr: os.Stderr}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetLogger sets the logger for debug logging.
func (b *Bridge) SetLogger(logger Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// SetSlogLogger adapts a *slog.Logger as the bridge's debug logger.
func (b *Bridge) SetSlogLogger(logger *slog.Logger) {
	b.SetLogger(&slogAdapter{logger: logger})
}

type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Printf(format string, v ...any) {
	a.logger.Debug(fmt.Sprintf(format, v...))
}

func (b *Bridge) logf(format string, v ...any) {
	b.mu.Lock()
	logger := b.logger
	b.mu.Unlock()
	if logger != nil {
		logger.Printf(format, v...)
	}
}

// Outcome is the terminal artifact of one pipeline run: either a structured
// result or a preformatted reply document (the async polling record).
type Outcome struct {
	Result   *results.Result
	Reply    []byte
	Console  string
	ExitCode int
}

// Run decodes the execution stream from in, drives the pipeline and emits
// the terminal artifact on out. The return value is the process exit code.
// A decode failure still emits a structured failure result; the stream never
// dies without a diagnosable trace.
func (b *Bridge) Run(ctx context.Context, in io.Reader, out io.Writer) int {
	pipe, err := manifest.Decode(in)
	if err != nil {
		oc := failureFrom(err, results.CategoryParserError)
		b.Emit(out, oc)
		return oc.ExitCode
	}
	oc := b.Execute(ctx, pipe)
	b.Emit(out, oc)
	return oc.ExitCode
}

// Emit writes the console block, then the terminal document, to w. The
// console always precedes the document so ad hoc prints cannot corrupt it.
func (b *Bridge) Emit(w io.Writer, oc *Outcome) {
	if oc.Console != "" {
		io.WriteString(w, oc.Console)
		if !strings.HasSuffix(oc.Console, "\n") {
			io.WriteString(w, "\n")
		}
	}
	doc := oc.Reply
	if doc == nil {
		var err error
		doc, err = json.Marshal(oc.Result)
		if err != nil {
			doc = []byte(`{"failed":true,"msg":"result document could not be encoded"}`)
		}
	}
	w.Write(doc)
	io.WriteString(w, "\n")
}

// Execute steps the action queue until a terminal stage produces an outcome.
// Wrapper stages (coverage, watchdog markers) consume their head and
// continue; become, async and module actions terminate the loop.
func (b *Bridge) Execute(ctx context.Context, pipe *manifest.Pipeline) *Outcome {
	defer func() {
		if b.inst != nil {
			if err := b.inst.Flush(); err != nil {
				b.logf("flush coverage: %v", err)
			}
		}
	}()

	m := pipe.Manifest
	if manifest.NewerVersion(m.MinEngineVersion, EngineVersion) {
		return failure("manifest requires engine version %s, this host runs %s",
			m.MinEngineVersion, EngineVersion)
	}

	for {
		stage := pipe.Next()
		if stage.Kind == manifest.StageDone {
			return failure("action queue exhausted without a terminal action")
		}
		action := stage.Action
		b.logf("stage %s", action.Name)

		switch action.Name {
		case StageCoverage:
			b.enableCoverage(action)
		case StageWatchdog:
			// Marker consumed by the watchdog process to learn its execution
			// timeout; a synchronous run steps past it.
		case StageBecome:
			return b.runBecome(ctx, action, pipe)
		case StageAsync:
			return b.runAsync(ctx, action, pipe)
		default:
			return b.runModule(ctx, action, pipe)
		}
	}
}

// runModule executes the terminal module action through the execution host.
func (b *Bridge) runModule(ctx context.Context, action manifest.Action, pipe *manifest.Pipeline) *Outcome {
	m := pipe.Manifest

	info, err := m.Script(action.Name)
	if err != nil {
		return failureFrom(err, results.CategoryNotSpecified)
	}
	source, err := info.Source()
	if err != nil {
		return failureFrom(err, results.CategoryParserError)
	}
	dirs, err := m.ScanScript(action.Name)
	if err != nil {
		return failureFrom(err, results.CategoryNotSpecified)
	}

	if manifest.NewerVersion(dirs.MinVersion, EngineVersion) {
		return failure("script %s requires engine version %s, this host runs %s",
			action.Name, dirs.MinVersion, EngineVersion)
	}
	if dirs.Become && !b.elevated {
		return failure("script %s requires elevation; chain a become stage ahead of it", action.Name)
	}

	utils := make([]exechost.Util, 0, len(dirs.Utils))
	for _, name := range dirs.Utils {
		utilInfo, err := m.Script(name)
		if err != nil {
			return failureFrom(err, results.CategoryNotSpecified)
		}
		utilSource, err := utilInfo.Source()
		if err != nil {
			return failureFrom(fmt.Errorf("utility %q: %w", name, err), results.CategoryParserError)
		}
		utils = append(utils, exechost.Util{Name: name, Source: utilSource})
	}

	opts := []exechost.Option{
		exechost.WithEnvironment(m.Environment),
		exechost.WithStdin(pipe.Payload),
		exechost.WithUtilities(utils),
		exechost.WithNatives(dirs.Natives),
	}
	if m.TempDir != "" {
		opts = append(opts, exechost.WithDir(m.TempDir))
	}

	scriptPath := info.Path
	if scriptPath == "" {
		scriptPath = action.Name
	}
	if b.inst != nil {
		if tracker := b.inst.Instrument(scriptPath, string(source)); tracker != nil {
			opts = append(opts, exechost.WithTracer(tracker, scriptPath))
		}
	}

	host := exechost.New(action.Name, opts...)
	out := host.Run(ctx, string(source), action.BoundParams(dirs.AcceptedParams()))
	return &Outcome{Result: out.Result, Console: out.Console, ExitCode: out.ExitCode}
}

// runBecome relaunches the remaining queue under the target identity and
// blocks until the elevated child exits.
func (b *Bridge) runBecome(ctx context.Context, action manifest.Action, pipe *manifest.Pipeline) *Outcome {
	payload, err := io.ReadAll(pipe.Payload)
	if err != nil {
		return failureFrom(fmt.Errorf("read stdin payload: %w", err), results.CategoryNotSpecified)
	}
	var stream bytes.Buffer
	if err := manifest.EncodeStream(&stream, pipe.Manifest.Tail(), payload); err != nil {
		return failureFrom(err, results.CategoryNotSpecified)
	}

	out, err := elevate.Run(ctx, elevate.Command{
		Exe:      b.exe,
		BaseArgs: []string{"elevated"},
		Identity: becomeIdentity(action),
	}, stream.Bytes())
	if err != nil {
		return failureFrom(err, results.CategoryNativeCall)
	}

	b.relayStreams(out.StreamRecords, out.RawStderr)
	return &Outcome{Result: out.Result, Console: out.Console, ExitCode: out.ExitCode}
}

// becomeIdentity extracts the target principal from the stage parameters.
// The password rides secure_params; its presence, not its value, selects the
// credentialed spawn shape.
func becomeIdentity(action manifest.Action) elevate.Identity {
	var id elevate.Identity
	if v, ok := action.Params["become_user"].(string); ok {
		id.Username = v
	}
	if v, ok := action.Params["become_uid"].(int64); ok {
		id.UID = uint32(v)
	}
	if v, ok := action.Params["become_gid"].(int64); ok {
		id.GID = uint32(v)
	}
	if v, ok := action.SecureParams["become_password"]; ok {
		ss := manifest.WrapSecure(v)
		id.Password = &ss
	}
	return id
}

func (b *Bridge) relayStreams(records []clixml.Record, raw string) {
	for _, rec := range records {
		fmt.Fprintf(b.stderr, "%s: %s\n", rec.Stream, rec.Text)
	}
	if raw != "" {
		io.WriteString(b.stderr, raw)
		if !strings.HasSuffix(raw, "\n") {
			io.WriteString(b.stderr, "\n")
		}
	}
}

// runAsync detaches the remaining queue into a watchdog and replies with the
// provisional polling record. The stage's timeout_sec parameter rides the
// watchdog command line so the detached process knows its execution bound
// without re-reading configuration.
func (b *Bridge) runAsync(ctx context.Context, action manifest.Action, pipe *manifest.Pipeline) *Outcome {
	m := pipe.Manifest
	payload, err := io.ReadAll(pipe.Payload)
	if err != nil {
		return failureFrom(fmt.Errorf("read stdin payload: %w", err), results.CategoryNotSpecified)
	}
	var stream bytes.Buffer
	if err := manifest.EncodeStream(&stream, m.Tail(), payload); err != nil {
		return failureFrom(err, results.CategoryNotSpecified)
	}

	timeout := b.cfg.AsyncStartupTimeout
	if m.AsyncStartupTimeout > 0 {
		timeout = time.Duration(m.AsyncStartupTimeout) * time.Second
	}

	watchdogArgs := func(jobID, recordPath string) []string {
		args := []string{"watchdog", "--job-id", jobID, "--record", recordPath}
		if v, ok := action.Params["timeout_sec"].(int64); ok && v > 0 {
			args = append(args, "--timeout", fmt.Sprintf("%ds", v))
		}
		return args
	}
	sup, err := asyncsup.NewSupervisor(asyncsup.Config{
		Dir:            b.cfg.AsyncDir,
		StartupTimeout: timeout,
		Exe:            b.exe,
		WatchdogArgs:   watchdogArgs,
		RelaunchArgs: func(jobID, recordPath string) []string {
			return append([]string{"relaunch"}, watchdogArgs(jobID, recordPath)[1:]...)
		},
	})
	if err != nil {
		return failureFrom(err, results.CategoryNotSpecified)
	}

	rec, err := sup.Launch(ctx, m.AsyncJID, stream.Bytes())
	if err != nil {
		var startup *asyncsup.StartupError
		if errors.As(err, &startup) {
			return &Outcome{Result: startup.Result(), ExitCode: 1}
		}
		return failureFrom(err, results.CategoryNativeCall)
	}

	reply, err := json.Marshal(rec)
	if err != nil {
		return failureFrom(err, results.CategoryInvalidResult)
	}
	return &Outcome{Reply: reply}
}

// enableCoverage activates line tracing for the module stage. Without an
// output path the stage is inert.
func (b *Bridge) enableCoverage(action manifest.Action) {
	output := b.cfg.CoverageOutput
	if v, ok := action.Params["output"].(string); ok && v != "" {
		output = v
	}
	filter := b.cfg.CoveragePathFilter
	if v, ok := action.Params["path_filter"].(string); ok && v != "" {
		filter = v
	}
	if output == "" {
		return
	}
	b.inst = coverage.New(output, EngineName, EngineVersion, filter)
}

// WatchdogRun adapts the bridge into the watchdog's run callback. The
// payload is the execution stream the async stage re-transmitted: the queue
// tail plus the original stdin payload.
func (b *Bridge) WatchdogRun(ctx context.Context, payload []byte) *results.Result {
	pipe, err := manifest.Decode(bytes.NewReader(payload))
	if err != nil {
		return results.FailureFromError(err, &results.ErrorRecord{
			Message:  err.Error(),
			Category: results.CategoryParserError,
		})
	}

	oc := b.Execute(ctx, pipe)
	res := oc.Result
	if res == nil {
		res = results.Failure("detached stage produced no terminal result")
	}
	if oc.Console != "" {
		if _, taken := res.Fields["stdout"]; !taken {
			res.SetField("stdout", oc.Console)
		}
	}
	return res
}

func failure(format string, args ...any) *Outcome {
	return &Outcome{Result: results.Failure(format, args...), ExitCode: 1}
}

func failureFrom(err error, cat results.Category) *Outcome {
	return &Outcome{
		Result: results.FailureFromError(err, &results.ErrorRecord{
			Message:  err.Error(),
			Category: cat,
		}),
		ExitCode: 1,
	}
}
