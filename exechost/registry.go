package exechost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/interp"

	"github.com/smnsjas/go-winexec/results"
)

// NativeFunc is one native helper command. It runs in place of an external
// process; IO and environment come from interp.HandlerCtx.
type NativeFunc func(ctx context.Context, args []string) error

// Module is a named bundle of native helper commands.
type Module struct {
	Name     string
	Commands map[string]NativeFunc
}

// Registry holds native modules. Modules register once per process and are
// looked up by name when a script declares "# requires -native <name>".
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module. Registering the same name twice is an error so a
// module cannot be silently replaced mid-process.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[m.Name]; ok {
		return fmt.Errorf("native module %q already registered", m.Name)
	}
	r.modules[m.Name] = m
	return nil
}

// Load resolves a module by name.
func (r *Registry) Load(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return Module{}, fmt.Errorf("native module %q is not registered", name)
	}
	return m, nil
}

// ExecMiddleware builds an exec handler that dispatches the named modules'
// commands before falling back to external command execution.
func (r *Registry) ExecMiddleware(names []string) (func(interp.ExecHandlerFunc) interp.ExecHandlerFunc, error) {
	commands := make(map[string]NativeFunc)
	for _, name := range names {
		m, err := r.Load(name)
		if err != nil {
			return nil, err
		}
		for cmdName, fn := range m.Commands {
			commands[cmdName] = fn
		}
	}

	middleware := func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
		return func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				if fn, ok := commands[args[0]]; ok {
					return fn(ctx, args)
				}
			}
			return next(ctx, args)
		}
	}
	return middleware, nil
}

// DefaultRegistry is the process-wide registry. The stock "result" module is
// always available.
var DefaultRegistry = func() *Registry {
	r := NewRegistry()
	if err := r.Register(resultModule()); err != nil {
		panic(err)
	}
	return r
}()

// resultModule provides exit_json and fail_json, the helpers module scripts
// use to emit a structured result without hand-rolling JSON:
//
//	exit_json changed=true msg="all done"
//	fail_json "could not reach host" rc=3
func resultModule() Module {
	return Module{
		Name: "result",
		Commands: map[string]NativeFunc{
			"exit_json": func(ctx context.Context, args []string) error {
				hc := interp.HandlerCtx(ctx)
				fields := parseFieldArgs(args[1:])
				res := results.OK(fields)
				return json.NewEncoder(hc.Stdout).Encode(res)
			},
			"fail_json": func(ctx context.Context, args []string) error {
				hc := interp.HandlerCtx(ctx)
				var msgParts []string
				var fieldArgs []string
				for _, arg := range args[1:] {
					if strings.Contains(arg, "=") {
						fieldArgs = append(fieldArgs, arg)
					} else {
						msgParts = append(msgParts, arg)
					}
				}
				res := results.Failure("%s", strings.Join(msgParts, " "))
				res.Fields = parseFieldArgs(fieldArgs)
				return json.NewEncoder(hc.Stdout).Encode(res)
			},
		},
	}
}

// parseFieldArgs turns key=value arguments into result fields. Values that
// parse as JSON scalars keep their type; everything else stays a string.
func parseFieldArgs(args []string) map[string]any {
	if len(args) == 0 {
		return nil
	}
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			continue
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			fields[key] = typed
		} else {
			fields[key] = value
		}
	}
	return fields
}
