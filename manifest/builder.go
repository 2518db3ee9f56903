package manifest

import (
	"fmt"
	"io"
)

// Builder composes a manifest on the controller side: scripts first, then an
// ordered action chain, then wrapper configuration. It is the authoring
// counterpart of Decode.
type Builder struct {
	m   Manifest
	err error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{m: Manifest{Scripts: make(map[string]ScriptInfo)}}
}

// AddScript registers a named script body. Re-adding a name is an error;
// scripts are immutable once attached.
func (b *Builder) AddScript(name string, source []byte, path string) *Builder {
	if b.err != nil {
		return b
	}
	if _, ok := b.m.Scripts[name]; ok {
		b.err = fmt.Errorf("script %q already added", name)
		return b
	}
	b.m.Scripts[name] = NewScriptInfo(source, path)
	return b
}

// AddAction appends an action to the chain.
func (b *Builder) AddAction(name string, params, secureParams map[string]any) *Builder {
	if b.err != nil {
		return b
	}
	b.m.Actions = append(b.m.Actions, Action{
		Name:         name,
		Params:       params,
		SecureParams: secureParams,
	})
	return b
}

// Environment sets the process-wide environment map.
func (b *Builder) Environment(env map[string]string) *Builder {
	b.m.Environment = env
	return b
}

// TempDir sets the remote scratch directory hint.
func (b *Builder) TempDir(dir string) *Builder {
	b.m.TempDir = dir
	return b
}

// MinEngineVersion sets the minimum engine version the bridge must satisfy
// before executing any action.
func (b *Builder) MinEngineVersion(version string) *Builder {
	b.m.MinEngineVersion = version
	return b
}

// AsyncJob sets the detached-run job id and startup timeout override.
func (b *Builder) AsyncJob(jid string, startupTimeoutSeconds int) *Builder {
	b.m.AsyncJID = jid
	b.m.AsyncStartupTimeout = startupTimeoutSeconds
	return b
}

// Manifest validates and returns the composed manifest. Every action must
// either name a known script or be one of the reserved wrapper stages the
// bridge handles without a script body.
func (b *Builder) Manifest(reserved ...string) (*Manifest, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.m.Actions) == 0 {
		return nil, ErrNoActions
	}
	reservedSet := make(map[string]bool, len(reserved))
	for _, name := range reserved {
		reservedSet[name] = true
	}
	for _, action := range b.m.Actions {
		if reservedSet[action.Name] {
			continue
		}
		if _, ok := b.m.Scripts[action.Name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScript, action.Name)
		}
	}
	return &b.m, nil
}

// Encode validates the manifest and writes the full execution stream:
// manifest segment, sentinel line, then the raw stdin payload.
func (b *Builder) Encode(w io.Writer, payload []byte, reserved ...string) error {
	m, err := b.Manifest(reserved...)
	if err != nil {
		return err
	}
	return EncodeStream(w, m, payload)
}
