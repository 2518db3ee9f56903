package proctl

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Role names one handle slot of a child process.
type Role int

const (
	RoleStdin Role = iota
	RoleStdout
	RoleStderr
	// RoleSignal is an extra inherited pipe the child writes readiness to.
	RoleSignal
)

// String returns a string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleStdin:
		return "stdin"
	case RoleStdout:
		return "stdout"
	case RoleStderr:
		return "stderr"
	case RoleSignal:
		return "signal"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// writesToChild reports whether the parent holds the write end for this role.
func (r Role) writesToChild() bool {
	return r == RoleStdin
}

// HandleSet is the pipe arena for one child: each requested role gets a pipe,
// split into a parent end and a child end.
type HandleSet struct {
	parent map[Role]*os.File
	child  map[Role]*os.File
}

// NewHandleSet allocates one pipe per role. On error every already-created
// handle is closed.
func NewHandleSet(roles ...Role) (*HandleSet, error) {
	s := &HandleSet{
		parent: make(map[Role]*os.File, len(roles)),
		child:  make(map[Role]*os.File, len(roles)),
	}
	for _, role := range roles {
		if _, ok := s.parent[role]; ok {
			s.Close()
			return nil, fmt.Errorf("duplicate handle role %s", role)
		}
		r, w, err := os.Pipe()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("create %s pipe: %w", role, err)
		}
		if role.writesToChild() {
			s.parent[role], s.child[role] = w, r
		} else {
			s.parent[role], s.child[role] = r, w
		}
	}
	return s, nil
}

// Parent returns the parent-side end for role, or nil if the role was not
// allocated.
func (s *HandleSet) Parent(role Role) *os.File {
	return s.parent[role]
}

// Child returns the child-side end for role.
func (s *HandleSet) Child(role Role) *os.File {
	return s.child[role]
}

// CloseChild closes the child-side ends. Called in the parent after a
// successful spawn so EOF propagates when the child exits.
func (s *HandleSet) CloseChild() error {
	var first error
	for role, f := range s.child {
		if err := f.Close(); err != nil && first == nil {
			first = fmt.Errorf("close child %s: %w", role, err)
		}
		delete(s.child, role)
	}
	return first
}

// CloseParent closes the parent-side ends.
func (s *HandleSet) CloseParent() error {
	var first error
	for role, f := range s.parent {
		if err := f.Close(); err != nil && first == nil {
			first = fmt.Errorf("close parent %s: %w", role, err)
		}
		delete(s.parent, role)
	}
	return first
}

// Close closes every remaining handle on both sides.
func (s *HandleSet) Close() error {
	errChild := s.CloseChild()
	errParent := s.CloseParent()
	if errChild != nil {
		return errChild
	}
	return errParent
}

// Credential is the identity a child should run as. The zero distinction that
// matters to callers is *Credential nil versus non-nil: nil inherits the
// parent's identity, non-nil switches even when the IDs happen to match.
type Credential struct {
	UID uint32
	GID uint32
}

// Command describes a child to spawn.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	// Handles supplies the child's standard streams and any extra roles.
	// RoleSignal, when present, is inherited platform-specifically; the child
	// reopens it through SignalFile.
	Handles *HandleSet

	// Breakaway detaches the child from the parent's process group or job so
	// it outlives the parent.
	Breakaway bool

	// Credential, when non-nil, runs the child under another identity.
	Credential *Credential
}

// Process is a spawned child.
type Process struct {
	cmd *exec.Cmd
}

// Spawn starts the child. The child-side handle ends are closed in the
// parent on success; the parent-side ends stay open for the caller.
func Spawn(c Command) (*Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.SysProcAttr = sysProcAttr(c.Breakaway, c.Credential)

	if c.Handles != nil {
		cmd.Stdin = c.Handles.Child(RoleStdin)
		cmd.Stdout = c.Handles.Child(RoleStdout)
		cmd.Stderr = c.Handles.Child(RoleStderr)
		if sig := c.Handles.Child(RoleSignal); sig != nil {
			if err := inheritSignal(cmd, sig); err != nil {
				return nil, fmt.Errorf("inherit signal pipe: %w", err)
			}
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", c.Path, err)
	}
	if c.Handles != nil {
		// The child owns its ends now; keeping them open in the parent would
		// stop EOF from ever arriving.
		_ = c.Handles.CloseChild()
	}
	return &Process{cmd: cmd}, nil
}

// PID returns the child's process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Wait blocks until the child exits and returns its exit code.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// WaitCh runs Wait in a goroutine and delivers the outcome on a channel, for
// callers that select against other events.
func (p *Process) WaitCh() <-chan WaitResult {
	ch := make(chan WaitResult, 1)
	go func() {
		code, err := p.Wait()
		ch <- WaitResult{Code: code, Err: err}
	}()
	return ch
}

// WaitResult is the outcome of a WaitCh wait.
type WaitResult struct {
	Code int
	Err  error
}

// Kill forcibly terminates the child.
func (p *Process) Kill() error {
	return p.cmd.Process.Kill()
}

// SignalFile opens the inherited signal pipe from inside a child process, or
// nil when none was inherited. On unix the pipe sits on a fixed descriptor
// number; on Windows the handle value rides the environment instead.
func SignalFile() *os.File {
	return signalFile()
}

// SpawnInherited starts a child that reuses this process's standard streams
// and inherited signal pipe. A relaunch intermediate uses it to hand all of
// its pipes to the real worker before exiting.
func SpawnInherited(path string, args []string, breakaway bool) (*Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = sysProcAttr(breakaway, nil)
	if sig := SignalFile(); sig != nil {
		if err := inheritSignal(cmd, sig); err != nil {
			return nil, fmt.Errorf("inherit signal pipe: %w", err)
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", path, err)
	}
	return &Process{cmd: cmd}, nil
}
