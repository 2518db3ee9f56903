//go:build unix

package proctl

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// SignalFD is the descriptor number the signal pipe lands on in the child:
// the first slot after stdin, stdout and stderr.
const SignalFD = 3

// inheritSignal passes the signal pipe as the first extra descriptor, so the
// child finds it on SignalFD.
func inheritSignal(cmd *exec.Cmd, sig *os.File) error {
	cmd.ExtraFiles = append(cmd.ExtraFiles, sig)
	return nil
}

func signalFile() *os.File {
	return os.NewFile(uintptr(SignalFD), "signal")
}

func sysProcAttr(breakaway bool, cred *Credential) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{}
	if breakaway {
		// A new session detaches the child from the parent's process group
		// and controlling terminal, so group signals and parent death do not
		// reach it.
		attr.Setsid = true
	}
	if cred != nil {
		attr.Credential = &syscall.Credential{Uid: cred.UID, Gid: cred.GID}
	}
	return attr
}

// CanBreakaway reports whether this process should start a detached child
// directly. A process that already leads its session relaunches through an
// intermediate instead, following the double-fork convention, so the survivor
// is never the direct child of a session leader.
func CanBreakaway() bool {
	sid, err := unix.Getsid(0)
	if err != nil {
		return false
	}
	return sid != os.Getpid()
}
