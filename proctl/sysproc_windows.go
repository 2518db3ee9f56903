//go:build windows

package proctl

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// signalHandleEnv carries the signal pipe's handle value to the child; there
// is no fixed descriptor-number convention on this platform and os/exec does
// not support ExtraFiles here.
const signalHandleEnv = "WINEXEC_SIGNAL_HANDLE"

// inheritSignal marks the pipe handle inheritable, adds it to the explicit
// inherited-handle list and publishes its value in the child environment.
func inheritSignal(cmd *exec.Cmd, sig *os.File) error {
	h := windows.Handle(sig.Fd())
	if err := windows.SetHandleInformation(h, windows.HANDLE_FLAG_INHERIT, windows.HANDLE_FLAG_INHERIT); err != nil {
		return fmt.Errorf("mark signal handle inheritable: %w", err)
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.AdditionalInheritedHandles = append(
		cmd.SysProcAttr.AdditionalInheritedHandles, syscall.Handle(h))
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env, fmt.Sprintf("%s=%d", signalHandleEnv, uintptr(h)))
	return nil
}

func signalFile() *os.File {
	v := os.Getenv(signalHandleEnv)
	if v == "" {
		return nil
	}
	h, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil
	}
	return os.NewFile(uintptr(h), "signal")
}

func sysProcAttr(breakaway bool, cred *Credential) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{}
	if breakaway {
		attr.CreationFlags = windows.CREATE_BREAKAWAY_FROM_JOB | windows.CREATE_NEW_PROCESS_GROUP
	}
	// Identity switching on Windows goes through a logon token, not uid/gid;
	// the elevation layer handles that before spawning.
	_ = cred
	return attr
}

// CanBreakaway reports whether a child may be created outside the current
// job. A process outside any job can always detach; inside a job the job's
// limit flags must allow breakaway.
func CanBreakaway() bool {
	var inJob bool
	if err := windows.IsProcessInJob(windows.CurrentProcess(), 0, &inJob); err != nil {
		return false
	}
	if !inJob {
		return true
	}

	var info windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION
	err := windows.QueryInformationJobObject(
		0,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
		nil,
	)
	if err != nil {
		return false
	}
	flags := info.BasicLimitInformation.LimitFlags
	return flags&(windows.JOB_OBJECT_LIMIT_BREAKAWAY_OK|windows.JOB_OBJECT_LIMIT_SILENT_BREAKAWAY_OK) != 0
}
