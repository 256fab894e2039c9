//go:build !windows

package child

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole process group so children of the child are
// reached too. Best-effort: the group may already be gone.
func signalGroup(pid int, kill bool) {
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	_ = syscall.Kill(-pid, sig)
}

func signalTo(pid int, sig os.Signal) {
	if s, ok := sig.(syscall.Signal); ok {
		_ = syscall.Kill(-pid, s)
	}
}

// exitStatus converts the error from cmd.Wait into an ExitStatus.
func exitStatus(err error) ExitStatus {
	st := ExitStatus{At: time.Now(), Err: err}
	if err == nil {
		return st
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				st.Code = -1
				st.Signal = ws.Signal().String()
				return st
			}
			st.Code = ws.ExitStatus()
			return st
		}
		st.Code = ee.ExitCode()
		return st
	}
	st.Code = -1
	return st
}
