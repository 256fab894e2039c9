//go:build windows

package child

import (
	"errors"
	"os"
	"os/exec"
	"time"
)

func setSysProcAttr(cmd *exec.Cmd) {}

func signalTo(pid int, sig os.Signal) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = p.Signal(sig)
}

func signalGroup(pid int, kill bool) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if kill {
		_ = p.Kill()
		return
	}
	// Windows has no SIGTERM equivalent for arbitrary processes.
	_ = p.Kill()
}

func exitStatus(err error) ExitStatus {
	st := ExitStatus{At: time.Now(), Err: err}
	if err == nil {
		return st
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		st.Code = ee.ExitCode()
		return st
	}
	st.Code = -1
	return st
}
