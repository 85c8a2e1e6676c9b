package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// ExitStatus is the terminal state of a supervised process.
type ExitStatus struct {
	Code     int
	Signal   string
	Signaled bool
	// Err is set when the process could not be waited on at all.
	Err error
}

// Success reports a zero exit with no wait error.
func (s ExitStatus) Success() bool {
	return s.Err == nil && !s.Signaled && s.Code == 0
}

// Describe renders a short human-readable reason for a failure. It is empty
// for success.
func (s ExitStatus) Describe() string {
	switch {
	case s.Success():
		return ""
	case s.Err != nil:
		return s.Err.Error()
	case s.Signaled:
		return fmt.Sprintf("terminated by signal %s", s.Signal)
	case s.Code == 127:
		return "command not found (exit 127)"
	case s.Code == 126:
		return "permission denied (exit 126)"
	default:
		return fmt.Sprintf("exit status %d", s.Code)
	}
}

func statusFromWait(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitStatus{Code: -1, Err: err}
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return ExitStatus{
			Code:     128 + int(sig),
			Signal:   sig.String(),
			Signaled: true,
		}
	}
	return ExitStatus{Code: exitErr.ExitCode()}
}
