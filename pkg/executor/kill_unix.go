//go:build !windows

package executor

import (
	"fmt"
	"syscall"

	tferrors "github.com/xlttj/tunfwd/pkg/errors"
)

// Kill sends SIGTERM to pid
func Kill(pid int) error {
	if pid <= 0 {
		return tferrors.Newf(tferrors.KindInvalidInput, "kill", "", "invalid pid %d", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return tferrors.New(tferrors.KindProcess, "kill", "", fmt.Errorf("pid %d: %w", pid, err))
	}
	return nil
}

// sysProcAttr puts the child in its own process group so a terminal
// interrupt reaches tunfwd only; tunnels are stopped explicitly.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
