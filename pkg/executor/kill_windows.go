//go:build windows

package executor

import (
	"fmt"
	"os"
	"syscall"

	tferrors "github.com/xlttj/tunfwd/pkg/errors"
)

// Kill terminates pid; Windows has no SIGTERM
func Kill(pid int) error {
	if pid <= 0 {
		return tferrors.Newf(tferrors.KindInvalidInput, "kill", "", "invalid pid %d", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return tferrors.New(tferrors.KindProcess, "kill", "", fmt.Errorf("pid %d: %w", pid, err))
	}
	if err := proc.Kill(); err != nil {
		return tferrors.New(tferrors.KindProcess, "kill", "", fmt.Errorf("pid %d: %w", pid, err))
	}
	return nil
}

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
