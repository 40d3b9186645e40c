package detector

import (
	"fmt"
	"os"

	"github.com/xlttj/tunfwd/pkg/config"
	tferrors "github.com/xlttj/tunfwd/pkg/errors"

	"github.com/shirou/gopsutil/process"
)

// NativeDetector reads the process table through gopsutil instead of
// parsing ps output. It also works on Windows.
type NativeDetector struct {
	self int
}

// NewNativeDetector returns a gopsutil-backed Detector
func NewNativeDetector() *NativeDetector {
	return &NativeDetector{self: os.Getpid()}
}

// IsAlive reports whether pid exists
func (d *NativeDetector) IsAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return false, tferrors.New(tferrors.KindSystem, "probe", "", fmt.Errorf("failed to check process %d: %w", pid, err))
	}
	return alive, nil
}

// MatchesRunning scans the process table for cfg's tunnel
func (d *NativeDetector) MatchesRunning(cfg config.TunnelConfig) (bool, error) {
	_, found, err := d.FindPID(cfg)
	return found, err
}

// FindPID scans the process table for cfg's tunnel
func (d *NativeDetector) FindPID(cfg config.TunnelConfig) (int, bool, error) {
	procs, err := process.Processes()
	if err != nil {
		return 0, false, tferrors.New(tferrors.KindSystem, "probe", "", fmt.Errorf("failed to list processes: %w", err))
	}

	table := make([]Process, 0, len(procs))
	for _, p := range procs {
		// Processes can exit or deny access while the table is being read
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		table = append(table, Process{PID: int(p.Pid), Line: cmdline})
	}

	match, found := findMatch(table, cfg, d.self)
	return match.PID, found, nil
}
