package detector

import (
	"github.com/xlttj/tunfwd/pkg/config"
)

// Detector answers liveness and process-table questions. It never mutates
// anything.
type Detector interface {
	// IsAlive reports whether a process with pid exists
	IsAlive(pid int) (bool, error)
	// MatchesRunning reports whether an unmanaged process looks like cfg's tunnel
	MatchesRunning(cfg config.TunnelConfig) (bool, error)
	// FindPID returns the pid of the first process that looks like cfg's tunnel
	FindPID(cfg config.TunnelConfig) (pid int, found bool, err error)
}

// Process is one row of the process table
type Process struct {
	PID int
	// Line is the text the heuristic runs on: the full `ps aux` row or the
	// process command line
	Line string
}

// findMatch returns the first process matching cfg, skipping self
func findMatch(table []Process, cfg config.TunnelConfig, self int) (Process, bool) {
	for _, p := range table {
		if p.PID == self {
			continue
		}
		if Matches(p.Line, cfg) {
			return p, true
		}
	}
	return Process{}, false
}
