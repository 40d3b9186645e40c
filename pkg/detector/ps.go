package detector

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/xlttj/tunfwd/pkg/config"
	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/executor"
)

// probeTimeout bounds a single ps/tasklist invocation
const probeTimeout = 10 * time.Second

// PsDetector shells out to ps (tasklist on Windows) through the Executor
type PsDetector struct {
	exec executor.Executor
	goos string
	self int
}

// NewPsDetector returns a PsDetector for the running platform
func NewPsDetector(exec executor.Executor) *PsDetector {
	return NewPsDetectorFor(exec, runtime.GOOS)
}

// NewPsDetectorFor returns a PsDetector for the given GOOS value
func NewPsDetectorFor(exec executor.Executor, goos string) *PsDetector {
	return &PsDetector{exec: exec, goos: goos, self: os.Getpid()}
}

// IsAlive runs `ps -p <pid>` (or tasklist) and reports whether pid exists
func (d *PsDetector) IsAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	pidStr := strconv.Itoa(pid)
	if d.goos == "windows" {
		out, err := d.exec.Execute(ctx, "tasklist", []string{"/FI", "PID eq " + pidStr}, nil)
		if err != nil {
			return false, tferrors.New(tferrors.KindSystem, "probe", "", fmt.Errorf("failed to check process %d: %w", pid, err))
		}
		return tasklistHasPID(out.Stdout, pidStr), nil
	}

	out, err := d.exec.Execute(ctx, "ps", []string{"-p", pidStr}, nil)
	if err != nil {
		return false, tferrors.New(tferrors.KindSystem, "probe", "", fmt.Errorf("failed to check process %d: %w", pid, err))
	}
	return out.Success, nil
}

// MatchesRunning scans the process table for cfg's tunnel
func (d *PsDetector) MatchesRunning(cfg config.TunnelConfig) (bool, error) {
	_, found, err := d.FindPID(cfg)
	return found, err
}

// FindPID scans the process table for cfg's tunnel
func (d *PsDetector) FindPID(cfg config.TunnelConfig) (int, bool, error) {
	table, err := d.processTable()
	if err != nil {
		return 0, false, err
	}
	p, found := findMatch(table, cfg, d.self)
	return p.PID, found, nil
}

// processTable parses `ps aux`. The process table isn't scanned on Windows;
// use the native detector there.
func (d *PsDetector) processTable() ([]Process, error) {
	if d.goos == "windows" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := d.exec.Execute(ctx, "ps", []string{"aux"}, nil)
	if err != nil {
		return nil, tferrors.New(tferrors.KindSystem, "probe", "", fmt.Errorf("failed to list processes: %w", err))
	}
	return parsePsAux(out.Stdout), nil
}

// parsePsAux reads the PID from the second column of every row
func parsePsAux(output []byte) []Process {
	var table []Process
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			// header row
			continue
		}
		table = append(table, Process{PID: pid, Line: line})
	}
	return table
}

func tasklistHasPID(output []byte, pid string) bool {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == pid {
			return true
		}
	}
	return false
}
