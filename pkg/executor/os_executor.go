package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/logging"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/errgroup"
)

// maxLineSize bounds a single output line; longer lines are reported as EventError
const maxLineSize = 1024 * 1024

// OSExecutor runs programs with os/exec
type OSExecutor struct{}

// New returns an Executor backed by the operating system
func New() *OSExecutor {
	return &OSExecutor{}
}

func withEnv(cmd *exec.Cmd, env []string) *exec.Cmd {
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return cmd
}

// Execute runs the program and captures its output
func (e *OSExecutor) Execute(ctx context.Context, program string, args []string, env []string) (*Output, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := withEnv(exec.CommandContext(ctx, program, args...), env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		out.Success = true
		return out, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, tferrors.New(tferrors.KindProcess, "execute", "", fmt.Errorf("%s: %w", program, ctxErr))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	return nil, tferrors.New(tferrors.KindProcess, "execute", "",
		fmt.Errorf("%s: %w", shellquote.Join(append([]string{program}, args...)...), err))
}

// Spawn starts the program with piped stdout and stderr. Two line readers and
// an exit waiter feed the returned channel. The waiter reaps the process and
// emits EventTerminated as soon as it exits; the readers keep going until the
// pipes hit EOF, which a grandchild holding them open can delay. The channel
// is closed once all three are done.
func (e *OSExecutor) Spawn(program string, args []string, env []string) (*Handle, <-chan Event, error) {
	cmd := withEnv(exec.Command(program, args...), env)
	cmd.SysProcAttr = sysProcAttr()
	cmdline := shellquote.Join(append([]string{program}, args...)...)

	// The readers own the read ends; cmd.Wait must not close them
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, tferrors.New(tferrors.KindProcess, "spawn", "", fmt.Errorf("stdout pipe: %w", err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, nil, tferrors.New(tferrors.KindProcess, "spawn", "", fmt.Errorf("stderr pipe: %w", err))
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	// The child holds its own copies of the write ends
	closeAll(stdoutW, stderrW)
	if startErr != nil {
		closeAll(stdoutR, stderrR)
		logging.LogError("Failed to start %s: %v", cmdline, startErr)
		return nil, nil, tferrors.New(tferrors.KindProcess, "spawn", "", fmt.Errorf("%s: %w", cmdline, startErr))
	}

	pid := cmd.Process.Pid
	logging.LogDebug("Spawned PID %d: %s", pid, cmdline)

	events := make(chan Event, EventBufferSize)

	var producers errgroup.Group
	producers.Go(func() error {
		defer stdoutR.Close()
		return readLines(stdoutR, EventStdout, events)
	})
	producers.Go(func() error {
		defer stderrR.Close()
		return readLines(stderrR, EventStderr, events)
	})
	producers.Go(func() error {
		events <- waitExit(cmd, pid)
		return nil
	})

	go func() {
		if err := producers.Wait(); err != nil {
			events <- Event{Kind: EventError, Err: err}
		}
		close(events)
	}()

	return &Handle{PID: pid}, events, nil
}

// waitExit reaps cmd and reports how it ended
func waitExit(cmd *exec.Cmd, pid int) Event {
	waitErr := cmd.Wait()
	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
			waitErr = nil
		} else {
			code = -1
		}
	}
	logging.LogDebug("PID %d exited with code %d", pid, code)
	return Event{Kind: EventTerminated, ExitCode: code, Err: waitErr}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// readLines emits one event per line. On a read error the rest of the pipe is
// discarded so the child never blocks on a full pipe.
func readLines(r io.Reader, kind EventKind, events chan<- Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		events <- Event{Kind: kind, Line: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("reading %s: %w", kind, err)
	}
	return nil
}
