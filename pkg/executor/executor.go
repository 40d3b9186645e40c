package executor

import "context"

// EventBufferSize is the capacity of the channel returned by Spawn
const EventBufferSize = 100

// EventKind identifies what an Event carries
type EventKind int

const (
	// EventStdout carries one line of standard output
	EventStdout EventKind = iota
	// EventStderr carries one line of standard error
	EventStderr
	// EventError reports a failure reading one of the pipes
	EventError
	// EventTerminated reports the process exit, exactly once per stream.
	// Output lines still buffered in the pipes may follow it.
	EventTerminated
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventError:
		return "error"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Event is one item of a spawned process's output stream
type Event struct {
	Kind EventKind
	Line string
	// ExitCode is set on EventTerminated; -1 when the process was ended by a signal
	ExitCode int
	Err      error
}

// Output is the captured result of Execute
type Output struct {
	Stdout   []byte
	Stderr   []byte
	Success  bool
	ExitCode int
}

// Handle identifies a spawned process
type Handle struct {
	PID int
}

// Executor runs external programs. env is a KEY=VALUE list layered on top of
// the current environment.
type Executor interface {
	// Execute runs the program to completion. A non-zero exit is reported
	// through Output.Success, not as an error.
	Execute(ctx context.Context, program string, args []string, env []string) (*Output, error)

	// Spawn starts the program and streams its output. The channel is
	// closed once the process has exited and both pipes are drained; it
	// must be read until then.
	Spawn(program string, args []string, env []string) (*Handle, <-chan Event, error)
}
