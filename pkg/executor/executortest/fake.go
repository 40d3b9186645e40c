// Package executortest provides a scripted Executor for tests.
package executortest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xlttj/tunfwd/pkg/executor"
)

// Call records one Execute or Spawn invocation
type Call struct {
	Program string
	Args    []string
	Env     []string
}

// Line returns the call as a space-joined command line
func (c Call) Line() string {
	return strings.Join(append([]string{c.Program}, c.Args...), " ")
}

// Fake is an executor.Executor whose Execute results are scripted per command
// line and whose spawned processes are driven by the test
type Fake struct {
	mu sync.Mutex

	// Responses maps a command line ("ip addr show") to its output
	Responses map[string]*executor.Output
	// Errors maps a command line to an Execute error
	Errors map[string]error
	// SpawnErr, when set, fails every Spawn
	SpawnErr error

	executed []Call
	spawned  []Call
	nextPID  int
	streams  map[int]chan executor.Event
}

// New returns a Fake whose first spawned pid is firstPID
func New(firstPID int) *Fake {
	return &Fake{
		Responses: make(map[string]*executor.Output),
		Errors:    make(map[string]error),
		nextPID:   firstPID,
		streams:   make(map[int]chan executor.Event),
	}
}

// Respond scripts a successful or failed result for a command line
func (f *Fake) Respond(line string, success bool, stdout string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses[line] = &executor.Output{Stdout: []byte(stdout), Success: success}
}

// Execute implements executor.Executor. Unscripted commands fail with exit 1.
func (f *Fake) Execute(_ context.Context, program string, args []string, env []string) (*executor.Output, error) {
	call := Call{Program: program, Args: append([]string(nil), args...), Env: env}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, call)

	if err, ok := f.Errors[call.Line()]; ok {
		return nil, err
	}
	if out, ok := f.Responses[call.Line()]; ok {
		cp := *out
		return &cp, nil
	}
	return &executor.Output{Success: false, ExitCode: 1}, nil
}

// Spawn implements executor.Executor
func (f *Fake) Spawn(program string, args []string, env []string) (*executor.Handle, <-chan executor.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SpawnErr != nil {
		return nil, nil, f.SpawnErr
	}
	f.spawned = append(f.spawned, Call{Program: program, Args: append([]string(nil), args...), Env: env})

	pid := f.nextPID
	f.nextPID++
	ch := make(chan executor.Event, executor.EventBufferSize)
	f.streams[pid] = ch
	return &executor.Handle{PID: pid}, ch, nil
}

// Emit sends an output event on a spawned process's stream
func (f *Fake) Emit(pid int, ev executor.Event) error {
	f.mu.Lock()
	ch, ok := f.streams[pid]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running fake process %d", pid)
	}
	ch <- ev
	return nil
}

// Terminate emits EventTerminated with code and closes the stream
func (f *Fake) Terminate(pid int, code int) error {
	f.mu.Lock()
	ch, ok := f.streams[pid]
	delete(f.streams, pid)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running fake process %d", pid)
	}
	ch <- executor.Event{Kind: executor.EventTerminated, ExitCode: code}
	close(ch)
	return nil
}

// Executed returns the Execute calls made so far
func (f *Fake) Executed() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.executed...)
}

// Spawned returns the Spawn calls made so far
func (f *Fake) Spawned() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.spawned...)
}
