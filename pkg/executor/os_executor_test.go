//go:build !windows

package executor

import (
	"context"
	"testing"
	"time"

	tferrors "github.com/xlttj/tunfwd/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
			return out
		}
	}
}

func linesOf(events []Event, kind EventKind) []string {
	var lines []string
	for _, ev := range events {
		if ev.Kind == kind {
			lines = append(lines, ev.Line)
		}
	}
	return lines
}

func TestExecuteCapturesOutput(t *testing.T) {
	out, err := New().Execute(context.Background(), "sh", []string{"-c", "echo hello; echo oops 1>&2"}, nil)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "hello\n", string(out.Stdout))
	assert.Equal(t, "oops\n", string(out.Stderr))
}

func TestExecuteNonZeroExitIsNotAnError(t *testing.T) {
	out, err := New().Execute(context.Background(), "sh", []string{"-c", "exit 3"}, nil)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, 3, out.ExitCode)
}

func TestExecuteMissingProgram(t *testing.T) {
	_, err := New().Execute(context.Background(), "/nonexistent/tunfwd-test-binary", nil, nil)
	require.Error(t, err)
	assert.Equal(t, tferrors.KindProcess, tferrors.KindOf(err))
}

func terminatedEvents(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == EventTerminated {
			out = append(out, ev)
		}
	}
	return out
}

func TestSpawnStreamsOutputAndTerminatesOnce(t *testing.T) {
	handle, events, err := New().Spawn("sh", []string{"-c", "echo one; echo two; echo warn 1>&2; exit 2"}, nil)
	require.NoError(t, err)
	assert.Greater(t, handle.PID, 0)

	all := collect(t, events)
	terminated := terminatedEvents(all)
	require.Len(t, terminated, 1)
	assert.Equal(t, 2, terminated[0].ExitCode)
	assert.NoError(t, terminated[0].Err)

	assert.Equal(t, []string{"one", "two"}, linesOf(all, EventStdout))
	assert.Equal(t, []string{"warn"}, linesOf(all, EventStderr))
}

func TestSpawnReportsExitWhileGrandchildHoldsPipes(t *testing.T) {
	start := time.Now()
	_, events, err := New().Spawn("sh", []string{"-c", "sleep 3 & echo parent-exiting; exit 0"}, nil)
	require.NoError(t, err)

	var exitedAfter time.Duration
	var all []Event
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				done = true
				break
			}
			if ev.Kind == EventTerminated {
				exitedAfter = time.Since(start)
			}
			all = append(all, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}

	terminated := terminatedEvents(all)
	require.Len(t, terminated, 1)
	assert.Equal(t, 0, terminated[0].ExitCode)
	assert.Less(t, exitedAfter, 2*time.Second, "exit is reported before the grandchild releases the pipes")
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second, "the stream stays open until the pipes close")
	assert.Equal(t, []string{"parent-exiting"}, linesOf(all, EventStdout))
}

func TestSpawnPassesEnvironment(t *testing.T) {
	_, events, err := New().Spawn("sh", []string{"-c", "echo $TUNFWD_TEST_VAR"}, []string{"TUNFWD_TEST_VAR=layered"})
	require.NoError(t, err)
	assert.Equal(t, []string{"layered"}, linesOf(collect(t, events), EventStdout))
}

func TestSpawnFailureIsImmediate(t *testing.T) {
	handle, events, err := New().Spawn("/nonexistent/tunfwd-test-binary", nil, nil)
	require.Error(t, err)
	assert.Nil(t, handle)
	assert.Nil(t, events)
	assert.Equal(t, tferrors.KindProcess, tferrors.KindOf(err))
}

func TestKillEndsSpawnedProcess(t *testing.T) {
	handle, events, err := New().Spawn("sleep", []string{"30"}, nil)
	require.NoError(t, err)

	require.NoError(t, Kill(handle.PID))

	terminated := terminatedEvents(collect(t, events))
	require.Len(t, terminated, 1)
	assert.Equal(t, -1, terminated[0].ExitCode)
}

func TestKillRejectsInvalidPID(t *testing.T) {
	err := Kill(0)
	require.Error(t, err)
	assert.Equal(t, tferrors.KindInvalidInput, tferrors.KindOf(err))
}
