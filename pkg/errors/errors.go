package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so front ends can decide how to present it.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that were not produced by this package
	KindUnknown Kind = iota
	// KindConfig covers load/parse failures of configuration or state files
	KindConfig
	// KindProcess covers spawn/kill failures and "already running"
	KindProcess
	// KindSystem covers interface creation, liveness probing and persistence I/O
	KindSystem
	// KindNotFound is returned for unknown tunnel names
	KindNotFound
	// KindInvalidInput is returned for malformed names, addresses or ports
	KindInvalidInput
	// KindBackend is returned when kubectl or ssh itself reported a failure
	KindBackend
)

// String returns the lower-case name of the kind
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindProcess:
		return "process"
	case KindSystem:
		return "system"
	case KindNotFound:
		return "not found"
	case KindInvalidInput:
		return "invalid input"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyRunning is returned when a tunnel with the same name is starting or running
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning is returned when a tunnel name has no registry entry
	ErrNotRunning = errors.New("not running")

	// ErrPersist is returned when the registry could not write its state file.
	// The in-memory registry is ahead of disk until the next successful write.
	ErrPersist = errors.New("failed to persist registry state")

	// ErrPrivilegedPort is returned when a tunnel binds a port below 1024 without root
	ErrPrivilegedPort = errors.New("privileged local port")
)

// Error is the error type returned by the supervision layer.
// Hint carries remediation text the user can act on, e.g. the exact sudo
// command needed to create a loopback alias.
type Error struct {
	Kind Kind
	// Op is the operation that failed ("start", "stop", "persist", ...)
	Op string
	// Name is the tunnel name, if any
	Name string
	Err  error
	Hint string
}

// Error returns a formatted error message
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Name != "" {
		fmt.Fprintf(&b, " %q", e.Name)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an *Error of the given kind
func New(kind Kind, op, name string, err error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: err}
}

// Newf is like New but formats the underlying error message
func Newf(kind Kind, op, name, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: fmt.Errorf(format, args...)}
}

// WithHint sets the remediation text and returns the same error
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf returns the Kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HintOf returns the first non-empty hint found in err's chain
func HintOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Hint != "" {
			return e.Hint
		}
		err = e.Err
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MultiError aggregates errors from bulk operations such as cleanup and verify
type MultiError struct {
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	msgs := make([]string, 0, len(m.Errors))
	for _, err := range m.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d errors occurred: %s", len(m.Errors), strings.Join(msgs, "; "))
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

// Unwrap exposes the aggregated errors to errors.Is and errors.As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}
