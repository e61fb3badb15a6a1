// Package fault classifies the terminal failures elfvault reports to users.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind int

const (
	// Unknown is returned by KindOf for errors that carry no Kind.
	Unknown Kind = iota
	// Configuration: a required tool or setting is missing or invalid.
	Configuration
	// NotFound: no image could be resolved.
	NotFound
	// IO: a filesystem or network operation failed.
	IO
	// Delegate: the external analyzer failed.
	Delegate
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case NotFound:
		return "not found"
	case IO:
		return "io"
	case Delegate:
		return "delegate"
	default:
		return "unknown"
	}
}

// Error is a classified failure with optional remediation hints.
type Error struct {
	Kind  Kind
	Op    string
	Err   error
	Hints []string
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a formatted message.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithHints returns e with hints appended.
func (e *Error) WithHints(hints ...string) *Error {
	e.Hints = append(e.Hints, hints...)
	return e
}

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HintsOf collects hints from every classified error in err's chain.
func HintsOf(err error) []string {
	var hints []string
	for err != nil {
		if fe, ok := err.(*Error); ok {
			hints = append(hints, fe.Hints...)
		}
		err = errors.Unwrap(err)
	}
	return hints
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
