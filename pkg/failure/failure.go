// Package failure implements the Result-style error model called for in
// place of exceptions (§9): a small set of distinguished error Kinds with an
// optional wrapped inner failure, so callers can branch on cause instead of
// parsing messages.
package failure

import "fmt"

// Kind enumerates the error categories in §7. NotFound is deliberately not
// represented as a Kind: per spec it is propagated as a plain (nil, false) or
// (zero-value, nil) return, never as an error.
type Kind int

const (
	// Unavailable: content is known by hash but cannot be fetched.
	Unavailable Kind = iota
	// Corrupted: a blob deserialized to an invalid structure.
	Corrupted
	// Conflict: two inconsistent reports for the same identity.
	Conflict
	// Cancelled: cooperative cancellation resolved the operation.
	Cancelled
	// IOError: a raw OS-level failure.
	IOError
	// VersionMismatch: persisted store version doesn't match the expected format.
	VersionMismatch
)

func (k Kind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Corrupted:
		return "corrupted"
	case Conflict:
		return "conflict"
	case Cancelled:
		return "cancelled"
	case IOError:
		return "io error"
	case VersionMismatch:
		return "version mismatch"
	default:
		return "unknown"
	}
}

// Failure is the base error type. It carries a Kind, a human description,
// and an optional inner failure forming a chain (unwrap via errors.Unwrap).
type Failure struct {
	Kind    Kind
	Message string
	Inner   error
}

// New constructs a Failure of the given kind.
func New(kind Kind, message string) *Failure {
	return &Failure{Kind: kind, Message: message}
}

// Wrap constructs a Failure of the given kind, chaining an inner cause.
func Wrap(kind Kind, message string, inner error) *Failure {
	return &Failure{Kind: kind, Message: message, Inner: inner}
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Inner != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Inner)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap allows errors.Is/errors.As to traverse the failure chain.
func (f *Failure) Unwrap() error {
	return f.Inner
}

// Is reports whether err is a Failure of the given kind, unwrapping chains.
func Is(err error, kind Kind) bool {
	for err != nil {
		if f, ok := err.(*Failure); ok {
			if f.Kind == kind {
				return true
			}
			err = f.Inner
			continue
		}
		return false
	}
	return false
}
