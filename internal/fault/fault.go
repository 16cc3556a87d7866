// Package fault classifies execution failures so the supervisor can decide
// between retrying, failing fast, alerting an operator, or parking a job.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	// Transient covers network/RPC timeouts and node congestion. Retried.
	Transient Kind = iota
	// Rejected is an on-chain or builder rejection such as slippage exceeded
	// or stale pool state. Not retried as-is.
	Rejected
	// Precondition is a failed pre-flight check: insufficient balance, wallet
	// locked, wrong lifecycle state.
	Precondition
	// Security is a credential or decryption failure.
	Security
	// Partial is a multi-step job that stopped after some steps landed.
	Partial
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	case Precondition:
		return "precondition"
	case Security:
		return "security"
	case Partial:
		return "partial"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether a failure of this kind may consume retry budget.
func (k Kind) Retryable() bool {
	return k == Transient
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost classification found in err's chain.
// Unclassified errors are Transient; a context deadline is Transient too.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Transient
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Cancelled reports whether err came from the caller's context being
// cancelled, as opposed to a collaborator timing out.
func Cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}
