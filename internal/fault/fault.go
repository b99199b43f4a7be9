// Package fault defines the error taxonomy shared by the session units and
// the supervisor that decides how to react to them.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and supervision decisions.
type Kind int

const (
	Unknown Kind = iota
	Transport
	Auth
	RateLimited
	Protocol
	ConnectionLost
	OrderActionFailed
	Init
	Config
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Auth:
		return "auth"
	case RateLimited:
		return "rate_limited"
	case Protocol:
		return "protocol"
	case ConnectionLost:
		return "connection_lost"
	case OrderActionFailed:
		return "order_action_failed"
	case Init:
		return "init"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may go away on its own.
func (k Kind) Retryable() bool {
	switch k {
	case Transport, RateLimited, Protocol, ConnectionLost:
		return true
	default:
		return false
	}
}

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the supervisor may restart the unit that
// produced this error. Init failures inherit the kind of their cause.
func (e *Error) Retryable() bool {
	if e.Kind == Init {
		if inner := KindOf(e.Err); inner != Unknown {
			return inner.Retryable()
		}
		return true
	}
	return e.Kind.Retryable()
}

// New wraps err with a kind and the failing operation.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// kinded is implemented by errors of other packages that know their kind,
// such as REST client errors.
type kinded interface {
	FaultKind() Kind
}

// KindOf returns the outermost kind found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k kinded
	if errors.As(err, &k) {
		return k.FaultKind()
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err may be retried. Context cancellation is
// never retryable and unclassified errors are treated as transport noise.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	var k kinded
	if errors.As(err, &k) {
		return k.FaultKind().Retryable()
	}
	return true
}
