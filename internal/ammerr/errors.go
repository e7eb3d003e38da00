package ammerr

import (
	"errors"
	"fmt"
	"math/big"
)

// Kind classifies a failure. The set is closed.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidAmount
	KindRatioMismatch
	KindInsufficientBalance
	KindAuthorizationFailure
	KindMutationFailure
	KindConfirmationTimeout
	KindStaleSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindInvalidAmount:
		return "InvalidAmount"
	case KindRatioMismatch:
		return "RatioMismatch"
	case KindInsufficientBalance:
		return "InsufficientBalance"
	case KindAuthorizationFailure:
		return "AuthorizationFailure"
	case KindMutationFailure:
		return "MutationFailure"
	case KindConfirmationTimeout:
		return "ConfirmationTimeout"
	case KindStaleSnapshot:
		return "StaleSnapshotError"
	default:
		return "Unknown"
	}
}

// Local reports whether the kind is raised before any remote write.
func (k Kind) Local() bool {
	switch k {
	case KindInvalidAmount, KindRatioMismatch, KindInsufficientBalance, KindStaleSnapshot:
		return true
	default:
		return false
	}
}

// Error is the structured failure shared by every component.
//
// Detail holds remote-supplied text for diagnostics only; callers branch on Kind.
type Error struct {
	Kind     Kind
	Step     int
	Required *big.Int
	Detail   string
	Err      error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInvalidAmount        = &Error{Kind: KindInvalidAmount}
	ErrRatioMismatch        = &Error{Kind: KindRatioMismatch}
	ErrInsufficientBalance  = &Error{Kind: KindInsufficientBalance}
	ErrAuthorizationFailure = &Error{Kind: KindAuthorizationFailure}
	ErrMutationFailure      = &Error{Kind: KindMutationFailure}
	ErrConfirmationTimeout  = &Error{Kind: KindConfirmationTimeout}
	ErrStaleSnapshot        = &Error{Kind: KindStaleSnapshot}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Step > 0 {
		msg = fmt.Sprintf("%s at step %d", msg, e.Step)
	}
	if e.Required != nil {
		msg = fmt.Sprintf("%s (required %s)", msg, e.Required.String())
	}
	if e.Detail != "" {
		msg = msg + ": " + e.Detail
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind so wrapped errors compare against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// InvalidAmount builds a KindInvalidAmount error.
func InvalidAmount(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidAmount, Detail: fmt.Sprintf(format, args...)}
}

// RatioMismatch carries the exact required counterpart so callers can offer a correction.
func RatioMismatch(required, supplied *big.Int) *Error {
	return &Error{
		Kind:     KindRatioMismatch,
		Required: new(big.Int).Set(required),
		Detail:   fmt.Sprintf("supplied %s", supplied.String()),
	}
}

// InsufficientBalance reports a local fast-fail against the cached position.
func InsufficientBalance(token string, have, want *big.Int) *Error {
	return &Error{
		Kind:     KindInsufficientBalance,
		Required: new(big.Int).Set(want),
		Detail:   fmt.Sprintf("%s balance %s", token, have.String()),
	}
}

// StaleSnapshot reports a snapshot older than the allowed bound.
func StaleSnapshot(format string, args ...any) *Error {
	return &Error{Kind: KindStaleSnapshot, Detail: fmt.Sprintf(format, args...)}
}

// StepFailure wraps a remote failure with the failing step index.
func StepFailure(kind Kind, step int, cause error, detail string) *Error {
	return &Error{Kind: kind, Step: step, Detail: detail, Err: cause}
}
