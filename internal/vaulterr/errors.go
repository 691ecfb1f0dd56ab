// Package vaulterr defines the error taxonomy shared by every vault component.
//
// Every failure aborts the enclosing transaction. Errors carry a Kind used
// for classification (HTTP status mapping, metrics labels) and a stable Code
// that errors.Is matches on, so wrapped errors still compare equal to their
// sentinel.
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindMath
	KindSync
	KindState
	KindBounds
)

func (k Kind) String() string {
	switch k {
	case KindMath:
		return "math"
	case KindSync:
		return "sync"
	case KindState:
		return "state"
	case KindBounds:
		return "bounds"
	default:
		return "unknown"
	}
}

// Error is a classified vault error.
type Error struct {
	Kind   Kind
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s error: %s: %s", e.Kind, e.Code, e.Detail)
}

// Is matches on Code so that a wrapped error compares equal to its sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newErr(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// Math errors.
var (
	ErrMathOverflow             = newErr(KindMath, "MathOverflow")
	ErrDivideByZero             = newErr(KindMath, "DivideByZero")
	ErrInterestExceedsPrincipal = newErr(KindMath, "InterestExceedsPrincipal")
	ErrLiquidityDiffTooHigh     = newErr(KindMath, "LiquidityDiffTooHigh")
)

// Sync errors.
var (
	ErrInvalidSyncOrder = newErr(KindSync, "InvalidSyncOrder")
	ErrInvalidPosition  = newErr(KindSync, "InvalidPosition")
)

// State errors.
var (
	ErrPositionNotSynced    = newErr(KindState, "PositionNotSynced")
	ErrPositionAlreadyOpen  = newErr(KindState, "PositionAlreadyOpen")
	ErrNoOpenEpoch          = newErr(KindState, "NoOpenEpoch")
	ErrPriceNotOutOfBounds  = newErr(KindState, "PriceNotOutOfBounds")
	ErrHedgeNotOutOfRange   = newErr(KindState, "HedgeNotOutOfRange")
	ErrStaleTransaction     = newErr(KindState, "StaleTransaction")
	ErrUnknownVault         = newErr(KindState, "UnknownVault")
	ErrVaultExists          = newErr(KindState, "VaultExists")
	ErrUnknownParticipant   = newErr(KindState, "UnknownParticipant")
	ErrParticipantExists    = newErr(KindState, "ParticipantExists")
	ErrParticipantNotEmpty  = newErr(KindState, "ParticipantNotEmpty")
	ErrInsufficientBalance  = newErr(KindState, "InsufficientBalance")
	ErrSlippageExceeded     = newErr(KindState, "SlippageExceeded")
	ErrZeroAmount           = newErr(KindState, "ZeroAmount")
	ErrZeroBorrow           = newErr(KindState, "ZeroBorrow")
	ErrInsufficientNotional = newErr(KindState, "InsufficientNotional")
	ErrUnexpectedSwap       = newErr(KindState, "UnexpectedSwapDirection")
	ErrDuplicateRequest     = newErr(KindState, "DuplicateRequest")
)

// Bounds errors.
var (
	ErrTickOutOfBounds     = newErr(KindBounds, "TickOutOfBounds")
	ErrInvalidRangeNesting = newErr(KindBounds, "InvalidRangeNesting")
	ErrInvalidTickSpacing  = newErr(KindBounds, "InvalidTickSpacing")
	ErrInvalidSlotCapacity = newErr(KindBounds, "InvalidSlotCapacity")
)

// Wrap returns a copy of base with a formatted detail message.
func Wrap(base *Error, format string, args ...any) error {
	return &Error{Kind: base.Kind, Code: base.Code, Detail: fmt.Sprintf(format, args...)}
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf reports the Code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
