package failure

import (
	"errors"
	"fmt"
)

// Kind tells the orchestrator how a failed step may be handled.
type Kind string

const (
	// KindValidation is bad input. Never retried.
	KindValidation Kind = "validation"
	// KindRecoverable covers network, gas and timing problems. Retried with backoff.
	KindRecoverable Kind = "recoverable"
	// KindTerminal is an on-chain logic conflict that needs fresh user action.
	KindTerminal Kind = "terminal"
	// KindTimeout means a reveal window or step ceiling was exceeded.
	KindTimeout Kind = "timeout"
)

type Code string

const (
	CodeInvalidInput           Code = "invalid_input"
	CodePriceUnavailable       Code = "price_unavailable"
	CodeCommitFailed           Code = "commit_failed"
	CodeRevealTooEarly         Code = "reveal_too_early"
	CodeRevealExpired          Code = "reveal_expired"
	CodeRegistrationFailed     Code = "registration_failed"
	CodeNameUnavailable        Code = "name_unavailable"
	CodeDeployFailed           Code = "deploy_failed"
	CodeInvalidOwnerSet        Code = "invalid_owner_set"
	CodeAssignFailed           Code = "assign_failed"
	CodeRecordFailed           Code = "record_failed"
	CodeInsufficientPrepayment Code = "insufficient_prepayment"
	CodePrepaymentUnconfirmed  Code = "prepayment_unconfirmed"
	CodePrepaymentClaimed      Code = "prepayment_claimed"
	CodeTimeout                Code = "timeout"
	CodeCancelled              Code = "cancelled"
)

// Error is the typed failure every component reports to the orchestrator.
type Error struct {
	Code Code
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, failure.New(code, ...))
// and the sentinel values below work through wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func New(code Code, kind Kind, format string, args ...any) *Error {
	return &Error{Code: code, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, kind Kind, err error, msg string) *Error {
	return &Error{Code: code, Kind: kind, Msg: msg, Err: err}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidInput           = &Error{Code: CodeInvalidInput, Kind: KindValidation}
	ErrPriceUnavailable       = &Error{Code: CodePriceUnavailable, Kind: KindRecoverable}
	ErrCommitFailed           = &Error{Code: CodeCommitFailed, Kind: KindRecoverable}
	ErrRevealTooEarly         = &Error{Code: CodeRevealTooEarly, Kind: KindRecoverable}
	ErrRevealExpired          = &Error{Code: CodeRevealExpired, Kind: KindTerminal}
	ErrRegistrationFailed     = &Error{Code: CodeRegistrationFailed, Kind: KindRecoverable}
	ErrNameUnavailable        = &Error{Code: CodeNameUnavailable, Kind: KindTerminal}
	ErrDeployFailed           = &Error{Code: CodeDeployFailed, Kind: KindRecoverable}
	ErrInvalidOwnerSet        = &Error{Code: CodeInvalidOwnerSet, Kind: KindValidation}
	ErrAssignFailed           = &Error{Code: CodeAssignFailed, Kind: KindRecoverable}
	ErrRecordFailed           = &Error{Code: CodeRecordFailed, Kind: KindRecoverable}
	ErrInsufficientPrepayment = &Error{Code: CodeInsufficientPrepayment, Kind: KindValidation}
	ErrPrepaymentUnconfirmed  = &Error{Code: CodePrepaymentUnconfirmed, Kind: KindRecoverable}
	ErrPrepaymentClaimed      = &Error{Code: CodePrepaymentClaimed, Kind: KindValidation}
	ErrTimeout                = &Error{Code: CodeTimeout, Kind: KindTimeout}
	ErrCancelled              = &Error{Code: CodeCancelled, Kind: KindTerminal}
)

// KindOf returns the kind of the first *Error in the chain. Untyped errors are
// treated as recoverable.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRecoverable
}

// CodeOf returns the code of the first *Error in the chain, or "" when none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

var reasons = map[Code]string{
	CodeInvalidInput:           "The registration request was invalid",
	CodePriceUnavailable:       "The name price could not be fetched",
	CodeCommitFailed:           "The name reservation could not be submitted",
	CodeRevealTooEarly:         "The registration was attempted before the waiting period ended",
	CodeRevealExpired:          "The name reservation expired before registration",
	CodeRegistrationFailed:     "The name registration transaction failed",
	CodeNameUnavailable:        "The name was taken by someone else",
	CodeDeployFailed:           "The treasury wallet could not be deployed",
	CodeInvalidOwnerSet:        "The founder list is not a valid treasury owner set",
	CodeAssignFailed:           "The name could not be assigned to the treasury",
	CodeRecordFailed:           "The company record could not be written on chain",
	CodeInsufficientPrepayment: "The prepayment does not cover the registration cost",
	CodePrepaymentUnconfirmed:  "The prepayment has not been confirmed",
	CodePrepaymentClaimed:      "The prepayment already funds another registration",
	CodeTimeout:                "The registration timed out",
	CodeCancelled:              "The registration was cancelled",
}

// Reason returns the user-facing category for a code. It never contains raw
// chain error text.
func Reason(code Code) string {
	if r, ok := reasons[code]; ok {
		return r
	}
	return "The registration failed because of a network problem"
}
