// Package apperr defines the error taxonomy shared by the wallet, payout,
// refund, chargeback and reconciliation workflows.
//
// Every expected failure carries a Code. Two errors with the same code match
// under errors.Is, so callers compare against the package sentinels while the
// concrete error keeps a detailed message for the caller.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	CodeInvalidAmount       Code = "invalid_amount"
	CodeInsufficientFunds   Code = "insufficient_funds"
	CodeWalletFrozen        Code = "wallet_frozen"
	CodeInvalidState        Code = "invalid_state"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeAuthorityExceeded   Code = "authority_exceeded"
	CodeDuplicateReference  Code = "duplicate_reference"
	CodeRiskBlocked         Code = "risk_blocked"
	CodeKillSwitchActive    Code = "kill_switch_active"
	CodeAlreadyProcessed    Code = "already_processed"
	CodeIdempotencyConflict Code = "idempotency_conflict"
	CodeNotFound            Code = "not_found"
	CodeValidation          Code = "validation_error"
	CodeForbidden           Code = "forbidden"
	CodeGatewayDeclined     Code = "gateway_declined"
	CodeInternal            Code = "internal_error"
)

// Metadata describes how a code is surfaced over HTTP.
type Metadata struct {
	HTTPStatus    int
	Retryable     bool
	PublicMessage string
}

var metadataByCode = map[Code]Metadata{
	CodeInvalidAmount:       {HTTPStatus: http.StatusBadRequest, PublicMessage: "invalid amount"},
	CodeInsufficientFunds:   {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "insufficient funds"},
	CodeWalletFrozen:        {HTTPStatus: http.StatusLocked, PublicMessage: "wallet is frozen"},
	CodeInvalidState:        {HTTPStatus: http.StatusConflict, PublicMessage: "invalid state for this operation"},
	CodeInvalidTransition:   {HTTPStatus: http.StatusConflict, PublicMessage: "invalid status transition"},
	CodeAuthorityExceeded:   {HTTPStatus: http.StatusForbidden, PublicMessage: "approval authority exceeded"},
	CodeDuplicateReference:  {HTTPStatus: http.StatusConflict, PublicMessage: "duplicate external reference"},
	CodeRiskBlocked:         {HTTPStatus: http.StatusForbidden, PublicMessage: "blocked by risk policy"},
	CodeKillSwitchActive:    {HTTPStatus: http.StatusServiceUnavailable, Retryable: true, PublicMessage: "payouts are currently disabled"},
	CodeAlreadyProcessed:    {HTTPStatus: http.StatusConflict, PublicMessage: "already processed"},
	CodeIdempotencyConflict: {HTTPStatus: http.StatusConflict, PublicMessage: "idempotency key reused with different parameters"},
	CodeNotFound:            {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found"},
	CodeValidation:          {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed"},
	CodeForbidden:           {HTTPStatus: http.StatusForbidden, PublicMessage: "access denied"},
	CodeGatewayDeclined:     {HTTPStatus: http.StatusBadGateway, Retryable: true, PublicMessage: "payment gateway declined the request"},
	CodeInternal:            {HTTPStatus: http.StatusInternalServerError, Retryable: true, PublicMessage: "internal error"},
}

// MetadataFor returns the HTTP metadata for a code. Unknown codes map to internal.
func MetadataFor(code Code) Metadata {
	if md, ok := metadataByCode[code]; ok {
		return md
	}
	return metadataByCode[CodeInternal]
}

// Error is a typed application error.
type Error struct {
	code Code
	msg  string
	err  error
}

// New returns an error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Newf returns an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{code: code, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

// Code returns the error code.
func (e *Error) Code() Code { return e.code }

// Message returns the message without the wrapped cause.
func (e *Error) Message() string { return e.msg }

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.code == e.code
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidAmount       = New(CodeInvalidAmount, "invalid amount")
	ErrInsufficientFunds   = New(CodeInsufficientFunds, "insufficient funds")
	ErrWalletFrozen        = New(CodeWalletFrozen, "wallet is frozen")
	ErrInvalidState        = New(CodeInvalidState, "invalid state")
	ErrInvalidTransition   = New(CodeInvalidTransition, "invalid transition")
	ErrAuthorityExceeded   = New(CodeAuthorityExceeded, "authority exceeded")
	ErrDuplicateReference  = New(CodeDuplicateReference, "duplicate reference")
	ErrRiskBlocked         = New(CodeRiskBlocked, "risk blocked")
	ErrKillSwitchActive    = New(CodeKillSwitchActive, "kill switch active")
	ErrAlreadyProcessed    = New(CodeAlreadyProcessed, "already processed")
	ErrIdempotencyConflict = New(CodeIdempotencyConflict, "idempotency conflict")
	ErrNotFound            = New(CodeNotFound, "not found")
	ErrValidation          = New(CodeValidation, "validation failed")
	ErrForbidden           = New(CodeForbidden, "forbidden")
	ErrGatewayDeclined     = New(CodeGatewayDeclined, "gateway declined")
	ErrInternal            = New(CodeInternal, "internal error")
)

// As extracts the first *Error in err's chain.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// CodeOf returns the code of err, or CodeInternal if err is untyped.
func CodeOf(err error) Code {
	if e := As(err); e != nil {
		return e.code
	}
	return CodeInternal
}

// IsExpected reports whether err belongs to the recoverable taxonomy.
// Expected errors never leave money half-moved.
func IsExpected(err error) bool {
	code := CodeOf(err)
	return code != CodeInternal
}
