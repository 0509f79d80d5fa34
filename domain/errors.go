package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure by how the pipeline must react to it
type ErrorKind string

const (
	// KindBusiness is an expected, user-facing rejection. Terminal, never redelivered.
	KindBusiness ErrorKind = "business"
	// KindConsistency means cache and store disagree in a way the current message cannot repair.
	KindConsistency ErrorKind = "consistency"
	// KindInfrastructure is a transient broker or store failure. The message is redelivered.
	KindInfrastructure ErrorKind = "infrastructure"
)

// Stable error codes surfaced to callers
const (
	CodeInsufficientFunds    = "insufficient_funds"
	CodeAccountNotFound      = "account_not_found"
	CodeTicketTaken          = "ticket_taken"
	CodeRaffleFinished       = "raffle_finished"
	CodeRaffleLost           = "raffle_lost"
	CodeUserCapExceeded      = "user_cap_exceeded"
	CodeNotEnoughTickets     = "not_enough_tickets"
	CodeInvalidPayload       = "invalid_payload"
	CodeUnsupportedOperation = "unsupported_operation"
	CodeDivisionByZero       = "division_by_zero"
	CodeDebitUnconfirmed     = "debit_unconfirmed"
	CodePurchaseFailed       = "purchase_failed"
	CodeWinnerNotFound       = "winner_not_found"
	CodeInternal             = "internal"
)

// Error is the typed error carried through the pipelines. Message is safe to show to users;
// Err holds the internal cause and is never serialized into replies.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind and code so sentinel comparisons work through wrapping
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewBusinessError creates a user-facing rejection
func NewBusinessError(code, message string) *Error {
	return &Error{Kind: KindBusiness, Code: code, Message: message}
}

// NewConsistencyError creates a consistency fault wrapping its cause
func NewConsistencyError(code, message string, err error) *Error {
	return &Error{Kind: KindConsistency, Code: code, Message: message, Err: err}
}

// Sentinels for errors.Is checks
var (
	ErrInsufficientFunds    = NewBusinessError(CodeInsufficientFunds, "insufficient funds")
	ErrAccountNotFound      = NewBusinessError(CodeAccountNotFound, "account not found")
	ErrTicketTaken          = NewBusinessError(CodeTicketTaken, "ticket number already taken")
	ErrRaffleFinished       = NewBusinessError(CodeRaffleFinished, "raffle already finished")
	ErrUserCapExceeded      = NewBusinessError(CodeUserCapExceeded, "per-user ticket limit exceeded")
	ErrNotEnoughTickets     = NewBusinessError(CodeNotEnoughTickets, "not enough tickets left")
	ErrInvalidPayload       = NewBusinessError(CodeInvalidPayload, "invalid request")
	ErrUnsupportedOperation = NewBusinessError(CodeUnsupportedOperation, "unsupported balance operation")
	ErrDivisionByZero       = NewBusinessError(CodeDivisionByZero, "division by zero")
	ErrDebitUnconfirmed     = NewBusinessError(CodeDebitUnconfirmed, "payment could not be confirmed, any charge will be refunded")
	ErrPurchaseFailed       = NewBusinessError(CodePurchaseFailed, "purchase could not be completed, the charge will be refunded")
	ErrRaffleLost           = NewConsistencyError(CodeRaffleLost, "raffle state is missing", nil)
	ErrWinnerNotFound       = NewConsistencyError(CodeWinnerNotFound, "winning ticket has no owner", nil)
)

// Invalid builds an invalid_payload rejection with a specific message
func Invalid(format string, args ...any) *Error {
	return NewBusinessError(CodeInvalidPayload, fmt.Sprintf(format, args...))
}

// WithCause returns a copy of a sentinel carrying an internal cause
func WithCause(sentinel *Error, err error) *Error {
	cp := *sentinel
	cp.Err = err
	return &cp
}

// KindOf returns the classification of err. Unclassified errors are infrastructure errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// CodeOf returns the stable code of err, or CodeInternal
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsBusiness reports whether err is a business-rule rejection
func IsBusiness(err error) bool {
	return err != nil && KindOf(err) == KindBusiness
}

// IsConsistency reports whether err is a consistency fault
func IsConsistency(err error) bool {
	return err != nil && KindOf(err) == KindConsistency
}

// PublicMessage is the text that may be returned to a caller for err
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindBusiness {
		return e.Message
	}
	return "something went wrong, please try again later"
}

// ErrRPCTimeout is returned when no correlated reply arrives before the caller's deadline.
// The remote side may or may not have processed the request.
var ErrRPCTimeout = errors.New("rpc reply timed out")

// RaffleNotInBucketError reports that a raffle is absent from the expected cache bucket
type RaffleNotInBucketError struct {
	RaffleID string
	Bucket   string
}

func (e *RaffleNotInBucketError) Error() string {
	return fmt.Sprintf("raffle %s not found in %s bucket", e.RaffleID, e.Bucket)
}

// FromDescriptor rebuilds a typed error from a remote reply
func FromDescriptor(kind, code, message string) *Error {
	if kind == "" {
		kind = string(KindInfrastructure)
	}
	return &Error{Kind: ErrorKind(kind), Code: code, Message: message}
}
