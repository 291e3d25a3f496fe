package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures. Every kind is safe to show to the caller.
type ErrorKind string

const (
	KindInvalidInput              ErrorKind = "invalid_input"
	KindSenderNotFound            ErrorKind = "sender_not_found"
	KindRecipientNotFound         ErrorKind = "recipient_not_found"
	KindInvalidAccessCode         ErrorKind = "invalid_access_code"
	KindInsufficientFunds         ErrorKind = "insufficient_funds"
	KindInsufficientOperatorFunds ErrorKind = "insufficient_operator_funds"
	KindNotAnAgentAccount         ErrorKind = "not_an_agent_account"
	KindSessionNotFound           ErrorKind = "session_not_found"
	KindSessionExpired            ErrorKind = "session_expired"
	KindAlreadySettled            ErrorKind = "already_settled"
	KindMalformedRecipientField   ErrorKind = "malformed_recipient_field"
	KindUnknownTransactionKind    ErrorKind = "unknown_transaction_kind"
	KindAccountExists             ErrorKind = "account_exists"
)

// Error is the single error type surfaced by the transaction engine.
// Two errors are considered equal by errors.Is when their kinds match,
// so a detailed message never hides the classification.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" for infrastructure errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	ErrInvalidInput              = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrSenderNotFound            = &Error{Kind: KindSenderNotFound, Message: "sender not found"}
	ErrRecipientNotFound         = &Error{Kind: KindRecipientNotFound, Message: "recipient not found"}
	ErrInvalidAccessCode         = &Error{Kind: KindInvalidAccessCode, Message: "invalid access code"}
	ErrInsufficientFunds         = &Error{Kind: KindInsufficientFunds, Message: "insufficient funds"}
	ErrInsufficientOperatorFunds = &Error{Kind: KindInsufficientOperatorFunds, Message: "operator account cannot cover this amount"}
	ErrNotAnAgentAccount         = &Error{Kind: KindNotAnAgentAccount, Message: "account is not an agent account"}
	ErrSessionNotFound           = &Error{Kind: KindSessionNotFound, Message: "session not found"}
	ErrSessionExpired            = &Error{Kind: KindSessionExpired, Message: "session expired"}
	ErrAlreadySettled            = &Error{Kind: KindAlreadySettled, Message: "session already settled"}
	ErrMalformedRecipientField   = &Error{Kind: KindMalformedRecipientField, Message: "malformed recipient field"}
	ErrUnknownTransactionKind    = &Error{Kind: KindUnknownTransactionKind, Message: "unknown transaction kind"}
	ErrAccountExists             = &Error{Kind: KindAccountExists, Message: "account already registered"}
)
