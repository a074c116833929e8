package apperrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

type ErrorType string

const (
	ErrLimitExceeded  ErrorType = "LIMIT_EXCEEDED"
	ErrPolicyBlocked  ErrorType = "POLICY_BLOCKED"
	ErrPolicyError    ErrorType = "POLICY_ERROR"
	ErrCircuitOpen    ErrorType = "CIRCUIT_OPEN"
	ErrSigningFailed  ErrorType = "SIGNING_FAILED"
	ErrTwoFARequired  ErrorType = "2FA_REQUIRED"
	ErrAuthFailed     ErrorType = "AUTH_FAILED"
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrNotFound       ErrorType = "NOT_FOUND"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
	ErrUpstream       ErrorType = "UPSTREAM_ERROR"
	ErrReadOnly       ErrorType = "READ_ONLY_MODE"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType      `json:"code"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Cause      error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// LimitExceeded carries the velocity-ledger rejection context. Every
// velocity block response includes the exact counters that triggered it.
type LimitExceeded struct {
	Scope     string          // "daily" or "per_tx"
	Current   decimal.Decimal // spent so far in the window
	Limit     decimal.Decimal
	Requested decimal.Decimal
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("velocity limit exceeded (%s): current=%s limit=%s requested=%s",
		e.Scope, e.Current.StringFixed(2), e.Limit.StringFixed(2), e.Requested.StringFixed(2))
}

func NewLimitExceeded(le *LimitExceeded) *AppError {
	appErr := New(ErrLimitExceeded, le.Error(), le)
	appErr.Details = map[string]any{
		"scope":     le.Scope,
		"current":   le.Current.StringFixed(2),
		"limit":     le.Limit.StringFixed(2),
		"requested": le.Requested.StringFixed(2),
	}
	return appErr
}

// SigningError classifies terminal signing outcomes. No automatic retry is
// performed with the same session.
type SigningError struct {
	Kind    SigningErrorKind
	Session string
	Reason  string
}

type SigningErrorKind string

const (
	SigningRefused          SigningErrorKind = "REFUSED"
	SigningValidationFailed SigningErrorKind = "VALIDATION_FAILED"
	SigningTimeout          SigningErrorKind = "TIMEOUT"
)

func (e *SigningError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("signing %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("signing %s", e.Kind)
}

func NewSigningError(kind SigningErrorKind, session, reason string) *AppError {
	se := &SigningError{Kind: kind, Session: session, Reason: reason}
	appErr := New(ErrSigningFailed, se.Error(), se)
	appErr.Details = map[string]any{
		"kind":       string(kind),
		"session_id": session,
	}
	return appErr
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrLimitExceeded, ErrPolicyBlocked, ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrTwoFARequired:
		return http.StatusForbidden
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrCircuitOpen, ErrUpstream:
		return http.StatusBadGateway
	case ErrReadOnly:
		return http.StatusServiceUnavailable
	case ErrSigningFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrLimitExceeded:
		return "Resubmit below the limit or wait for the next daily window."
	case ErrTwoFARequired:
		return "Resubmit the transaction with a valid 2FA proof."
	case ErrCircuitOpen:
		return "Upstream dependency degraded, retry later."
	case ErrSigningFailed:
		return "Create a new transaction; signing sessions are not retried."
	case ErrAuthFailed:
		return "Check API keys."
	case ErrPolicyBlocked:
		return "Review the active policies for this account."
	default:
		return ""
	}
}
