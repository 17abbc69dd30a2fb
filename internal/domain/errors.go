package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrValidation       = errors.New("validation failed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConflict         = errors.New("leaderboard write conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInternalError    = errors.New("internal server error")
)

// Validation rule codes reported to clients
const (
	RuleNicknameLength  = "nickname_length"
	RuleNicknameCharset = "nickname_charset"
	RuleNicknameBanned  = "nickname_banned"
	RuleChartID         = "chart_id"
	RuleScore           = "score"
	RuleAccuracy        = "accuracy"
	RuleMaxCombo        = "max_combo"
	RuleClientAt        = "client_at"
)

// ValidationError describes the first rule a submission violated
type ValidationError struct {
	Rule   string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a ValidationError for the given rule
func NewValidationError(rule, format string, args ...any) *ValidationError {
	return &ValidationError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Store names used to tell ledger and leaderboard failures apart
const (
	StoreLedger      = "ledger"
	StoreLeaderboard = "leaderboard"
)

// StoreError wraps a persistence failure with the store that produced it.
// It matches both ErrStoreUnavailable and the underlying cause.
type StoreError struct {
	Store string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store: %v", e.Store, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// IsValidationError checks if an error was caused by caller-supplied data
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// AsValidationError extracts the ValidationError from an error chain
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}

// StoreOf returns the name of the store that failed, or "" if err is not a StoreError
func StoreOf(err error) string {
	var serr *StoreError
	if errors.As(err, &serr) {
		return serr.Store
	}
	return ""
}
