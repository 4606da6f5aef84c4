package core

import "errors"

// Code is the closed taxonomy of failures surfaced by the credential subsystem
type Code string

const (
	// CodeTokenExpired requires full re-authentication
	CodeTokenExpired Code = "TOKEN_EXPIRED"
	// CodeTokenInvalid marks a malformed credential or one that failed validation
	CodeTokenInvalid Code = "TOKEN_INVALID"
	// CodeRefreshFailed marks a transport or endpoint failure during renewal
	CodeRefreshFailed Code = "REFRESH_FAILED"
	// CodeStorageError marks a persistence layer failure
	CodeStorageError Code = "STORAGE_ERROR"
	// CodeBiometricError marks a biometric denial, cancellation or lockout
	CodeBiometricError Code = "BIOMETRIC_ERROR"
)

// Retryable reports whether the failure may be retried automatically
func (c Code) Retryable() bool {
	return c == CodeRefreshFailed || c == CodeStorageError
}

// Recoverable reports whether the failure can be resolved without a full
// re-authentication
func (c Code) Recoverable() bool {
	switch c {
	case CodeRefreshFailed, CodeStorageError, CodeBiometricError:
		return true
	default:
		return false
	}
}

// Error is a classified failure
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// New creates an error with the given code
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with the given code around a cause
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrTokenExpired  = New(CodeTokenExpired, "token has expired")
	ErrTokenInvalid  = New(CodeTokenInvalid, "invalid token")
	ErrRefreshFailed = New(CodeRefreshFailed, "refresh failed")
	ErrStorage       = New(CodeStorageError, "store operation failed")
	ErrBiometric     = New(CodeBiometricError, "biometric verification failed")
)

// ErrSuperseded is returned by a renewal whose result was dropped because a
// newer pair was stored while it was in flight. It carries no Code: the
// stored credentials are valid and nobody needs to act.
var ErrSuperseded = errors.New("credentials replaced during refresh")

// CodeOf returns the code of the first *Error in err's chain, or "" if none
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
