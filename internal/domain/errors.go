package domain

import (
	"fmt"
	"net/http"
)

// FailureKind is the machine tag of a session failure.
type FailureKind string

const (
	FailurePermissionDenied FailureKind = "permission_denied"
	FailureTokenUnavailable FailureKind = "token_unavailable"
	FailureConnectionFailed FailureKind = "connection_failed"
	FailureStreamError      FailureKind = "stream_error"
)

// SessionError is the failure payload carried by the failed state.
type SessionError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (e *SessionError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *SessionError with the same kind.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// TokenError is returned by token services when no signed URL could be issued.
// Status is zero for transport failures.
type TokenError struct {
	Status  int
	Message string
}

func (e *TokenError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("token request failed (%d): %s", e.Status, e.Message)
}

// NewTokenError fills Message from the status text when detail is empty.
func NewTokenError(status int, detail string) *TokenError {
	if detail == "" {
		detail = http.StatusText(status)
	}
	if detail == "" {
		detail = "token request failed"
	}
	return &TokenError{Status: status, Message: detail}
}
