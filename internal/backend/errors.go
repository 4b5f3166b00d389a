package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized is returned when an operation needs a session that is absent or was rejected.
	ErrUnauthorized = errors.New("unauthorized")
	ErrValidation   = errors.New("validation failed")
)

// RemoteError is a non-2xx answer from the backend. Message is the response body text.
type RemoteError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return "remote error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return msg
}

// Is lets a 401 answer satisfy errors.Is(err, ErrUnauthorized).
func (e *RemoteError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// NetworkError wraps a transport failure: the request never produced an HTTP response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func newRemoteError(op string, status int, raw []byte, fallback string) *RemoteError {
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = fallback
	}
	return &RemoteError{Op: op, StatusCode: status, Message: msg}
}
