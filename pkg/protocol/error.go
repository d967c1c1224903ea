// Package protocol defines the errors returned by the session, credential, authentication and
// request-execution packages.
package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// Temporary returns true if the Error might be the result of a transient condition, such as
	// the backend shedding load. Authentication problems are never temporary: they require a fresh
	// login.
	Temporary() bool
}

var (
	// ErrNoCredentials indicates a login was required but no account email or password was
	// configured.
	ErrNoCredentials = errors.New("no account credentials configured")
	// ErrBadResponse indicates the server returned a body that could not be decoded.
	ErrBadResponse = errors.New("invalid response")
)

// StorageError indicates an I/O fault while reading, writing or deleting a persisted credential.
// A credential that simply does not exist is not a StorageError.
type StorageError struct {
	Op   string // "load", "save" or "invalidate"
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("credential %s failed: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("credential %s %s failed: %s", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Temporary() bool {
	return false
}

// AuthFailure indicates a login attempt did not yield a usable token, either because the
// transport failed or because the server's reply contained no Auth line.
type AuthFailure struct {
	Reason string
	Err    error
}

func (e *AuthFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login failed: %s: %s", e.Reason, e.Err)
	}
	return "login failed: " + e.Reason
}

func (e *AuthFailure) Unwrap() error {
	return e.Err
}

func (e *AuthFailure) Temporary() bool {
	return false
}

// HttpError describes a non-200 reply from the API host.
type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d: %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// AuthRedirect returns true for the 302 the API host sends when it does not accept the bearer
// token.
func (e *HttpError) AuthRedirect() bool {
	return e.Code == http.StatusFound
}

func (e *HttpError) Temporary() bool {
	return !e.AuthRedirect()
}

// RequestFailure indicates every attempt allowed for an API call failed.
type RequestFailure struct {
	Path       string
	Attempts   int
	LastStatus int // zero if the last attempt never received an HTTP status
	Err        error
}

func (e *RequestFailure) Error() string {
	if e.LastStatus != 0 {
		return fmt.Sprintf("request %s failed after %d attempt(s), last status %d: %s", e.Path, e.Attempts, e.LastStatus, e.Err)
	}
	return fmt.Sprintf("request %s failed after %d attempt(s): %s", e.Path, e.Attempts, e.Err)
}

func (e *RequestFailure) Unwrap() error {
	return e.Err
}

// Temporary is false: the retry budget has already been spent.
func (e *RequestFailure) Temporary() bool {
	return false
}

// ValidationFailure indicates the server did not accept a cached token.
type ValidationFailure struct {
	Err error
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("token validation failed: %s", e.Err)
}

func (e *ValidationFailure) Unwrap() error {
	return e.Err
}

func (e *ValidationFailure) Temporary() bool {
	return false
}

// FatalAuthError is returned when a session cannot obtain a usable token. The caller decides
// whether to abort or to retry with a fresh login.
type FatalAuthError struct {
	Err error
}

func (e *FatalAuthError) Error() string {
	return fmt.Sprintf("no valid auth token: %s", e.Err)
}

func (e *FatalAuthError) Unwrap() error {
	return e.Err
}

func (e *FatalAuthError) Temporary() bool {
	return false
}

// Temporary returns true if err is an Error that indicates the request failed due to possibly
// transient conditions that do not require user action to resolve.
func Temporary(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Temporary()
	}
	return false
}

// IsAuthError returns true if err stems from a rejected or missing token.
func IsAuthError(err error) bool {
	var (
		fatal      *FatalAuthError
		auth       *AuthFailure
		validation *ValidationFailure
		httpErr    *HttpError
	)
	switch {
	case errors.As(err, &fatal), errors.As(err, &auth), errors.As(err, &validation):
		return true
	case errors.As(err, &httpErr):
		return httpErr.AuthRedirect()
	}
	return false
}
