// Package apperr defines the error taxonomy shared by the HTTP API, the
// realtime session manager and the chat client.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrTransient    = errors.New("transient failure")
	ErrRateLimited  = errors.New("rate limited")
)

// Wire codes used in error events and JSON error bodies.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeInvalidInput = "invalid_input"
	CodeConflict     = "conflict"
	CodeTransient    = "transient"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal"
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrUnauthorized, CodeUnauthorized, http.StatusUnauthorized},
	{ErrForbidden, CodeForbidden, http.StatusForbidden},
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrInvalidInput, CodeInvalidInput, http.StatusBadRequest},
	{ErrConflict, CodeConflict, http.StatusConflict},
	{ErrTransient, CodeTransient, http.StatusServiceUnavailable},
	{ErrRateLimited, CodeRateLimited, http.StatusTooManyRequests},
}

// Code maps err to its wire code; unknown errors are internal.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// FromCode turns a wire code back into its sentinel. Unknown codes map to nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// FromStatus maps an HTTP status received by a client to a sentinel.
func FromStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return ErrTransient
	case status >= 400:
		return ErrInvalidInput
	}
	return nil
}
