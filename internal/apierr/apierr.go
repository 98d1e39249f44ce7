// Package apierr defines the error taxonomy shared by the broker,
// publisher, and subscriber HTTP surfaces, and the translation from an
// internal error to the wire-visible {code, message} body and HTTP status
// spec.md §7 requires. Every client-facing error response carries a short
// machine-readable code and a human message; clients never see a partial
// body for a 200 response.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Code is a machine-readable error identifier, stable across releases.
type Code string

const (
	CodePathInvalid         Code = "PathInvalid"
	CodeNotFound            Code = "NotFound"
	CodeEtagMismatch        Code = "EtagMismatch"
	CodeSliceUnsupported    Code = "SliceUnsupported"
	CodeUpstreamUnavailable Code = "UpstreamUnavailable"
	CodeCorruptChunk        Code = "CorruptChunk"
	CodeQuotaExceeded       Code = "QuotaExceeded"
	CodeAuthRejected        Code = "AuthRejected"
)

// statusFor maps each code to the HTTP status spec.md §6/§7 assigns it.
var statusFor = map[Code]int{
	CodePathInvalid:         http.StatusBadRequest,
	CodeNotFound:            http.StatusNotFound,
	CodeEtagMismatch:        http.StatusConflict,
	CodeSliceUnsupported:    http.StatusBadRequest,
	CodeUpstreamUnavailable: http.StatusServiceUnavailable,
	CodeCorruptChunk:        http.StatusBadGateway,
	CodeQuotaExceeded:       http.StatusInsufficientStorage,
	CodeAuthRejected:        http.StatusUnauthorized,
}

// Error is the internal representation of a client-facing failure.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code this error should be surfaced as.
func (e *Error) Status() int {
	if s, ok := statusFor[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error with the given code and message, preserving cause
// for errors.Is/As and for server-side logging (never sent to the client).
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// body is the JSON shape written to the HTTP response.
type body struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Write translates err into the client-facing JSON error body and status
// code. If err is not an *Error, it is reported as an opaque 500 without
// leaking internal detail.
func Write(w http.ResponseWriter, err error) {
	e, ok := As(err)
	if !ok {
		e = &Error{Code: "Internal", Message: "internal error"}
	}
	w.Header().Set("Content-Type", "application/json")
	status := e.Status()
	if !ok {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body{Code: e.Code, Message: e.Message})
}
