package ingest

import (
	"fmt"
	"net/http"
)

// State is a step of the per-request pipeline. Steps always run in
// declaration order.
type State int

const (
	Received State = iota
	Resolved
	Authenticated
	RateChecked
	Validated
	Classified
	Persisted
	Responded
)

var stateNames = [...]string{
	Received:      "received",
	Resolved:      "resolved",
	Authenticated: "authenticated",
	RateChecked:   "rate_checked",
	Validated:     "validated",
	Classified:    "classified",
	Persisted:     "persisted",
	Responded:     "responded",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Code is the stable, machine readable rejection reason.
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeMissingAPIKey     Code = "missing_api_key"
	CodeInvalidAPIKey     Code = "invalid_api_key"
	CodeExpiredAPIKey     Code = "expired_api_key"
	CodeInactiveAPIKey    Code = "inactive_api_key"
	CodeForbidden         Code = "forbidden"
	CodeRateLimited       Code = "rate_limited"
	CodePayloadTooLarge   Code = "payload_too_large"
	CodeMalformedPayload  Code = "malformed_payload"
	CodePersistenceFailed Code = "persistence_failed"
	CodeUnavailable       Code = "unavailable"
)

var codeStatus = map[Code]int{
	CodeNotFound:          http.StatusNotFound,
	CodeMissingAPIKey:     http.StatusUnauthorized,
	CodeInvalidAPIKey:     http.StatusUnauthorized,
	CodeExpiredAPIKey:     http.StatusUnauthorized,
	CodeInactiveAPIKey:    http.StatusUnauthorized,
	CodeForbidden:         http.StatusForbidden,
	CodeRateLimited:       http.StatusTooManyRequests,
	CodePayloadTooLarge:   http.StatusRequestEntityTooLarge,
	CodeMalformedPayload:  http.StatusBadRequest,
	CodePersistenceFailed: http.StatusInternalServerError,
	CodeUnavailable:       http.StatusServiceUnavailable,
}

var codeMessage = map[Code]string{
	CodeNotFound:          "endpoint not found",
	CodeMissingAPIKey:     "an API key is required for this endpoint",
	CodeInvalidAPIKey:     "invalid API key",
	CodeExpiredAPIKey:     "API key has expired",
	CodeInactiveAPIKey:    "API key is inactive",
	CodeForbidden:         "API key does not grant access to this endpoint",
	CodeRateLimited:       "rate limit exceeded",
	CodePayloadTooLarge:   "payload too large",
	CodeMalformedPayload:  "request body could not be parsed",
	CodePersistenceFailed: "failed to store request",
	CodeUnavailable:       "service temporarily unavailable",
}

// Error is a rejected request. State is the step that rejected it.
type Error struct {
	State      State
	Code       Code
	Status     int
	RetryAfter int
	Err        error
}

func reject(state State, code Code, err error) *Error {
	return &Error{State: state, Code: code, Status: codeStatus[code], Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingest %s: %s: %v", e.State, e.Code, e.Err)
	}
	return fmt.Sprintf("ingest %s: %s", e.State, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is safe to return to the caller.
func (e *Error) Message() string {
	return codeMessage[e.Code]
}
