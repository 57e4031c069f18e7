// Package errors provides standardized error codes for the sync client.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (conn, subscribe, envelope, workspace, prefs)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by UI code for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that UI code can rely on for error handling.
const (
	// Conn domain - transport session errors
	CodeConnClosed     = "conn.closed"      // Call made or pending while the session is down (recoverable)
	CodeConnDialFailed = "conn.dial_failed" // WebSocket dial failed
	CodeConnSendFailed = "conn.send_failed" // Outbound queue rejected the message
	CodeConnTimeout    = "conn.timeout"     // Call did not complete in time

	// Subscribe domain - live query lifecycle errors
	CodeSubscribeFailed  = "subscribe.failed"         // Subscribe request failed; no record kept
	CodeSubscribePending = "subscribe.pending"        // A subscribe for this key is in flight with a different spec
	CodeReleaseFailed    = "subscribe.release_failed" // Unsubscribe request failed (local state already cleared)

	// Envelope domain - push routing errors
	CodeEnvelopeInvalid = "envelope.invalid" // Malformed push envelope, dropped without applying

	// Workspace domain - workspace discovery errors
	CodeRegistryInvalid = "workspace.registry_invalid" // Registry file exists but cannot be parsed

	// Prefs domain - preference persistence errors
	CodePrefNotFound    = "prefs.not_found"    // Preference name has no stored value
	CodePrefOpenFailed  = "prefs.open_failed"  // Preference database open failed
	CodePrefQueryFailed = "prefs.query_failed" // Preference database query failed

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal client error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "conn.closed")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to UI feedback.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// ConnClosed creates a "conn.closed" error.
// This is the recoverable rejection used for calls made while the session
// is down. Callers that can tolerate missing data swallow it into an empty
// result rather than blocking on a reconnect.
func ConnClosed() *CodedError {
	return New(CodeConnClosed, "connection is not open")
}

// DialFailed creates a "conn.dial_failed" error.
func DialFailed(url string, cause error) *CodedError {
	return Wrap(CodeConnDialFailed, fmt.Sprintf("failed to dial %s", url), cause)
}

// SendFailed creates a "conn.send_failed" error.
// This indicates the outbound queue was full or closed when the message
// was enqueued; the call was never sent.
func SendFailed() *CodedError {
	return New(CodeConnSendFailed, "outbound queue rejected the message")
}

// Timeout creates a "conn.timeout" error for a call that did not
// complete before its context expired.
func Timeout(operation string, cause error) *CodedError {
	return Wrap(CodeConnTimeout, fmt.Sprintf("call %q did not complete in time", operation), cause)
}

// SubscribeFailed creates a "subscribe.failed" error.
// No subscription record is kept after this error; the caller decides
// whether and when to retry.
func SubscribeFailed(key string, cause error) *CodedError {
	return Wrap(CodeSubscribeFailed, fmt.Sprintf("subscribe for key %q failed", key), cause)
}

// SubscribePending creates a "subscribe.pending" error.
// This indicates a subscribe for the same key is already in flight with a
// different spec; the new attempt is rejected rather than queued.
func SubscribePending(key string) *CodedError {
	return New(CodeSubscribePending, fmt.Sprintf("subscribe for key %q is already in flight with a different spec", key))
}

// ReleaseFailed creates a "subscribe.release_failed" error.
// Local bookkeeping has already been cleared when this is returned; the
// error only reports that server-side cleanup may not have happened.
func ReleaseFailed(key string, cause error) *CodedError {
	return Wrap(CodeReleaseFailed, fmt.Sprintf("unsubscribe for key %q failed", key), cause)
}

// InvalidEnvelope creates an "envelope.invalid" error.
func InvalidEnvelope(reason string) *CodedError {
	return New(CodeEnvelopeInvalid, reason)
}

// RegistryInvalid creates a "workspace.registry_invalid" error.
func RegistryInvalid(path string, cause error) *CodedError {
	return Wrap(CodeRegistryInvalid, fmt.Sprintf("workspace registry %s could not be parsed", path), cause)
}

// PrefNotFound creates a "prefs.not_found" error.
func PrefNotFound(name string) *CodedError {
	return New(CodePrefNotFound, fmt.Sprintf("preference %q not found", name))
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
