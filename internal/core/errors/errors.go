// Package errors defines the error kinds the engine exposes across its public
// boundary, and the structured HTTP error shape the server layer renders them
// into. Callers match kinds with errors.Is; wrapped causes are preserved.
package errors

import "errors"

var (
	// ErrNotAuthenticated means no owner is available; calls reject without I/O.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrOffline means the network probe reports no link. Writes are still
	// accepted and queued; only operations that must reach the remote fail.
	ErrOffline = errors.New("offline")

	// ErrTransient marks a retryable remote fault (network, timeout, expired
	// credentials). The sync coordinator retries these with backoff.
	ErrTransient = errors.New("transient remote failure")

	// ErrPermanent marks an unrecoverable remote fault (validation,
	// constraint). The offending write moves to the dead-letter sink.
	ErrPermanent = errors.New("permanent remote failure")

	// ErrNotFound is returned for ids unknown to the remote store.
	ErrNotFound = errors.New("not found")

	// ErrConflict is an optimistic-lock mismatch on update. The engine
	// re-fetches and re-applies the patch once; a second conflict is permanent.
	ErrConflict = errors.New("version conflict")

	// ErrInvalidID rejects malformed or unknown event ids.
	ErrInvalidID = errors.New("invalid id")

	// ErrUnsupportedEdit rejects edits of recurrence-defining fields through a
	// virtual occurrence id. Edit the base event instead; per-occurrence
	// exception instances are not supported.
	ErrUnsupportedEdit = errors.New("unsupported edit of recurring occurrence")
)

// Retryable reports whether the sync coordinator should retry err.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrOffline)
}

// Error type identifiers used in HTTP error responses.
const (
	HttpInternalError        = "internal_error"
	HttpInvalidJsonError     = "invalid_json"
	HttpNotAuthenticated     = "not_authenticated"
	HttpInvalidIdError       = "invalid_id"
	HttpNotFoundError        = "not_found"
	HttpConflictError        = "conflict"
	HttpUnsupportedEditError = "unsupported_edit"
	HttpRemoteError          = "remote_error"
)

// ErrorResponse is the error response body for API errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
