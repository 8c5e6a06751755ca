// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package commons

import "errors"

// Recording fault taxonomy. Callers match with errors.Is; wrapped variants
// carry the operation context.
var (
	// ErrAlreadyInProgress reports a duplicate start/export while one is
	// active. Duplicate starters receive the in-flight outcome instead of a
	// second execution.
	ErrAlreadyInProgress = errors.New("operation already in progress")

	// ErrHostUnavailable means the capture host failed to create or become ready
	// after all supervised attempts.
	ErrHostUnavailable = errors.New("capture host unavailable")

	// ErrStreamConflict means the capture target is already being captured
	// elsewhere.
	ErrStreamConflict = errors.New("capture target already in use")

	// ErrTransferTimeout means a channel connect or readiness wait exceeded its
	// bound.
	ErrTransferTimeout = errors.New("transfer timed out")

	// ErrPersistFailure means the storage write exhausted its retries.
	ErrPersistFailure = errors.New("persist failed after retries")

	// ErrUpstreamFailure means transcription or summarization failed after the
	// artifact was persisted. Non-fatal to the recording.
	ErrUpstreamFailure = errors.New("downstream processing failed")

	// ErrDuplicateRequest means an idempotency key was replayed inside the
	// remembered window.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrOperationInProgress means an exclusive one-shot operation is still
	// running.
	ErrOperationInProgress = errors.New("operation in progress")

	// ErrAuthMissing means no bearer credential is available for an upstream call.
	ErrAuthMissing = errors.New("authentication missing")
)

// UserMessage maps a terminal failure onto the remediation hint shown to the
// user. The three buckets require different user action, so they must stay
// distinguishable.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrStreamConflict):
		return "This tab is already being captured by another recorder. Close the other capture or refresh the tab, then retry."
	case errors.Is(err, ErrAuthMissing):
		return "You are not signed in. Sign in again and retry the recording."
	case errors.Is(err, ErrHostUnavailable), errors.Is(err, ErrTransferTimeout), errors.Is(err, ErrPersistFailure):
		return "The recording service could not be reached. Check your network connection and retry."
	case errors.Is(err, ErrDuplicateRequest):
		return "This request was already processed."
	case errors.Is(err, ErrOperationInProgress), errors.Is(err, ErrAlreadyInProgress):
		return "Another operation is still running. Wait for it to finish and retry."
	default:
		return "Recording failed. Please retry."
	}
}
