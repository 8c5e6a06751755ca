// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_orchestrator

import (
	internal_host "github.com/rapidaai/capture/internal/host"
	internal_transfer "github.com/rapidaai/capture/internal/transfer"
)

// Event is one inbound request or notification. The set is closed: every
// variant is handled explicitly in HandleEvent, so a new event kind that is
// not wired up fails loudly instead of being silently ignored.
type Event interface {
	isEvent()
}

// TabContext identifies the source being captured.
type TabContext struct {
	Title string
	URL   string
	ID    int
}

// StartRecording asks for a new recording session.
type StartRecording struct {
	Tab    TabContext
	UserID string
}

// StopRecording ends the active session, if any.
type StopRecording struct{}

// ExportSummary pushes a finished recording's artifacts to the external
// document store. RequestID is the caller's idempotency key.
type ExportSummary struct {
	RequestID string
}

// PayloadAssembled carries a fully assembled transfer payload.
type PayloadAssembled struct {
	Payload *internal_transfer.Payload
}

// InitiateUpload triggers the final persist of a staged large payload.
type InitiateUpload struct {
	SessionID string
}

// HostLifecycle relays a capture host lifecycle broadcast.
type HostLifecycle struct {
	Event internal_host.LifecycleEvent
}

func (StartRecording) isEvent()   {}
func (StopRecording) isEvent()    {}
func (ExportSummary) isEvent()    {}
func (PayloadAssembled) isEvent() {}
func (InitiateUpload) isEvent()   {}
func (HostLifecycle) isEvent()    {}
