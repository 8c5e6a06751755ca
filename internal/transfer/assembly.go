// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_transfer

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// Payload is one fully assembled recording handed to the upload pipeline.
// When Staged is true the bytes live in the storage-backed staging area
// instead of Bytes.
type Payload struct {
	SessionID  string
	Bytes      []byte
	MimeType   string
	Size       int64
	Duration   float64
	RecordedAt time.Time
	Staged     bool
}

// Assembly is the in-flight upload session for one recording: a fixed slot
// array indexed by chunk index. Slots may fill in any order; a duplicate
// index overwrites its slot so replays are idempotent. receivedCount counts
// distinct filled slots, and reaching totalChunks is the only valid
// completion trigger.
//
// In staged mode (large payloads) the bytes are written elsewhere and the
// assembly only tracks which indices have been seen.
type Assembly struct {
	mu          sync.Mutex
	sessionID   string
	totalChunks int
	received    int
	slots       [][]byte
	seen        []bool

	totalSize  int64
	mimeType   string
	duration   float64
	recordedAt time.Time

	staged    bool
	completed bool
}

// NewAssembly allocates the slot array for one declared transfer. Creating a
// new assembly for a session replaces any prior incomplete one: init always
// wins over stale state.
func NewAssembly(sessionID string, init InitData, staged bool) *Assembly {
	a := &Assembly{
		sessionID:   sessionID,
		totalChunks: init.TotalChunks,
		seen:        make([]bool, init.TotalChunks),
		totalSize:   init.TotalSize,
		mimeType:    init.MimeType,
		duration:    init.Duration,
		recordedAt:  time.UnixMilli(init.Timestamp),
		staged:      staged,
	}
	if !staged {
		a.slots = make([][]byte, init.TotalChunks)
	}
	return a
}

// Put stores a chunk at its index. A repeated index overwrites and does not
// grow the received count.
func (a *Assembly) Put(index int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < 0 || index >= a.totalChunks {
		return fmt.Errorf("chunk index %d out of range [0,%d) for session %s",
			index, a.totalChunks, a.sessionID)
	}

	if !a.seen[index] {
		a.seen[index] = true
		a.received++
	}
	if !a.staged {
		// Copy: the transport buffer may be reused by the caller.
		buf := make([]byte, len(data))
		copy(buf, data)
		a.slots[index] = buf
	}
	return nil
}

// Complete reports whether every declared chunk has been received at least
// once.
func (a *Assembly) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalChunks > 0 && a.received == a.totalChunks
}

// Received returns the distinct received chunk count.
func (a *Assembly) Received() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.received
}

// Total returns the declared chunk count.
func (a *Assembly) Total() int { return a.totalChunks }

// SessionID returns the owning session id.
func (a *Assembly) SessionID() string { return a.sessionID }

// Staged reports whether chunk bytes are held in the staging area.
func (a *Assembly) Staged() bool { return a.staged }

// DeclaredSize returns the declared total payload size.
func (a *Assembly) DeclaredSize() int64 { return a.totalSize }

// Finished reports whether the payload has already been handed off.
func (a *Assembly) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed
}

// TryFinish assembles the payload exactly once. The second and any later
// caller gets (nil, false): the explicit transfer_complete signal and the
// disconnect-with-all-chunks fallback race each other, and first one wins.
func (a *Assembly) TryFinish() (*Payload, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.completed || a.totalChunks == 0 || a.received != a.totalChunks {
		return nil, false
	}
	a.completed = true

	payload := &Payload{
		SessionID:  a.sessionID,
		MimeType:   a.mimeType,
		Size:       a.totalSize,
		Duration:   a.duration,
		RecordedAt: a.recordedAt,
		Staged:     a.staged,
	}
	if !a.staged {
		var buf bytes.Buffer
		for _, slot := range a.slots {
			buf.Write(slot)
		}
		payload.Bytes = buf.Bytes()
		payload.Size = int64(buf.Len())
		// Release the slots; the assembly is destroyed after hand-off.
		a.slots = nil
	}
	return payload, true
}
