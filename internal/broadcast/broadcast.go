// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_broadcast

import (
	"sync"

	"github.com/rapidaai/capture/pkg/commons"
)

// EventType identifies a broadcast notification kind.
type EventType string

const (
	RecordingStateChanged EventType = "RECORDING_STATE_CHANGED"
	RecordingUploadDone   EventType = "RECORDING_UPLOAD_COMPLETE"
	RecordingWarning      EventType = "RECORDING_WARNING"
	SummaryReady          EventType = "SUMMARY_READY"
)

// Event is one observable notification. Only the fields relevant to the
// event type are populated.
type Event struct {
	Type        EventType `json:"type"`
	IsRecording bool      `json:"is_recording,omitempty"`
	Error       string    `json:"error,omitempty"`
	Key         string    `json:"key,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Message     string    `json:"message,omitempty"`
	Summary     string    `json:"summary,omitempty"`
}

// Broadcaster fans events out to any number of subscribers (UI surfaces,
// status endpoints). Publish never blocks: a subscriber that stopped
// draining its channel misses events instead of stalling the orchestrator.
type Broadcaster struct {
	logger      commons.Logger
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
}

func NewBroadcaster(logger commons.Logger) *Broadcaster {
	return &Broadcaster{
		logger:      logger,
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe registers a listener. The returned cancel func removes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warnf("broadcast subscriber %d is not draining, dropping %s", id, event.Type)
		}
	}
}

// StateChanged publishes a RECORDING_STATE_CHANGED event.
func (b *Broadcaster) StateChanged(isRecording bool, errMessage string) {
	b.Publish(Event{Type: RecordingStateChanged, IsRecording: isRecording, Error: errMessage})
}

// UploadComplete publishes a RECORDING_UPLOAD_COMPLETE event.
func (b *Broadcaster) UploadComplete(key string, size int64) {
	b.Publish(Event{Type: RecordingUploadDone, Key: key, Size: size})
}

// Warning publishes a RECORDING_WARNING event.
func (b *Broadcaster) Warning(message string) {
	b.Publish(Event{Type: RecordingWarning, Message: message})
}

// Summary publishes a SUMMARY_READY event.
func (b *Broadcaster) Summary(summary string) {
	b.Publish(Event{Type: SummaryReady, Summary: summary})
}
