// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_transfer

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Transfer Message Types
// =============================================================================

// MessageType defines the type of message and what data structure to expect
type MessageType string

const (
	// Sender -> receiver
	TypeReady            MessageType = "ready"             // Data: nil
	TypeInit             MessageType = "init"              // Data: InitData
	TypeChunk            MessageType = "chunk"             // Data: ChunkData
	TypeTransferComplete MessageType = "transfer_complete" // Data: nil

	// Receiver -> sender
	TypeChunkAck MessageType = "chunk_ack" // Data: AckData
	TypeError    MessageType = "error"     // Data: ErrorData
)

// DefaultChunkSize bounds one chunk message so it stays inside transport
// message limits.
const DefaultChunkSize = 150 * 1024

// =============================================================================
// Request/Response Envelope
// =============================================================================

// Message is the envelope carried on the chunk-transfer channel in both
// directions. The type determines what structure Data holds.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// InitData declares one upcoming transfer.
// Used with: TypeInit
type InitData struct {
	TotalSize   int64   `json:"total_size"`
	MimeType    string  `json:"mime_type"`
	Timestamp   int64   `json:"timestamp"` // recording start, unix millis
	Duration    float64 `json:"duration"`  // seconds
	TotalChunks int     `json:"total_chunks"`
}

// ChunkData carries one payload slice. Index is authoritative; chunks may
// arrive in any order.
// Used with: TypeChunk
type ChunkData struct {
	Index   int    `json:"index"`
	Payload []byte `json:"payload"`
	Last    bool   `json:"last,omitempty"`
}

// AckData acknowledges one received chunk.
// Used with: TypeChunkAck
type AckData struct {
	Index int `json:"index"`
}

// ErrorData reports a protocol-level failure.
// Used with: TypeError
type ErrorData struct {
	Message string `json:"message"`
}

// SingleShotUpload is the non-chunked fallback submission: the complete
// payload in one HTTP request, used when the chunk-transfer channel cannot
// be established at all.
type SingleShotUpload struct {
	SessionID string  `json:"session_id"`
	Payload   []byte  `json:"payload"`
	MimeType  string  `json:"mime_type"`
	Timestamp int64   `json:"timestamp"` // recording start, unix millis
	Duration  float64 `json:"duration"`  // seconds
}

// Envelope builds a Message with the given typed data marshalled into place.
func Envelope(msgType MessageType, sessionID string, data interface{}) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s data: %w", msgType, err)
		}
		msg.Data = raw
	}
	return msg, nil
}
