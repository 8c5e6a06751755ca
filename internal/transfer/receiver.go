// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	internal_state "github.com/rapidaai/capture/internal/state"
	"github.com/rapidaai/capture/pkg/commons"
)

// CompletionHandler receives the assembled payload exactly once per session.
type CompletionHandler func(ctx context.Context, payload *Payload)

// Stager is the slice of the durable store the receiver needs for the
// large-payload path. internal_state.Store satisfies it.
type Stager interface {
	BeginStaging(ctx context.Context, meta *internal_state.StagingRecord) error
	StageChunk(ctx context.Context, sessionID string, index int, data []byte) (int64, error)
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*receiverConfig)

type receiverConfig struct {
	stager         Stager
	largeThreshold int64
	onReady        func(sessionID string)
}

// WithStager enables the storage-backed staging path for declared sizes
// above threshold.
func WithStager(stager Stager, threshold int64) ReceiverOption {
	return func(c *receiverConfig) {
		c.stager = stager
		c.largeThreshold = threshold
	}
}

// WithReadyHook registers a callback for the host's "ready" notice. The
// supervisor's readiness race listens on it.
func WithReadyHook(onReady func(sessionID string)) ReceiverOption {
	return func(c *receiverConfig) {
		c.onReady = onReady
	}
}

// Receiver is the orchestrator side of the chunk-transfer channel. It owns
// the current assembly, acknowledges every stored chunk, and hands the
// assembled payload to the completion handler exactly once, whether the
// trigger is the explicit transfer_complete message or a disconnect that
// arrives after every chunk has been received.
type Receiver struct {
	logger     commons.Logger
	onComplete CompletionHandler
	stager     Stager
	largeMin   int64
	onReady    func(sessionID string)

	mu       sync.Mutex
	assembly *Assembly

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewReceiver creates a Receiver delivering completions to onComplete.
func NewReceiver(logger commons.Logger, onComplete CompletionHandler, opts ...ReceiverOption) *Receiver {
	cfg := receiverConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Receiver{
		logger:     logger,
		onComplete: onComplete,
		stager:     cfg.stager,
		largeMin:   cfg.largeThreshold,
		onReady:    cfg.onReady,
	}
}

// Serve runs the read loop on an accepted connection until it closes.
// Disconnect with all chunks present is itself a completion signal, since
// transfer_complete may never arrive if the sender vanished.
func (r *Receiver) Serve(ctx context.Context, conn *websocket.Conn) error {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		// A reconnect may already have replaced the connection; only the
		// owner clears it.
		if r.conn == conn {
			r.conn = nil
		}
		r.mu.Unlock()
		r.handleDisconnect(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debugf("transfer channel closed normally")
				return nil
			}
			return fmt.Errorf("transfer channel read error: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.logger.Errorf("failed to unmarshal transfer message: %v", err)
			continue
		}
		if err := r.handleMessage(ctx, &msg); err != nil {
			r.logger.Errorf("error handling %s message: %v", msg.Type, err)
		}
	}
}

// InFlight reports whether a transfer is currently assembling, and its
// declared size. Stop uses this to bound the drain wait before teardown.
func (r *Receiver) InFlight() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assembly == nil || r.assembly.Finished() {
		return 0, false
	}
	return r.assembly.DeclaredSize(), true
}

func (r *Receiver) handleMessage(ctx context.Context, msg *Message) error {
	switch msg.Type {
	case TypeReady:
		r.logger.Debugf("transfer channel ready: sessionId=%s", msg.SessionID)
		if r.onReady != nil {
			r.onReady(msg.SessionID)
		}
		return nil

	case TypeInit:
		var init InitData
		if err := json.Unmarshal(msg.Data, &init); err != nil {
			return fmt.Errorf("failed to parse init data: %w", err)
		}
		return r.handleInit(ctx, msg.SessionID, init)

	case TypeChunk:
		var chunk ChunkData
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			return fmt.Errorf("failed to parse chunk data: %w", err)
		}
		return r.handleChunk(ctx, msg.SessionID, chunk)

	case TypeTransferComplete:
		r.finish(ctx)
		return nil

	default:
		r.logger.Warnf("unexpected transfer message type %s", msg.Type)
		return nil
	}
}

// handleInit allocates a fresh assembly. An init for a session that already
// has a partial assembly discards the partial state; init always wins.
func (r *Receiver) handleInit(ctx context.Context, sessionID string, init InitData) error {
	if init.TotalChunks <= 0 {
		return fmt.Errorf("init declared %d chunks for session %s", init.TotalChunks, sessionID)
	}

	staged := r.stager != nil && r.largeMin > 0 && init.TotalSize > r.largeMin
	if staged {
		if err := r.stager.BeginStaging(ctx, &internal_state.StagingRecord{
			SessionID:   sessionID,
			InProgress:  true,
			TotalChunks: init.TotalChunks,
			TotalSize:   init.TotalSize,
			MimeType:    init.MimeType,
			Duration:    init.Duration,
			RecordedAt:  time.UnixMilli(init.Timestamp),
		}); err != nil {
			return fmt.Errorf("failed to open staging for %s: %w", sessionID, err)
		}
	}

	r.mu.Lock()
	if r.assembly != nil && !r.assembly.Finished() {
		r.logger.Warnf("init replaces incomplete assembly: sessionId=%s, received=%d/%d",
			r.assembly.SessionID(), r.assembly.Received(), r.assembly.Total())
	}
	r.assembly = NewAssembly(sessionID, init, staged)
	r.mu.Unlock()

	r.logger.Infof("transfer init: sessionId=%s, totalChunks=%d, totalSize=%d, staged=%v",
		sessionID, init.TotalChunks, init.TotalSize, staged)
	return nil
}

func (r *Receiver) handleChunk(ctx context.Context, sessionID string, chunk ChunkData) error {
	r.mu.Lock()
	assembly := r.assembly
	r.mu.Unlock()

	if assembly == nil {
		r.sendError(sessionID, "chunk before init")
		return fmt.Errorf("chunk %d for session %s arrived before init", chunk.Index, sessionID)
	}

	if assembly.Staged() {
		if _, err := r.stager.StageChunk(ctx, assembly.SessionID(), chunk.Index, chunk.Payload); err != nil {
			return err
		}
	}
	if err := assembly.Put(chunk.Index, chunk.Payload); err != nil {
		return err
	}

	// Ack after the chunk is stored; the sender's pending count depends on it.
	if err := r.sendAck(assembly.SessionID(), chunk.Index); err != nil {
		r.logger.Warnf("failed to ack chunk %d: %v", chunk.Index, err)
	}
	return nil
}

// handleDisconnect is the fallback completion path: the sender may vanish
// after its last chunk without ever sending transfer_complete.
func (r *Receiver) handleDisconnect(ctx context.Context) {
	r.mu.Lock()
	assembly := r.assembly
	r.mu.Unlock()

	if assembly != nil && assembly.Complete() {
		r.logger.Infof("channel disconnected with all chunks present, treating as completion: sessionId=%s",
			assembly.SessionID())
		r.finish(ctx)
	}
}

// finish hands off the payload at most once; TryFinish is the re-entrant
// guard shared by the explicit and the implicit completion paths.
func (r *Receiver) finish(ctx context.Context) {
	r.mu.Lock()
	assembly := r.assembly
	r.mu.Unlock()

	if assembly == nil {
		return
	}
	payload, ok := assembly.TryFinish()
	if !ok {
		return
	}

	r.mu.Lock()
	// The assembly is destroyed right after hand-off, never left dangling.
	if r.assembly == assembly {
		r.assembly = nil
	}
	r.mu.Unlock()

	r.logger.Infof("transfer complete: sessionId=%s, size=%d, staged=%v",
		payload.SessionID, payload.Size, payload.Staged)
	r.onComplete(ctx, payload)
}

func (r *Receiver) sendAck(sessionID string, index int) error {
	msg, err := Envelope(TypeChunkAck, sessionID, AckData{Index: index})
	if err != nil {
		return err
	}
	return r.sendMessage(msg)
}

func (r *Receiver) sendError(sessionID, text string) {
	msg, err := Envelope(TypeError, sessionID, ErrorData{Message: text})
	if err != nil {
		return
	}
	if err := r.sendMessage(msg); err != nil {
		r.logger.Warnf("failed to send error message: %v", err)
	}
}

func (r *Receiver) sendMessage(msg *Message) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transfer channel is not connected")
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msg.Type, err)
	}
	return nil
}
