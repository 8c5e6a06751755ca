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
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/capture/pkg/commons"
)

// SenderOption configures a Sender.
type SenderOption func(*senderConfig)

type senderConfig struct {
	chunkSize      int
	reconnectDelay time.Duration
	ackTimeout     time.Duration
	maxReconnects  int
	dialTimeout    time.Duration
	fallbackURL    string
}

// WithChunkSize overrides the chunk size (default 150 KiB).
func WithChunkSize(size int) SenderOption {
	return func(c *senderConfig) { c.chunkSize = size }
}

// WithReconnectDelay sets the pause before re-dialing a dropped channel.
func WithReconnectDelay(d time.Duration) SenderOption {
	return func(c *senderConfig) { c.reconnectDelay = d }
}

// WithAckTimeout bounds the wait for any single acknowledgment.
func WithAckTimeout(d time.Duration) SenderOption {
	return func(c *senderConfig) { c.ackTimeout = d }
}

// WithMaxReconnects bounds reconnect attempts per transfer.
func WithMaxReconnects(n int) SenderOption {
	return func(c *senderConfig) { c.maxReconnects = n }
}

// WithFallbackURL enables the single-shot fallback: when the channel cannot
// be established at all, the complete payload is posted to this endpoint in
// one request instead.
func WithFallbackURL(url string) SenderOption {
	return func(c *senderConfig) { c.fallbackURL = url }
}

// Sender is the capture-host side of the chunk-transfer channel. It slices
// the payload into fixed-size chunks, tracks unacknowledged indices, and
// only emits transfer_complete once every chunk has been acknowledged. A
// dropped connection with outstanding chunks is re-dialed after a fixed
// delay and the unacknowledged chunks are resent; the receiver overwrites
// repeated indices, so resends are harmless.
type Sender struct {
	logger   commons.Logger
	url      string
	cfg      senderConfig
	fallback *resty.Client

	conn *websocket.Conn
}

// NewSender creates a sender that dials the named channel at url.
func NewSender(logger commons.Logger, url string, opts ...SenderOption) *Sender {
	cfg := senderConfig{
		chunkSize:      DefaultChunkSize,
		reconnectDelay: time.Second,
		ackTimeout:     15 * time.Second,
		maxReconnects:  5,
		dialTimeout:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Sender{logger: logger, url: url, cfg: cfg}
	if cfg.fallbackURL != "" {
		s.fallback = resty.New().SetTimeout(30 * time.Second)
	}
	return s
}

// Send transfers the payload and blocks until every chunk is acknowledged
// and transfer_complete has been emitted. When the connection cannot be
// established at all, the payload goes out through the single-shot fallback
// if one is configured; otherwise commons.ErrTransferTimeout is surfaced.
func (s *Sender) Send(ctx context.Context, sessionID string, data []byte, mimeType string, recordedAt time.Time, duration float64) error {
	chunks := s.split(data)
	if err := s.dial(ctx); err != nil {
		if s.fallback != nil {
			s.logger.Warnf("transfer channel could not be established, using the single-shot path: %v", err)
			return s.sendSingleShot(ctx, sessionID, data, mimeType, recordedAt, duration)
		}
		return fmt.Errorf("transfer channel could not be established: %v: %w", err, commons.ErrTransferTimeout)
	}
	defer s.close()

	if err := s.sendEnvelope(TypeReady, sessionID, nil); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}
	if err := s.sendEnvelope(TypeInit, sessionID, InitData{
		TotalSize:   int64(len(data)),
		MimeType:    mimeType,
		Timestamp:   recordedAt.UnixMilli(),
		Duration:    duration,
		TotalChunks: len(chunks),
	}); err != nil {
		return fmt.Errorf("failed to send init: %w", err)
	}

	// unacked is the pending set; transfer_complete may only go out once it
	// is empty.
	unacked := make(map[int][]byte, len(chunks))
	for i, c := range chunks {
		unacked[i] = c
	}

	reconnects := 0
	for len(unacked) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.sendPending(sessionID, unacked, len(chunks)); err == nil {
			err = s.drainAcks(ctx, unacked)
			if err == nil {
				continue
			}
			s.logger.Warnf("transfer channel dropped with %d pending chunks: %v", len(unacked), err)
		} else {
			s.logger.Warnf("transfer channel write failed with %d pending chunks: %v", len(unacked), err)
		}

		// Disconnect with pending chunks: reconnect before declaring failure.
		if reconnects >= s.cfg.maxReconnects {
			return fmt.Errorf("transfer failed after %d reconnects with %d chunks pending: %w",
				reconnects, len(unacked), commons.ErrTransferTimeout)
		}
		reconnects++
		s.close()
		time.Sleep(s.cfg.reconnectDelay)
		if err := s.dial(ctx); err != nil {
			return fmt.Errorf("transfer reconnect failed: %v: %w", err, commons.ErrTransferTimeout)
		}
		if err := s.sendEnvelope(TypeReady, sessionID, nil); err != nil {
			return fmt.Errorf("failed to resend ready: %w", err)
		}
		// No re-init on resume: init resets the receiver's slots and would
		// discard chunks it already acknowledged.
	}

	if err := s.sendEnvelope(TypeTransferComplete, sessionID, nil); err != nil {
		return fmt.Errorf("failed to send transfer_complete: %w", err)
	}
	s.logger.Infof("transfer sent: sessionId=%s, chunks=%d, bytes=%d, reconnects=%d",
		sessionID, len(chunks), len(data), reconnects)
	return nil
}

// sendSingleShot posts the complete payload in one request. Only for
// transfers that never got a channel; a mid-transfer drop reconnects
// instead, since the receiver already holds acknowledged chunks.
func (s *Sender) sendSingleShot(ctx context.Context, sessionID string, data []byte, mimeType string, recordedAt time.Time, duration float64) error {
	resp, err := s.fallback.R().
		SetContext(ctx).
		SetBody(SingleShotUpload{
			SessionID: sessionID,
			Payload:   data,
			MimeType:  mimeType,
			Timestamp: recordedAt.UnixMilli(),
			Duration:  duration,
		}).
		Post(s.cfg.fallbackURL)
	if err != nil {
		return fmt.Errorf("single-shot upload for session %s failed: %w", sessionID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("single-shot upload for session %s returned %s", sessionID, resp.Status())
	}
	s.logger.Infof("single-shot upload sent: sessionId=%s, bytes=%d", sessionID, len(data))
	return nil
}

func (s *Sender) split(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for offset := 0; offset < len(data); offset += s.cfg.chunkSize {
		end := offset + s.cfg.chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[offset:end])
	}
	return chunks
}

// sendPending writes every unacknowledged chunk. Map order is arbitrary;
// the index in each message is what places the chunk, not arrival order.
func (s *Sender) sendPending(sessionID string, unacked map[int][]byte, total int) error {
	for index, payload := range unacked {
		if err := s.sendEnvelope(TypeChunk, sessionID, ChunkData{
			Index:   index,
			Payload: payload,
			Last:    index == total-1,
		}); err != nil {
			return err
		}
	}
	return nil
}

// drainAcks consumes acknowledgments until the pending set is empty. An ack
// for an index no longer pending is ignored; the pending count never goes
// negative.
func (s *Sender) drainAcks(ctx context.Context, unacked map[int][]byte) error {
	for len(unacked) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ackTimeout)); err != nil {
			return err
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Errorf("failed to unmarshal channel message: %v", err)
			continue
		}
		switch msg.Type {
		case TypeChunkAck:
			var ack AckData
			if err := json.Unmarshal(msg.Data, &ack); err != nil {
				s.logger.Errorf("failed to parse ack data: %v", err)
				continue
			}
			delete(unacked, ack.Index)
		case TypeError:
			var ed ErrorData
			_ = json.Unmarshal(msg.Data, &ed)
			return fmt.Errorf("receiver reported error: %s", ed.Message)
		default:
			s.logger.Debugf("ignoring channel message type %s", msg.Type)
		}
	}
	return nil
}

func (s *Sender) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *Sender) sendEnvelope(msgType MessageType, sessionID string, data interface{}) error {
	msg, err := Envelope(msgType, sessionID, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msgType, err)
	}
	if s.conn == nil {
		return fmt.Errorf("transfer channel is not connected")
	}
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *Sender) close() {
	if s.conn == nil {
		return
	}
	_ = s.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	_ = s.conn.Close()
	s.conn = nil
}
