// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/capture/config"
	"github.com/rapidaai/capture/pkg/commons"
)

// Store is the durable key/value surface of the orchestrator.
//
// It survives a process restart: on boot the orchestrator reads the recording
// record back and reconciles a stale "recording" flag left behind by a crash.
// The staging record backs the large-payload path: chunks are written here
// instead of process memory, and the final persist reads them all back once
// the background upload is initiated.
type Store interface {
	// SaveRecording persists the live recording metadata (session id, start
	// time, tab context). Written when a session transitions to Recording.
	SaveRecording(ctx context.Context, rec *RecordingRecord) error

	// LoadRecording returns the current recording record, or nil when none
	// is stored.
	LoadRecording(ctx context.Context) (*RecordingRecord, error)

	// ClearRecording removes the recording record. Stop always clears it,
	// even when the underlying teardown failed.
	ClearRecording(ctx context.Context) error

	// SaveHeartbeat records the last successful upload (timestamp, key, size).
	SaveHeartbeat(ctx context.Context, hb *UploadHeartbeat) error

	// LoadHeartbeat returns the last upload heartbeat, or nil when none.
	LoadHeartbeat(ctx context.Context) (*UploadHeartbeat, error)

	// BeginStaging opens a staging record for one large upload, replacing any
	// prior record for the session.
	BeginStaging(ctx context.Context, meta *StagingRecord) error

	// StageChunk stores one chunk at its index. Restoring the same index
	// overwrites; the returned count is the number of distinct indices held.
	StageChunk(ctx context.Context, sessionID string, index int, data []byte) (int64, error)

	// StagingMeta returns the staging record for the session, or nil.
	StagingMeta(ctx context.Context, sessionID string) (*StagingRecord, error)

	// StagedChunks returns every staged chunk keyed by index.
	StagedChunks(ctx context.Context, sessionID string) (map[int][]byte, error)

	// ClearStaging drops the staging record and its chunks.
	ClearStaging(ctx context.Context, sessionID string) error
}

// RecordingRecord is the durable form of one live recording session.
type RecordingRecord struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	TabTitle  string    `json:"tab_title,omitempty"`
	TabURL    string    `json:"tab_url,omitempty"`
	TabID     int       `json:"tab_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
}

// UploadHeartbeat is the last-known successful upload.
type UploadHeartbeat struct {
	Timestamp time.Time `json:"timestamp"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
}

// StagingRecord tracks one in-progress large upload.
type StagingRecord struct {
	SessionID   string    `json:"session_id"`
	InProgress  bool      `json:"in_progress"`
	TotalChunks int       `json:"total_chunks"`
	TotalSize   int64     `json:"total_size"`
	MimeType    string    `json:"mime_type"`
	Duration    float64   `json:"duration,omitempty"`
	RecordedAt  time.Time `json:"recorded_at,omitempty"`
}

const (
	recordingKey  = "capture:recording"
	heartbeatKey  = "capture:heartbeat"
	stagingPrefix = "capture:staging:"
)

// Staged chunks expire on their own if a crash orphans them.
const stagingTTL = 24 * time.Hour

type redisStore struct {
	client *redis.Client
	logger commons.Logger
}

// NewStore creates the redis-backed durable store.
func NewStore(cfg *config.RedisConfig, logger commons.Logger) Store {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	return &redisStore{client: client, logger: logger}
}

// NewStoreWithClient wires an existing client; used by tests.
func NewStoreWithClient(client *redis.Client, logger commons.Logger) Store {
	return &redisStore{client: client, logger: logger}
}

func (s *redisStore) SaveRecording(ctx context.Context, rec *RecordingRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode recording record: %w", err)
	}
	if err := s.client.Set(ctx, recordingKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to save recording record %s: %w", rec.SessionID, err)
	}
	s.logger.Debugf("saved recording record: sessionId=%s", rec.SessionID)
	return nil
}

func (s *redisStore) LoadRecording(ctx context.Context) (*RecordingRecord, error) {
	raw, err := s.client.Get(ctx, recordingKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recording record: %w", err)
	}
	var rec RecordingRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode recording record: %w", err)
	}
	return &rec, nil
}

func (s *redisStore) ClearRecording(ctx context.Context) error {
	if err := s.client.Del(ctx, recordingKey).Err(); err != nil {
		return fmt.Errorf("failed to clear recording record: %w", err)
	}
	return nil
}

func (s *redisStore) SaveHeartbeat(ctx context.Context, hb *UploadHeartbeat) error {
	raw, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to encode upload heartbeat: %w", err)
	}
	if err := s.client.Set(ctx, heartbeatKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to save upload heartbeat: %w", err)
	}
	return nil
}

func (s *redisStore) LoadHeartbeat(ctx context.Context) (*UploadHeartbeat, error) {
	raw, err := s.client.Get(ctx, heartbeatKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load upload heartbeat: %w", err)
	}
	var hb UploadHeartbeat
	if err := json.Unmarshal([]byte(raw), &hb); err != nil {
		return nil, fmt.Errorf("failed to decode upload heartbeat: %w", err)
	}
	return &hb, nil
}

func (s *redisStore) BeginStaging(ctx context.Context, meta *StagingRecord) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode staging record: %w", err)
	}
	// Replace any prior chunks: init always wins over stale state.
	if err := s.client.Del(ctx, chunksKey(meta.SessionID)).Err(); err != nil {
		return fmt.Errorf("failed to reset staged chunks for %s: %w", meta.SessionID, err)
	}
	if err := s.client.Set(ctx, metaKey(meta.SessionID), raw, stagingTTL).Err(); err != nil {
		return fmt.Errorf("failed to save staging record for %s: %w", meta.SessionID, err)
	}
	s.logger.Infof("staging opened: sessionId=%s, totalChunks=%d, totalSize=%d",
		meta.SessionID, meta.TotalChunks, meta.TotalSize)
	return nil
}

func (s *redisStore) StageChunk(ctx context.Context, sessionID string, index int, data []byte) (int64, error) {
	key := chunksKey(sessionID)
	if err := s.client.HSet(ctx, key, strconv.Itoa(index), data).Err(); err != nil {
		return 0, fmt.Errorf("failed to stage chunk %d for %s: %w", index, sessionID, err)
	}
	count, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count staged chunks for %s: %w", sessionID, err)
	}
	return count, nil
}

func (s *redisStore) StagingMeta(ctx context.Context, sessionID string) (*StagingRecord, error) {
	raw, err := s.client.Get(ctx, metaKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load staging record for %s: %w", sessionID, err)
	}
	var meta StagingRecord
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode staging record for %s: %w", sessionID, err)
	}
	return &meta, nil
}

func (s *redisStore) StagedChunks(ctx context.Context, sessionID string) (map[int][]byte, error) {
	raw, err := s.client.HGetAll(ctx, chunksKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load staged chunks for %s: %w", sessionID, err)
	}
	chunks := make(map[int][]byte, len(raw))
	for field, value := range raw {
		index, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("corrupt staged chunk index %q for %s: %w", field, sessionID, err)
		}
		chunks[index] = []byte(value)
	}
	return chunks, nil
}

func (s *redisStore) ClearStaging(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, metaKey(sessionID), chunksKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear staging for %s: %w", sessionID, err)
	}
	s.logger.Debugf("staging cleared: sessionId=%s", sessionID)
	return nil
}

func metaKey(sessionID string) string   { return stagingPrefix + sessionID }
func chunksKey(sessionID string) string { return stagingPrefix + sessionID + ":chunks" }
