// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rapidaai/capture/config"
	internal_broadcast "github.com/rapidaai/capture/internal/broadcast"
	internal_services "github.com/rapidaai/capture/internal/services"
	internal_state "github.com/rapidaai/capture/internal/state"
	internal_transfer "github.com/rapidaai/capture/internal/transfer"
	"github.com/rapidaai/capture/pkg/commons"
	"github.com/rapidaai/capture/pkg/utils"
)

// Keys have a user segment; uploads without an authenticated user land here.
const fallbackUserID = "local"

// PipelineOption configures a Pipeline.
type PipelineOption func(*pipelineConfig)

type pipelineConfig struct {
	sleep func(time.Duration)
}

// WithSleeper injects the sleep function; tests replace it.
func WithSleeper(sleep func(time.Duration)) PipelineOption {
	return func(c *pipelineConfig) { c.sleep = sleep }
}

// transcriptionArtifact is the JSON document persisted next to the recording.
type transcriptionArtifact struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	WordCount int    `json:"word_count"`
}

// summaryArtifact is the JSON document persisted next to the transcription.
type summaryArtifact struct {
	SessionID        string  `json:"session_id"`
	Summary          string  `json:"summary"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// Pipeline moves a finished recording into durable storage and then runs the
// post-processing chain behind it.
//
// The persist is the only stage allowed to fail the upload: it retries with
// exponential backoff and surfaces commons.ErrPersistFailure on exhaustion.
// Everything after the persist (transcription, summarization) is best-effort;
// a failure there degrades the recording to audio-only and raises a warning
// instead of an error.
type Pipeline struct {
	logger      commons.Logger
	cfg         *config.RecordingConfig
	store       internal_state.Store
	objects     internal_services.ObjectStore
	transcriber internal_services.Transcriber
	summarizer  internal_services.Summarizer
	broadcaster *internal_broadcast.Broadcaster
	sleep       func(time.Duration)
}

// NewPipeline wires the upload pipeline.
func NewPipeline(
	logger commons.Logger,
	cfg *config.RecordingConfig,
	store internal_state.Store,
	objects internal_services.ObjectStore,
	transcriber internal_services.Transcriber,
	summarizer internal_services.Summarizer,
	broadcaster *internal_broadcast.Broadcaster,
	opts ...PipelineOption,
) *Pipeline {
	pc := pipelineConfig{sleep: time.Sleep}
	for _, opt := range opts {
		opt(&pc)
	}
	return &Pipeline{
		logger:      logger,
		cfg:         cfg,
		store:       store,
		objects:     objects,
		transcriber: transcriber,
		summarizer:  summarizer,
		broadcaster: broadcaster,
		sleep:       pc.sleep,
	}
}

// Upload persists one assembled payload and kicks off post-processing.
// Staged payloads are read back from the staging area first. Returns the
// storage key of the recording.
func (p *Pipeline) Upload(ctx context.Context, payload *internal_transfer.Payload, userID string) (string, error) {
	if payload.Staged {
		return p.InitiateBackgroundUpload(ctx, payload.SessionID, userID)
	}
	return p.upload(ctx, payload, userID)
}

// InitiateBackgroundUpload assembles a staged large payload from the durable
// staging area and uploads it. The staging record is cleared only after the
// persist succeeded, so a crash mid-upload can be retried from storage.
func (p *Pipeline) InitiateBackgroundUpload(ctx context.Context, sessionID, userID string) (string, error) {
	meta, err := p.store.StagingMeta(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if meta == nil {
		return "", fmt.Errorf("no staged upload for session %s", sessionID)
	}

	chunks, err := p.store.StagedChunks(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(chunks) < meta.TotalChunks {
		return "", fmt.Errorf("staged upload for %s is incomplete: %d/%d chunks",
			sessionID, len(chunks), meta.TotalChunks)
	}

	var buf bytes.Buffer
	for i := 0; i < meta.TotalChunks; i++ {
		chunk, ok := chunks[i]
		if !ok {
			return "", fmt.Errorf("staged chunk %d missing for session %s", i, sessionID)
		}
		buf.Write(chunk)
	}

	recordedAt := meta.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	payload := &internal_transfer.Payload{
		SessionID:  sessionID,
		Bytes:      buf.Bytes(),
		MimeType:   meta.MimeType,
		Size:       int64(buf.Len()),
		Duration:   meta.Duration,
		RecordedAt: recordedAt,
	}

	key, err := p.upload(ctx, payload, userID)
	if err != nil {
		return "", err
	}
	if err := p.store.ClearStaging(ctx, sessionID); err != nil {
		p.logger.Warnf("failed to clear staging for %s after upload: %v", sessionID, err)
	}
	return key, nil
}

func (p *Pipeline) upload(ctx context.Context, payload *internal_transfer.Payload, userID string) (string, error) {
	if userID == "" {
		userID = fallbackUserID
	}
	// Same (user, session, timestamp) always yields the same key, so a
	// retried upload overwrites instead of duplicating.
	key := utils.RecordingKey(userID, payload.SessionID, payload.RecordedAt, payload.MimeType)

	metadata := map[string]string{
		"session-id":  payload.SessionID,
		"duration":    strconv.FormatFloat(payload.Duration, 'f', -1, 64),
		"recorded-at": payload.RecordedAt.UTC().Format(time.RFC3339),
	}

	retries := p.cfg.UploadRetries
	if retries <= 0 {
		retries = 3
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		result, err := p.objects.Put(ctx, key, payload.Bytes, payload.MimeType, metadata)
		if err == nil {
			p.finalize(ctx, key, result.Size, payload)
			return key, nil
		}
		lastErr = err
		p.logger.Warnf("persist attempt %d/%d failed for %s: %v", attempt+1, retries, key, err)
		if attempt < retries-1 {
			p.sleep(utils.Backoff(p.cfg.BackoffBase, attempt))
		}
	}

	p.broadcaster.Warning(commons.UserMessage(commons.ErrPersistFailure))
	return "", fmt.Errorf("upload for session %s: %v: %w",
		payload.SessionID, lastErr, commons.ErrPersistFailure)
}

// finalize records the heartbeat, announces the upload and detaches the
// post-processing chain.
func (p *Pipeline) finalize(ctx context.Context, key string, size int64, payload *internal_transfer.Payload) {
	if err := p.store.SaveHeartbeat(ctx, &internal_state.UploadHeartbeat{
		Timestamp: time.Now().UTC(),
		Key:       key,
		Size:      size,
	}); err != nil {
		p.logger.Warnf("failed to save upload heartbeat: %v", err)
	}

	p.broadcaster.UploadComplete(key, size)

	mimeType := payload.MimeType
	sessionID := payload.SessionID
	utils.Go(ctx, func() {
		p.postProcess(ctx, key, sessionID, mimeType)
	})
}

// postProcess runs transcription and summarization behind a persisted
// recording. Failures here never fail the upload; the recording stays
// audio-only and the user gets a warning.
func (p *Pipeline) postProcess(ctx context.Context, key, sessionID, mimeType string) {
	// Let the storage write settle before reading it back.
	p.sleep(p.cfg.TranscriptionDelay)

	audio, err := p.objects.Get(ctx, key)
	if err != nil {
		p.warnDownstream(sessionID, "transcription read-back", err)
		return
	}

	tr, err := p.transcriber.Transcribe(ctx, audio, mimeType)
	if err != nil {
		p.warnDownstream(sessionID, "transcription", err)
		return
	}

	trKey := utils.TranscriptionKey(key)
	if err := p.putJSON(ctx, trKey, transcriptionArtifact{
		SessionID: sessionID,
		Text:      tr.Text,
		WordCount: tr.WordCount,
	}); err != nil {
		p.warnDownstream(sessionID, "transcription persist", err)
		return
	}

	sum, err := p.summarizer.Summarize(ctx, tr.Text)
	if err != nil {
		p.warnDownstream(sessionID, "summarization", err)
		return
	}

	if err := p.putJSON(ctx, utils.SummaryKey(key), summaryArtifact{
		SessionID:        sessionID,
		Summary:          sum.Summary,
		CompressionRatio: sum.CompressionRatio,
	}); err != nil {
		p.warnDownstream(sessionID, "summary persist", err)
		return
	}

	p.broadcaster.Summary(sum.Summary)
	p.logger.Infof("post-processing complete: sessionId=%s, key=%s, words=%d",
		sessionID, key, tr.WordCount)
}

func (p *Pipeline) putJSON(ctx context.Context, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	_, err = p.objects.Put(ctx, key, raw, "application/json", nil)
	return err
}

func (p *Pipeline) warnDownstream(sessionID, stage string, err error) {
	wrapped := fmt.Errorf("%s for session %s: %v: %w", stage, sessionID, err, commons.ErrUpstreamFailure)
	p.logger.Errorf("%v", wrapped)
	p.broadcaster.Warning(fmt.Sprintf("The recording was saved, but %s failed. Audio is available without a transcript.", stage))
}
