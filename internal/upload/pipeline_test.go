// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/capture/config"
	internal_broadcast "github.com/rapidaai/capture/internal/broadcast"
	internal_services "github.com/rapidaai/capture/internal/services"
	internal_state "github.com/rapidaai/capture/internal/state"
	internal_transfer "github.com/rapidaai/capture/internal/transfer"
	"github.com/rapidaai/capture/pkg/commons"
	"github.com/rapidaai/capture/pkg/utils"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeObjects struct {
	mu           sync.Mutex
	failuresLeft int
	puts         map[string][]byte
	contentTypes map[string]string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		puts:         make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, contentType string, _ map[string]string) (*internal_services.PutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, errors.New("storage returned 500")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.puts[key] = buf
	f.contentTypes[key] = contentType
	return &internal_services.PutResult{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeObjects) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.puts[key]
	if !ok {
		return nil, errors.New("no such key: " + key)
	}
	return data, nil
}

func (f *fakeObjects) List(_ context.Context, prefix string) ([]internal_services.ListedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var listed []internal_services.ListedObject
	for key := range f.puts {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			listed = append(listed, internal_services.ListedObject{Key: key})
		}
	}
	return listed, nil
}

func (f *fakeObjects) stored(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.puts[key]
	return data, ok
}

type memStore struct {
	mu        sync.Mutex
	recording *internal_state.RecordingRecord
	heartbeat *internal_state.UploadHeartbeat
	staging   map[string]*internal_state.StagingRecord
	chunks    map[string]map[int][]byte
}

func newMemStore() *memStore {
	return &memStore{
		staging: make(map[string]*internal_state.StagingRecord),
		chunks:  make(map[string]map[int][]byte),
	}
}

func (m *memStore) SaveRecording(_ context.Context, rec *internal_state.RecordingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = rec
	return nil
}

func (m *memStore) LoadRecording(context.Context) (*internal_state.RecordingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording, nil
}

func (m *memStore) ClearRecording(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = nil
	return nil
}

func (m *memStore) SaveHeartbeat(_ context.Context, hb *internal_state.UploadHeartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeat = hb
	return nil
}

func (m *memStore) LoadHeartbeat(context.Context) (*internal_state.UploadHeartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeat, nil
}

func (m *memStore) BeginStaging(_ context.Context, meta *internal_state.StagingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staging[meta.SessionID] = meta
	m.chunks[meta.SessionID] = make(map[int][]byte)
	return nil
}

func (m *memStore) StageChunk(_ context.Context, sessionID string, index int, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks[sessionID] == nil {
		m.chunks[sessionID] = make(map[int][]byte)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.chunks[sessionID][index] = buf
	return int64(len(m.chunks[sessionID])), nil
}

func (m *memStore) StagingMeta(_ context.Context, sessionID string) (*internal_state.StagingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staging[sessionID], nil
}

func (m *memStore) StagedChunks(_ context.Context, sessionID string) (map[int][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int][]byte, len(m.chunks[sessionID]))
	for i, c := range m.chunks[sessionID] {
		out[i] = c
	}
	return out, nil
}

func (m *memStore) ClearStaging(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.staging, sessionID)
	delete(m.chunks, sessionID)
	return nil
}

type fakeTranscriber struct {
	err  error
	text string
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte, string) (*internal_services.Transcription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &internal_services.Transcription{Text: f.text, WordCount: 4}, nil
}

type fakeSummarizer struct {
	err     error
	summary string
}

func (f *fakeSummarizer) Summarize(context.Context, string) (*internal_services.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &internal_services.Summary{Summary: f.summary, CompressionRatio: 0.2}, nil
}

// ============================================================================
// Harness
// ============================================================================

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
}

func (s *sleepRecorder) snapshot() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.slept))
	copy(out, s.slept)
	return out
}

type pipelineHarness struct {
	pipeline    *Pipeline
	objects     *fakeObjects
	store       *memStore
	transcriber *fakeTranscriber
	summarizer  *fakeSummarizer
	events      <-chan internal_broadcast.Event
	cancel      func()
	sleeps      *sleepRecorder
}

func newPipelineHarness(t *testing.T) *pipelineHarness {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	objects := newFakeObjects()
	store := newMemStore()
	transcriber := &fakeTranscriber{text: "we shipped the quarterly report today"}
	summarizer := &fakeSummarizer{summary: "Shipped the quarterly report."}
	broadcaster := internal_broadcast.NewBroadcaster(logger)
	events, cancel := broadcaster.Subscribe(16)

	cfg := &config.RecordingConfig{
		UploadRetries:      3,
		BackoffBase:        time.Second,
		TranscriptionDelay: time.Second,
	}

	sleeps := &sleepRecorder{}
	pipeline := NewPipeline(logger, cfg, store, objects, transcriber, summarizer, broadcaster,
		WithSleeper(sleeps.sleep))

	t.Cleanup(cancel)
	return &pipelineHarness{
		pipeline:    pipeline,
		objects:     objects,
		store:       store,
		transcriber: transcriber,
		summarizer:  summarizer,
		events:      events,
		cancel:      cancel,
		sleeps:      sleeps,
	}
}

func waitEvent(t *testing.T, events <-chan internal_broadcast.Event, kind internal_broadcast.EventType) internal_broadcast.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return internal_broadcast.Event{}
		}
	}
}

func testPayload(data []byte) *internal_transfer.Payload {
	return &internal_transfer.Payload{
		SessionID:  "sess-1",
		Bytes:      data,
		MimeType:   "audio/webm",
		Size:       int64(len(data)),
		Duration:   42.0,
		RecordedAt: time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC),
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestUpload_PersistsAndPostProcesses(t *testing.T) {
	h := newPipelineHarness(t)
	payload := testPayload([]byte("webm-bytes"))

	key, err := h.pipeline.Upload(context.Background(), payload, "user-7")
	require.NoError(t, err)
	assert.Equal(t, utils.RecordingKey("user-7", "sess-1", payload.RecordedAt, "audio/webm"), key)

	done := waitEvent(t, h.events, internal_broadcast.RecordingUploadDone)
	assert.Equal(t, key, done.Key)
	assert.Equal(t, int64(len(payload.Bytes)), done.Size)

	hb, err := h.store.LoadHeartbeat(context.Background())
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, key, hb.Key)

	summary := waitEvent(t, h.events, internal_broadcast.SummaryReady)
	assert.Equal(t, "Shipped the quarterly report.", summary.Summary)

	_, ok := h.objects.stored(utils.TranscriptionKey(key))
	assert.True(t, ok, "transcription artifact must sit next to the recording")
	_, ok = h.objects.stored(utils.SummaryKey(key))
	assert.True(t, ok, "summary artifact must sit next to the recording")
}

func TestUpload_RetriesWithBackoffThenSucceeds(t *testing.T) {
	h := newPipelineHarness(t)
	h.objects.failuresLeft = 2

	_, err := h.pipeline.Upload(context.Background(), testPayload([]byte("x")), "user-7")
	require.NoError(t, err)

	// Two failures cost base*2 then base*4 before the third attempt lands.
	slept := h.sleeps.snapshot()
	require.GreaterOrEqual(t, len(slept), 2)
	assert.Equal(t, 2*time.Second, slept[0])
	assert.Equal(t, 4*time.Second, slept[1])
}

func TestUpload_ExhaustedRetriesIsPersistFailure(t *testing.T) {
	h := newPipelineHarness(t)
	h.objects.failuresLeft = 3

	_, err := h.pipeline.Upload(context.Background(), testPayload([]byte("x")), "user-7")
	require.Error(t, err)
	assert.ErrorIs(t, err, commons.ErrPersistFailure)

	warning := waitEvent(t, h.events, internal_broadcast.RecordingWarning)
	assert.NotEmpty(t, warning.Message)

	hb, err := h.store.LoadHeartbeat(context.Background())
	require.NoError(t, err)
	assert.Nil(t, hb, "a failed upload must not record a heartbeat")
}

func TestUpload_DownstreamFailureIsNonFatal(t *testing.T) {
	h := newPipelineHarness(t)
	h.transcriber.err = errors.New("deepgram returned 503")

	key, err := h.pipeline.Upload(context.Background(), testPayload([]byte("x")), "user-7")
	require.NoError(t, err, "transcription failure must not fail the upload")

	waitEvent(t, h.events, internal_broadcast.RecordingUploadDone)
	waitEvent(t, h.events, internal_broadcast.RecordingWarning)

	_, ok := h.objects.stored(utils.TranscriptionKey(key))
	assert.False(t, ok)
	_, ok = h.objects.stored(utils.SummaryKey(key))
	assert.False(t, ok)
}

func TestUpload_EmptyUserFallsBack(t *testing.T) {
	h := newPipelineHarness(t)
	payload := testPayload([]byte("x"))

	key, err := h.pipeline.Upload(context.Background(), payload, "")
	require.NoError(t, err)
	assert.Equal(t, utils.RecordingKey("local", "sess-1", payload.RecordedAt, "audio/webm"), key)
}

func TestInitiateBackgroundUpload_AssemblesStagedChunksInOrder(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.BeginStaging(ctx, &internal_state.StagingRecord{
		SessionID:   "sess-big",
		InProgress:  true,
		TotalChunks: 3,
		TotalSize:   6,
		MimeType:    "audio/webm",
		RecordedAt:  time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC),
	}))
	// Staged out of order; assembly is index-authoritative.
	_, err := h.store.StageChunk(ctx, "sess-big", 2, []byte("cc"))
	require.NoError(t, err)
	_, err = h.store.StageChunk(ctx, "sess-big", 0, []byte("aa"))
	require.NoError(t, err)
	_, err = h.store.StageChunk(ctx, "sess-big", 1, []byte("bb"))
	require.NoError(t, err)

	key, err := h.pipeline.InitiateBackgroundUpload(ctx, "sess-big", "user-7")
	require.NoError(t, err)

	stored, ok := h.objects.stored(key)
	require.True(t, ok)
	assert.Equal(t, []byte("aabbcc"), stored)

	meta, err := h.store.StagingMeta(ctx, "sess-big")
	require.NoError(t, err)
	assert.Nil(t, meta, "staging must be cleared after a successful upload")
}

func TestInitiateBackgroundUpload_IncompleteStagingFails(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.BeginStaging(ctx, &internal_state.StagingRecord{
		SessionID:   "sess-big",
		TotalChunks: 3,
		MimeType:    "audio/webm",
	}))
	_, err := h.store.StageChunk(ctx, "sess-big", 0, []byte("aa"))
	require.NoError(t, err)

	_, err = h.pipeline.InitiateBackgroundUpload(ctx, "sess-big", "user-7")
	require.Error(t, err)

	meta, metaErr := h.store.StagingMeta(ctx, "sess-big")
	require.NoError(t, metaErr)
	assert.NotNil(t, meta, "failed background upload must keep its staging for retry")
}

func TestInitiateBackgroundUpload_UnknownSessionFails(t *testing.T) {
	h := newPipelineHarness(t)

	_, err := h.pipeline.InitiateBackgroundUpload(context.Background(), "nope", "user-7")
	require.Error(t, err)
}
