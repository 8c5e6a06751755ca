// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_orchestrator

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

type fakeSupervisor struct {
	mu            sync.Mutex
	ensureCalls   int
	teardownCalls int
	ensureErr     error
	gate          chan struct{} // when set, EnsureHost blocks until closed
}

func (f *fakeSupervisor) EnsureHost(ctx context.Context) error {
	f.mu.Lock()
	f.ensureCalls++
	gate := f.gate
	err := f.ensureErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeSupervisor) Teardown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardownCalls++
	return nil
}

func (f *fakeSupervisor) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureCalls, f.teardownCalls
}

type fakeUploader struct {
	mu          sync.Mutex
	uploads     int
	backgrounds int
	gate        chan struct{}
	err         error
}

func (f *fakeUploader) Upload(_ context.Context, payload *internal_transfer.Payload, _ string) (string, error) {
	f.mu.Lock()
	f.uploads++
	gate := f.gate
	err := f.err
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	return "users/u/recordings/" + payload.SessionID + ".webm", nil
}

func (f *fakeUploader) InitiateBackgroundUpload(_ context.Context, sessionID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backgrounds++
	if f.err != nil {
		return "", f.err
	}
	return "users/u/recordings/" + sessionID + ".webm", nil
}

type fakeMonitor struct {
	mu            sync.Mutex
	size          int64
	pollsToDrain  int // InFlight reports active for this many calls
	inFlightCalls int
}

func (f *fakeMonitor) InFlight() (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlightCalls++
	if f.inFlightCalls <= f.pollsToDrain {
		return f.size, true
	}
	return 0, false
}

type fakeExporter struct {
	mu       sync.Mutex
	requests []string
	err      error
	gate     chan struct{} // when set, Export blocks until closed
}

func (f *fakeExporter) Export(_ context.Context, requestID string, _ *internal_services.ExportDocument) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, requestID)
	return nil
}

func (f *fakeExporter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type memObjects struct {
	mu   sync.Mutex
	blob map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{blob: make(map[string][]byte)}
}

func (m *memObjects) Put(_ context.Context, key string, data []byte, _ string, _ map[string]string) (*internal_services.PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.blob[key] = buf
	return &internal_services.PutResult{Key: key, Size: int64(len(data))}, nil
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blob[key]
	if !ok {
		return nil, errors.New("no such key: " + key)
	}
	return data, nil
}

func (m *memObjects) List(context.Context, string) ([]internal_services.ListedObject, error) {
	return nil, nil
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

// ============================================================================
// Harness
// ============================================================================

type harness struct {
	orch       *Orchestrator
	supervisor *fakeSupervisor
	uploader   *fakeUploader
	monitor    *fakeMonitor
	exporter   *fakeExporter
	objects    *memObjects
	store      *memStore
	events     <-chan internal_broadcast.Event
}

func newHarness(t *testing.T, mutate ...func(*config.RecordingConfig)) *harness {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	cfg := &config.RecordingConfig{
		SettleDelay:       time.Millisecond,
		MaxDuration:       0, // no forced stop unless a test arms it
		StopDrainCeiling:  2 * time.Second,
		IdempotencyWindow: 20,
	}
	for _, m := range mutate {
		m(cfg)
	}

	supervisor := &fakeSupervisor{}
	uploader := &fakeUploader{}
	monitor := &fakeMonitor{}
	exporter := &fakeExporter{}
	objects := newMemObjects()
	store := newMemStore()
	broadcaster := internal_broadcast.NewBroadcaster(logger)
	events, cancel := broadcaster.Subscribe(32)
	t.Cleanup(cancel)

	orch := New(context.Background(), logger, cfg, store, supervisor, uploader, monitor,
		broadcaster, exporter, objects, WithSleeper(func(time.Duration) {}))

	return &harness{
		orch:       orch,
		supervisor: supervisor,
		uploader:   uploader,
		monitor:    monitor,
		exporter:   exporter,
		objects:    objects,
		store:      store,
		events:     events,
	}
}

func startReq() StartRecording {
	return StartRecording{
		Tab:    TabContext{Title: "Weekly sync", URL: "https://meet.example/abc", ID: 12},
		UserID: "user-7",
	}
}

// ============================================================================
// Start / stop
// ============================================================================

func TestStart_TransitionsToRecordingAndPersists(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.orch.Start(context.Background(), startReq()))

	snap := h.orch.Snapshot()
	assert.Equal(t, StateRecording, snap.State)
	assert.True(t, snap.IsRecording)
	assert.NotEmpty(t, snap.SessionID)

	rec, err := h.store.LoadRecording(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, snap.SessionID, rec.SessionID)
	assert.Equal(t, "user-7", rec.UserID)
}

func TestStart_ConcurrentCallsShareOneOutcome(t *testing.T) {
	h := newHarness(t)
	h.supervisor.gate = make(chan struct{})

	const callers = 5
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.orch.Start(context.Background(), startReq())
		}(i)
	}

	// Let every caller reach the guard before the bring-up resolves.
	time.Sleep(100 * time.Millisecond)
	close(h.supervisor.gate)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d must observe the shared outcome", i)
	}
	ensures, _ := h.supervisor.counts()
	assert.Equal(t, 1, ensures, "only one capture host bring-up may run")
	assert.Equal(t, StateRecording, h.orch.Snapshot().State)
}

func TestStart_FailureResolvesToIdleWithTypedError(t *testing.T) {
	h := newHarness(t)
	h.supervisor.ensureErr = commons.ErrHostUnavailable

	err := h.orch.Start(context.Background(), startReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, commons.ErrHostUnavailable)
	assert.Equal(t, StateIdle, h.orch.Snapshot().State)

	rec, loadErr := h.store.LoadRecording(context.Background())
	require.NoError(t, loadErr)
	assert.Nil(t, rec, "failed start must clear durable recording state")
}

func TestStart_WhileRecordingStopsPreviousSessionFirst(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Start(context.Background(), startReq()))
	first := h.orch.Snapshot().SessionID

	require.NoError(t, h.orch.Start(context.Background(), startReq()))
	second := h.orch.Snapshot().SessionID

	assert.NotEqual(t, first, second)
	_, teardowns := h.supervisor.counts()
	assert.GreaterOrEqual(t, teardowns, 1, "the previous host must be torn down before re-acquiring")
	assert.Equal(t, StateRecording, h.orch.Snapshot().State)
}

func TestStop_IsIdempotentWhenIdle(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.orch.Stop(context.Background()))
	require.NoError(t, h.orch.Stop(context.Background()))

	_, teardowns := h.supervisor.counts()
	assert.Equal(t, 0, teardowns, "stopping when idle must not touch the host")
	assert.Equal(t, StateIdle, h.orch.Snapshot().State)
}

func TestStop_ClearsStateAndTearsDown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Start(context.Background(), startReq()))

	require.NoError(t, h.orch.Stop(context.Background()))

	snap := h.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.SessionID)

	rec, err := h.store.LoadRecording(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, teardowns := h.supervisor.counts()
	assert.GreaterOrEqual(t, teardowns, 1)
}

func TestStop_CancelsPendingStart(t *testing.T) {
	h := newHarness(t)
	h.supervisor.gate = make(chan struct{})

	startErr := make(chan error, 1)
	go func() {
		startErr <- h.orch.Start(context.Background(), startReq())
	}()

	// Wait for the start to take the guard and block in the bring-up.
	require.Eventually(t, func() bool {
		ensures, _ := h.supervisor.counts()
		return ensures == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.Stop(context.Background()))
	close(h.supervisor.gate)

	err := <-startErr
	require.Error(t, err, "a cancelled start must not report success")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateIdle, h.orch.Snapshot().State)
}

func TestStop_WaitsForInFlightTransfer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Start(context.Background(), startReq()))

	h.monitor.mu.Lock()
	h.monitor.size = 8 << 20
	h.monitor.pollsToDrain = 3
	h.monitor.inFlightCalls = 0
	h.monitor.mu.Unlock()

	require.NoError(t, h.orch.Stop(context.Background()))

	h.monitor.mu.Lock()
	polls := h.monitor.inFlightCalls
	h.monitor.mu.Unlock()
	assert.GreaterOrEqual(t, polls, 4, "stop must poll until the transfer drains")
}

func TestMaxDuration_ForcesStop(t *testing.T) {
	h := newHarness(t, func(cfg *config.RecordingConfig) {
		cfg.MaxDuration = 30 * time.Millisecond
	})

	require.NoError(t, h.orch.Start(context.Background(), startReq()))

	require.Eventually(t, func() bool {
		return h.orch.Snapshot().State == StateIdle
	}, time.Second, 5*time.Millisecond, "the duration timer must force a stop")
}

// ============================================================================
// Upload guard
// ============================================================================

func TestUploadGuard_SingleOwner(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Start(context.Background(), startReq()))

	h.uploader.gate = make(chan struct{})
	payload := &internal_transfer.Payload{SessionID: "sess-1", Bytes: []byte("x")}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- h.orch.HandleEvent(context.Background(), PayloadAssembled{Payload: payload})
	}()

	require.Eventually(t, func() bool {
		return h.orch.Snapshot().UploadInProgress
	}, time.Second, 5*time.Millisecond)

	err := h.orch.HandleEvent(context.Background(), PayloadAssembled{Payload: payload})
	require.Error(t, err)
	assert.ErrorIs(t, err, commons.ErrAlreadyInProgress)

	close(h.uploader.gate)
	require.NoError(t, <-firstDone)
	assert.False(t, h.orch.Snapshot().UploadInProgress, "guard must be released after the upload")
}

func TestUploadGuard_ReleasedOnFailure(t *testing.T) {
	h := newHarness(t)
	h.uploader.err = commons.ErrPersistFailure

	err := h.orch.HandleEvent(context.Background(), PayloadAssembled{
		Payload: &internal_transfer.Payload{SessionID: "sess-1", Bytes: []byte("x")},
	})
	require.Error(t, err)
	assert.False(t, h.orch.Snapshot().UploadInProgress, "guard must be released on the failure path too")
}

// ============================================================================
// Export
// ============================================================================

func seedExportArtifacts(t *testing.T, h *harness) string {
	t.Helper()
	ctx := context.Background()
	key := "users/user-7/recordings/sess-1-20250310T143000.webm"

	require.NoError(t, h.store.SaveHeartbeat(ctx, &internal_state.UploadHeartbeat{
		Timestamp: time.Now().UTC(),
		Key:       key,
		Size:      1024,
	}))
	_, err := h.objects.Put(ctx, utils.SummaryKey(key), []byte(`{"summary":"Shipped it."}`), "application/json", nil)
	require.NoError(t, err)
	_, err = h.objects.Put(ctx, utils.TranscriptionKey(key), []byte(`{"text":"we shipped it"}`), "application/json", nil)
	require.NoError(t, err)
	return key
}

func TestExport_DuplicateRequestIDRejected(t *testing.T) {
	h := newHarness(t)
	seedExportArtifacts(t, h)

	require.NoError(t, h.orch.Export(context.Background(), "req-1"))
	assert.Equal(t, 1, h.exporter.calls())

	err := h.orch.Export(context.Background(), "req-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, commons.ErrDuplicateRequest)
	assert.Equal(t, 1, h.exporter.calls(), "a replayed request must not re-execute the export")
}

func TestExport_FailedRequestCanBeRetriedWithSameID(t *testing.T) {
	h := newHarness(t)
	seedExportArtifacts(t, h)
	h.exporter.err = errors.New("webhook returned 502")

	require.Error(t, h.orch.Export(context.Background(), "req-1"))

	h.exporter.mu.Lock()
	h.exporter.err = nil
	h.exporter.mu.Unlock()
	require.NoError(t, h.orch.Export(context.Background(), "req-1"))
}

func TestExport_ConcurrentExportRejectedWhileInFlight(t *testing.T) {
	h := newHarness(t)
	seedExportArtifacts(t, h)
	gate := make(chan struct{})
	h.exporter.gate = gate

	first := make(chan error, 1)
	go func() { first <- h.orch.Export(context.Background(), "req-1") }()

	require.Eventually(t, func() bool {
		return h.orch.Snapshot().ExportInProgress
	}, time.Second, 5*time.Millisecond)

	err := h.orch.Export(context.Background(), "req-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, commons.ErrOperationInProgress)

	close(gate)
	require.NoError(t, <-first)
	assert.Equal(t, 1, h.exporter.calls(), "the rejected export must not execute")

	// With the first export finished, a fresh id goes through.
	h.exporter.mu.Lock()
	h.exporter.gate = nil
	h.exporter.mu.Unlock()
	require.NoError(t, h.orch.Export(context.Background(), "req-2"))
	assert.Equal(t, 2, h.exporter.calls())
}

func TestExport_WithoutSummaryFails(t *testing.T) {
	h := newHarness(t)

	err := h.orch.Export(context.Background(), "req-1")
	require.Error(t, err)
	assert.Equal(t, 0, h.exporter.calls())
}

func TestExport_WindowEvictsOldIDs(t *testing.T) {
	h := newHarness(t, func(cfg *config.RecordingConfig) {
		cfg.IdempotencyWindow = 2
	})
	seedExportArtifacts(t, h)

	require.NoError(t, h.orch.Export(context.Background(), "req-1"))
	require.NoError(t, h.orch.Export(context.Background(), "req-2"))
	require.NoError(t, h.orch.Export(context.Background(), "req-3"))

	// req-1 fell out of the two-entry window and is accepted again.
	require.NoError(t, h.orch.Export(context.Background(), "req-1"))
}

// ============================================================================
// Events / recovery
// ============================================================================

func TestHandleEvent_UnknownLifecycleRejected(t *testing.T) {
	h := newHarness(t)

	err := h.orch.HandleEvent(context.Background(), HostLifecycle{})
	require.Error(t, err)
}

func TestBootRecovery_ClearsStaleRecordingRecord(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	store := newMemStore()
	require.NoError(t, store.SaveRecording(context.Background(), &internal_state.RecordingRecord{
		SessionID: "crashed-session",
		StartedAt: time.Now().Add(-time.Hour),
	}))

	cfg := &config.RecordingConfig{IdempotencyWindow: 20}
	broadcaster := internal_broadcast.NewBroadcaster(logger)
	orch := New(context.Background(), logger, cfg, store, &fakeSupervisor{}, &fakeUploader{},
		&fakeMonitor{}, broadcaster, &fakeExporter{}, newMemObjects(),
		WithSleeper(func(time.Duration) {}))

	rec, err := store.LoadRecording(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec, "boot must reconcile a stale recording flag")
	assert.Equal(t, StateIdle, orch.Snapshot().State)
}
