// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rapidaai/capture/config"
	internal_broadcast "github.com/rapidaai/capture/internal/broadcast"
	internal_host "github.com/rapidaai/capture/internal/host"
	internal_services "github.com/rapidaai/capture/internal/services"
	internal_state "github.com/rapidaai/capture/internal/state"
	internal_transfer "github.com/rapidaai/capture/internal/transfer"
	"github.com/rapidaai/capture/pkg/commons"
	"github.com/rapidaai/capture/pkg/utils"
)

// State is the orchestrator's lifecycle position.
type State string

const (
	StateIdle      State = "IDLE"
	StateStarting  State = "STARTING"
	StateRecording State = "RECORDING"
	StateStopping  State = "STOPPING"
	StateError     State = "ERROR"
)

// HostSupervisor is the slice of the capture host supervisor the
// orchestrator drives.
type HostSupervisor interface {
	EnsureHost(ctx context.Context) error
	Teardown(ctx context.Context) error
}

// Uploader is the slice of the upload pipeline the orchestrator drives.
type Uploader interface {
	Upload(ctx context.Context, payload *internal_transfer.Payload, userID string) (string, error)
	InitiateBackgroundUpload(ctx context.Context, sessionID, userID string) (string, error)
}

// TransferMonitor reports whether a transfer is assembling and how large it
// claims to be. Stop bounds its drain wait with it.
type TransferMonitor interface {
	InFlight() (int64, bool)
}

// Snapshot is the externally visible orchestrator state.
type Snapshot struct {
	State            State  `json:"state"`
	SessionID        string `json:"session_id,omitempty"`
	IsRecording      bool   `json:"is_recording"`
	UploadInProgress bool   `json:"upload_in_progress"`
	ExportInProgress bool   `json:"export_in_progress"`
}

// Option configures an Orchestrator.
type Option func(*orchestratorConfig)

type orchestratorConfig struct {
	sleep func(time.Duration)
}

// WithSleeper injects the sleep function; tests replace it.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(c *orchestratorConfig) { c.sleep = sleep }
}

// An in-flight transfer is given one second of drain time per this many
// declared bytes, capped by the configured ceiling.
const drainBytesPerSecond = 4 << 20

const drainPollInterval = 200 * time.Millisecond

// Orchestrator is the single authority over recording state. Every mutable
// flag lives on this one instance behind one mutex, and each guard is taken
// before the first blocking call of its protected operation so interleaved
// requests can never both observe "unlocked".
type Orchestrator struct {
	logger      commons.Logger
	cfg         *config.RecordingConfig
	store       internal_state.Store
	supervisor  HostSupervisor
	uploader    Uploader
	monitor     TransferMonitor
	broadcaster *internal_broadcast.Broadcaster
	exporter    internal_services.Exporter
	objects     internal_services.ObjectStore
	sleep       func(time.Duration)

	mu       sync.Mutex
	state    State
	session  *internal_state.RecordingRecord
	userID   string
	pending  *startOutcome
	maxTimer *time.Timer

	uploads        uploadGuard
	recent         *requestWindow
	exportInFlight bool
}

// New wires the orchestrator and reconciles durable state left by a crash: a
// recording flag with no live session means the process died mid-recording,
// so it is cleared and observers are told the system is not recording.
func New(
	ctx context.Context,
	logger commons.Logger,
	cfg *config.RecordingConfig,
	store internal_state.Store,
	supervisor HostSupervisor,
	uploader Uploader,
	monitor TransferMonitor,
	broadcaster *internal_broadcast.Broadcaster,
	exporter internal_services.Exporter,
	objects internal_services.ObjectStore,
	opts ...Option,
) *Orchestrator {
	oc := orchestratorConfig{sleep: time.Sleep}
	for _, opt := range opts {
		opt(&oc)
	}

	o := &Orchestrator{
		logger:      logger,
		cfg:         cfg,
		store:       store,
		supervisor:  supervisor,
		uploader:    uploader,
		monitor:     monitor,
		broadcaster: broadcaster,
		exporter:    exporter,
		objects:     objects,
		sleep:       oc.sleep,
		state:       StateIdle,
		recent:      newRequestWindow(cfg.IdempotencyWindow),
	}
	o.recoverFromCrash(ctx)
	return o
}

func (o *Orchestrator) recoverFromCrash(ctx context.Context) {
	rec, err := o.store.LoadRecording(ctx)
	if err != nil {
		o.logger.Warnf("failed to read recording record on boot: %v", err)
		return
	}
	if rec == nil {
		return
	}
	o.logger.Warnf("stale recording record on boot (sessionId=%s), reconciling to not recording",
		rec.SessionID)
	if err := o.store.ClearRecording(ctx); err != nil {
		o.logger.Warnf("failed to clear stale recording record: %v", err)
	}
	o.broadcaster.StateChanged(false, "")
}

// HandleEvent dispatches one inbound event. The switch is exhaustive over
// the closed Event set.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case StartRecording:
		return o.Start(ctx, ev)
	case StopRecording:
		return o.Stop(ctx)
	case ExportSummary:
		return o.Export(ctx, ev.RequestID)
	case PayloadAssembled:
		return o.handlePayload(ctx, ev.Payload)
	case InitiateUpload:
		return o.handleInitiateUpload(ctx, ev.SessionID)
	case HostLifecycle:
		return o.handleLifecycle(ctx, ev.Event)
	default:
		return fmt.Errorf("unhandled orchestrator event %T", ev)
	}
}

// OnPayload adapts the orchestrator to the transfer receiver's completion
// handler.
func (o *Orchestrator) OnPayload(ctx context.Context, payload *internal_transfer.Payload) {
	if err := o.handlePayload(ctx, payload); err != nil {
		o.logger.Errorf("upload of assembled payload failed: %v", err)
	}
}

// Start brings up a recording session. A start arriving while another start
// is pending does not run a second bring-up: it blocks on the pending one
// and returns the same outcome. A start arriving while recording stops the
// current session first, with a settle delay before re-acquiring.
func (o *Orchestrator) Start(ctx context.Context, req StartRecording) error {
	o.mu.Lock()
	if o.pending != nil {
		waiting := o.pending
		o.mu.Unlock()
		o.logger.Debugf("start already pending, sharing its outcome")
		select {
		case <-waiting.done:
			// Same outcome as the original caller, not a second execution.
			return waiting.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	outcome := newStartOutcome()
	o.pending = outcome
	wasRecording := o.state == StateRecording
	o.state = StateStarting
	o.mu.Unlock()

	rec, err := o.doStart(ctx, req, wasRecording)

	o.mu.Lock()
	cancelled := o.pending != outcome
	if !cancelled {
		o.pending = nil
		if err != nil {
			o.state = StateIdle
		} else {
			o.state = StateRecording
			o.session = rec
			o.userID = req.UserID
			o.armMaxDurationLocked()
		}
	}
	o.mu.Unlock()

	if cancelled {
		// A stop raced in and cancelled this start. The bring-up could not be
		// interrupted mid-call, so its result is discarded here instead.
		if err == nil {
			if terr := o.supervisor.Teardown(ctx); terr != nil {
				o.logger.Warnf("teardown of cancelled start failed: %v", terr)
			}
		}
		err = fmt.Errorf("start cancelled by a concurrent stop: %w", context.Canceled)
		outcome.resolve(err)
		return err
	}

	if err != nil {
		o.broadcaster.StateChanged(false, commons.UserMessage(err))
	} else {
		// Durable metadata makes the session recoverable across a restart.
		if serr := o.store.SaveRecording(ctx, rec); serr != nil {
			o.logger.Warnf("failed to persist recording record: %v", serr)
		}
		o.logger.Infof("recording started: sessionId=%s, tab=%q", rec.SessionID, req.Tab.Title)
		o.broadcaster.StateChanged(true, "")
	}
	outcome.resolve(err)
	return err
}

func (o *Orchestrator) doStart(ctx context.Context, req StartRecording, wasRecording bool) (*internal_state.RecordingRecord, error) {
	if wasRecording {
		o.logger.Infof("start while recording, stopping the current session first")
		if err := o.supervisor.Teardown(ctx); err != nil {
			o.logger.Warnf("teardown of previous session failed: %v", err)
		}
		if err := o.store.ClearRecording(ctx); err != nil {
			o.logger.Warnf("failed to clear previous recording record: %v", err)
		}
		// The audio device needs time to release before re-acquiring.
		o.sleep(o.cfg.SettleDelay)
	}

	if err := o.supervisor.EnsureHost(ctx); err != nil {
		// A failed start must not leave a half-created host behind.
		if terr := o.supervisor.Teardown(ctx); terr != nil {
			o.logger.Warnf("cleanup after failed host bring-up failed: %v", terr)
		}
		if cerr := o.store.ClearRecording(ctx); cerr != nil {
			o.logger.Warnf("failed to clear recording record: %v", cerr)
		}
		return nil, err
	}

	return &internal_state.RecordingRecord{
		SessionID: uuid.NewString(),
		StartedAt: time.Now().UTC(),
		TabTitle:  req.Tab.Title,
		TabURL:    req.Tab.URL,
		TabID:     req.Tab.ID,
		UserID:    req.UserID,
	}, nil
}

func (o *Orchestrator) armMaxDurationLocked() {
	if o.maxTimer != nil {
		o.maxTimer.Stop()
	}
	if o.cfg.MaxDuration <= 0 {
		return
	}
	o.maxTimer = time.AfterFunc(o.cfg.MaxDuration, func() {
		o.logger.Warnf("maximum recording duration reached, forcing stop")
		if err := o.Stop(context.Background()); err != nil {
			o.logger.Errorf("forced stop failed: %v", err)
		}
	})
}

// Stop ends the active session. It is idempotent: stopping when nothing is
// recording succeeds trivially. It always fails open to "not recording":
// in-memory and durable flags are cleared even when the host teardown
// fails, and the teardown failure is surfaced only after the state is clean.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.pending != nil {
		// Cancel the pending start's effect. The in-flight bring-up finishes
		// on its own and is discarded as stale.
		o.logger.Infof("stop cancels a pending start")
		o.pending = nil
	}
	hadWork := o.session != nil || o.state != StateIdle
	sessionID := ""
	if o.session != nil {
		sessionID = o.session.SessionID
	}
	o.session = nil
	if o.maxTimer != nil {
		o.maxTimer.Stop()
		o.maxTimer = nil
	}
	if !hadWork {
		o.mu.Unlock()
		if err := o.store.ClearRecording(ctx); err != nil {
			o.logger.Warnf("failed to clear recording record: %v", err)
		}
		return nil
	}
	o.state = StateStopping
	o.mu.Unlock()

	// Do not sever an in-flight large transfer; wait for it, bounded.
	o.drainInFlight()

	teardownErr := o.supervisor.Teardown(ctx)
	if err := o.store.ClearRecording(ctx); err != nil {
		o.logger.Warnf("failed to clear recording record: %v", err)
	}

	o.mu.Lock()
	o.state = StateIdle
	o.mu.Unlock()
	o.broadcaster.StateChanged(false, "")

	if teardownErr != nil {
		return fmt.Errorf("stop completed with teardown failure: %w", teardownErr)
	}
	o.logger.Infof("recording stopped: sessionId=%s", sessionID)
	return nil
}

// drainInFlight waits for an assembling transfer, proportionally to its
// declared size, capped at the configured ceiling.
func (o *Orchestrator) drainInFlight() {
	size, ok := o.monitor.InFlight()
	if !ok {
		return
	}
	wait := time.Duration(size/drainBytesPerSecond+1) * time.Second
	if ceiling := o.cfg.StopDrainCeiling; ceiling > 0 && wait > ceiling {
		wait = ceiling
	}
	o.logger.Infof("waiting up to %s for an in-flight transfer of %d bytes", wait, size)

	var waited time.Duration
	for waited < wait {
		o.sleep(drainPollInterval)
		waited += drainPollInterval
		if _, still := o.monitor.InFlight(); !still {
			return
		}
	}
	o.logger.Warnf("in-flight transfer did not drain within %s, tearing down anyway", wait)
}

func (o *Orchestrator) handlePayload(ctx context.Context, payload *internal_transfer.Payload) error {
	uploadID, release, ok := o.uploads.acquire()
	if !ok {
		return fmt.Errorf("upload for session %s: %w", payload.SessionID, commons.ErrAlreadyInProgress)
	}
	defer release()

	o.mu.Lock()
	userID := o.userID
	o.mu.Unlock()

	o.logger.Debugf("upload guard acquired: uploadId=%s, sessionId=%s", uploadID, payload.SessionID)
	_, err := o.uploader.Upload(ctx, payload, userID)
	return err
}

func (o *Orchestrator) handleInitiateUpload(ctx context.Context, sessionID string) error {
	uploadID, release, ok := o.uploads.acquire()
	if !ok {
		return fmt.Errorf("background upload for session %s: %w", sessionID, commons.ErrAlreadyInProgress)
	}
	defer release()

	o.mu.Lock()
	userID := o.userID
	o.mu.Unlock()

	o.logger.Debugf("background upload guard acquired: uploadId=%s, sessionId=%s", uploadID, sessionID)
	_, err := o.uploader.InitiateBackgroundUpload(ctx, sessionID, userID)
	return err
}

// Export pushes the last finished recording's artifacts to the external
// document store. It is a one-shot operation: a replayed request id inside
// the remembered window is rejected without re-executing side effects, and
// concurrent exports are rejected while one is in flight.
func (o *Orchestrator) Export(ctx context.Context, requestID string) error {
	o.mu.Lock()
	if o.exportInFlight {
		o.mu.Unlock()
		return fmt.Errorf("export %s: %w", requestID, commons.ErrOperationInProgress)
	}
	if o.recent.seen(requestID) {
		o.mu.Unlock()
		return fmt.Errorf("export %s: %w", requestID, commons.ErrDuplicateRequest)
	}
	o.exportInFlight = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.exportInFlight = false
		o.mu.Unlock()
	}()

	doc, err := o.buildExportDocument(ctx)
	if err != nil {
		return err
	}
	if err := o.exporter.Export(ctx, requestID, doc); err != nil {
		return err
	}
	// Remembered only after success so a failed export can be retried with
	// the same id.
	o.recent.remember(requestID)
	return nil
}

func (o *Orchestrator) buildExportDocument(ctx context.Context) (*internal_services.ExportDocument, error) {
	hb, err := o.store.LoadHeartbeat(ctx)
	if err != nil {
		return nil, err
	}
	if hb == nil {
		return nil, fmt.Errorf("no uploaded recording to export")
	}

	doc := &internal_services.ExportDocument{
		Title:     fmt.Sprintf("Recording %s", hb.Timestamp.Format("2006-01-02 15:04")),
		SourceKey: hb.Key,
	}
	if raw, err := o.objects.Get(ctx, utils.SummaryKey(hb.Key)); err == nil {
		var artifact struct {
			Summary string `json:"summary"`
		}
		if json.Unmarshal(raw, &artifact) == nil {
			doc.Summary = artifact.Summary
		}
	}
	if raw, err := o.objects.Get(ctx, utils.TranscriptionKey(hb.Key)); err == nil {
		var artifact struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &artifact) == nil {
			doc.Transcript = artifact.Text
		}
	}
	if doc.Summary == "" {
		return nil, fmt.Errorf("summary artifact is not ready for %s", hb.Key)
	}
	return doc, nil
}

func (o *Orchestrator) handleLifecycle(ctx context.Context, ev internal_host.LifecycleEvent) error {
	switch ev.Type {
	case internal_host.RecordingStarted:
		o.logger.Infof("capture host reports recording started")
		return nil
	case internal_host.RecordingStopped:
		o.logger.Infof("capture host reports recording stopped")
		return o.Stop(ctx)
	case internal_host.RecordingError:
		o.mu.Lock()
		o.state = StateError
		o.mu.Unlock()
		o.logger.Errorf("capture host error: %s", ev.Message)
		// Error always resolves back to Idle through a forced stop.
		err := o.Stop(ctx)
		o.broadcaster.StateChanged(false, ev.Message)
		return err
	default:
		return fmt.Errorf("unhandled capture host lifecycle event %q", ev.Type)
	}
}

// Snapshot returns the externally visible state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	snap := Snapshot{
		State:            o.state,
		IsRecording:      o.state == StateRecording,
		ExportInProgress: o.exportInFlight,
	}
	if o.session != nil {
		snap.SessionID = o.session.SessionID
	}
	o.mu.Unlock()

	snap.UploadInProgress = o.uploads.held()
	return snap
}

// Shutdown stops any active session and releases the capture host.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.Stop(ctx)
}
