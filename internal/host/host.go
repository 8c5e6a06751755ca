// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/capture/pkg/commons"
)

// ErrSingletonConflict is returned by Create when the host reports an
// instance already exists. The supervisor handles it by forcing a close and
// retrying rather than assuming the existing instance is usable.
var ErrSingletonConflict = errors.New("capture host instance already exists")

// LifecycleEventType identifies a capture host lifecycle broadcast.
type LifecycleEventType string

const (
	RecordingStarted LifecycleEventType = "RECORDING_STARTED"
	RecordingStopped LifecycleEventType = "RECORDING_STOPPED"
	RecordingError   LifecycleEventType = "RECORDING_ERROR"
)

// LifecycleEvent is one lifecycle broadcast from the capture host.
type LifecycleEvent struct {
	Type    LifecycleEventType
	Message string
}

// Host is the control surface of the external capture host. The host is the
// only component allowed to touch the underlying hardware capture; this
// service only supervises it.
type Host interface {
	// Create brings up the host instance, with a justification for the
	// resource grant. Returns ErrSingletonConflict when one already exists.
	Create(ctx context.Context, justification string) error

	// Close tears the instance down. Closing when none exists is a no-op.
	Close(ctx context.Context) error

	// Exists reports whether an instance is currently alive.
	Exists(ctx context.Context) (bool, error)

	// Ping performs a request/response readiness probe.
	Ping(ctx context.Context) error

	// StopCapture asks the host to stop any ongoing capture. Best-effort,
	// called before Close.
	StopCapture(ctx context.Context) error

	// Ready is closed when the host broadcasts its explicit ready notice.
	// A fresh channel is armed by each Create.
	Ready() <-chan struct{}
}

// remoteHost drives a capture host that exposes a small HTTP control
// surface next to its chunk-transfer channel.
type remoteHost struct {
	client *resty.Client
	logger commons.Logger

	mu    sync.Mutex
	ready chan struct{}
}

// NewRemoteHost creates a Host client for the control API at baseURL.
func NewRemoteHost(baseURL string, logger commons.Logger) *RemoteHost {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second)
	return &RemoteHost{remoteHost{
		client: client,
		logger: logger,
		ready:  make(chan struct{}),
	}}
}

// RemoteHost exposes the remoteHost plus the ready-signal hook wired to the
// transfer channel's "ready" notice.
type RemoteHost struct {
	remoteHost
}

func (h *RemoteHost) Create(ctx context.Context, justification string) error {
	h.mu.Lock()
	// Arm a fresh ready signal for this instance.
	h.ready = make(chan struct{})
	h.mu.Unlock()

	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"justification": justification}).
		Post("/create")
	if err != nil {
		return fmt.Errorf("capture host create failed: %w", err)
	}
	if resp.StatusCode() == 409 {
		return ErrSingletonConflict
	}
	// 423 means the capture target is held by another recorder; retrying
	// will not help until the user releases it.
	if resp.StatusCode() == 423 {
		return fmt.Errorf("capture host create: %w", commons.ErrStreamConflict)
	}
	if resp.IsError() {
		return fmt.Errorf("capture host create returned %s", resp.Status())
	}
	return nil
}

func (h *RemoteHost) Close(ctx context.Context) error {
	resp, err := h.client.R().SetContext(ctx).Post("/close")
	if err != nil {
		return fmt.Errorf("capture host close failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("capture host close returned %s", resp.Status())
	}
	return nil
}

func (h *RemoteHost) Exists(ctx context.Context) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	resp, err := h.client.R().SetContext(ctx).SetResult(&out).Get("/exists")
	if err != nil {
		return false, fmt.Errorf("capture host exists check failed: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("capture host exists returned %s", resp.Status())
	}
	return out.Exists, nil
}

func (h *RemoteHost) Ping(ctx context.Context) error {
	resp, err := h.client.R().SetContext(ctx).Get("/ping")
	if err != nil {
		return fmt.Errorf("capture host ping failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("capture host ping returned %s", resp.Status())
	}
	return nil
}

func (h *RemoteHost) StopCapture(ctx context.Context) error {
	resp, err := h.client.R().SetContext(ctx).Post("/stop")
	if err != nil {
		return fmt.Errorf("capture host stop failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("capture host stop returned %s", resp.Status())
	}
	return nil
}

func (h *RemoteHost) Ready() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// SignalReady marks the current instance ready. The transfer surface calls
// this when the host's "ready" notice arrives on the channel.
func (h *RemoteHost) SignalReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.ready:
		// already signalled
	default:
		close(h.ready)
	}
}
