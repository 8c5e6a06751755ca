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
	"time"

	"github.com/rapidaai/capture/pkg/commons"
)

const createJustification = "recording in progress requires the capture host"

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*supervisorConfig)

type supervisorConfig struct {
	attempts    int
	settleDelay time.Duration
	initDelay   time.Duration
	readyWait   time.Duration
	sleep       func(time.Duration)
}

// WithAttempts sets the creation attempt budget (default 3).
func WithAttempts(n int) SupervisorOption {
	return func(c *supervisorConfig) { c.attempts = n }
}

// WithSettleDelay sets the pause paid around host teardown so hardware
// resources can release (default 500ms).
func WithSettleDelay(d time.Duration) SupervisorOption {
	return func(c *supervisorConfig) { c.settleDelay = d }
}

// WithInitDelay sets the wait between creation and the readiness race.
func WithInitDelay(d time.Duration) SupervisorOption {
	return func(c *supervisorConfig) { c.initDelay = d }
}

// WithReadyTimeout bounds the readiness race.
func WithReadyTimeout(d time.Duration) SupervisorOption {
	return func(c *supervisorConfig) { c.readyWait = d }
}

// WithSleeper injects the sleep function; tests replace it.
func WithSleeper(sleep func(time.Duration)) SupervisorOption {
	return func(c *supervisorConfig) { c.sleep = sleep }
}

// Supervisor owns the capture host lifecycle: it brings up exactly one
// instance, confirms it is responsive before any data-plane traffic, and
// tears it down defensively. The host is a strict singleton; creation is
// always preceded by destruction of whatever may already be running.
type Supervisor struct {
	logger commons.Logger
	host   Host
	cfg    supervisorConfig
}

// NewSupervisor wires a supervisor for the given host control surface.
func NewSupervisor(logger commons.Logger, host Host, opts ...SupervisorOption) *Supervisor {
	cfg := supervisorConfig{
		attempts:    3,
		settleDelay: 500 * time.Millisecond,
		initDelay:   1500 * time.Millisecond,
		readyWait:   5 * time.Second,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Supervisor{logger: logger, host: host, cfg: cfg}
}

// EnsureHost brings up a ready host instance or fails with
// commons.ErrHostUnavailable after exhausting every attempt. After a
// failure the caller must not assume any instance exists.
func (s *Supervisor) EnsureHost(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.logger.Debugf("capture host attempt %d/%d", attempt, s.cfg.attempts)

		// Any prior instance must be gone before create: the host is a
		// singleton and a half-dead instance still pins the audio device.
		if err := s.Teardown(ctx); err != nil {
			s.logger.Warnf("pre-create teardown failed: %v", err)
		}

		err := s.host.Create(ctx, createJustification)
		if errors.Is(err, ErrSingletonConflict) {
			// The host claims an instance exists even after teardown: force
			// a close and retry the create immediately within this attempt.
			s.logger.Warnf("capture host singleton conflict, forcing close and retrying")
			if closeErr := s.host.Close(ctx); closeErr != nil {
				s.logger.Warnf("forced close failed: %v", closeErr)
			}
			s.cfg.sleep(s.cfg.settleDelay)
			err = s.host.Create(ctx, createJustification)
		}
		if err != nil {
			lastErr = err
			s.logger.Warnf("capture host create failed on attempt %d: %v", attempt, err)
			continue
		}

		s.cfg.sleep(s.cfg.initDelay)

		if err := s.awaitReady(ctx); err != nil {
			lastErr = err
			s.logger.Warnf("capture host not ready on attempt %d: %v", attempt, err)
			continue
		}

		s.logger.Infof("capture host ready after %d attempt(s)", attempt)
		return nil
	}
	return fmt.Errorf("capture host failed after %d attempts: %v: %w",
		s.cfg.attempts, lastErr, commons.ErrHostUnavailable)
}

// awaitReady races the host's explicit ready broadcast against a
// request/response ping, accepting whichever resolves first within the
// bound.
func (s *Supervisor) awaitReady(ctx context.Context) error {
	deadline := time.NewTimer(s.cfg.readyWait)
	defer deadline.Stop()

	pingResult := make(chan error, 1)
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.readyWait)
	defer cancel()
	go func() { pingResult <- s.host.Ping(pingCtx) }()

	for {
		select {
		case <-s.host.Ready():
			return nil
		case err := <-pingResult:
			if err == nil {
				return nil
			}
			// Ping lost the race; the ready broadcast may still arrive.
			s.logger.Debugf("readiness ping failed, still waiting for ready broadcast: %v", err)
			pingResult = nil
		case <-deadline.C:
			return fmt.Errorf("capture host readiness wait exceeded %s: %w",
				s.cfg.readyWait, commons.ErrTransferTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Teardown closes any existing instance. It always pays the settle cost,
// even on the error path: audio devices take measurable time to release,
// and a too-eager follow-up create fails with a resource-busy error.
func (s *Supervisor) Teardown(ctx context.Context) error {
	exists, err := s.host.Exists(ctx)
	if err != nil {
		s.logger.Warnf("capture host exists check failed, attempting close anyway: %v", err)
	} else if !exists {
		return nil
	}

	// Best-effort: let the host flush its capture before dying.
	if err := s.host.StopCapture(ctx); err != nil {
		s.logger.Debugf("capture host stop before close failed: %v", err)
	}
	s.cfg.sleep(s.cfg.settleDelay)

	closeErr := s.host.Close(ctx)
	if closeErr != nil {
		s.logger.Warnf("capture host close failed: %v", closeErr)
	}

	s.cfg.sleep(s.cfg.settleDelay)
	s.cfg.sleep(s.cfg.settleDelay)

	if closeErr != nil {
		return fmt.Errorf("capture host teardown: %w", closeErr)
	}
	return nil
}
