// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// startOutcome is the shared result of one in-flight start. Duplicate
// starters block on done and observe the same outcome as the original
// caller instead of triggering a second execution.
type startOutcome struct {
	done chan struct{}
	err  error
}

func newStartOutcome() *startOutcome {
	return &startOutcome{done: make(chan struct{})}
}

// resolve publishes the outcome exactly once.
func (s *startOutcome) resolve(err error) {
	s.err = err
	close(s.done)
}

// uploadGuard is the single-owner upload-in-progress token. Each acquisition
// is keyed by a freshly generated id; release is idempotent and only clears
// the guard if the releasing attempt still owns it.
type uploadGuard struct {
	mu      sync.Mutex
	ownerID string
}

// acquire takes the guard. Returns ok=false when another upload holds it.
func (g *uploadGuard) acquire() (id string, release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ownerID != "" {
		return "", nil, false
	}
	id = uuid.NewString()
	g.ownerID = id

	var once sync.Once
	release = func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.ownerID == id {
				g.ownerID = ""
			}
		})
	}
	return id, release, true
}

// held reports whether an upload currently owns the guard.
func (g *uploadGuard) held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ownerID != ""
}

// requestWindow remembers the most recent one-shot request ids for duplicate
// rejection. The window is bounded: old ids fall off and may be accepted
// again, which matches at-least-once delivery of recent redeliveries.
type requestWindow struct {
	mu    sync.Mutex
	limit int
	ids   []string
}

func newRequestWindow(limit int) *requestWindow {
	if limit <= 0 {
		limit = 20
	}
	return &requestWindow{limit: limit}
}

// seen reports whether the id is inside the remembered window.
func (w *requestWindow) seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, known := range w.ids {
		if known == id {
			return true
		}
	}
	return false
}

// remember records a completed request id, evicting the oldest past the
// limit.
func (w *requestWindow) remember(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ids = append(w.ids, id)
	if len(w.ids) > w.limit {
		w.ids = w.ids[len(w.ids)-w.limit:]
	}
}
