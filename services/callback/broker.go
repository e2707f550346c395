// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package callback

import (
	"context"
	"sync"
	"time"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/pkg/logging"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

const (
	// ringCapacity bounds the replayable event history per run.
	ringCapacity = 600

	// closedRunTTL is how long a closed run stays queryable after its
	// last emit.
	closedRunTTL = 20 * time.Minute

	// subscriberBuffer is the per-subscriber channel capacity. A
	// subscriber that falls this far behind loses events rather than
	// blocking the emitting run.
	subscriberBuffer = 256
)

// run is the per-run broker record.
type run struct {
	policy   Policy
	ring     []*Summary
	subs     map[int]chan *Summary
	nextSub  int
	closed   bool
	reason   string
	lastEmit time.Time
}

// Broker fans pipeline trace events out to SSE subscribers.
//
// # Description
//
// The engine emits every trace event of a run into the broker
// (engine.CallbackSink). The broker resolves each event through the
// run's policy and the formatter; surviving summaries are appended to
// a bounded ring (for late subscribers) and pushed to every live
// subscriber queue. Closed runs are garbage collected lazily 20
// minutes after their last emit.
//
// # Thread Safety
//
// Safe for concurrent use; one mutex guards the runs map and every
// run record.
type Broker struct {
	mu     sync.Mutex
	runs   map[string]*run
	logger *logging.Logger
	now    func() time.Time
}

// NewBroker builds an empty broker.
func NewBroker(logger *logging.Logger) *Broker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Broker{
		runs:   map[string]*run{},
		logger: logger,
		now:    time.Now,
	}
}

// Register creates the record for a run before it starts. Events for
// unregistered runs are dropped, so registration is what turns
// callbacks on.
func (b *Broker) Register(runID string, policy Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gcLocked()
	b.runs[runID] = &run{
		policy:   policy,
		subs:     map[int]chan *Summary{},
		lastEmit: b.now(),
	}
}

// Emit implements engine.CallbackSink.
func (b *Broker) Emit(runID string, event datatypes.TraceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[runID]
	if !ok {
		return
	}
	r.lastEmit = b.now()

	summary := Format(r.policy, event)
	if summary != nil {
		r.ring = append(r.ring, summary)
		if len(r.ring) > ringCapacity {
			r.ring = r.ring[len(r.ring)-ringCapacity:]
		}
		for id, ch := range r.subs {
			select {
			case ch <- summary:
			default:
				b.logger.Warn("callback subscriber lagging, dropping event",
					"run_id", runID, "subscriber", id)
			}
		}
	}

	if event.Type == datatypes.TraceRunEnd && !r.closed {
		b.closeLocked(runID, r, "completed")
	}
}

// Close marks a run finished with the given reason and releases its
// subscribers. Used by the orchestrator on run failure; normal
// completion closes via the RUN_END event.
func (b *Broker) Close(runID, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.runs[runID]; ok && !r.closed {
		b.closeLocked(runID, r, reason)
	}
}

func (b *Broker) closeLocked(runID string, r *run, reason string) {
	r.closed = true
	r.reason = reason
	r.lastEmit = b.now()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	b.logger.Debug("callback run closed", "run_id", runID, "reason", reason)
}

// Status reports whether a run is closed and its close reason. Unknown
// (or already collected) runs report closed with reason "unknown_run".
func (b *Broker) Status(runID string) (closed bool, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[runID]
	if !ok {
		return true, "unknown_run"
	}
	return r.closed, r.reason
}

// Stream is one subscriber attachment.
type Stream struct {
	// Snapshot is the ring content at subscription time.
	Snapshot []*Summary
	// Events receives summaries emitted after the snapshot; nil when
	// the run is already closed. The channel is closed when the run
	// closes.
	Events <-chan *Summary
	// Closed and Reason describe the run state at subscription time.
	Closed bool
	Reason string

	cancel func()
}

// Cancel detaches the subscriber. Safe to call after the run closed.
func (s *Stream) Cancel() { s.cancel() }

// OpenStream subscribes to a run.
//
// Unknown run ids yield a closed stream with reason "unknown_run", so
// callers can always render a terminal frame.
func (b *Broker) OpenStream(runID string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gcLocked()

	r, ok := b.runs[runID]
	if !ok {
		return &Stream{Closed: true, Reason: "unknown_run", cancel: func() {}}
	}
	snapshot := append([]*Summary{}, r.ring...)
	if r.closed {
		return &Stream{Snapshot: snapshot, Closed: true, Reason: r.reason, cancel: func() {}}
	}

	id := r.nextSub
	r.nextSub++
	ch := make(chan *Summary, subscriberBuffer)
	r.subs[id] = ch

	return &Stream{
		Snapshot: snapshot,
		Events:   ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if r, ok := b.runs[runID]; ok {
				if ch, ok := r.subs[id]; ok {
					delete(r.subs, id)
					close(ch)
				}
			}
		},
	}
}

// RunGC drives periodic garbage collection until ctx is done. The
// broker also collects lazily on Register/OpenStream, so this loop is
// a safety net for idle processes.
func (b *Broker) RunGC(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.mu.Lock()
			b.gcLocked()
			b.mu.Unlock()
		}
	}
}

// gcLocked removes closed runs whose TTL expired. Caller holds b.mu.
func (b *Broker) gcLocked() {
	cutoff := b.now().Add(-closedRunTTL)
	for id, r := range b.runs {
		if r.closed && r.lastEmit.Before(cutoff) {
			delete(b.runs, id)
		}
	}
}
