// Package auxqueue implements C8: two bounded FIFO queues, each
// drained by a single dedicated worker goroutine - one compressing a
// finished step's log file, one invoking the external notifier for a
// finalized build. Both are documented best-effort on process crash
// (§4.9, §9's notification-durability open question): an item queued
// here and not yet drained when the process exits is lost. We do NOT
// silently promote this to a persisted queue (see DESIGN.md);
// pkg/storage's bitcask backend is wired for the cached-failure table
// only.
package auxqueue

import (
	"context"

	"github.com/hashicorp/go-hclog"
)

// Queue is a bounded FIFO drained by exactly one worker goroutine.
// The bound matches the "bounded attention" framing in §2's component
// table: a slow notifier/compressor should apply backpressure to its
// producers rather than grow unbounded in memory.
type Queue[T any] struct {
	l       hclog.Logger
	items   chan T
	process func(context.Context, T)
}

// New returns a Queue with the given capacity, draining items with
// process on a single background goroutine started by Run.
func New[T any](l hclog.Logger, name string, capacity int, process func(context.Context, T)) *Queue[T] {
	return &Queue[T]{
		l:       l.Named(name),
		items:   make(chan T, capacity),
		process: process,
	}
}

// Enqueue adds an item, blocking if the queue is at capacity. Callers
// on the outcome-reducer's hot path should not block indefinitely
// here; size the queue generously and treat a persistently-full queue
// as an operational alarm (exposed via the queue's Len in the status
// dump).
func (q *Queue[T]) Enqueue(item T) {
	q.items <- item
}

// Len reports the number of items currently buffered.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Run drains the queue on the calling goroutine until ctx is
// cancelled. Intended to be launched as `go q.Run(ctx)` once, by the
// coordinator.
func (q *Queue[T]) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.items:
			q.process(ctx, item)
		}
	}
}
