package hierarchy

import (
	"container/list"
	"context"
	"log/slog"
	"time"

	"github.com/wagerx/risk-engine/internal/metrics"
)

// Worker drains distribution tasks off the critical settlement path.
// Delivery is at-least-once: tasks are retried with backoff until applied,
// and the distributor's idempotency key makes re-runs harmless. A fast
// in-memory LRU skips recently applied keys before touching the store.
type Worker struct {
	dist        *Distributor
	tasks       chan Task
	seen        *dedupLRU
	maxAttempts int
	baseBackoff time.Duration
}

// NewWorker creates a worker with the given queue depth.
func NewWorker(dist *Distributor, buffer int) *Worker {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Worker{
		dist:        dist,
		tasks:       make(chan Task, buffer),
		seen:        newDedupLRU(4096),
		maxAttempts: 10,
		baseBackoff: 100 * time.Millisecond,
	}
}

// Enqueue queues a task for distribution. Blocks when the buffer is full
// rather than dropping: distribution must eventually run for every
// committed settlement.
func (w *Worker) Enqueue(t Task) {
	w.tasks <- t
}

// Start runs the worker loop until ctx is cancelled. Must be called in a
// goroutine.
func (w *Worker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-w.tasks:
			w.process(ctx, t)
		}
	}
}

func (w *Worker) process(ctx context.Context, t Task) {
	key := t.IdempotencyKey()
	if w.seen.Contains(key) {
		metrics.DistributionTasks.WithLabelValues("duplicate").Inc()
		return
	}

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		applied, err := w.dist.Distribute(ctx, t)
		if err == nil {
			w.seen.Add(key)
			if applied {
				metrics.DistributionTasks.WithLabelValues("applied").Inc()
			} else {
				metrics.DistributionTasks.WithLabelValues("duplicate").Inc()
			}
			return
		}

		metrics.DistributionRetries.Inc()
		slog.Warn("distribution attempt failed",
			"key", key, "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.baseBackoff * time.Duration(attempt)):
		}
	}

	// Exhausted retries: the idempotency key is still unmarked, so an
	// operator can re-enqueue safely.
	metrics.DistributionTasks.WithLabelValues("failed").Inc()
	slog.Error("distribution abandoned after retries", "key", key, "attempts", w.maxAttempts)
}

// dedupLRU is a fixed-capacity LRU of applied idempotency keys. Only the
// worker goroutine touches it, so no locking is needed.
type dedupLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newDedupLRU(capacity int) *dedupLRU {
	return &dedupLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks whether key was recently applied (promotes to front).
func (l *dedupLRU) Contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts a key, evicting the oldest entry when over capacity.
func (l *dedupLRU) Add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}

	elem := l.order.PushFront(key)
	l.cache[key] = elem

	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.cache, oldest.Value.(string))
		}
	}
}
