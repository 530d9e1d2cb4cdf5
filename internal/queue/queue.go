// Package queue serialises capsule operations through a bounded FIFO so a
// single SQLite handle is never hit concurrently. Admission is strictly
// ordered; a task that outlives its deadline is abandoned to finish in the
// background while the queue moves on.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memglyph/glyphcase/internal/common"
)

var (
	// ErrQueueFull is returned when the pending queue is at capacity. The
	// caller is expected to back off; enqueue never blocks.
	ErrQueueFull = errors.New("queue: pending queue full")

	// ErrQueueCleared is delivered to tasks evicted by Clear.
	ErrQueueCleared = errors.New("queue: cleared before execution")

	// ErrTaskTimeout is returned when a task exceeds its execution budget.
	// The underlying work is not cancelled, only abandoned.
	ErrTaskTimeout = errors.New("queue: task timed out")

	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("queue: closed")
)

const (
	defaultMaxPending = 32
	defaultTimeout    = 10 * time.Second
	maxTimeout        = 30 * time.Second
)

// Stats is a point-in-time snapshot of queue activity.
type Stats struct {
	Depth     int   `json:"depth"`
	Busy      bool  `json:"busy"`
	Processed int64 `json:"processed"`
	Timeouts  int64 `json:"timeouts"`
	Errors    int64 `json:"errors"`
}

type task struct {
	id   string
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// Guard is the serial execution gate.
type Guard struct {
	mu      sync.Mutex
	pending []*task
	busy    bool
	closed  bool

	processed int64
	timeouts  int64
	errors    int64

	maxPending int
	timeout    time.Duration

	notify chan struct{}
	quit   chan struct{}
	idle   sync.WaitGroup
}

// Option mutates a Guard during construction.
type Option func(*Guard)

// WithMaxPending bounds the number of queued tasks.
func WithMaxPending(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.maxPending = n
		}
	}
}

// WithTimeout sets the per-task execution budget, capped at 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func New(opts ...Option) *Guard {
	g := &Guard{
		maxPending: defaultMaxPending,
		timeout:    defaultTimeout,
		notify:     make(chan struct{}, 1),
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.timeout > maxTimeout {
		g.timeout = maxTimeout
	}
	g.idle.Add(1)
	go g.loop()
	return g
}

// Do enqueues fn and waits for its completion, the task timeout, or caller
// cancellation. On timeout or cancellation the work itself keeps running;
// only the wait is abandoned, so callers must not touch state captured by fn
// after a non-nil error.
func (g *Guard) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	t := &task{
		id:   uuid.NewString(),
		name: name,
		fn:   fn,
		done: make(chan error, 1),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrQueueClosed
	}
	if len(g.pending) >= g.maxPending {
		g.mu.Unlock()
		common.Logger().Warn("queue: rejecting task", "task", name, "depth", g.maxPending)
		return ErrQueueFull
	}
	g.pending = append(g.pending, t)
	g.mu.Unlock()
	g.wake()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports current depth and lifetime counters.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Depth:     len(g.pending),
		Busy:      g.busy,
		Processed: g.processed,
		Timeouts:  g.timeouts,
		Errors:    g.errors,
	}
}

// Clear evicts every pending task, delivering ErrQueueCleared to each
// waiter. The task currently executing, if any, is unaffected.
func (g *Guard) Clear() int {
	g.mu.Lock()
	evicted := g.pending
	g.pending = nil
	g.mu.Unlock()
	for _, t := range evicted {
		t.done <- ErrQueueCleared
	}
	if len(evicted) > 0 {
		common.Logger().Info("queue: cleared pending tasks", "count", len(evicted))
	}
	return len(evicted)
}

// Close clears the queue and stops the worker.
func (g *Guard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()
	g.Clear()
	close(g.quit)
	g.idle.Wait()
}

func (g *Guard) wake() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

func (g *Guard) loop() {
	defer g.idle.Done()
	for {
		select {
		case <-g.quit:
			return
		case <-g.notify:
		}
		for {
			g.mu.Lock()
			if len(g.pending) == 0 {
				g.busy = false
				g.mu.Unlock()
				break
			}
			t := g.pending[0]
			g.pending = g.pending[1:]
			g.busy = true
			g.mu.Unlock()
			g.run(t)
		}
	}
}

func (g *Guard) run(t *task) {
	result := make(chan error, 1)
	started := time.Now()
	go func() {
		result <- t.fn(context.Background())
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		g.mu.Lock()
		g.processed++
		if err != nil {
			g.errors++
		}
		g.mu.Unlock()
		t.done <- err
	case <-timer.C:
		g.mu.Lock()
		g.timeouts++
		g.mu.Unlock()
		common.Logger().Warn("queue: task abandoned after timeout",
			"task", t.name, "id", t.id, "elapsed", time.Since(started))
		t.done <- ErrTaskTimeout
	}
}
