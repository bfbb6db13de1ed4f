// Package bus implements the per-agent task bus: one bounded queue and one
// consumer goroutine per registered agent, with a strict in-flight cap.
// Dispatch start order is FIFO per agent; completion order is unconstrained
// because handlers run concurrently up to the cap.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hiveplane/hiveplane/pkg/config"
)

var (
	// ErrQueueFull is returned when an agent's queue stays full for the
	// whole submit timeout.
	ErrQueueFull = errors.New("agent queue is full")

	// ErrAgentNotRegistered is returned on submit to an unknown agent.
	ErrAgentNotRegistered = errors.New("agent not registered")

	// ErrAgentDeregistered completes handles whose task was still queued
	// when the agent was removed.
	ErrAgentDeregistered = errors.New("agent deregistered before task started")
)

// backpressurePoll is the sleep between in-flight cap checks.
const backpressurePoll = 10 * time.Millisecond

// Task is one unit of work submitted to an agent.
type Task struct {
	ID      string
	Payload any
}

// Handler executes one task on behalf of an agent.
type Handler func(ctx context.Context, task Task) (any, error)

// Callback observes a task's outcome. Errors (including panics) inside the
// callback are swallowed; callbacks must not affect the bus.
type Callback func(result any, err error)

// Handle tracks a submitted task to completion.
type Handle struct {
	TaskID string

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

// Done is closed when the task completes (or is abandoned).
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until completion or ctx expiry.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome; only valid after Done is closed.
func (h *Handle) Result() (any, error) { return h.result, h.err }

// complete is idempotent: a task can be resolved by both the consumer and
// the deregister drain, and only the first outcome sticks.
func (h *Handle) complete(result any, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}

type submission struct {
	task     Task
	handle   *Handle
	callback Callback
}

type agentQueue struct {
	agentID        string
	handler        Handler
	maxConcurrency int

	queue    chan *submission
	inFlight atomic.Int32

	cancel context.CancelFunc
	done   chan struct{}
}

// Bus multiplexes tasks across registered agents. One instance exists per
// process and is shared by every worker space.
type Bus struct {
	cfg *config.BusConfig

	mu     sync.RWMutex
	agents map[string]*agentQueue
	closed bool
}

// New creates an empty bus.
func New(cfg *config.BusConfig) *Bus {
	return &Bus{cfg: cfg, agents: make(map[string]*agentQueue)}
}

// Register creates the agent's queue and consumer. Re-registration is a
// no-op logged at WARN. maxConcurrency falls back to the configured default
// when non-positive.
func (b *Bus) Register(agentID string, handler Handler, maxConcurrency int) {
	if maxConcurrency <= 0 {
		maxConcurrency = b.cfg.MaxConcurrency
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		slog.Warn("Register on closed bus ignored", "agent_id", agentID)
		return
	}
	if _, exists := b.agents[agentID]; exists {
		slog.Warn("Agent already registered with bus, ignoring", "agent_id", agentID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &agentQueue{
		agentID:        agentID,
		handler:        handler,
		maxConcurrency: maxConcurrency,
		queue:          make(chan *submission, b.cfg.QueueSize),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	b.agents[agentID] = q

	go b.consume(ctx, q)
	slog.Debug("Agent registered with bus",
		"agent_id", agentID, "max_concurrency", maxConcurrency, "queue_size", b.cfg.QueueSize)
}

// Submit enqueues a task for an agent with a bounded wait. The returned
// handle carries the completion signal and result slots; callback, when
// set, fires after completion with its errors swallowed.
func (b *Bus) Submit(ctx context.Context, agentID string, task Task, callback Callback) (*Handle, error) {
	b.mu.RLock()
	q, ok := b.agents[agentID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotRegistered, agentID)
	}

	sub := &submission{
		task:     task,
		handle:   &Handle{TaskID: task.ID, done: make(chan struct{})},
		callback: callback,
	}

	timer := time.NewTimer(b.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case q.queue <- sub:
	case <-timer.C:
		return nil, fmt.Errorf("%w: agent %s", ErrQueueFull, agentID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Deregister may have drained the queue between the lookup above and the
	// enqueue. Re-check so the task cannot sit in a dead queue forever; if
	// the drain already resolved the handle, complete is a no-op.
	b.mu.RLock()
	current, live := b.agents[agentID]
	b.mu.RUnlock()
	if !live || current != q {
		sub.handle.complete(nil, ErrAgentDeregistered)
		return nil, fmt.Errorf("%w: %s", ErrAgentNotRegistered, agentID)
	}
	return sub.handle, nil
}

// consume pops submissions FIFO and forks each into its own goroutine once
// the in-flight cap allows. The spin-wait is a cooperative backpressure
// loop, not a busy spin.
func (b *Bus) consume(ctx context.Context, q *agentQueue) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-q.queue:
			if !b.waitForSlot(ctx, q) {
				sub.handle.complete(nil, ErrAgentDeregistered)
				return
			}
			q.inFlight.Add(1)
			go b.execute(ctx, q, sub)
		}
	}
}

func (b *Bus) waitForSlot(ctx context.Context, q *agentQueue) bool {
	for int(q.inFlight.Load()) >= q.maxConcurrency {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backpressurePoll):
		}
	}
	return ctx.Err() == nil
}

func (b *Bus) execute(ctx context.Context, q *agentQueue, sub *submission) {
	defer q.inFlight.Add(-1)

	taskCtx, cancel := context.WithTimeout(ctx, b.cfg.TaskTimeout)
	defer cancel()

	result, err := b.invoke(taskCtx, q, sub.task)
	sub.handle.complete(result, err)

	if sub.callback != nil {
		b.runCallback(q.agentID, sub)
	}
}

// invoke runs the handler, converting panics into errors so a bad handler
// cannot take down the consumer.
func (b *Bus) invoke(ctx context.Context, q *agentQueue, task Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Agent handler panicked",
				"agent_id", q.agentID, "task_id", task.ID, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler(ctx, task)
}

func (b *Bus) runCallback(agentID string, sub *submission) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Task callback panicked, ignoring",
				"agent_id", agentID, "task_id", sub.task.ID, "panic", r)
		}
	}()
	sub.callback(sub.handle.result, sub.handle.err)
}

// Deregister stops the agent's consumer and fails any still-queued tasks.
// Unknown agents are a no-op.
func (b *Bus) Deregister(agentID string) {
	b.mu.Lock()
	q, ok := b.agents[agentID]
	if ok {
		delete(b.agents, agentID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	q.cancel()
	<-q.done

	// Fail everything that never started.
	for {
		select {
		case sub := <-q.queue:
			sub.handle.complete(nil, ErrAgentDeregistered)
		default:
			slog.Debug("Agent deregistered from bus", "agent_id", agentID)
			return
		}
	}
}

// InFlight returns the agent's current in-flight count, or 0 when unknown.
func (b *Bus) InFlight(agentID string) int {
	b.mu.RLock()
	q, ok := b.agents[agentID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return int(q.inFlight.Load())
}

// Registered reports whether the agent has a live queue.
func (b *Bus) Registered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.agents[agentID]
	return ok
}

// AgentCount returns the number of registered agents.
func (b *Bus) AgentCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.agents)
}

// Cleanup deregisters every agent. Called once at process shutdown; the bus
// rejects registrations afterwards.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	b.closed = true
	ids := make([]string, 0, len(b.agents))
	for id := range b.agents {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Deregister(id)
	}
	slog.Info("Agent bus cleaned up", "agents", len(ids))
}
