package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/stream"
)

// Store is the slice of the repository the publisher drives.
type Store interface {
	Drain(ctx context.Context, deliver DeliverFunc) (DrainResult, error)
	PendingCount(ctx context.Context) (int, error)
}

// Sink receives published events. *stream.Broker satisfies this.
type Sink interface {
	Deliver(ctx context.Context, ev stream.Event) (int, error)
}

// Publisher polls the outbox and pushes due events to the sink. Exactly one
// cycle runs at a time per publisher; multiple publisher processes are safe
// because the repository claims rows with SKIP LOCKED.
type Publisher struct {
	store Store
	sink  Sink
	cfg   *config.OutboxConfig

	metrics *Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPublisher creates a stopped publisher. Metrics may be nil.
func NewPublisher(store Store, sink Sink, cfg *config.OutboxConfig, metrics *Metrics) *Publisher {
	return &Publisher{store: store, sink: sink, cfg: cfg, metrics: metrics}
}

// Start launches the poll loop. Calling Start on a running publisher is a
// no-op.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	slog.Info("Starting outbox publisher",
		"poll_interval", p.cfg.PollInterval, "batch_size", p.cfg.BatchSize)

	go p.run(runCtx, p.done)
}

// Stop halts the loop and waits for the in-flight cycle to finish. Calling
// Stop on a stopped publisher is a no-op.
func (p *Publisher) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("Outbox publisher stopped")
}

func (p *Publisher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// Drain immediately on start so events queued while the publisher was
	// down do not wait a full poll interval.
	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle runs drains back to back while full batches come out, so a backlog
// clears faster than one batch per poll interval.
func (p *Publisher) cycle(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := p.store.Drain(ctx, p.deliver)
		if err != nil {
			slog.Error("Outbox drain cycle failed", "error", err)
			return
		}
		p.observe(ctx, res)
		if res.Claimed < p.cfg.BatchSize {
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, ev stream.Event) error {
	_, err := p.sink.Deliver(ctx, ev)
	return err
}

func (p *Publisher) observe(ctx context.Context, res DrainResult) {
	if res.Claimed > 0 {
		slog.Debug("Outbox drain cycle complete",
			"claimed", res.Claimed, "published", res.Published,
			"retried", res.Retried, "dead", res.Dead)
	}
	if res.Dead > 0 {
		slog.Warn("Outbox events exhausted retries", "count", res.Dead)
	}
	if p.metrics == nil {
		return
	}
	p.metrics.Published.Add(float64(res.Published))
	p.metrics.Retried.Add(float64(res.Retried))
	p.metrics.Dead.Add(float64(res.Dead))
	if pending, err := p.store.PendingCount(ctx); err == nil {
		p.metrics.Pending.Set(float64(pending))
	}
}
