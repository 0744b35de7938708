package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// Batcher coalesces incident updates: successive writes to the same
// incident inside the window collapse into one physical write. Reads are
// read-through, so callers always see their own buffered writes.
//
// FlushNow is the durability barrier: the workflow engine calls it before
// publishing any message that references the buffered state, so
// collaborators never observe an incident the store has not committed.
type Batcher struct {
	inner   core.IncidentStore
	clock   core.Clock
	window  time.Duration
	maxOps  int
	logger  core.Logger
	metrics core.Metrics

	mu        sync.Mutex
	pending   map[string]*pendingWrite
	timer     core.Timer
	coalesced uint64
	flushes   uint64
}

// pendingWrite holds the latest buffered state for one incident plus the
// version the first buffered write was based on. The buffered state stays
// at baseVersion+1 no matter how many writes coalesce into it; the inner
// store's optimistic check runs against baseVersion at flush time and its
// increment lands exactly on the buffered version.
type pendingWrite struct {
	inc         *core.Incident
	baseVersion int64
}

// BatcherOptions configures a Batcher.
type BatcherOptions struct {
	Inner   core.IncidentStore
	Clock   core.Clock
	Config  core.BatcherConfig
	Logger  core.Logger
	Metrics core.Metrics
}

// NewBatcher wraps inner with write coalescing.
func NewBatcher(opts BatcherOptions) (*Batcher, error) {
	if opts.Inner == nil {
		return nil, fmt.Errorf("batcher requires an inner store: %w", core.ErrInvalidConfiguration)
	}
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &core.NoOpMetrics{}
	}
	window := opts.Config.Window
	if window <= 0 {
		window = 50 * time.Millisecond
	}
	maxOps := opts.Config.MaxOps
	if maxOps <= 0 {
		maxOps = 50
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("store.batcher")
	}
	return &Batcher{
		inner:   opts.Inner,
		clock:   opts.Clock,
		window:  window,
		maxOps:  maxOps,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		pending: make(map[string]*pendingWrite),
	}, nil
}

// Create writes through immediately: new incidents must be durable and
// duplicate-checked before the workflow starts.
func (b *Batcher) Create(ctx context.Context, inc *core.Incident) error {
	return b.inner.Create(ctx, inc)
}

// Get returns the buffered state when a write is pending, otherwise the
// committed state.
func (b *Batcher) Get(ctx context.Context, id string) (*core.Incident, error) {
	b.mu.Lock()
	if p, ok := b.pending[id]; ok {
		inc := p.inc.Clone()
		b.mu.Unlock()
		return inc, nil
	}
	b.mu.Unlock()
	return b.inner.Get(ctx, id)
}

// Update buffers the write. The version check runs against the buffered
// state so serialized callers still catch their own stale reads; the
// inner store's optimistic check runs at flush time. Coalesced writes
// share the first write's version bump, so the logical version handed
// back to the caller always matches the inner store's single increment
// when the batch commits.
func (b *Batcher) Update(ctx context.Context, inc *core.Incident) error {
	b.mu.Lock()

	if p, ok := b.pending[inc.ID]; ok {
		if inc.Version != p.inc.Version {
			b.mu.Unlock()
			return fmt.Errorf("incident %s: buffered version %d, caller read %d: %w",
				inc.ID, p.inc.Version, inc.Version, core.ErrPrecondition)
		}
		p.inc = inc.Clone()
		b.coalesced++
		b.metrics.Counter(ctx, "orchestrator.batcher.coalesced", 1, nil)
		b.mu.Unlock()
		return nil
	}

	p := &pendingWrite{baseVersion: inc.Version, inc: inc.Clone()}
	p.inc.Version = inc.Version + 1
	inc.Version++
	b.pending[inc.ID] = p

	if b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, func() {
			if err := b.Flush(context.Background()); err != nil {
				b.logger.Error("Background flush failed", map[string]interface{}{
					"operation": "batcher_flush",
					"error":     err.Error(),
				})
			}
		})
	}

	full := len(b.pending) >= b.maxOps
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// List merges committed incidents with buffered writes.
func (b *Batcher) List(ctx context.Context) ([]*core.Incident, error) {
	committed, err := b.inner.List(ctx)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*core.Incident, 0, len(committed))
	for _, inc := range committed {
		if p, ok := b.pending[inc.ID]; ok {
			out = append(out, p.inc.Clone())
			continue
		}
		out = append(out, inc)
	}
	return out, nil
}

// FlushNow commits the buffered write for one incident synchronously.
// No-op when nothing is pending.
func (b *Batcher) FlushNow(ctx context.Context, id string) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.pending, id)
	b.stopTimerIfIdleLocked()
	b.mu.Unlock()

	return b.commit(ctx, id, p)
}

// Flush commits every buffered write.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.stopTimerIfIdleLocked()
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = make(map[string]*pendingWrite)
	b.stopTimerIfIdleLocked()
	b.flushes++
	b.mu.Unlock()

	b.metrics.Counter(ctx, "orchestrator.batcher.flushes", 1, nil)
	b.metrics.Histogram(ctx, "orchestrator.batcher.flush_size", float64(len(batch)), nil)

	var firstErr error
	for id, p := range batch {
		if err := b.commit(ctx, id, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// commit performs the physical write for one buffered incident. The
// inner store's increment lands on baseVersion+1, which is exactly the
// version the buffered state already carries.
func (b *Batcher) commit(ctx context.Context, id string, p *pendingWrite) error {
	write := p.inc.Clone()
	write.Version = p.baseVersion
	if err := b.inner.Update(ctx, write); err != nil {
		b.metrics.Counter(ctx, "orchestrator.batcher.flush_errors", 1, nil)
		b.logger.Error("Batched write failed", map[string]interface{}{
			"operation":   "batcher_commit",
			"incident_id": id,
			"error":       err.Error(),
		})
		return err
	}
	return nil
}

// Close flushes remaining writes. Called during shutdown.
func (b *Batcher) Close(ctx context.Context) error {
	return b.Flush(ctx)
}

// PendingCount reports buffered incidents, for the admin surface.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) stopTimerIfIdleLocked() {
	if len(b.pending) == 0 && b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

var _ core.IncidentStore = (*Batcher)(nil)
