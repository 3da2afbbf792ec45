package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wanvideo/wan-inference-api/internal/metrics"
)

// ErrModelLoad is returned when pipeline weights cannot be loaded.
// Load failures are not cached: the next acquire for the key re-attempts.
var ErrModelLoad = errors.New("pipeline: model load failed")

// Registry owns every loaded pipeline. It loads lazily on first acquire,
// serves the cached handle on later acquires, serializes borrowers per key,
// and evicts least-recently-used idle pipelines when loading a new key would
// exceed the resident budget.
type Registry struct {
	loader      Loader
	maxResident int
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[Key]*entry
}

// entry tracks one key's pipeline slot. The sem token is held for the whole
// borrow (load included), which serializes same-key requests in FIFO-ish
// arrival order.
type entry struct {
	sem    chan struct{}
	handle *Handle
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxResident sets the resident pipeline budget. Values below 1 are ignored.
func WithMaxResident(n int) RegistryOption {
	return func(r *Registry) {
		if n >= 1 {
			r.maxResident = n
		}
	}
}

// NewRegistry creates a Registry with a resident budget of 1, matching a
// single memory-constrained accelerator.
func NewRegistry(loader Loader, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		loader:      loader,
		maxResident: 1,
		logger:      logger,
		entries:     make(map[Key]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire returns the pipeline handle for key, loading it first if needed.
// The handle is borrowed exclusively until Release; concurrent acquires for
// the same key block. A poisoned handle is closed and reloaded here.
func (r *Registry) Acquire(ctx context.Context, key Key) (*Handle, error) {
	e := r.entry(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("pipeline: acquire %s: %w", key, ctx.Err())
	}

	r.mu.Lock()
	h := e.handle
	r.mu.Unlock()

	if h != nil && h.Bad() {
		r.logger.Warn("closing poisoned pipeline",
			slog.String("key", key.String()),
		)
		if err := h.pipe.Close(); err != nil {
			r.logger.Warn("close poisoned pipeline",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
		r.mu.Lock()
		e.handle = nil
		r.mu.Unlock()
		h = nil
	}

	if h == nil {
		r.evictForBudget(key)

		start := time.Now()
		r.logger.Info("loading pipeline",
			slog.String("key", key.String()),
		)
		pipe, err := r.loader.Load(ctx, key)
		if err != nil {
			<-e.sem
			metrics.PipelineLoadsTotal.WithLabelValues(key.String(), "error").Inc()
			return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, key, err)
		}
		metrics.PipelineLoadsTotal.WithLabelValues(key.String(), "ok").Inc()
		r.logger.Info("pipeline loaded",
			slog.String("key", key.String()),
			slog.Duration("duration", time.Since(start)),
		)

		h = &Handle{key: key, pipe: pipe}
		r.mu.Lock()
		e.handle = h
		r.mu.Unlock()
	}

	h.touch(time.Now())
	return h, nil
}

// Release returns a borrowed handle to the registry, unblocking the next
// acquirer of the same key. Calling Release without a matching Acquire is a
// programmer error.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}
	h.touch(time.Now())

	r.mu.Lock()
	e := r.entries[h.key]
	r.mu.Unlock()
	if e == nil {
		return
	}

	select {
	case <-e.sem:
	default:
		// Token already gone; nothing to release.
	}
}

// Evict removes the pipeline for key and releases its resources. It waits for
// an in-flight borrow to finish first.
func (r *Registry) Evict(ctx context.Context, key Key) error {
	r.mu.Lock()
	e := r.entries[key]
	r.mu.Unlock()
	if e == nil {
		return nil
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("pipeline: evict %s: %w", key, ctx.Err())
	}
	defer func() { <-e.sem }()

	return r.closeEntry(key, e)
}

// Shutdown evicts every resident pipeline. Part of process teardown.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := r.Evict(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Resident returns the number of currently loaded pipelines.
func (r *Registry) Resident() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.handle != nil {
			n++
		}
	}
	return n
}

// entry returns the slot for key, creating it if needed.
func (r *Registry) entry(key Key) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	return e
}

// evictForBudget makes room for loading key by evicting idle LRU pipelines
// until the resident count is below the budget. Borrowed handles are never
// evicted; if every candidate is busy the load proceeds over budget rather
// than deadlocking.
func (r *Registry) evictForBudget(loading Key) {
	type candidate struct {
		key      Key
		e        *entry
		lastUsed time.Time
	}

	r.mu.Lock()
	resident := 0
	var candidates []candidate
	for k, e := range r.entries {
		if e.handle == nil {
			continue
		}
		resident++
		if k != loading {
			candidates = append(candidates, candidate{key: k, e: e, lastUsed: e.handle.lastUsedAt()})
		}
	}
	r.mu.Unlock()

	if resident < r.maxResident {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	for _, c := range candidates {
		if resident < r.maxResident {
			break
		}
		select {
		case c.e.sem <- struct{}{}:
		default:
			continue // busy, skip
		}
		if err := r.closeEntry(c.key, c.e); err != nil {
			r.logger.Warn("evict pipeline",
				slog.String("key", c.key.String()),
				slog.String("error", err.Error()),
			)
		}
		<-c.e.sem
		resident--
	}
}

// closeEntry closes and clears an entry's handle. Caller holds the entry's sem.
func (r *Registry) closeEntry(key Key, e *entry) error {
	r.mu.Lock()
	h := e.handle
	e.handle = nil
	r.mu.Unlock()

	if h == nil {
		return nil
	}

	metrics.PipelineEvictionsTotal.WithLabelValues(key.String()).Inc()
	r.logger.Info("evicting pipeline",
		slog.String("key", key.String()),
	)
	if err := h.pipe.Close(); err != nil {
		return fmt.Errorf("pipeline: close %s: %w", key, err)
	}
	return nil
}
