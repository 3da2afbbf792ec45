// Package pipeline provides the generation pipeline registry: lazy loading,
// identity-stable caching, per-key serialization and LRU eviction of loaded
// model pipelines.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wanvideo/wan-inference-api/internal/media"
	"github.com/wanvideo/wan-inference-api/internal/params"
)

// Key identifies one loadable pipeline variant.
type Key struct {
	Mode       params.Mode
	Resolution params.Resolution
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Mode, k.Resolution)
}

// Pipeline is a loaded, ready-to-run generation pipeline. Generate is a
// long-running, compute-bound call; implementations are not required to be
// safe for concurrent use, the registry serializes access per handle.
type Pipeline interface {
	// Generate runs the pipeline with a fully resolved config and returns
	// the raw frame sequence. The seed in cfg drives the pipeline's
	// deterministic RNG.
	Generate(ctx context.Context, cfg params.GenerationConfig) ([]media.Frame, error)

	// Close releases the pipeline's resources (GPU memory, worker process).
	Close() error
}

// Loader loads a pipeline for a key. Loading is expensive (weights are tens
// of gigabytes) and happens at most once per key under normal operation.
type Loader interface {
	Load(ctx context.Context, key Key) (Pipeline, error)
}

// Handle wraps one loaded pipeline instance owned by the registry.
// A handle is borrowed by at most one job at a time; the registry's Acquire
// enforces the mutual exclusion.
type Handle struct {
	key  Key
	pipe Pipeline

	mu       sync.Mutex
	bad      bool
	lastUsed time.Time
}

// Key returns the (mode, resolution) key this handle is tagged with.
func (h *Handle) Key() Key {
	return h.key
}

// Generate forwards to the wrapped pipeline.
func (h *Handle) Generate(ctx context.Context, cfg params.GenerationConfig) ([]media.Frame, error) {
	return h.pipe.Generate(ctx, cfg)
}

// MarkBad poisons the handle. The registry closes and reloads it on the next
// acquire; used after timeouts and runtime failures where the underlying call
// cannot be confirmed to have stopped cleanly.
func (h *Handle) MarkBad() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bad = true
}

// Bad reports whether the handle has been poisoned.
func (h *Handle) Bad() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bad
}

func (h *Handle) touch(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastUsed = now
}

func (h *Handle) lastUsedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}
