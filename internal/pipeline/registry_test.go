package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanvideo/wan-inference-api/internal/media"
	"github.com/wanvideo/wan-inference-api/internal/params"
)

var (
	keyT2V480 = Key{Mode: params.ModeT2V, Resolution: params.Resolution480p}
	keyI2V480 = Key{Mode: params.ModeI2V, Resolution: params.Resolution480p}
)

// fakePipe is a Pipeline that tracks close state and concurrent Generate calls.
type fakePipe struct {
	key       Key
	closed    atomic.Bool
	active    atomic.Int32
	reentrant atomic.Bool
}

func (p *fakePipe) Generate(_ context.Context, cfg params.GenerationConfig) ([]media.Frame, error) {
	if p.active.Add(1) > 1 {
		p.reentrant.Store(true)
	}
	defer p.active.Add(-1)
	time.Sleep(2 * time.Millisecond)
	return []media.Frame{{Width: 2, Height: 2, Pix: make([]byte, 12)}}, nil
}

func (p *fakePipe) Close() error {
	p.closed.Store(true)
	return nil
}

// fakeLoader counts loads per key and can be scripted to fail.
type fakeLoader struct {
	mu    sync.Mutex
	loads map[Key]int
	pipes map[Key]*fakePipe
	fail  map[Key]int // remaining failures per key
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		loads: make(map[Key]int),
		pipes: make(map[Key]*fakePipe),
		fail:  make(map[Key]int),
	}
}

func (l *fakeLoader) Load(_ context.Context, key Key) (Pipeline, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[key]++
	if l.fail[key] > 0 {
		l.fail[key]--
		return nil, errors.New("weights unavailable")
	}
	p := &fakePipe{key: key}
	l.pipes[key] = p
	return p, nil
}

func (l *fakeLoader) loadCount(key Key) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[key]
}

func (l *fakeLoader) pipe(key Key) *fakePipe {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pipes[key]
}

func TestRegistry_AcquireCachesHandle(t *testing.T) {
	loader := newFakeLoader()
	reg := NewRegistry(loader, nil)
	ctx := context.Background()

	h1, err := reg.Acquire(ctx, keyT2V480)
	require.NoError(t, err)
	reg.Release(h1)

	h2, err := reg.Acquire(ctx, keyT2V480)
	require.NoError(t, err)
	reg.Release(h2)

	// Identity-stable caching: the exact same handle instance.
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, loader.loadCount(keyT2V480))
}

func TestRegistry_EvictTriggersReload(t *testing.T) {
	loader := newFakeLoader()
	reg := NewRegistry(loader, nil)
	ctx := context.Background()

	h1, err := reg.Acquire(ctx, keyT2V480)
	require.NoError(t, err)
	first := loader.pipe(keyT2V480)
	reg.Release(h1)

	require.NoError(t, reg.Evict(ctx, keyT2V480))
	assert.True(t, first.closed.Load())
	assert.Equal(t, 0, reg.Resident())

	h2, err := reg.Acquire(ctx, keyT2V480)
	require.NoError(t, err)
	reg.Release(h2)

	assert.NotSame(t, h1, h2)
	assert.Equal(t, 2, loader.loadCount(keyT2V480))
}

func TestRegistry_LoadFailureNotCached(t *testing.T) {
	loader := newFakeLoader()
	loader.fail[keyT2V480] = 1
	reg := NewRegistry(loader, nil)
	ctx := context.Background()

	_, err := reg.Acquire(ctx, keyT2V480)
	require.ErrorIs(t, err, ErrModelLoad)

	// The failure is not cached: the next acquire re-attempts and succeeds.
	h, err := reg.Acquire(ctx, keyT2V480)
	require.NoError(t, err)
	reg.Release(h)
	assert.Equal(t, 2, loader.loadCount(keyT2V480))
}

func TestRegistry_MarkBadForcesReload(t *testing.T) {
	loader := newFakeLoader()
	reg := NewRegistry(loader, nil)
	ctx := context.Background()

	h1, err := reg.Acquire(ctx, keyT2V480)
	require.NoError(t, err)
	first := loader.pipe(keyT2V480)
	h1.MarkBad()
	reg.Release(h1)

	h2, err := reg.Acquire(ctx, keyT2V480)
	require.NoError(t, err)
	reg.Release(h2)

	assert.True(t, first.closed.Load())
	assert.NotSame(t, h1, h2)
	assert.Equal(t, 2, loader.loadCount(keyT2V480))
}

func TestRegistry_LRUEvictionUnderBudget(t *testing.T) {
	loader := newFakeLoader()
	reg := NewRegistry(loader, nil, WithMaxResident(1))
	ctx := context.Background()

	h1, err := reg.Acquire(ctx, keyT2V480)
	require.NoError(t, err)
	t2vPipe := loader.pipe(keyT2V480)
	reg.Release(h1)

	// Loading a second key must evict the idle first one.
	h2, err := reg.Acquire(ctx, keyI2V480)
	require.NoError(t, err)
	reg.Release(h2)

	assert.True(t, t2vPipe.closed.Load())
	assert.Equal(t, 1, reg.Resident())
}

func TestRegistry_BusyHandleNotEvicted(t *testing.T) {
	loader := newFakeLoader()
	reg := NewRegistry(loader, nil, WithMaxResident(1))
	ctx := context.Background()

	h1, err := reg.Acquire(ctx, keyT2V480)
	require.NoError(t, err)
	t2vPipe := loader.pipe(keyT2V480)

	// h1 is still borrowed: the second load proceeds over budget instead
	// of evicting it.
	h2, err := reg.Acquire(ctx, keyI2V480)
	require.NoError(t, err)

	assert.False(t, t2vPipe.closed.Load())
	assert.Equal(t, 2, reg.Resident())

	reg.Release(h1)
	reg.Release(h2)
}

func TestRegistry_SameKeySerialized(t *testing.T) {
	loader := newFakeLoader()
	reg := NewRegistry(loader, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var held atomic.Int32
	var overlapped atomic.Bool

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := reg.Acquire(ctx, keyT2V480)
			if err != nil {
				t.Error(err)
				return
			}
			if held.Add(1) > 1 {
				overlapped.Store(true)
			}
			_, _ = h.Generate(ctx, params.GenerationConfig{})
			held.Add(-1)
			reg.Release(h)
		}()
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "two borrowers held the same handle at once")
	assert.False(t, loader.pipe(keyT2V480).reentrant.Load(), "re-entrant Generate call observed")
	assert.Equal(t, 1, loader.loadCount(keyT2V480))
}

func TestRegistry_AcquireCancelledWhileBusy(t *testing.T) {
	loader := newFakeLoader()
	reg := NewRegistry(loader, nil)

	h, err := reg.Acquire(context.Background(), keyT2V480)
	require.NoError(t, err)
	defer reg.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = reg.Acquire(ctx, keyT2V480)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_Shutdown(t *testing.T) {
	loader := newFakeLoader()
	reg := NewRegistry(loader, nil, WithMaxResident(2))
	ctx := context.Background()

	h1, err := reg.Acquire(ctx, keyT2V480)
	require.NoError(t, err)
	reg.Release(h1)
	h2, err := reg.Acquire(ctx, keyI2V480)
	require.NoError(t, err)
	reg.Release(h2)

	require.NoError(t, reg.Shutdown(ctx))
	assert.Equal(t, 0, reg.Resident())
	assert.True(t, loader.pipe(keyT2V480).closed.Load())
	assert.True(t, loader.pipe(keyI2V480).closed.Load())
}
