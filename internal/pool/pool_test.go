package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Host = "localhost"
	cfg.Database = "test"
	cfg.Username = "tester"
	cfg.Password = "secret"
	cfg.InitialPoolSize = 2
	cfg.MinPoolSize = 1
	cfg.MaxPoolSize = 4
	cfg.ConnectionTimeout = time.Second
	cfg.ValidationTimeout = 200 * time.Millisecond
	cfg.IdleTimeout = 50 * time.Millisecond
	cfg.MaxLifetime = time.Hour
	cfg.EnableHealthCheck = false
	cfg.MaxRetries = 2
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.WorkerThreadCount = 1
	return cfg
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeDriver) {
	t.Helper()
	driver := newFakeDriver()
	p, err := New(cfg, driver)
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(p.Shutdown)
	return p, driver
}

// S1: basic lease and release round-trips a single handle.
func TestAcquireRelease_Basic(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t))

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, h)

	snap := p.Stats()
	assert.EqualValues(t, 1, snap.Active)

	p.Release(h)

	snap = p.Stats()
	assert.EqualValues(t, 0, snap.Active)
	assert.GreaterOrEqual(t, snap.Idle, int64(1))
}

// Releasing the same handle twice must be a no-op, not a double-close
// or a double free of the slot.
func TestRelease_Idempotent(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t))

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	p.Release(h)
	before := p.Stats()
	p.Release(h)
	after := p.Stats()

	assert.Equal(t, before, after)
}

// S2: a burst of acquires beyond InitialPoolSize (but within
// MaxPoolSize) triggers on-demand creation rather than blocking.
func TestAcquire_BurstExpandsPool(t *testing.T) {
	cfg := testConfig(t)
	p, driver := newTestPool(t, cfg)

	var handles []*Handle
	for i := 0; i < cfg.MaxPoolSize; i++ {
		h, err := p.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	assert.LessOrEqual(t, int64(cfg.MaxPoolSize), driver.created.Load())
	snap := p.Stats()
	assert.EqualValues(t, cfg.MaxPoolSize, snap.Active)

	for _, h := range handles {
		p.Release(h)
	}
}

// S3: once MaxPoolSize handles are leased, a further Acquire blocks
// until its timeout and returns ErrAcquireTimeout, and critically does
// not leave the pool mutex held (a held mutex would deadlock the next
// Acquire/Release in this same test).
func TestAcquire_TimesOutWhenExhausted(t *testing.T) {
	cfg := testConfig(t)
	p, _ := newTestPool(t, cfg)

	var handles []*Handle
	for i := 0; i < cfg.MaxPoolSize; i++ {
		h, err := p.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	start := time.Now()
	_, err := p.Acquire(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)

	// Prove the mutex was released: this must not hang.
	done := make(chan struct{})
	go func() {
		p.Release(handles[0])
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Release blocked after a timed-out Acquire; pool mutex likely left locked")
	}

	for _, h := range handles[1:] {
		p.Release(h)
	}
}

// S4: a handle that fails validation on acquire is discarded and
// replaced rather than handed to the caller.
func TestAcquire_DiscardsFailedValidation(t *testing.T) {
	cfg := testConfig(t)
	cfg.InitialPoolSize = 1
	cfg.MinPoolSize = 1
	p, driver := newTestPool(t, cfg)

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(h)
	fc := h.raw.(*fakeConn)
	fc.broken.Store(true)

	before := driver.created.Load()
	h2, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), h2.ID())
	assert.Greater(t, driver.created.Load(), before)

	p.Release(h2)
}

// S5: idle handles beyond MinPoolSize are evicted once IdleTimeout
// elapses, exercised directly against removeExcessConnections rather
// than waiting on the 30s monitor tick.
func TestRemoveExcessConnections_RespectsMinPoolSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.InitialPoolSize = 3
	cfg.MinPoolSize = 1
	cfg.MaxPoolSize = 3
	p, _ := newTestPool(t, cfg)

	time.Sleep(cfg.IdleTimeout + 20*time.Millisecond)
	p.removeExcessConnections()

	snap := p.Stats()
	assert.GreaterOrEqual(t, snap.Idle, int64(cfg.MinPoolSize))
	assert.LessOrEqual(t, snap.Idle, int64(cfg.InitialPoolSize))
}

// cleanupIdleConnections closes every idle handle past MaxLifetime or
// IdleTimeout with no MinPoolSize floor, matching the asymmetry
// documented in the design notes.
func TestCleanupIdleConnections_IgnoresMinPoolSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.InitialPoolSize = 1
	cfg.MinPoolSize = 1
	cfg.MaxPoolSize = 1
	p, _ := newTestPool(t, cfg)

	time.Sleep(cfg.IdleTimeout + 20*time.Millisecond)
	p.cleanupIdleConnections()

	snap := p.Stats()
	assert.EqualValues(t, 0, snap.Idle)
}

// S6: connection creation retries with backoff and eventually succeeds
// once the driver stops failing.
func TestCreateConnection_RetriesOnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.InitialPoolSize = 1
	cfg.MinPoolSize = 1
	cfg.MaxPoolSize = 1
	cfg.MaxRetries = 3
	cfg.RetryDelay = 5 * time.Millisecond

	driver := newFakeDriver()
	driver.failNextConnects(2)

	p, err := New(cfg, driver)
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(p.Shutdown)

	assert.EqualValues(t, 1, driver.created.Load())
}

// Initialize aborts cleanly, without starting any worker, if it cannot
// reach InitialPoolSize.
func TestInitialize_AbortsOnPersistentFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.InitialPoolSize = 1
	cfg.MaxRetries = 1
	cfg.RetryDelay = time.Millisecond

	driver := newFakeDriver()
	driver.failNextConnects(100)

	p, err := New(cfg, driver)
	require.NoError(t, err)

	err = p.Initialize(context.Background())
	require.Error(t, err)

	_, err = p.Acquire(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrPoolNotRunning)
}

// Acquire returns ErrPoolNotRunning once Shutdown has completed.
func TestAcquire_AfterShutdown(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t))
	p.Shutdown()

	_, err := p.Acquire(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrPoolNotRunning)
}

// Releasing a handle acquired before Shutdown must not panic and must
// close the underlying connection rather than re-enqueue it.
func TestRelease_AfterShutdown(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t))
	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	p.Shutdown()
	require.NotPanics(t, func() { p.Release(h) })

	fc := h.raw.(*fakeConn)
	assert.True(t, fc.closed.Load())
}

// Property: once a concurrent burst has finished, neither active nor
// active + idle exceeds MaxPoolSize.
func TestInvariant_BoundedBySize(t *testing.T) {
	cfg := testConfig(t)
	p, _ := newTestPool(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background(), time.Second)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			p.Release(h)
		}()
	}
	wg.Wait()

	snap := p.Stats()
	assert.LessOrEqual(t, snap.Active, int64(cfg.MaxPoolSize))
	assert.LessOrEqual(t, snap.Active+snap.Idle, int64(cfg.MaxPoolSize))
}

func TestAcquireAsync_DeliversResult(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t))

	resultCh := make(chan AsyncResult, 1)
	err := p.AcquireAsync(context.Background(), time.Second, func(res AsyncResult) {
		resultCh <- res
	})
	require.NoError(t, err)

	select {
	case res := <-resultCh:
		require.NoError(t, res.Err)
		require.NotNil(t, res.Handle)
		p.Release(res.Handle)
	case <-time.After(2 * time.Second):
		t.Fatal("async acquire never delivered a result")
	}
}

// IsHealthy requires a success rate above 80%, computed against total
// requests so far; with zero requests made the rate is 0, not
// undefined, so a freshly initialized pool reads unhealthy until it
// has served at least one successful acquire. This matches the
// original implementation's own `successfulRequests / max(totalRequests, 1)`.
func TestIsHealthy(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t))
	assert.False(t, p.IsHealthy())

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(h)
	assert.True(t, p.IsHealthy())

	p.Shutdown()
	assert.False(t, p.IsHealthy())
}

func TestPerformHealthCheck_MarksSuspectOnFailure(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t))

	p.mu.Lock()
	var target *Handle
	for _, h := range p.registry {
		target = h
		break
	}
	p.mu.Unlock()
	require.NotNil(t, target)
	target.raw.(*fakeConn).broken.Store(true)

	healthy := p.PerformHealthCheck(context.Background())
	assert.Less(t, healthy, len(p.registry))
	assert.True(t, target.IsSuspect())
}
