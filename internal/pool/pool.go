// Package pool implements a thread-safe database connection pool: a
// bounded set of validated connections leased out to concurrent
// callers, maintained in the background by health-check and eviction
// workers, and torn down without leaking or double-closing a single
// underlying handle.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/catherinevee/dbpool/internal/logger"
)

// Pool is a bounded, validated set of connection Handles shared across
// concurrent callers. The zero value is not usable; construct one with
// New.
type Pool struct {
	id  string
	cfg Config
	log logger.Logger

	driver    Driver
	validator atomic.Pointer[Validator]
	factory   atomic.Pointer[Factory]

	stats *statistics

	mu        sync.Mutex
	cond      *sync.Cond
	running   bool
	registry  map[int64]*Handle
	available []int64
	creating  int // connections Acquire is creating, counted against MaxPoolSize
	nextID    atomic.Int64

	stopCh     chan struct{}
	wg         sync.WaitGroup
	asyncQueue chan asyncTask

	shutdownOnce sync.Once
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithDriver replaces the Driver passed to New. Options run after New
// has checked its driver argument, so New still returns an error for a
// nil driver even when this option is given.
func WithDriver(d Driver) Option {
	return func(p *Pool) { p.driver = d }
}

// WithRegisterer routes the pool's Prometheus collectors to reg
// instead of a private, unshared registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Pool) { p.stats = newStatistics(p.id, reg) }
}

// New validates cfg and constructs a Pool. The pool does not connect
// to anything until Initialize is called.
func New(cfg Config, driver Driver, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if driver == nil {
		return nil, fmt.Errorf("%w: driver is required", ErrConfigInvalid)
	}

	id := uuid.NewString()
	p := &Pool{
		id:       id,
		cfg:      cfg,
		log:      logger.New("pool").WithFields(logger.String("pool_id", id)),
		driver:   driver,
		registry: make(map[int64]*Handle),
		stopCh:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.asyncQueueInit()

	for _, opt := range opts {
		opt(p)
	}
	if p.stats == nil {
		p.stats = newStatistics(id, nil)
	}
	return p, nil
}

// ID returns the pool's unique identity, stamped on every log line and
// exported Prometheus metric so deployments running several pools can
// tell them apart.
func (p *Pool) ID() string { return p.id }

// Registry returns the prometheus.Registerer the pool's collectors are
// bound to: whatever was passed to WithRegisterer, or the private
// registry New created when no option was given.
func (p *Pool) Registry() prometheus.Registerer { return p.stats.registry }

// SetCustomValidator overrides the default validation probe. Safe to
// call concurrently with Acquire/Release/maintenance workers.
func (p *Pool) SetCustomValidator(v Validator) {
	if v == nil {
		return
	}
	p.validator.Store(&v)
}

// SetCustomFactory overrides the default Driver-backed connection
// factory. Safe to call concurrently with running workers.
func (p *Pool) SetCustomFactory(f Factory) {
	if f == nil {
		return
	}
	p.factory.Store(&f)
}

func (p *Pool) validatorFn() Validator {
	if v := p.validator.Load(); v != nil {
		return *v
	}
	return p.defaultValidator
}

func (p *Pool) factoryFn() Factory {
	if f := p.factory.Load(); f != nil {
		return *f
	}
	return p.defaultFactory
}

func (p *Pool) defaultValidator(ctx context.Context, conn RawConn) bool {
	return conn.Execute(ctx, p.cfg.ValidationQuery) == nil
}

func (p *Pool) defaultFactory(ctx context.Context) (RawConn, error) {
	return p.driver.Connect(ctx, p.cfg.Endpoint(), p.cfg.Username, p.cfg.Password)
}

// Initialize creates InitialPoolSize connections and starts the
// background maintenance workers. It requires the pool not already be
// running; any failure while reaching InitialPoolSize aborts
// initialization without starting a single worker, leaving the pool in
// its pre-initialize state.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.mu.Unlock()

	created := make([]*Handle, 0, p.cfg.InitialPoolSize)
	for i := 0; i < p.cfg.InitialPoolSize; i++ {
		h, err := p.createConnection(ctx)
		if err != nil {
			for _, c := range created {
				c.close()
			}
			p.log.Error("initialize aborted: could not reach initial_pool_size",
				logger.Int("created", len(created)),
				logger.Int("wanted", p.cfg.InitialPoolSize),
				logger.Err(err),
			)
			return fmt.Errorf("%w: %v", ErrCreationFailed, err)
		}
		created = append(created, h)
	}

	p.mu.Lock()
	for _, h := range created {
		p.registry[h.ID()] = h
		p.available = append(p.available, h.ID())
	}
	p.stats.addIdle(int64(len(created)))
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.monitorWorker()

	if p.cfg.EnableHealthCheck {
		p.wg.Add(1)
		go p.healthCheckWorker()
	}

	for i := 0; i < p.cfg.WorkerThreadCount; i++ {
		p.wg.Add(1)
		go p.asyncWorker()
	}

	p.log.Info("pool initialized",
		logger.Int("initial_pool_size", p.cfg.InitialPoolSize),
		logger.Int("min_pool_size", p.cfg.MinPoolSize),
		logger.Int("max_pool_size", p.cfg.MaxPoolSize),
	)
	return nil
}

// Shutdown stops every background worker, drains and closes every idle
// handle, and clears the registry. It is idempotent: calling it twice
// is equivalent to calling it once. Leases already handed out are not
// revoked; releasing one after Shutdown simply closes it (§9
// Post-shutdown releases).
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.running = false
		close(p.stopCh)
		p.cond.Broadcast()
		ids := p.available
		p.available = nil
		handles := make([]*Handle, 0, len(ids))
		for _, id := range ids {
			if h, ok := p.registry[id]; ok {
				handles = append(handles, h)
				delete(p.registry, id)
			}
		}
		p.stats.addIdle(-int64(len(handles)))
		p.mu.Unlock()

		p.wg.Wait()

		for _, h := range handles {
			h.close()
		}

		p.mu.Lock()
		p.registry = make(map[int64]*Handle)
		p.mu.Unlock()

		p.log.Info("pool shut down")
	})
}

// Acquire blocks until a validated Handle becomes available or timeout
// elapses, whichever comes first. See spec §4.3.1 for the exact
// protocol; waiters are not strictly FIFO-ordered.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	p.stats.recordRequest()
	deadline := time.Now().Add(timeout)

	p.mu.Lock()

	for {
		if !p.running {
			p.mu.Unlock()
			return nil, ErrPoolNotRunning
		}

		if len(p.available) > 0 {
			id := p.available[0]
			p.available = p.available[1:]
			h := p.registry[id]
			p.mu.Unlock()

			p.stats.addIdle(-1)
			vctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
			ok := h.Validate(vctx, p.validatorFn(), time.Now())
			cancel()

			if ok {
				h.leased.Store(true)
				p.stats.addActive(1)
				p.stats.recordSuccess()
				return h, nil
			}

			p.log.Debug("discarding handle that failed validation on acquire", logger.Int64("handle_id", id))
			h.close()
			p.mu.Lock()
			delete(p.registry, id)
			continue
		}

		if len(p.registry)+p.creating < p.cfg.MaxPoolSize {
			p.creating++
			p.mu.Unlock()
			h, err := p.createConnection(ctx)
			p.mu.Lock()
			p.creating--
			if err != nil {
				p.log.Warn("could not expand pool on acquire", logger.Err(err))
				// fall through to wait; a freed slot may let a later
				// attempt succeed.
			} else if !p.running {
				p.mu.Unlock()
				h.close()
				return nil, ErrPoolNotRunning
			} else {
				p.registry[h.ID()] = h
				p.available = append(p.available, h.ID())
				p.stats.addIdle(1)
				p.cond.Signal()
				continue
			}
		}

		now := time.Now()
		if !now.Before(deadline) {
			p.mu.Unlock()
			p.stats.recordTimeout()
			return nil, ErrAcquireTimeout
		}
		p.waitWithDeadline(deadline)
	}
}

// waitWithDeadline blocks on p.cond until either a signal arrives or
// deadline passes, whichever is first. It must be called with p.mu
// held; sync.Cond has no native timed wait, so a timer goroutine
// broadcasts once the deadline elapses to unblock this waiter alongside
// any real signal.
func (p *Pool) waitWithDeadline(deadline time.Time) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	timer := time.AfterFunc(remaining, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()
	p.cond.Wait()
}

// Release returns a handle leased by Acquire back to the pool.
// Releasing nil, or a handle already released, is a no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	if !h.leased.CompareAndSwap(true, false) {
		return
	}

	p.stats.addActive(-1)

	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	if !running {
		h.close()
		return
	}

	vctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidationTimeout)
	ok := h.Validate(vctx, p.validatorFn(), time.Now())
	cancel()

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		h.close()
		return
	}
	if !ok {
		delete(p.registry, h.ID())
		p.mu.Unlock()
		h.close()
		return
	}
	p.available = append(p.available, h.ID())
	p.stats.addIdle(1)
	p.cond.Signal()
	p.mu.Unlock()
}

// createConnection obtains a new raw connection via the active
// Factory, retrying with backoff on failure (spec §4.3.3), wraps it in
// a Handle, and validates the handle once before returning it. A
// handle that fails its own post-creation validation is closed and
// counted as a failed creation, consuming one of the retry attempts.
func (p *Pool) createConnection(ctx context.Context) (*Handle, error) {
	var result *Handle
	b := newCreationBackoff(p.cfg.RetryDelay)

	operation := func() error {
		raw, err := p.factoryFn()(ctx)
		if err != nil {
			p.stats.recordFailedCreation()
			p.log.Warn("connection creation failed", logger.Err(err))
			return err
		}
		if err := raw.SetAutocommit(ctx, true); err != nil {
			raw.Close()
			p.stats.recordFailedCreation()
			return fmt.Errorf("set autocommit: %w", err)
		}

		id := p.nextID.Add(1)
		h := newHandle(id, raw, time.Now())

		vctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
		valid := h.Validate(vctx, p.validatorFn(), time.Now())
		cancel()
		if !valid {
			h.close()
			p.stats.recordFailedCreation()
			return fmt.Errorf("new connection failed post-creation validation")
		}

		p.stats.recordCreated()
		result = h
		return nil
	}

	err := backoff.Retry(operation, backoff.WithMaxRetries(b, uint64(p.cfg.MaxRetries)))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// IsHealthy reports whether the pool is running, holds at least one
// connection, and has a success rate above 80%.
func (p *Pool) IsHealthy() bool {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return false
	}
	snap := p.stats.snapshot()
	if snap.Active+snap.Idle <= 0 {
		return false
	}
	return snap.SuccessRate() > 0.80
}

// Stats returns a snapshot of the pool's counters/gauges. Each field is
// read atomically, but the fields are not read together under one lock,
// so the snapshot is only eventually consistent (see statistics).
func (p *Pool) Stats() Snapshot {
	return p.stats.snapshot()
}
