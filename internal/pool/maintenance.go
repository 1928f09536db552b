package pool

import (
	"context"
	"time"

	"github.com/catherinevee/dbpool/internal/logger"
)

const monitorInterval = 30 * time.Second

// monitorWorker runs remove_excess_connections then
// cleanup_idle_connections every 30s until the pool stops (spec
// §4.3.4, §4.3.5, §4.4).
func (p *Pool) monitorWorker() {
	defer p.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.removeExcessConnections()
			p.cleanupIdleConnections()
		case <-p.stopCh:
			return
		}
	}
}

// healthCheckWorker runs PerformHealthCheck on a fixed interval while
// the pool is running. Only started when EnableHealthCheck is set.
func (p *Pool) healthCheckWorker() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.PerformHealthCheck(context.Background())
		case <-p.stopCh:
			return
		}
	}
}

// removeExcessConnections closes idle handles whose time since last
// use exceeds IdleTimeout, but only while doing so leaves the pool at
// or above MinPoolSize.
func (p *Pool) removeExcessConnections() {
	p.mu.Lock()
	if len(p.available) <= p.cfg.MinPoolSize {
		p.mu.Unlock()
		return
	}

	now := time.Now()
	var kept []int64
	var toClose []*Handle
	for _, id := range p.available {
		h := p.registry[id]
		wouldLeave := len(p.registry) - 1
		if h.SecondsSinceLastUsed(now) > p.cfg.IdleTimeout.Seconds() && wouldLeave >= p.cfg.MinPoolSize {
			delete(p.registry, id)
			toClose = append(toClose, h)
		} else {
			kept = append(kept, id)
		}
	}
	p.available = kept
	p.stats.addIdle(-int64(len(toClose)))
	p.mu.Unlock()

	for _, h := range toClose {
		p.log.Debug("removing excess idle connection", logger.Int64("handle_id", h.ID()))
		h.close()
	}
}

// cleanupIdleConnections closes any idle handle whose lifetime exceeds
// MaxLifetime (unconditionally — MinPoolSize offers no protection
// against an aged-out connection) or whose idle time exceeds
// IdleTimeout.
func (p *Pool) cleanupIdleConnections() {
	p.mu.Lock()
	now := time.Now()
	var kept []int64
	var toClose []*Handle
	for _, id := range p.available {
		h := p.registry[id]
		switch {
		case h.SecondsSinceCreated(now) > p.cfg.MaxLifetime.Seconds():
			delete(p.registry, id)
			toClose = append(toClose, h)
		case h.SecondsSinceLastUsed(now) > p.cfg.IdleTimeout.Seconds():
			delete(p.registry, id)
			toClose = append(toClose, h)
		default:
			kept = append(kept, id)
		}
	}
	p.available = kept
	p.stats.addIdle(-int64(len(toClose)))
	p.mu.Unlock()

	for _, h := range toClose {
		p.log.Debug("closing aged-out or idle connection", logger.Int64("handle_id", h.ID()))
		h.close()
	}
}

// PerformHealthCheck validates every currently-tracked handle, idle or
// leased, without acquiring it. A leased handle is validated
// out-of-band: this is advisory (it only sets/clears the suspect flag)
// and never closes a handle a caller currently owns — the subsequent
// acquire/release validation is what actually decides eviction (see
// Design Notes on suspect-flag semantics). It returns the number of
// handles that validated successfully.
func (p *Pool) PerformHealthCheck(ctx context.Context) int {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.registry))
	for _, h := range p.registry {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	healthy := 0
	validator := p.validatorFn()
	for _, h := range handles {
		vctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
		ok := validator(vctx, h.raw)
		cancel()
		if ok {
			h.ClearSuspect()
			healthy++
		} else {
			h.MarkSuspect()
			p.stats.recordHealthCheckFailure()
			p.log.Warn("health check failed", logger.Int64("handle_id", h.ID()))
		}
	}
	p.stats.recordHealthCheckRun(time.Now())
	return healthy
}
