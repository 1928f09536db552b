// Command dbpool-demo exercises the pool against a scratch SQLite
// database: a basic lease/release, a burst of concurrent workers
// contending for a small pool, and a forced health check — mirroring
// the walkthroughs a caller would run against a real MySQL deployment.
package main

import (
	"context"
	"flag"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/catherinevee/dbpool/internal/config"
	"github.com/catherinevee/dbpool/internal/logger"
	"github.com/catherinevee/dbpool/internal/pool"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML pool config (defaults used if absent)")
	dbFile := flag.String("db", "dbpool-demo.sqlite3", "sqlite3 file backing the demo pool")
	workers := flag.Int("workers", 10, "number of concurrent workers in the burst example")
	opsPerWorker := flag.Int("ops", 20, "acquire/release operations per worker")
	flag.Parse()

	logger.Initialize(logger.Config{Level: "info", Format: "console", Output: os.Stdout})
	log := logger.New("demo")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", logger.Err(err))
		os.Exit(1)
	}
	cfg.Database = *dbFile

	driver := pool.SQLDriver{
		DriverName: "sqlite3",
		DSN: func(endpoint, username, password string) string {
			return *dbFile
		},
	}

	p, err := pool.New(cfg, driver)
	if err != nil {
		log.Error("failed to construct pool", logger.Err(err))
		os.Exit(1)
	}

	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		log.Error("failed to initialize pool", logger.Err(err))
		os.Exit(1)
	}
	defer p.Shutdown()

	runBasicExample(p, log)
	runConcurrentExample(p, log, *workers, *opsPerWorker)
	runAsyncExample(p, log)

	snap := p.Stats()
	log.Info("final pool stats",
		logger.Int64("total_created", int64(snap.TotalConnectionsCreated)),
		logger.Int64("active", snap.Active),
		logger.Int64("idle", snap.Idle),
		logger.Int64("total_requests", int64(snap.TotalRequests)),
		logger.Int64("successful_requests", int64(snap.SuccessfulRequests)),
	)

	healthy := p.PerformHealthCheck(ctx)
	log.Info("forced health check complete", logger.Int("healthy_connections", healthy))
	log.Info("pool health", logger.Bool("healthy", p.IsHealthy()))
}

func runBasicExample(p *pool.Pool, log logger.Logger) {
	log.Info("=== basic usage ===")
	h, err := p.Acquire(context.Background(), 5*time.Second)
	if err != nil {
		log.Error("acquire failed", logger.Err(err))
		return
	}
	log.Info("acquired connection", logger.Int64("handle_id", h.ID()))
	p.Release(h)
	log.Info("connection released")
}

func runConcurrentExample(p *pool.Pool, log logger.Logger, workers, opsPerWorker int) {
	log.Info("=== concurrent usage ===", logger.Int("workers", workers), logger.Int("ops_per_worker", opsPerWorker))

	var completed, failed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerWorker; j++ {
				h, err := p.Acquire(context.Background(), 5*time.Second)
				if err != nil {
					failed.Add(1)
					continue
				}
				time.Sleep(time.Duration(50+(id%3)*25) * time.Millisecond)
				completed.Add(1)
				p.Release(h)
			}
		}(i)
	}
	wg.Wait()

	log.Info("concurrent operations complete",
		logger.Int64("completed", completed.Load()),
		logger.Int64("failed", failed.Load()),
	)
}

func runAsyncExample(p *pool.Pool, log logger.Logger) {
	log.Info("=== async usage ===")
	const n = 5
	var remaining atomic.Int64
	remaining.Store(n)
	done := make(chan struct{})

	for i := 0; i < n; i++ {
		i := i
		err := p.AcquireAsync(context.Background(), 3*time.Second, func(res pool.AsyncResult) {
			if res.Err != nil {
				log.Warn("async acquire failed", logger.Int("op", i), logger.Err(res.Err))
			} else {
				log.Info("async acquire completed", logger.Int("op", i), logger.Int64("handle_id", res.Handle.ID()))
				p.Release(res.Handle)
			}
			if remaining.Add(-1) == 0 {
				close(done)
			}
		})
		if err != nil {
			log.Warn("failed to enqueue async acquire", logger.Int("op", i), logger.Err(err))
			if remaining.Add(-1) == 0 {
				close(done)
			}
		}
	}

	select {
	case <-done:
		log.Info("all async operations completed")
	case <-time.After(10 * time.Second):
		log.Warn("timed out waiting for async operations")
	}
}
