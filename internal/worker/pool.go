package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"feedsync/internal/models"
	"feedsync/internal/telemetry"
)

// Executor runs one job to completion.
type Executor interface {
	Execute(ctx context.Context, job models.Job) error
}

// PoolConfig sizes the executor pool.
type PoolConfig struct {
	Core      int
	Max       int
	KeepAlive time.Duration
	// ScaleInterval is how often backlog is checked when no enqueue signal arrives.
	ScaleInterval time.Duration
}

func (c *PoolConfig) defaults() {
	if c.Core < 1 {
		c.Core = 1
	}
	if c.Max < c.Core {
		c.Max = c.Core
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = 100 * time.Millisecond
	}
}

// Pool runs Core executors permanently and adds elastic executors up to Max
// while the queue has backlog. Elastic executors retire after KeepAlive idle.
type Pool struct {
	queue *Queue
	exec  Executor
	cfg   PoolConfig
	log   *zap.Logger

	mu      sync.Mutex
	running int
	wg      sync.WaitGroup
}

func NewPool(queue *Queue, exec Executor, cfg PoolConfig, logger *zap.Logger) *Pool {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{queue: queue, exec: exec, cfg: cfg, log: logger}
}

// Run blocks until ctx is cancelled, then closes the queue and waits for
// every queued job to finish. Jobs are never cancelled mid-run.
func (p *Pool) Run(ctx context.Context) error {
	jobCtx := context.WithoutCancel(ctx)
	for i := 0; i < p.cfg.Core; i++ {
		p.spawn(jobCtx, false)
	}
	p.log.Info("worker pool started", zap.Int("core", p.cfg.Core), zap.Int("max", p.cfg.Max), zap.Int("capacity", p.queue.Cap()))

	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.queue.Close()
			p.wg.Wait()
			p.log.Info("worker pool drained")
			return nil
		case <-p.queue.signal:
			p.scale(jobCtx)
		case <-ticker.C:
			p.scale(jobCtx)
		}
	}
}

// Running returns the current executor count.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) scale(ctx context.Context) {
	backlog := p.queue.Len()
	p.mu.Lock()
	n := p.running
	p.mu.Unlock()
	for backlog > 0 && n < p.cfg.Max {
		p.spawn(ctx, true)
		backlog--
		n++
	}
}

func (p *Pool) spawn(ctx context.Context, elastic bool) {
	p.mu.Lock()
	p.running++
	telemetry.WorkersGauge.Set(float64(p.running))
	p.mu.Unlock()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.running--
			telemetry.WorkersGauge.Set(float64(p.running))
			p.mu.Unlock()
		}()
		if elastic {
			p.elasticLoop(ctx)
			return
		}
		for job := range p.queue.jobs() {
			p.run(ctx, job)
		}
	}()
}

func (p *Pool) elasticLoop(ctx context.Context) {
	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()
	for {
		select {
		case job, ok := <-p.queue.jobs():
			if !ok {
				return
			}
			p.run(ctx, job)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.KeepAlive)
		case <-idle.C:
			return
		}
	}
}

// run executes one job, logging its outbox id when dequeued and when done.
func (p *Pool) run(ctx context.Context, job models.Job) {
	telemetry.QueueDepthGauge.Set(float64(p.queue.Len()))
	log := p.log.With(zap.String("outbox_id", job.OutboxID), zap.String("type", job.Type))
	log.Info("job dequeued")
	start := time.Now()
	if err := p.exec.Execute(ctx, job); err != nil {
		log.Warn("job failed", zap.Duration("took", time.Since(start)), zap.Error(err))
		return
	}
	log.Info("job finished", zap.Duration("took", time.Since(start)))
}
