// Package app wires the shared runtime of the feedsync binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"feedsync/internal/api"
	"feedsync/internal/broker"
	"feedsync/internal/config"
	"feedsync/internal/ingest"
	"feedsync/internal/logging"
	"feedsync/internal/models"
	"feedsync/internal/objectstore"
	"feedsync/internal/outbox"
	"feedsync/internal/projection"
	"feedsync/internal/ratelimit"
	"feedsync/internal/scheduler"
	"feedsync/internal/store"
	"feedsync/internal/store/memstore"
	"feedsync/internal/telemetry"
	"feedsync/internal/worker"
)

// Store is implemented by both the Postgres store and memstore.
type Store interface {
	outbox.Store
	ingest.Store
	api.Store
	projection.Records
}

// Runtime holds the process-wide dependencies.
type Runtime struct {
	Cfg       config.Config
	Log       *zap.Logger
	Store     Store
	Redis     redis.UniversalClient
	transport broker.Transport
	closers   []func(context.Context)
}

// Bootstrap loads .env and configuration and opens the store and Redis.
func Bootstrap(ctx context.Context, service string) (*Runtime, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := config.Load()
	if cfg.ServiceName == "feedsync" {
		cfg.ServiceName = "feedsync-" + service
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt := &Runtime{Cfg: cfg, Log: logger}
	rt.closers = append(rt.closers, func(context.Context) { _ = logger.Sync() })

	tracing, err := telemetry.InitTracing(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	rt.closers = append(rt.closers, func(ctx context.Context) { _ = tracing.Shutdown(ctx) })

	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; state is lost on exit")
		rt.Store = memstore.New()
	case "postgres":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		rt.Store = st
		rt.closers = append(rt.closers, func(context.Context) { st.Close() })
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	rt.Redis = rdb
	rt.closers = append(rt.closers, func(context.Context) { _ = rdb.Close() })
	return rt, nil
}

// Close releases everything in reverse order of acquisition.
func (rt *Runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i](ctx)
	}
}

// Transport returns the configured broker transport, created once.
func (rt *Runtime) Transport() (broker.Transport, error) {
	if rt.transport != nil {
		return rt.transport, nil
	}
	t, err := broker.New(rt.Cfg, rt.Redis, rt.Log.Named("broker"))
	if err != nil {
		return nil, err
	}
	rt.transport = t
	rt.closers = append(rt.closers, func(context.Context) { _ = t.Close() })
	return t, nil
}

// Dispatcher builds an outbox dispatcher publishing through a circuit breaker.
func (rt *Runtime) Dispatcher(pub broker.Publisher) *outbox.Dispatcher {
	cfg := rt.Cfg
	breaker := broker.NewBreakerPublisher(pub, uint32(cfg.BreakerMaxFailures), cfg.BreakerOpenTimeout, rt.Log.Named("breaker"))
	var opts []outbox.Option
	if cfg.RateLimitEnabled {
		opts = append(opts, outbox.WithThrottle(ratelimit.NewTokenBucket(rt.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)))
	}
	return outbox.NewDispatcher(rt.Store, breaker, outbox.Config{
		Topic:          cfg.JobsTopic,
		ClaimerID:      cfg.DispatcherID,
		BatchSize:      cfg.DispatchBatchSize,
		PublishTimeout: cfg.PublishTimeout,
		StaleAfter:     cfg.StaleAfter,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, rt.Log.Named("dispatcher"), opts...)
}

// Triggers opens the configured trigger source.
func (rt *Runtime) Triggers(ctx context.Context, defaults []models.TriggerDescriptor) (scheduler.TriggerStore, error) {
	switch rt.Cfg.TriggerSource {
	case "redis":
		src := scheduler.NewRedisSource(rt.Redis)
		if len(defaults) > 0 {
			n, err := src.Seed(ctx, defaults)
			if err != nil {
				return nil, fmt.Errorf("seed triggers: %w", err)
			}
			if n > 0 {
				rt.Log.Info("seeded trigger descriptors", zap.Int("count", n))
			}
		}
		return src, nil
	case "file":
		src, err := scheduler.NewFileSource(rt.Cfg.TriggerFile, rt.Log.Named("triggers"))
		if err != nil {
			return nil, err
		}
		src.Watch()
		return src, nil
	case "static":
		return scheduler.NewStaticSource(defaults...), nil
	default:
		return nil, fmt.Errorf("unknown trigger source %q", rt.Cfg.TriggerSource)
	}
}

// Scheduler builds the dispatcher-side scheduler with the built-in jobs and
// one pull job per configured feed source.
func (rt *Runtime) Scheduler(ctx context.Context, d *outbox.Dispatcher) (*scheduler.Scheduler, error) {
	feeds, err := scheduler.ParseFeedSources(rt.Cfg.FeedSources)
	if err != nil {
		return nil, err
	}
	tasks := map[string]scheduler.Task{
		scheduler.JobDispatch: scheduler.DispatchTask(d),
		scheduler.JobReap:     scheduler.ReapTask(d),
	}
	for _, f := range feeds {
		tasks[scheduler.FeedPullJobID(f.FeedType)] = scheduler.FeedPullTask(rt.Store, f, nil)
	}
	src, err := rt.Triggers(ctx, scheduler.Defaults(rt.Cfg.DispatchSchedule, rt.Cfg.ReapSchedule, feeds))
	if err != nil {
		return nil, err
	}
	opts := []scheduler.Option{scheduler.WithRefresh(rt.Cfg.TriggerRefresh)}
	if rt.Cfg.SchedulerLock {
		opts = append(opts, scheduler.WithLocker(scheduler.NewRedisLocker(rt.Redis, rt.Log.Named("lock")), 30*time.Second))
	}
	return scheduler.New(tasks, src, rt.Log.Named("scheduler"), opts...), nil
}

// Worker builds the queue, pool and processor with the ingestion handler.
func (rt *Runtime) Worker(ctx context.Context) (*worker.Queue, *worker.Pool) {
	var opts []ingest.Option
	loader, err := objectstore.New(ctx, rt.Cfg)
	if err != nil {
		rt.Log.Warn("object store unavailable; sourceUri feeds will fail", zap.Error(err))
	} else {
		opts = append(opts, ingest.WithLoader(loader))
	}
	opts = append(opts, ingest.WithEvicter(rt.OrgTree()))
	pipeline := ingest.NewPipeline(rt.Store, rt.Log.Named("ingest"), opts...)

	processor := worker.NewProcessor(rt.Log.Named("processor"))
	processor.RegisterHandler(models.JobTypeFeedIngest, pipeline.Handle)

	queue := worker.NewQueue(rt.Cfg.QueueCapacity)
	pool := worker.NewPool(queue, processor, worker.PoolConfig{
		Core:      rt.Cfg.WorkerCore,
		Max:       rt.Cfg.WorkerMax,
		KeepAlive: rt.Cfg.WorkerKeepAlive,
	}, rt.Log.Named("pool"))
	return queue, pool
}

// OrgTree returns the Redis-cached organization projection.
func (rt *Runtime) OrgTree() *projection.OrgTree {
	return projection.NewOrgTree(rt.Redis, rt.Store, rt.Cfg.OrgTreeCacheTTL, rt.Log.Named("projection"))
}

// Serve runs srv until ctx is done, then shuts it down within the grace period.
func (rt *Runtime) Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		rt.Log.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.Cfg.ShutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ServeMetrics exposes /metrics on MetricsAddr.
func (rt *Runtime) ServeMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	return rt.Serve(ctx, &http.Server{Addr: rt.Cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
}
