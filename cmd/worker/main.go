package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"feedsync/internal/app"
	"feedsync/internal/broker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Bootstrap(ctx, "worker")
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	cfg := rt.Cfg

	transport, err := rt.Transport()
	if err != nil {
		rt.Log.Fatal("broker", zap.Error(err))
	}
	queue, pool := rt.Worker(ctx)
	bridge := broker.NewBridge(queue, rt.Log.Named("bridge"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return transport.Subscribe(gctx, cfg.JobsTopic, bridge.Handler()) })
	g.Go(func() error { return rt.ServeMetrics(gctx) })

	if cfg.BrokerDriver == "loopback" {
		// the loopback broker only reaches subscribers in this process
		sched, err := rt.Scheduler(ctx, rt.Dispatcher(transport))
		if err != nil {
			rt.Log.Fatal("scheduler", zap.Error(err))
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	rt.Log.Info("worker started",
		zap.String("broker", cfg.BrokerDriver),
		zap.Int("core", cfg.WorkerCore),
		zap.Int("max", cfg.WorkerMax),
		zap.Int("queue_capacity", cfg.QueueCapacity))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		rt.Log.Error("worker stopped", zap.Error(err))
	}
}
