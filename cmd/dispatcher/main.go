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

	rt, err := app.Bootstrap(ctx, "dispatcher")
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	cfg := rt.Cfg

	if cfg.BrokerDriver == "loopback" {
		rt.Log.Fatal("loopback broker only works in-process; run cmd/worker, which embeds the dispatcher")
	}
	transport, err := rt.Transport()
	if err != nil {
		rt.Log.Fatal("broker", zap.Error(err))
	}

	dispatcher := rt.Dispatcher(transport)
	sched, err := rt.Scheduler(ctx, dispatcher)
	if err != nil {
		rt.Log.Fatal("scheduler", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return rt.ServeMetrics(gctx) })
	if cfg.DLQReprocessEnabled {
		reprocessor := broker.NewDLQReprocessor(transport, transport, cfg.JobsTopic, rt.Log.Named("dlq"))
		g.Go(func() error { return reprocessor.Run(gctx) })
	}

	rt.Log.Info("dispatcher started",
		zap.String("id", cfg.DispatcherID),
		zap.String("broker", cfg.BrokerDriver),
		zap.String("topic", cfg.JobsTopic))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		rt.Log.Error("dispatcher stopped", zap.Error(err))
	}
}
