package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"feedsync/internal/api"
	"feedsync/internal/app"
	"feedsync/internal/broker"
	"feedsync/internal/ratelimit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Bootstrap(ctx, "api")
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	cfg := rt.Cfg

	opts := []api.Option{api.WithOrgTree(rt.OrgTree())}
	if triggers, err := rt.Triggers(ctx, nil); err != nil {
		rt.Log.Warn("trigger endpoints disabled", zap.Error(err))
	} else {
		opts = append(opts, api.WithTriggers(triggers))
	}
	if cfg.BrokerDriver == "redis" {
		t, err := rt.Transport()
		if err != nil {
			rt.Log.Fatal("broker", zap.Error(err))
		}
		if insp, ok := t.(broker.Inspector); ok {
			opts = append(opts, api.WithDLQ(insp, cfg.JobsTopic))
		}
	}
	if cfg.RateLimitEnabled {
		opts = append(opts, api.WithLimiter(ratelimit.NewTokenBucket(rt.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)))
	}

	server := api.New(rt.Store, rt.Log.Named("api"), opts...)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := rt.Serve(ctx, httpServer); err != nil {
		rt.Log.Error("api server stopped", zap.Error(err))
	}
}
