package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"qrattend/internal/app"
	"qrattend/internal/config"
	"qrattend/internal/logger"
	"qrattend/internal/qr"
)

// Worker drains attendance reconcile jobs and retires overdue QR tokens.
func main() {
	cfg := config.Load()

	zl, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		zl.Warn("memory queue is local to this process; the API will not feed this worker")
	}

	a, err := app.Build(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("worker init failed", zap.Error(err))
	}
	defer a.Close()

	go sweepExpired(ctx, a.Service, cfg.ExpirySweepInterval, logger.WithComponent(zl, "sweeper"))

	zl.Info("worker started", zap.String("queue", cfg.QueueBackend))
	if err := a.Reconciler.Run(ctx); err != nil {
		zl.Error("reconciler stopped", zap.Error(err))
	}
	zl.Info("worker stopped")
}

func sweepExpired(ctx context.Context, svc *qr.Service, every time.Duration, zl *zap.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.ExpireOverdue(ctx); err != nil {
				zl.Warn("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
