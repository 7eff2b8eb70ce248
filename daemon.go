package main

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fluxdnsd/metrics"
)

// daemon runs one loop per application until ctx is done.
func daemon(ctx context.Context, conf config, apps []*appReconciler, wakeups *WakeupManager, m *metrics.Metrics, log *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	wake := make([]<-chan struct{}, len(apps))
	if wakeups != nil {
		for i, app := range apps {
			wake[i] = wakeups.Register(app.app.Name)
		}
		addr, err := wakeups.Listen(ctx)
		if err != nil {
			return err
		}
		log.Info("Listening for wakeups", zap.Stringer("addr", addr))
	}

	for i, app := range apps {
		g.Go(func() error {
			appLoop(ctx, app, conf.interval, wake[i])
			return nil
		})
	}

	if conf.listenAddress != "" {
		g.Go(func() error {
			return m.Serve(ctx, conf.listenAddress, log)
		})
	}

	return g.Wait()
}

// appLoop runs a pass right away, then on every tick and wakeup. Passes
// of one application never overlap.
func appLoop(ctx context.Context, app *appReconciler, interval time.Duration, wake <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		app.runAndReport(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// runOnce runs a single pass for every application concurrently and
// reports how many ended fatally.
func runOnce(ctx context.Context, apps []*appReconciler) int {
	results := make([]passResult, len(apps))
	var g errgroup.Group
	for i, app := range apps {
		g.Go(func() error {
			results[i] = app.runAndReport(ctx)
			return nil
		})
	}
	g.Wait()

	fatal := 0
	for _, res := range results {
		if res.status == passFatal {
			fatal++
		}
	}
	return fatal
}
