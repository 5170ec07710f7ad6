package app

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ServeMode runs the full service: webhook intake, user-order feed, REST
// order sync, intent reconciliation, and health reporting. It returns when
// the context is cancelled or any loop fails.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deps.Server.Run(ctx) })
	g.Go(func() error { return deps.OrderFeed.Run(ctx) })
	g.Go(func() error { return deps.OrderSync.Run(ctx) })
	g.Go(func() error { return deps.Reconciler.Run(ctx) })
	g.Go(func() error { return deps.Health.Run(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ReconcileMode runs a single reconciliation sweep and exits. Useful as a
// cron job or manual cleanup after an incident.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting one-shot reconciliation")

	marked, unresolved, err := deps.Reconciler.RunOnce(ctx, deps.Reconciler.Grace())
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "reconciliation complete",
		slog.Int("marked_failed", marked),
		slog.Int("unresolved", unresolved),
	)
	return nil
}
