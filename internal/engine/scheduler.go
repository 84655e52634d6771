package engine

import (
	"context"
	"time"
)

// Run drives the world at the configured cadence until ctx is canceled.
// Call in a goroutine. Tests drive Tick directly with a controlled clock
// instead of running the scheduler.
func (w *World) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	w.Logger.Printf("world scheduler started, tick every %s", w.tickInterval)
	for {
		select {
		case <-ctx.Done():
			w.Logger.Printf("world scheduler stopped")
			return
		case <-ticker.C:
			w.Tick(w.now())
		}
	}
}
