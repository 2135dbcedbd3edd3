// Package runtime holds the small pieces of process lifecycle glue the
// CLI composition root needs: signal-driven cancellation and the tick
// driver that pumps every component's ProcessEvents once per period.
package runtime

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// SetupGracefulShutdown cancels ctx on SIGINT/SIGTERM.
func SetupGracefulShutdown(cancel context.CancelFunc, logger *log.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		logger.Printf("received signal: %v — shutting down...", s)
		cancel()
	}()
}

// Ticker drives a set of ProcessEvents-shaped callbacks at a fixed
// period until ctx is cancelled, matching the cooperative single-tick
// scheduling model described in spec.md §5.
type Ticker struct {
	Period  time.Duration
	Drivers []func()
}

// Run blocks until ctx is cancelled, invoking every driver in order on
// each tick.
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range t.Drivers {
				d()
			}
		}
	}
}
