// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package looper provides a ticker-driven periodic execution loop, used by
// the allocation engine's tick, the job expiry sweep, and each BMP worker's
// pending-change poll.
package looper

import (
	"context"
	"time"

	"github.com/spalloc/spallocd/pkg/logging"
)

// Func is a unit of periodic work. An error return is logged but does not
// stop the loop.
type Func func(ctx context.Context) error

// RunPeriodic runs fn once immediately and then every interval, until ctx
// is done. It blocks the calling goroutine; callers typically invoke it
// with `go looper.RunPeriodic(...)`.
func RunPeriodic(ctx context.Context, interval time.Duration, logger logging.Logger, fn Func) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	runOnce(ctx, logger, fn)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, logger, fn)
		}
	}
}

func runOnce(ctx context.Context, logger logging.Logger, fn Func) {
	if err := fn(ctx); err != nil {
		logger.Error("periodic loop iteration failed", "error", err)
	}
}

// Looper wraps RunPeriodic with explicit Start/Stop lifecycle control, for
// components that are constructed once and started/stopped alongside the
// daemon (the allocation engine's tick loop, the job expiry sweep, the BMP
// workers' polls).
type Looper struct {
	interval time.Duration
	fn       Func
	logger   logging.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Looper that will call fn every interval once Start is
// called.
func New(interval time.Duration, fn Func, logger logging.Logger) *Looper {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Looper{
		interval: interval,
		fn:       fn,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins the periodic loop in a background goroutine.
func (l *Looper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	go func() {
		defer close(l.done)
		RunPeriodic(ctx, l.interval, l.logger, l.fn)
	}()
}

// Stop cancels the loop and waits for it to exit.
func (l *Looper) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
}
