// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bmp

import (
	"context"
	"sync"

	"github.com/spalloc/spallocd/internal/changeobserver"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/logging"
	"github.com/spalloc/spallocd/pkg/metrics"
	"github.com/spalloc/spallocd/pkg/pool"
)

// Controller owns one serialised worker per BMP. Workers never share a
// queue — per-BMP ordering is mandatory, so a shared work-stealing pool is
// forbidden (spec.md §4.5's concurrency note).
type Controller struct {
	store    store.Store
	observer *changeobserver.Observer
	tx       Transceiver
	conns    *pool.BMPConnPool
	cfg      config.TransceiverConfig
	stateCfg config.StateControlConfig
	log      logging.Logger
	metrics  metrics.Collector

	mu      sync.Mutex
	workers map[store.BMPKey]*worker
}

// New creates a Controller. Call Start to discover BMPs and spawn their
// workers.
func New(st store.Store, observer *changeobserver.Observer, tx Transceiver, cfg config.TransceiverConfig, stateCfg config.StateControlConfig, log logging.Logger) *Controller {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Controller{
		store:    st,
		observer: observer,
		tx:       tx,
		conns:    pool.NewBMPConnPool(pool.DefaultPoolConfig(), tx.Dial, log),
		cfg:      cfg,
		stateCfg: stateCfg,
		log:      log,
		metrics:  metrics.NoOpCollector{},
		workers:  make(map[store.BMPKey]*worker),
	}
}

// WithMetrics attaches a metrics collector every worker this Controller
// spawns will record BMP operations against. Must be called before Start
// or Rediscover first spawns a worker; returns c for chaining.
func (c *Controller) WithMetrics(m metrics.Collector) *Controller {
	if m != nil {
		c.metrics = m
	}
	return c
}

// Start discovers every BMP in the catalogue and spawns a worker for each.
// Newly loaded machines are picked up the next time Start (or Rediscover)
// runs; spallocd calls Rediscover after every machineload.Load.
func (c *Controller) Start(ctx context.Context) error {
	return c.Rediscover(ctx)
}

// Rediscover spawns a worker for any BMP in the catalogue that doesn't
// have one yet.
func (c *Controller) Rediscover(ctx context.Context) error {
	bmps, err := c.store.ListBMPs(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range bmps {
		key := store.BMPKey{MachineID: b.MachineID, Cabinet: b.Cabinet, Frame: b.Frame}
		if _, exists := c.workers[key]; exists {
			continue
		}
		w := newWorker(key, b.ManagementIP, c.store, c.conns, c.tx, c.observer, c.cfg, c.stateCfg, c.log, c.metrics)
		w.start(ctx)
		c.workers[key] = w
		c.log.Info("bmp worker started", "machine_id", b.MachineID, "cabinet", b.Cabinet, "frame", b.Frame)
	}
	return nil
}

// Stop halts every BMP worker and waits for them to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, w := range c.workers {
		w.stop()
	}
	_ = c.conns.Close()
}

// Tick runs one pass of every worker's claim-and-process cycle directly,
// bypassing the looper — used by tests and by an operator-triggered
// "drain now" admin action.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	workers := make([]*worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	for _, w := range workers {
		if err := w.processOnce(ctx); err != nil {
			c.log.Warn("bmp worker tick failed", "bmp", w.addr, "error", err)
		}
	}
	return nil
}
