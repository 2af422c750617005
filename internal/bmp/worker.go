// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bmp

import (
	"context"
	"time"

	"github.com/spalloc/spallocd/internal/changeobserver"
	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/logging"
	"github.com/spalloc/spallocd/pkg/looper"
	"github.com/spalloc/spallocd/pkg/metrics"
	"github.com/spalloc/spallocd/pkg/pool"
	"github.com/spalloc/spallocd/pkg/retry"
)

// claimBatchSize bounds how many pending changes a worker claims in one
// pass, so one very busy BMP can't starve its own loop indefinitely.
const claimBatchSize = 32

// worker is the one-goroutine-per-BMP serialised processor spec.md §4.5
// requires: claims are processed strictly in FIFO id order, so operations
// on the same board — including a blacklist op interleaved with a power
// op — stay ordered without any extra bookkeeping.
type worker struct {
	key      store.BMPKey
	addr     string
	store    store.Store
	conns    *pool.BMPConnPool
	tx       Transceiver
	observer *changeobserver.Observer
	cfg      config.TransceiverConfig
	stateCfg config.StateControlConfig
	log      logging.Logger
	metrics  metrics.Collector

	powerPolicy retry.Policy
	fpgaPolicy  retry.Policy
	buildPolicy retry.Policy

	looper *looper.Looper
}

func newWorker(key store.BMPKey, addr string, st store.Store, conns *pool.BMPConnPool, tx Transceiver, observer *changeobserver.Observer, cfg config.TransceiverConfig, stateCfg config.StateControlConfig, log logging.Logger, collector metrics.Collector) *worker {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	w := &worker{
		key:         key,
		addr:        addr,
		store:       st,
		conns:       conns,
		tx:          tx,
		observer:    observer,
		cfg:         cfg,
		stateCfg:    stateCfg,
		log:         log,
		metrics:     collector,
		powerPolicy: retry.NewFixedDelay(cfg.PowerAttempts, 100*time.Millisecond),
		fpgaPolicy:  retry.NewFixedDelay(cfg.FPGAAttempts, 100*time.Millisecond),
		buildPolicy: retry.NewFixedDelay(cfg.BuildAttempts, 100*time.Millisecond),
	}
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	w.looper = looper.New(interval, w.processOnce, log)
	return w
}

func (w *worker) start(ctx context.Context) { w.looper.Start(ctx) }
func (w *worker) stop()                     { w.looper.Stop() }

// processOnce claims every claimable pending change for this BMP and
// processes it in order. A failure processing one change is recorded
// against that change alone and never aborts the batch — per-BMP failure
// isolation (spec.md §4.5.6).
func (w *worker) processOnce(ctx context.Context) error {
	claimed, err := w.store.ClaimPendingChanges(ctx, w.key, claimBatchSize)
	if err != nil {
		return err
	}

	for _, pc := range claimed {
		switch pc.Kind {
		case model.ChangePower:
			w.processPower(ctx, pc)
		case model.ChangeBlacklistRead, model.ChangeBlacklistWrite:
			w.processBlacklist(ctx, pc)
		}
	}
	return nil
}

func (w *worker) boardSlot(ctx context.Context, boardID int64) int {
	b, err := w.store.GetBoard(ctx, boardID)
	if err != nil {
		return 0
	}
	return b.Physical.Board
}

// processPower drives one board through the power-on bring-up sequence —
// power-on, FPGA link-init, bring-up verification, with a reload attempt
// on repeated bring-up failure — or a plain power-off.
func (w *worker) processPower(ctx context.Context, pc model.PendingChange) {
	start := time.Now()
	conn, err := w.conns.Get(ctx, w.addr)
	if err != nil {
		w.complete(ctx, pc, err)
		return
	}

	slot := w.boardSlot(ctx, pc.BoardID)

	if pc.Power == model.PowerOff {
		err = retry.Do(ctx, w.powerPolicy, func() error { return w.tx.SetPower(ctx, conn, slot, false) })
		w.metrics.RecordBMPOp("power_off", w.addr, time.Since(start), err)
		w.finishPower(ctx, pc, err)
		return
	}

	err = retry.Do(ctx, w.powerPolicy, func() error { return w.tx.SetPower(ctx, conn, slot, true) })
	if err == nil {
		err = retry.Do(ctx, w.fpgaPolicy, func() error { return w.tx.SetLinkInit(ctx, conn, slot, pc.LinkInit) })
	}
	if err == nil {
		err = retry.Do(ctx, w.buildPolicy, func() error { return w.tx.VerifyBringUp(ctx, conn, slot) })
		if err != nil && w.cfg.FPGAReload {
			w.metrics.RecordBMPOp("fpga_reload", w.addr, 0, nil)
			if reloadErr := w.tx.ReloadFPGA(ctx, conn, slot); reloadErr == nil {
				err = retry.Do(ctx, w.buildPolicy, func() error { return w.tx.VerifyBringUp(ctx, conn, slot) })
			}
		}
	}

	w.metrics.RecordBMPOp("power_on", w.addr, time.Since(start), err)
	w.finishPower(ctx, pc, err)
}

func (w *worker) finishPower(ctx context.Context, pc model.PendingChange, opErr error) {
	if opErr == nil {
		if err := w.store.SetBoardPower(ctx, pc.BoardID, pc.Power, time.Now()); err != nil {
			w.log.Warn("failed recording board power state", "board_id", pc.BoardID, "error", err)
		}
	}
	w.complete(ctx, pc, opErr)

	if err := w.observer.OnPowerChangeCompleted(ctx, pc.JobID); err != nil {
		w.log.Warn("change observer failed", "job_id", pc.JobID, "error", err)
	}
}

// processBlacklist is a single-board op; arriving via the same claimed
// batch as power ops on the same board already serialises it correctly.
func (w *worker) processBlacklist(ctx context.Context, pc model.PendingChange) {
	start := time.Now()
	conn, err := w.conns.Get(ctx, w.addr)
	slot := w.boardSlot(ctx, pc.BoardID)

	timeout := w.stateCfg.BlacklistTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op := "blacklist_read"
	result := pc.Blacklist
	if err == nil {
		switch pc.Kind {
		case model.ChangeBlacklistRead:
			result, err = w.tx.ReadBlacklist(opCtx, conn, slot)
		case model.ChangeBlacklistWrite:
			op = "blacklist_write"
			err = w.tx.WriteBlacklist(opCtx, conn, slot, pc.Blacklist)
		}
	}
	w.metrics.RecordBMPOp(op, w.addr, time.Since(start), err)

	if err == nil {
		pc.Blacklist = result
		if updErr := w.store.CompleteBlacklistChange(ctx, pc.ID, model.ChangeDone, "", result); updErr != nil {
			w.log.Warn("failed completing blacklist change", "change_id", pc.ID, "error", updErr)
		}
	} else {
		if updErr := w.store.CompleteBlacklistChange(ctx, pc.ID, model.ChangeFailed, err.Error(), pc.Blacklist); updErr != nil {
			w.log.Warn("failed completing blacklist change", "change_id", pc.ID, "error", updErr)
		}
	}

	w.observer.OnBlacklistChangeCompleted(ctx, pc)
}

func (w *worker) complete(ctx context.Context, pc model.PendingChange, opErr error) {
	status := model.ChangeDone
	msg := ""
	if opErr != nil {
		status = model.ChangeFailed
		msg = opErr.Error()
	}
	if err := w.store.CompletePendingChange(ctx, pc.ID, status, msg); err != nil {
		w.log.Warn("failed completing pending change", "change_id", pc.ID, "error", err)
	}
}
