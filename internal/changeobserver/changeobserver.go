// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package changeobserver merges BMP controller completion into job state
// transitions and epoch notifications. It is deliberately thin: the BMP
// controller calls into it directly from each pending change's completion
// path rather than running its own poll loop, per spec.md §4.6's note that
// the observer "may be merged into BMP workers' completion paths".
package changeobserver

import (
	"context"
	"time"

	"github.com/spalloc/spallocd/internal/epoch"
	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/pkg/logging"
	"github.com/spalloc/spallocd/pkg/metrics"
)

// Observer reacts to a job's pending changes settling, advancing its state
// machine and bumping the epoch counters callers of waitForChange block on.
type Observer struct {
	store   store.Store
	epochs  *epoch.Manager
	log     logging.Logger
	metrics metrics.Collector
}

// New creates an Observer.
func New(st store.Store, epochs *epoch.Manager, log logging.Logger) *Observer {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Observer{store: st, epochs: epochs, log: log, metrics: metrics.NoOpCollector{}}
}

// WithMetrics attaches a metrics collector job-ready/job-destroyed
// transitions settling here are recorded against. Returns o for chaining.
func (o *Observer) WithMetrics(m metrics.Collector) *Observer {
	if m != nil {
		o.metrics = m
	}
	return o
}

// OnPowerChangeCompleted is called once a ChangePower pending change has
// been marked done or failed. It checks whether the job's pending changes
// have all settled, and if so advances the job's state: POWER -> READY on
// full success, POWER -> DESTROYED (with power-off enqueued) on any
// failure, or — for a job already DESTROYED whose power-off changes have
// just settled — releases its boards.
func (o *Observer) OnPowerChangeCompleted(ctx context.Context, jobID int64) error {
	remaining, anyFailed, err := o.store.JobChangeStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.State {
	case model.JobPower:
		if anyFailed {
			return o.failAndDestroy(ctx, job)
		}
		job.State = model.JobReady
		job.NumPending = 0
		if err := o.store.UpdateJob(ctx, job); err != nil {
			return err
		}
		o.epochs.Bump(epoch.Job)
		o.metrics.RecordJobStateTransition("ready")
		return nil

	case model.JobDestroyed:
		return o.releaseBoards(ctx, job)

	default:
		return nil
	}
}

// OnBlacklistChangeCompleted bumps the blacklist epoch after a
// ChangeBlacklistRead/ChangeBlacklistWrite pending change settles.
// Blacklist operations never drive job state.
func (o *Observer) OnBlacklistChangeCompleted(ctx context.Context, pc model.PendingChange) {
	o.epochs.Bump(epoch.Blacklist)
}

// failAndDestroy transitions a POWER job to DESTROYED after a hardware
// failure, and enqueues power-off for every board it still holds.
func (o *Observer) failAndDestroy(ctx context.Context, job *model.Job) error {
	job.State = model.JobDestroyed
	job.DeathReason = "hardware: a pending change failed after its retry budget was exhausted"
	job.DestroyedAt = time.Now()

	queued, err := QueuePowerOff(ctx, o.store, *job)
	if err != nil {
		return err
	}
	job.NumPending = queued

	if err := o.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	o.epochs.Bump(epoch.Job)
	o.epochs.Bump(epoch.Machine)
	o.metrics.RecordJobStateTransition("destroyed")
	return nil
}

// releaseBoards clears allocated_job on every board still held by a
// DESTROYED job, once its power-off changes have settled.
func (o *Observer) releaseBoards(ctx context.Context, job *model.Job) error {
	boards, err := o.store.ListBoards(ctx, job.MachineID)
	if err != nil {
		return err
	}

	released := false
	for _, b := range boards {
		if b.AllocatedJob == nil || *b.AllocatedJob != job.ID {
			continue
		}
		if err := o.store.SetBoardAllocatedJob(ctx, b.ID, nil); err != nil {
			return err
		}
		released = true
	}
	if released {
		o.epochs.Bump(epoch.Machine)
	}
	return nil
}

// QueuePowerOff enqueues a fresh power-off pending change for every board
// job currently holds, returning the number queued. Used both by the
// change observer (a POWER job failing hardware bring-up) and by job
// destroy/expiry handling for a POWER or READY job.
func QueuePowerOff(ctx context.Context, st store.Store, job model.Job) (int, error) {
	boards, err := st.ListBoards(ctx, job.MachineID)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, b := range boards {
		if b.AllocatedJob == nil || *b.AllocatedJob != job.ID {
			continue
		}
		if _, err := st.AppendPendingChange(ctx, model.PendingChange{
			JobID:   job.ID,
			BoardID: b.ID,
			Power:   model.PowerOff,
			Kind:    model.ChangePower,
			Status:  model.ChangeQueued,
		}); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}
