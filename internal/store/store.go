// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package store defines the catalogue storage interface the allocation
// engine, BMP controller, job lifecycle and machine loader operate
// through, and the shared result/request types those operations return.
// Two implementations exist: boltstore (durable, bbolt-backed) and
// memstore (in-memory, used by tests and when db.path is empty).
package store

import (
	"context"
	"time"

	"github.com/spalloc/spallocd/internal/model"
)

// InsertOutcome distinguishes a fresh insert from a no-op on an
// already-present row, so callers like the machine loader never need to
// catch a duplicate-key error to detect "already done".
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Skipped
)

// InsertResult is returned by every insert-with-generated-id operation.
type InsertResult struct {
	ID      int64
	Outcome InsertOutcome
}

// PendingRequest is a queued job_request row joined to its owning job, as
// returned to the allocation engine on each tick.
type PendingRequest struct {
	Job     model.Job
	Request model.Request
	// Importance is the priority_scale-aged value the allocator last
	// computed; it persists across ticks so aging accumulates.
	Importance float64
}

// BMPKey addresses one BMP's pending-change queue.
type BMPKey struct {
	MachineID     int64
	Cabinet       int
	Frame         int
}

// Store is the catalogue's full operation surface. Every method is
// transactional: a single call either fully applies or has no effect.
type Store interface {
	Name() string
	Close() error

	// Machine catalogue, inserted in the order machineload.Load uses:
	// machine, tags, BMPs, boards, links.
	InsertMachine(ctx context.Context, m *model.Machine) (InsertResult, error)
	InsertTag(ctx context.Context, machineID int64, tag string) (InsertResult, error)
	InsertBMP(ctx context.Context, b model.BMP) (InsertResult, error)
	InsertBoard(ctx context.Context, b model.Board) (InsertResult, error)
	InsertLink(ctx context.Context, l model.Link) (InsertResult, error)

	GetMachine(ctx context.Context, name string) (*model.Machine, error)
	ListMachines(ctx context.Context) ([]*model.Machine, error)
	DeleteMachine(ctx context.Context, name string) error

	// Board lookups and mutation.
	FindBoard(ctx context.Context, sel model.BoardSelector) (*model.Board, error)
	GetBoard(ctx context.Context, id int64) (*model.Board, error)
	ListBoards(ctx context.Context, machineID int64) ([]model.Board, error)
	// ListAllocationCandidates returns a machine's boards ordered lowest-y,
	// then lowest-x, then lowest-z, for the rectangle/number-of-boards
	// search. A board's state does not affect its place in the order.
	ListAllocationCandidates(ctx context.Context, machineID int64) ([]model.Board, error)
	SetBoardAllocatedJob(ctx context.Context, boardID int64, jobID *int64) error
	SetBoardFunctioning(ctx context.Context, boardID int64, functioning bool) error
	SetBoardMayAllocate(ctx context.Context, boardID int64, mayAllocate bool) error
	// SetBoardComment records an operator note against a board, set by
	// spallocctl alongside disabling it so operators can record why.
	SetBoardComment(ctx context.Context, boardID int64, comment string) error
	SetBoardPower(ctx context.Context, boardID int64, power model.PowerState, at time.Time) error

	// Job lifecycle.
	CreateJob(ctx context.Context, job *model.Job) (int64, error)
	GetJob(ctx context.Context, id int64) (*model.Job, error)
	ListJobs(ctx context.Context) ([]model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	DeleteJob(ctx context.Context, id int64) error
	ListPendingRequests(ctx context.Context) ([]PendingRequest, error)
	SaveRequestImportance(ctx context.Context, jobID int64, importance float64) error
	DeleteJobRequest(ctx context.Context, jobID int64) error

	// Pending hardware changes.
	AppendPendingChange(ctx context.Context, pc model.PendingChange) (int64, error)
	ClaimPendingChanges(ctx context.Context, key BMPKey, limit int) ([]model.PendingChange, error)
	CompletePendingChange(ctx context.Context, id int64, status model.ChangeStatus, errMsg string) error
	// CompleteBlacklistChange settles a blacklist read/write the same way
	// CompletePendingChange does, additionally writing result back into the
	// change's Blacklist field — the read's payload, for callers that
	// fetch it back out through the pending change row.
	CompleteBlacklistChange(ctx context.Context, id int64, status model.ChangeStatus, errMsg, result string) error
	CountPendingChanges(ctx context.Context, jobID int64) (int, error)
	// JobChangeStatus reports how many of a job's pending changes have not
	// yet settled (queued or in-flight) and whether any settled change
	// failed, for the change observer's done/ready-or-destroyed decision.
	JobChangeStatus(ctx context.Context, jobID int64) (remaining int, anyFailed bool, err error)

	// ListBMPs enumerates every BMP across all machines, for the BMP
	// controller to spawn one worker per.
	ListBMPs(ctx context.Context) ([]model.BMP, error)
}
