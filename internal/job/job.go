// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package job implements the job lifecycle state machine: creation,
// keepalive, destroy, and the periodic expiry sweep that destroys jobs
// whose owner has stopped sending keepalives.
package job

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/spalloc/spallocd/internal/changeobserver"
	"github.com/spalloc/spallocd/internal/epoch"
	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/pkg/config"
	apperrors "github.com/spalloc/spallocd/pkg/errors"
	"github.com/spalloc/spallocd/pkg/logging"
	"github.com/spalloc/spallocd/pkg/looper"
	"github.com/spalloc/spallocd/pkg/metrics"
)

// scpPort is the UDP port SCAMP listens on for the root-adjacent chips a
// submachine's connection triples name.
const scpPort = 17893

// Lifecycle owns job creation, keepalive, destroy, and the background
// expiry sweep.
type Lifecycle struct {
	store   store.Store
	epochs  *epoch.Manager
	cfg     config.KeepaliveConfig
	log     logging.Logger
	metrics metrics.Collector
	looper  *looper.Looper
}

// New creates a Lifecycle. Call Start to begin the expiry sweep.
func New(st store.Store, epochs *epoch.Manager, cfg config.KeepaliveConfig, log logging.Logger) *Lifecycle {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	l := &Lifecycle{store: st, epochs: epochs, cfg: cfg, log: log, metrics: metrics.NoOpCollector{}}
	l.looper = looper.New(cfg.ExpiryPeriod, l.SweepExpired, log)
	return l
}

// WithMetrics attaches a metrics collector job state transitions are
// recorded against. Returns l for chaining.
func (l *Lifecycle) WithMetrics(m metrics.Collector) *Lifecycle {
	if m != nil {
		l.metrics = m
	}
	return l
}

// Start begins the expiry sweep loop in a background goroutine.
func (l *Lifecycle) Start(ctx context.Context) { l.looper.Start(ctx) }

// Stop cancels the expiry sweep loop and waits for it to exit.
func (l *Lifecycle) Stop() { l.looper.Stop() }

// Create inserts a new job in QUEUED state. keepaliveInterval must lie
// within [cfg.Min, cfg.Max]; a caller supplying something outside that range
// gets a BadRequest rather than a silently adjusted lease.
func (l *Lifecycle) Create(ctx context.Context, owner string, req model.Request, keepaliveInterval time.Duration, host string) (int64, error) {
	if keepaliveInterval < l.cfg.Min || keepaliveInterval > l.cfg.Max {
		return 0, apperrors.NewBadRequest("keepalive interval %s outside allowed range [%s, %s]", keepaliveInterval, l.cfg.Min, l.cfg.Max)
	}

	now := time.Now()
	j := &model.Job{
		Owner:             owner,
		CreatedAt:         now,
		Handle:            uuid.NewString(),
		KeepaliveInterval: keepaliveInterval,
		LastKeepalive:     now,
		KeepaliveHost:     host,
		State:             model.JobQueued,
		Request:           req,
		MaxDeadBoards:     req.MaxDeadBoards,
	}
	if req.MachineTag != "" {
		j.Tags = []string{req.MachineTag}
	}

	id, err := l.store.CreateJob(ctx, j)
	if err != nil {
		return 0, err
	}
	l.epochs.Bump(epoch.Job)
	l.metrics.RecordJobStateTransition("queued")
	return id, nil
}

// Keepalive records a liveness ping from host, extending the job's lease.
// Per spec.md §4.6 this is rejected once the job is DESTROYED.
func (l *Lifecycle) Keepalive(ctx context.Context, jobID int64, host string) error {
	j, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State == model.JobDestroyed {
		return apperrors.NewConflict("job %d is destroyed", jobID)
	}

	j.LastKeepalive = time.Now()
	j.KeepaliveHost = host
	return l.store.UpdateJob(ctx, j)
}

// Destroy moves a job to DESTROYED: a QUEUED job simply drops its request,
// and a POWER or READY job gets a fresh power-off change enqueued for every
// board it holds. A POWER job's still-queued power-on changes are not
// cancelled; they stay queued ahead of the new power-off changes. Boards
// are released once the job's changes settle, via the change observer.
func (l *Lifecycle) Destroy(ctx context.Context, jobID int64, reason string) error {
	j, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State == model.JobDestroyed {
		return apperrors.NewConflict("job %d is already destroyed", jobID)
	}

	switch j.State {
	case model.JobQueued:
		if err := l.store.DeleteJobRequest(ctx, jobID); err != nil {
			return err
		}
	case model.JobPower, model.JobReady:
		// A POWER job may already have some power-on changes Done (the
		// board is live) and others still Queued; either way the board is
		// allocated_job-held until explicitly powered off, so every held
		// board needs a power-off queued rather than only the ones whose
		// power-on never ran.
		queued, err := changeobserver.QueuePowerOff(ctx, l.store, *j)
		if err != nil {
			return err
		}
		j.NumPending = queued
	}

	j.State = model.JobDestroyed
	j.DeathReason = reason
	j.DestroyedAt = time.Now()
	if err := l.store.UpdateJob(ctx, j); err != nil {
		return err
	}
	l.epochs.Bump(epoch.Job)
	l.metrics.RecordJobStateTransition("destroyed")
	return nil
}

// SweepExpired destroys every non-DESTROYED job whose keepalive has
// lapsed. It is the looper.Func driving the expiry sweep loop, and is
// also safe to call directly from tests.
func (l *Lifecycle) SweepExpired(ctx context.Context) error {
	jobs, err := l.store.ListJobs(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, j := range jobs {
		if j.State == model.JobDestroyed {
			continue
		}
		if now.Sub(j.LastKeepalive) <= j.KeepaliveInterval {
			continue
		}
		if err := l.Destroy(ctx, j.ID, "keepalive expired"); err != nil {
			l.log.Warn("failed destroying expired job", "job_id", j.ID, "error", err)
		}
	}
	return nil
}

// ConnectionTriple is one (board, IP, port) entry a submachine's owner can
// connect to, for a root-adjacent chip.
type ConnectionTriple struct {
	ChipX, ChipY int
	IP           string
	Port         int
}

// Submachine is the projection of an allocated job's boards an owner sees:
// its dimensions, board addresses, and the connection triples for the
// four chips adjacent to the allocation's root.
type Submachine struct {
	Width, Height, Depth int
	Boards               []model.Board
	Connections          []ConnectionTriple
}

// DescribeSubmachine builds the Submachine projection for an allocated
// job. Returns NotFound if the job has no root board yet (QUEUED, or
// POWER before its first board is committed).
func (l *Lifecycle) DescribeSubmachine(ctx context.Context, jobID int64) (*Submachine, error) {
	j, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.RootID == nil {
		return nil, apperrors.NewNotFound("submachine for job", jobID)
	}

	root, err := l.store.GetBoard(ctx, *j.RootID)
	if err != nil {
		return nil, err
	}

	machines, err := l.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	var machine *model.Machine
	for _, m := range machines {
		if m.ID == j.MachineID {
			machine = m
			break
		}
	}
	if machine == nil {
		return nil, apperrors.NewNotFound("machine", j.MachineID)
	}

	allBoards, err := l.store.ListBoards(ctx, j.MachineID)
	if err != nil {
		return nil, err
	}

	var boards []model.Board
	for _, b := range allBoards {
		if b.AllocatedJob != nil && *b.AllocatedJob == jobID {
			boards = append(boards, b)
		}
	}

	rootX, rootY, err := root.RootChip()
	if err != nil {
		return nil, err
	}
	maxX, maxY := machine.MaxChipX, machine.MaxChipY

	offsets := [4][2]int{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}
	conns := make([]ConnectionTriple, 0, len(offsets))
	for _, off := range offsets {
		x := wrapChip(rootX+off[0], maxX)
		y := wrapChip(rootY+off[1], maxY)
		conns = append(conns, ConnectionTriple{ChipX: x, ChipY: y, IP: root.IPAddress, Port: scpPort})
	}

	return &Submachine{
		Width:       j.Width,
		Height:      j.Height,
		Depth:       machine.Depth,
		Boards:      boards,
		Connections: conns,
	}, nil
}

func wrapChip(v, max int) int {
	if max < 0 {
		return v
	}
	v %= max + 1
	if v < 0 {
		v += max + 1
	}
	return v
}
