// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package alloc implements spallocd's allocation engine: the periodic tick
// that ages queued job requests by importance, selects a window of the
// most important ones, and tries to place each against its target
// machine's current board state.
package alloc

import (
	"context"
	"sort"

	"github.com/spalloc/spallocd/internal/epoch"
	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/internal/topology"
	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/logging"
	"github.com/spalloc/spallocd/pkg/looper"
	"github.com/spalloc/spallocd/pkg/metrics"
)

// Engine runs the periodic allocation tick against a Store.
type Engine struct {
	store   store.Store
	epochs  *epoch.Manager
	cfg     config.AllocatorConfig
	log     logging.Logger
	metrics metrics.Collector
	looper  *looper.Looper
}

// New creates an allocation Engine. Call Start to begin its tick loop.
func New(st store.Store, epochs *epoch.Manager, cfg config.AllocatorConfig, log logging.Logger) *Engine {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	e := &Engine{store: st, epochs: epochs, cfg: cfg, log: log, metrics: metrics.NoOpCollector{}}
	e.looper = looper.New(cfg.Period, e.Tick, log)
	return e
}

// WithMetrics attaches a metrics collector the tick loop records
// allocation attempts and queue depth against. Returns e for chaining.
func (e *Engine) WithMetrics(m metrics.Collector) *Engine {
	if m != nil {
		e.metrics = m
	}
	return e
}

// Start begins the tick loop in a background goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.looper.Start(ctx)
}

// Stop cancels the tick loop and waits for it to exit.
func (e *Engine) Stop() {
	e.looper.Stop()
}

// priorityScaleFor returns the per-tick importance accrual rate for a
// request's shape.
func (e *Engine) priorityScaleFor(kind model.RequestKind) float64 {
	switch kind {
	case model.RequestSpecificBoard:
		return e.cfg.PriorityScale.SpecificBoard
	case model.RequestRectangle:
		return e.cfg.PriorityScale.Dimensions
	default:
		return e.cfg.PriorityScale.Size
	}
}

// Tick ages every pending request's importance, selects the window of
// requests within ImportanceSpan of the most important one, and attempts
// to place each in descending-importance order, ties broken by ascending
// job ID. It is the looper.Func driving the
// engine's periodic loop, and is also safe to call directly from tests.
func (e *Engine) Tick(ctx context.Context) error {
	pending, err := e.store.ListPendingRequests(ctx)
	if err != nil {
		return err
	}
	e.metrics.SetQueueDepth(int64(len(pending)))
	if len(pending) == 0 {
		return nil
	}

	for i := range pending {
		pending[i].Importance += e.priorityScaleFor(pending[i].Request.Kind)
	}

	// Cap each request's importance so the spread between the most and
	// least important pending request never exceeds ImportanceSpan —
	// otherwise a request that can never be placed ages without bound.
	if span := e.cfg.ImportanceSpan; span > 0 {
		min := pending[0].Importance
		for _, pr := range pending[1:] {
			if pr.Importance < min {
				min = pr.Importance
			}
		}
		cap := min + float64(span)
		for i := range pending {
			if pending[i].Importance > cap {
				pending[i].Importance = cap
			}
		}
	}

	for i := range pending {
		if err := e.store.SaveRequestImportance(ctx, pending[i].Job.ID, pending[i].Importance); err != nil {
			return err
		}
	}

	window := selectWindow(pending, e.cfg.ImportanceSpan)

	machines := make(map[string]*model.Machine)
	allocated := false
	for _, pr := range window {
		m, err := e.machineFor(ctx, machines, pr)
		if err != nil {
			e.log.Warn("allocation candidate machine unavailable", "job", pr.Job.ID, "error", err)
			continue
		}
		if m == nil {
			continue
		}

		ok, err := e.tryPlace(ctx, m, pr)
		if err != nil {
			return err
		}
		if ok {
			allocated = true
			e.metrics.RecordAllocationAttempt("succeeded")
		} else {
			e.metrics.RecordAllocationAttempt("deferred")
		}
	}

	if allocated {
		e.epochs.Bump(epoch.Job)
		e.epochs.Bump(epoch.Machine)
	}
	return nil
}

// machineFor chooses the target machine matching pr.Request's tag
// constraint (spec.md §4.4 step 1: "Choose a target machine matching the
// request's tag constraints, if any"). A job's request is only ever
// pending while it's QUEUED and unbound, so there is no prior MachineID
// to honor — every tick re-resolves the candidate from scratch, and
// commit fixes the choice onto the job once placement succeeds.
func (e *Engine) machineFor(ctx context.Context, cache map[string]*model.Machine, pr store.PendingRequest) (*model.Machine, error) {
	tag := pr.Request.MachineTag
	if m, ok := cache[tag]; ok {
		return m, nil
	}
	machines, err := e.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range machines {
		if tag != "" && !hasTag(m, tag) {
			continue
		}
		cache[tag] = m
		return m, nil
	}
	return nil, nil
}

func hasTag(m *model.Machine, tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// selectWindow sorts pending requests by descending importance, ascending
// job ID, and returns the leading run within span of the maximum
// importance. A non-positive span selects every pending request.
func selectWindow(pending []store.PendingRequest, span int64) []store.PendingRequest {
	sorted := make([]store.PendingRequest, len(pending))
	copy(sorted, pending)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Importance != sorted[j].Importance {
			return sorted[i].Importance > sorted[j].Importance
		}
		return sorted[i].Job.ID < sorted[j].Job.ID
	})

	if span <= 0 || len(sorted) == 0 {
		return sorted
	}

	max := sorted[0].Importance
	cut := len(sorted)
	for i, pr := range sorted {
		if max-pr.Importance > float64(span) {
			cut = i
			break
		}
	}
	return sorted[:cut]
}

// tryPlace attempts to satisfy one request against m. On success it
// allocates the footprint's boards to the job in a single logical
// transaction and clears the pending request; on failure it leaves the
// request queued, with its aged importance already persisted.
func (e *Engine) tryPlace(ctx context.Context, m *model.Machine, pr store.PendingRequest) (bool, error) {
	req := pr.Request
	maxDead := req.MaxDeadBoards

	switch req.Kind {
	case model.RequestSpecificBoard:
		return e.placeSpecificBoard(ctx, m, pr)
	case model.RequestRectangle:
		res, ok := rectangleSearch(m, req.Width, req.Height, maxDead)
		if !ok {
			return false, nil
		}
		return true, e.commit(ctx, m, pr, res)
	default: // model.RequestNumBoards
		res, ok := numBoardsSearch(m, req.NumBoards, maxDead)
		if !ok {
			return false, nil
		}
		return true, e.commit(ctx, m, pr, res)
	}
}

// placeSpecificBoard handles RequestSpecificBoard, which bypasses the
// rectangle search entirely: the board must exist, be functioning, be
// unallocated and allocatable. MaxDeadBoards does not apply to a
// single-board request.
func (e *Engine) placeSpecificBoard(ctx context.Context, m *model.Machine, pr store.PendingRequest) (bool, error) {
	req := pr.Request
	sel := model.BoardSelector{Kind: model.SelectorTriad, Machine: m.Name, Triad: req.Triad}
	if req.Physical != (model.Physical{}) {
		sel = model.BoardSelector{Kind: model.SelectorPhysical, Machine: m.Name, Physical: req.Physical}
	}

	b, err := e.store.FindBoard(ctx, sel)
	if err != nil {
		return false, nil
	}
	if !b.Functioning || !b.MayAllocate || b.AllocatedJob != nil {
		return false, nil
	}

	res := footprintResult{Anchor: b.Triad, Boards: []model.Board{*b}, LiveCount: 1, Width: 1, Height: 1}
	return true, e.commit(ctx, m, pr, res)
}

// commit allocates res.Boards to pr.Job, queues the power-on and link-init
// pending changes every board needs, and clears the job's request.
func (e *Engine) commit(ctx context.Context, m *model.Machine, pr store.PendingRequest, res footprintResult) error {
	lb := liveBoardsOf(m)
	job := pr.Job

	for _, b := range res.Boards {
		if err := e.store.SetBoardAllocatedJob(ctx, b.ID, &job.ID); err != nil {
			return err
		}

		var li model.LinkInit
		for _, d := range topology.AllDirections {
			alive := !lb.IsDeadLink(b.Triad, d)
			setLinkInit(&li, d, alive)
		}

		if _, err := e.store.AppendPendingChange(ctx, model.PendingChange{
			JobID:    job.ID,
			BoardID:  b.ID,
			Power:    model.PowerOn,
			LinkInit: li,
			Kind:     model.ChangePower,
			Status:   model.ChangeQueued,
		}); err != nil {
			return err
		}
	}

	rootID := res.Boards[0].ID
	job.MachineID = m.ID
	job.Width = res.Width * topology.ChipsPerTriad
	job.Height = res.Height * topology.ChipsPerTriad
	job.RootID = &rootID
	job.State = model.JobPower
	job.NumPending = len(res.Boards)

	if err := e.store.UpdateJob(ctx, &job); err != nil {
		return err
	}
	e.metrics.RecordJobStateTransition("power")
	return e.store.DeleteJobRequest(ctx, job.ID)
}

func setLinkInit(li *model.LinkInit, d topology.Direction, alive bool) {
	switch d {
	case topology.North:
		li.N = alive
	case topology.South:
		li.S = alive
	case topology.East:
		li.E = alive
	case topology.West:
		li.W = alive
	case topology.NorthEast:
		li.NE = alive
	case topology.SouthWest:
		li.SW = alive
	}
}
