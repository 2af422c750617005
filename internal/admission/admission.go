// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package admission is the single facade every external layer (REST,
// legacy protocol shims, spallocctl) calls through, following the same
// one-interface-enumerating-every-operation shape the teacher's
// SlurmClient facade uses over its version adapters. It owns and wires
// together the allocation engine, BMP controller, job lifecycle and
// change observer, and is the only package those external layers
// import.
package admission

import (
	"context"
	"time"

	"github.com/spalloc/spallocd/internal/alloc"
	"github.com/spalloc/spallocd/internal/bmp"
	"github.com/spalloc/spallocd/internal/changeobserver"
	"github.com/spalloc/spallocd/internal/epoch"
	"github.com/spalloc/spallocd/internal/job"
	"github.com/spalloc/spallocd/internal/machineload"
	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/pkg/config"
	spallocctx "github.com/spalloc/spallocd/pkg/context"
	apperrors "github.com/spalloc/spallocd/pkg/errors"
	"github.com/spalloc/spallocd/pkg/logging"
	"github.com/spalloc/spallocd/pkg/metrics"
)

// MachineSummary is the listMachines() catalogue projection: enough to
// pick a machine and see its shape, without the full board/link detail
// describeSubmachine/listBoards return.
type MachineSummary struct {
	Name       string
	Tags       []string
	Width      int
	Height     int
	Depth      int
	InService  bool
	BoardCount int
}

// Service is every operation spec.md §4.8 and SPEC_FULL.md §4.8 name,
// gathered into one interface so callers depend on a contract rather
// than the concrete wiring.
type Service interface {
	ListMachines(ctx context.Context) ([]MachineSummary, error)
	LoadMachines(ctx context.Context, doc *machineload.Document) ([]machineload.Result, error)

	CreateJob(ctx context.Context, owner string, req model.Request, keepaliveInterval time.Duration, host string) (int64, error)
	DescribeJob(ctx context.Context, jobID int64) (*model.Job, error)
	DescribeSubmachine(ctx context.Context, jobID int64) (*job.Submachine, error)
	Keepalive(ctx context.Context, jobID int64, host string) error
	DestroyJob(ctx context.Context, jobID int64, reason string) error

	SetBoardState(ctx context.Context, sel model.BoardSelector, enabled bool, comment string) error
	GetBoardState(ctx context.Context, sel model.BoardSelector) (*model.Board, error)
	ListBoards(ctx context.Context, machineName string) ([]model.Board, error)

	WaitFor(ctx context.Context, domain epoch.Domain, knownEpoch int64, timeout time.Duration) (int64, error)

	// Metrics exposes the collector wired into every sub-component, for
	// the admin HTTP server's /metrics endpoint.
	Metrics() metrics.Collector

	Start(ctx context.Context) error
	Stop()
}

// service is the concrete Service, owning every cooperating loop
// spec.md §5 names save the external request-handler tasks themselves.
type service struct {
	store    store.Store
	epochs   *epoch.Manager
	alloc    *alloc.Engine
	bmp      *bmp.Controller
	jobs     *job.Lifecycle
	observer *changeobserver.Observer
	log      logging.Logger
	metrics  metrics.Collector
	timeouts *spallocctx.TimeoutConfig
}

// New wires a Service from a store, a hardware transceiver and the
// service configuration. The returned Service owns no background
// goroutines until Start is called. metrics.enabled selects an
// InMemoryCollector shared by every sub-component; disabled selects the
// NoOpCollector every sub-component already defaults to.
func New(st store.Store, tx bmp.Transceiver, cfg config.Config, log logging.Logger) Service {
	return newService(st, tx, cfg, log)
}

func newService(st store.Store, tx bmp.Transceiver, cfg config.Config, log logging.Logger) *service {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	var collector metrics.Collector = metrics.NoOpCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewInMemoryCollector()
	}

	epochs := epoch.NewManager()
	observer := changeobserver.New(st, epochs, log).WithMetrics(collector)
	return &service{
		store:    st,
		epochs:   epochs,
		alloc:    alloc.New(st, epochs, cfg.Allocator, log).WithMetrics(collector),
		bmp:      bmp.New(st, observer, tx, cfg.Transceiver, cfg.StateControl, log).WithMetrics(collector),
		jobs:     job.New(st, epochs, cfg.Keepalive, log).WithMetrics(collector),
		observer: observer,
		log:      log,
		metrics:  collector,
		timeouts: spallocctx.DefaultTimeoutConfig(),
	}
}

func (s *service) Metrics() metrics.Collector {
	return s.metrics
}

// Start begins the allocation tick loop, the job expiry sweep, and
// rediscovers and starts a worker per known BMP.
func (s *service) Start(ctx context.Context) error {
	if err := s.bmp.Start(ctx); err != nil {
		return err
	}
	s.alloc.Start(ctx)
	s.jobs.Start(ctx)
	return nil
}

// Stop cancels every loop Start began, in the reverse order they were
// started.
func (s *service) Stop() {
	s.jobs.Stop()
	s.alloc.Stop()
	s.bmp.Stop()
}

func (s *service) ListMachines(ctx context.Context) ([]MachineSummary, error) {
	ctx, cancel := spallocctx.WithTimeout(ctx, spallocctx.OpList, s.timeouts)
	defer cancel()

	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return nil, spallocctx.WrapContextError(err, "listMachines", s.timeouts.List)
	}
	out := make([]MachineSummary, 0, len(machines))
	for _, m := range machines {
		out = append(out, MachineSummary{
			Name:       m.Name,
			Tags:       m.Tags,
			Width:      m.Width,
			Height:     m.Height,
			Depth:      m.Depth,
			InService:  m.InService,
			BoardCount: len(m.Boards),
		})
	}
	return out, nil
}

// LoadMachines wraps machineload.Load for programmatic re-load, bumping
// the machine epoch once on success so waiters see the new definitions.
func (s *service) LoadMachines(ctx context.Context, doc *machineload.Document) ([]machineload.Result, error) {
	ctx, cancel := spallocctx.WithTimeout(ctx, spallocctx.OpMutate, s.timeouts)
	defer cancel()

	results, err := machineload.Load(ctx, s.store, doc)
	if err != nil {
		return results, spallocctx.WrapContextError(err, "loadMachines", s.timeouts.Mutate)
	}
	s.epochs.Bump(epoch.Machine)
	if err := s.bmp.Rediscover(ctx); err != nil {
		s.log.Warn("failed rediscovering BMPs after machine load", "error", err)
	}
	return results, nil
}

func (s *service) CreateJob(ctx context.Context, owner string, req model.Request, keepaliveInterval time.Duration, host string) (int64, error) {
	ctx, cancel := spallocctx.WithTimeout(ctx, spallocctx.OpMutate, s.timeouts)
	defer cancel()

	id, err := s.jobs.Create(ctx, owner, req, keepaliveInterval, host)
	if err != nil {
		return 0, spallocctx.WrapContextError(err, "createJob", s.timeouts.Mutate)
	}
	return id, nil
}

func (s *service) DescribeJob(ctx context.Context, jobID int64) (*model.Job, error) {
	ctx, cancel := spallocctx.WithTimeout(ctx, spallocctx.OpDescribe, s.timeouts)
	defer cancel()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, spallocctx.WrapContextError(err, "describeJob", s.timeouts.Describe)
	}
	return j, nil
}

func (s *service) DescribeSubmachine(ctx context.Context, jobID int64) (*job.Submachine, error) {
	ctx, cancel := spallocctx.WithTimeout(ctx, spallocctx.OpDescribe, s.timeouts)
	defer cancel()

	sub, err := s.jobs.DescribeSubmachine(ctx, jobID)
	if err != nil {
		return nil, spallocctx.WrapContextError(err, "describeSubmachine", s.timeouts.Describe)
	}
	return sub, nil
}

func (s *service) Keepalive(ctx context.Context, jobID int64, host string) error {
	ctx, cancel := spallocctx.WithTimeout(ctx, spallocctx.OpMutate, s.timeouts)
	defer cancel()

	if err := s.jobs.Keepalive(ctx, jobID, host); err != nil {
		return spallocctx.WrapContextError(err, "jobKeepalive", s.timeouts.Mutate)
	}
	return nil
}

func (s *service) DestroyJob(ctx context.Context, jobID int64, reason string) error {
	ctx, cancel := spallocctx.WithTimeout(ctx, spallocctx.OpMutate, s.timeouts)
	defer cancel()

	if err := s.jobs.Destroy(ctx, jobID, reason); err != nil {
		return spallocctx.WrapContextError(err, "destroyJob", s.timeouts.Mutate)
	}
	return nil
}

// SetBoardState toggles a board's eligibility for future allocation,
// recording comment as an operator note if non-empty. Per spec.md §4.7
// this is a machine-definition mutation: it bumps the machine epoch, not
// the job epoch.
func (s *service) SetBoardState(ctx context.Context, sel model.BoardSelector, enabled bool, comment string) error {
	ctx, cancel := spallocctx.WithTimeout(ctx, spallocctx.OpMutate, s.timeouts)
	defer cancel()

	b, err := s.store.FindBoard(ctx, sel)
	if err != nil {
		return spallocctx.WrapContextError(err, "setBoardState", s.timeouts.Mutate)
	}
	if err := s.store.SetBoardMayAllocate(ctx, b.ID, enabled); err != nil {
		return spallocctx.WrapContextError(err, "setBoardState", s.timeouts.Mutate)
	}
	if comment != "" {
		if err := s.store.SetBoardComment(ctx, b.ID, comment); err != nil {
			return spallocctx.WrapContextError(err, "setBoardState", s.timeouts.Mutate)
		}
	}
	s.epochs.Bump(epoch.Machine)
	return nil
}

func (s *service) GetBoardState(ctx context.Context, sel model.BoardSelector) (*model.Board, error) {
	ctx, cancel := spallocctx.WithTimeout(ctx, spallocctx.OpDescribe, s.timeouts)
	defer cancel()

	b, err := s.store.FindBoard(ctx, sel)
	if err != nil {
		return nil, spallocctx.WrapContextError(err, "getBoardState", s.timeouts.Describe)
	}
	return b, nil
}

// ListBoards enumerates every board on a named machine, for
// spallocctl's "machines boards" listing that getBoardState's
// single-board selector can't serve.
func (s *service) ListBoards(ctx context.Context, machineName string) ([]model.Board, error) {
	ctx, cancel := spallocctx.WithTimeout(ctx, spallocctx.OpList, s.timeouts)
	defer cancel()

	m, err := s.store.GetMachine(ctx, machineName)
	if err != nil {
		return nil, spallocctx.WrapContextError(err, "listBoards", s.timeouts.List)
	}
	boards, err := s.store.ListBoards(ctx, m.ID)
	if err != nil {
		return nil, spallocctx.WrapContextError(err, "listBoards", s.timeouts.List)
	}
	return boards, nil
}

// WaitFor blocks until domain's epoch exceeds knownEpoch or timeout
// elapses, returning the epoch's value either way. Unlike the other
// operations it takes its deadline from the caller directly rather than
// spallocctx.OpWaitFor's TimeoutConfig entry, since waitFor's whole
// contract is "block for exactly the caller's timeout" including a
// zero timeout meaning "don't block at all".
func (s *service) WaitFor(ctx context.Context, domain epoch.Domain, knownEpoch int64, timeout time.Duration) (int64, error) {
	if timeout < 0 {
		return 0, apperrors.NewBadRequest("waitFor timeout must be non-negative")
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.epochs.WaitFor(waitCtx, domain, knownEpoch), nil
}
