// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package memstore is an in-memory store.Store implementation, used by
// tests and by the daemon when db.path is empty; nothing it holds survives
// a restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/internal/topology"
	"github.com/spalloc/spallocd/pkg/cache"
	apperrors "github.com/spalloc/spallocd/pkg/errors"
)

// Store is a mutex-protected, map-backed store.Store. Hot triad/physical/IP
// lookups are fronted by pkg/cache instances filled on InsertBoard; a miss,
// or a cached ID whose board is gone, falls back to a scan of the board map.
type Store struct {
	mu sync.RWMutex

	nextMachineID int64
	nextBoardID   int64
	nextJobID     int64
	nextChangeID  int64

	machines map[int64]*machineRow
	byName   map[string]int64

	boards    map[int64]*model.Board
	links     map[int64][]model.Link // keyed by boardID
	bmps      map[int64][]model.BMP  // keyed by machineID

	jobs      map[int64]*model.Job
	requests  map[int64]model.Request
	importance map[int64]float64

	changes map[int64]*model.PendingChange

	triadCache    *cache.Cache[int64]
	physicalCache *cache.Cache[int64]
	ipCache       *cache.Cache[int64]
}

type machineRow struct {
	machine *model.Machine
	tags    map[string]bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		machines:   make(map[int64]*machineRow),
		byName:     make(map[string]int64),
		boards:     make(map[int64]*model.Board),
		links:      make(map[int64][]model.Link),
		bmps:       make(map[int64][]model.BMP),
		jobs:       make(map[int64]*model.Job),
		requests:   make(map[int64]model.Request),
		importance: make(map[int64]float64),
		changes:    make(map[int64]*model.PendingChange),

		triadCache:    cache.New[int64](cache.DefaultConfig()),
		physicalCache: cache.New[int64](cache.DefaultConfig()),
		ipCache:       cache.New[int64](cache.DefaultConfig()),
	}
}

func (s *Store) Name() string { return "memstore" }

func (s *Store) Close() error {
	s.triadCache.Close()
	s.physicalCache.Close()
	s.ipCache.Close()
	return nil
}

func triadKey(machineID int64, t topology.Triad) string {
	return fmt.Sprintf("%d/%d,%d,%d", machineID, t.X, t.Y, t.Z)
}

func physicalKey(machineID int64, p model.Physical) string {
	return fmt.Sprintf("%d/%d,%d,%d", machineID, p.Cabinet, p.Frame, p.Board)
}

func ipKey(ip string) string { return ip }

func (s *Store) InsertMachine(ctx context.Context, m *model.Machine) (store.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byName[m.Name]; ok {
		return store.InsertResult{ID: id, Outcome: store.Skipped}, nil
	}

	s.nextMachineID++
	id := s.nextMachineID
	cp := *m
	cp.ID = id
	cp.Boards = nil
	cp.Links = nil
	cp.BMPs = nil

	s.machines[id] = &machineRow{machine: &cp, tags: make(map[string]bool)}
	s.byName[m.Name] = id

	for _, tag := range m.Tags {
		s.machines[id].tags[tag] = true
	}

	return store.InsertResult{ID: id, Outcome: store.Inserted}, nil
}

func (s *Store) InsertTag(ctx context.Context, machineID int64, tag string) (store.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.machines[machineID]
	if !ok {
		return store.InsertResult{}, apperrors.NewNotFound("machine", machineID)
	}
	if row.tags[tag] {
		return store.InsertResult{Outcome: store.Skipped}, nil
	}
	row.tags[tag] = true
	row.machine.Tags = append(row.machine.Tags, tag)
	return store.InsertResult{Outcome: store.Inserted}, nil
}

func (s *Store) InsertBMP(ctx context.Context, b model.BMP) (store.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.machines[b.MachineID]; !ok {
		return store.InsertResult{}, apperrors.NewNotFound("machine", b.MachineID)
	}

	for _, existing := range s.bmps[b.MachineID] {
		if existing.Cabinet == b.Cabinet && existing.Frame == b.Frame {
			return store.InsertResult{Outcome: store.Skipped}, nil
		}
	}

	s.bmps[b.MachineID] = append(s.bmps[b.MachineID], b)
	return store.InsertResult{Outcome: store.Inserted}, nil
}

func (s *Store) InsertBoard(ctx context.Context, b model.Board) (store.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.machines[b.MachineID]; !ok {
		return store.InsertResult{}, apperrors.NewNotFound("machine", b.MachineID)
	}

	for _, existing := range s.boards {
		if existing.MachineID == b.MachineID && existing.Triad == b.Triad {
			return store.InsertResult{ID: existing.ID, Outcome: store.Skipped}, nil
		}
	}

	s.nextBoardID++
	id := s.nextBoardID
	cp := b
	cp.ID = id
	s.boards[id] = &cp

	s.triadCache.Set(triadKey(b.MachineID, b.Triad), id)
	if b.Physical != (model.Physical{}) {
		s.physicalCache.Set(physicalKey(b.MachineID, b.Physical), id)
	}
	if b.IPAddress != "" {
		s.ipCache.Set(ipKey(b.IPAddress), id)
	}

	return store.InsertResult{ID: id, Outcome: store.Inserted}, nil
}

func (s *Store) InsertLink(ctx context.Context, l model.Link) (store.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.links[l.BoardID] {
		if existing.Direction == l.Direction {
			return store.InsertResult{Outcome: store.Skipped}, nil
		}
	}
	s.links[l.BoardID] = append(s.links[l.BoardID], l)
	return store.InsertResult{Outcome: store.Inserted}, nil
}

func (s *Store) assembleMachine(row *machineRow) *model.Machine {
	m := *row.machine
	for _, b := range s.boards {
		if b.MachineID == m.ID {
			m.Boards = append(m.Boards, *b)
		}
	}
	sort.Slice(m.Boards, func(i, j int) bool {
		bi, bj := m.Boards[i].Triad, m.Boards[j].Triad
		if bi.Y != bj.Y {
			return bi.Y < bj.Y
		}
		if bi.X != bj.X {
			return bi.X < bj.X
		}
		return bi.Z < bj.Z
	})
	for _, ls := range s.links {
		for _, l := range ls {
			if l.MachineID == m.ID {
				m.Links = append(m.Links, l)
			}
		}
	}
	m.BMPs = append(m.BMPs, s.bmps[m.ID]...)
	return &m
}

func (s *Store) GetMachine(ctx context.Context, name string) (*model.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, apperrors.NewNotFound("machine", name)
	}
	return s.assembleMachine(s.machines[id]), nil
}

func (s *Store) ListMachines(ctx context.Context) ([]*model.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Machine, 0, len(s.machines))
	for _, row := range s.machines {
		out = append(out, s.assembleMachine(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeleteMachine(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[name]
	if !ok {
		return apperrors.NewNotFound("machine", name)
	}
	for boardID, b := range s.boards {
		if b.MachineID == id {
			delete(s.boards, boardID)
			delete(s.links, boardID)
		}
	}
	delete(s.bmps, id)
	delete(s.machines, id)
	delete(s.byName, name)
	return nil
}

func (s *Store) FindBoard(ctx context.Context, sel model.BoardSelector) (*model.Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	machineID, ok := s.byName[sel.Machine]
	if sel.Machine != "" && !ok {
		return nil, apperrors.NewNotFound("machine", sel.Machine)
	}

	var id int64
	var found bool
	switch sel.Kind {
	case model.SelectorTriad:
		id, found = s.triadCache.Get(triadKey(machineID, sel.Triad))
	case model.SelectorPhysical:
		id, found = s.physicalCache.Get(physicalKey(machineID, sel.Physical))
	case model.SelectorIP:
		id, found = s.ipCache.Get(ipKey(sel.IP))
	}
	if _, ok := s.boards[id]; !found || !ok {
		found = false
		for _, b := range s.boards {
			if (sel.Kind == model.SelectorTriad && b.MachineID == machineID && b.Triad == sel.Triad) ||
				(sel.Kind == model.SelectorPhysical && b.MachineID == machineID && b.Physical == sel.Physical) ||
				(sel.Kind == model.SelectorIP && b.IPAddress == sel.IP) {
				id, found = b.ID, true
				break
			}
		}
	}
	if !found {
		return nil, apperrors.NewNotFound("board", sel)
	}

	b, ok := s.boards[id]
	if !ok {
		return nil, apperrors.NewNotFound("board", sel)
	}
	cp := *b
	return &cp, nil
}

func (s *Store) GetBoard(ctx context.Context, id int64) (*model.Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.boards[id]
	if !ok {
		return nil, apperrors.NewNotFound("board", id)
	}
	cp := *b
	return &cp, nil
}

func (s *Store) ListBoards(ctx context.Context, machineID int64) ([]model.Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Board
	for _, b := range s.boards {
		if b.MachineID == machineID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListAllocationCandidates returns boards ordered lowest-y, then lowest-x,
// then lowest-z, the anchor scan order the allocator's rectangle search
// uses.
func (s *Store) ListAllocationCandidates(ctx context.Context, machineID int64) ([]model.Board, error) {
	boards, err := s.ListBoards(ctx, machineID)
	if err != nil {
		return nil, err
	}
	sort.Slice(boards, func(i, j int) bool {
		bi, bj := boards[i].Triad, boards[j].Triad
		if bi.Y != bj.Y {
			return bi.Y < bj.Y
		}
		if bi.X != bj.X {
			return bi.X < bj.X
		}
		return bi.Z < bj.Z
	})
	return boards, nil
}

func (s *Store) SetBoardAllocatedJob(ctx context.Context, boardID int64, jobID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.boards[boardID]
	if !ok {
		return apperrors.NewNotFound("board", boardID)
	}
	b.AllocatedJob = jobID
	b.LastChanged = time.Now()
	return nil
}

func (s *Store) SetBoardFunctioning(ctx context.Context, boardID int64, functioning bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.boards[boardID]
	if !ok {
		return apperrors.NewNotFound("board", boardID)
	}
	b.Functioning = functioning
	b.LastChanged = time.Now()
	return nil
}

func (s *Store) SetBoardMayAllocate(ctx context.Context, boardID int64, mayAllocate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.boards[boardID]
	if !ok {
		return apperrors.NewNotFound("board", boardID)
	}
	b.MayAllocate = mayAllocate
	b.LastChanged = time.Now()
	return nil
}

func (s *Store) SetBoardComment(ctx context.Context, boardID int64, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.boards[boardID]
	if !ok {
		return apperrors.NewNotFound("board", boardID)
	}
	b.Comment = comment
	b.LastChanged = time.Now()
	return nil
}

func (s *Store) SetBoardPower(ctx context.Context, boardID int64, power model.PowerState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.boards[boardID]
	if !ok {
		return apperrors.NewNotFound("board", boardID)
	}
	b.Power = power
	b.PowerChanged = at
	return nil
}

func (s *Store) CreateJob(ctx context.Context, job *model.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextJobID++
	id := s.nextJobID
	cp := *job
	cp.ID = id
	s.jobs[id] = &cp
	s.requests[id] = job.Request
	return id, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NewNotFound("job", id)
	}
	cp := *j
	return &cp, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return apperrors.NewNotFound("job", job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return apperrors.NewNotFound("job", id)
	}
	delete(s.jobs, id)
	delete(s.requests, id)
	delete(s.importance, id)
	return nil
}

func (s *Store) ListPendingRequests(ctx context.Context) ([]store.PendingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.PendingRequest
	for jobID, req := range s.requests {
		job, ok := s.jobs[jobID]
		if !ok || job.State != model.JobQueued {
			continue
		}
		out = append(out, store.PendingRequest{
			Job:        *job,
			Request:    req,
			Importance: s.importance[jobID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.ID < out[j].Job.ID })
	return out, nil
}

func (s *Store) SaveRequestImportance(ctx context.Context, jobID int64, importance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[jobID]; !ok {
		return apperrors.NewNotFound("job_request", jobID)
	}
	s.importance[jobID] = importance
	return nil
}

func (s *Store) DeleteJobRequest(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.requests, jobID)
	delete(s.importance, jobID)
	return nil
}

func (s *Store) AppendPendingChange(ctx context.Context, pc model.PendingChange) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextChangeID++
	id := s.nextChangeID
	cp := pc
	cp.ID = id
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = time.Now()
	}
	s.changes[id] = &cp
	return id, nil
}

func (s *Store) ClaimPendingChanges(ctx context.Context, key store.BMPKey, limit int) ([]model.PendingChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []model.PendingChange
	var ids []int64
	for id, pc := range s.changes {
		if pc.Status != model.ChangeQueued {
			continue
		}
		b, ok := s.boards[pc.BoardID]
		if !ok || b.MachineID != key.MachineID || b.Physical.Cabinet != key.Cabinet || b.Physical.Frame != key.Frame {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		s.changes[id].Status = model.ChangeInFlight
		claimed = append(claimed, *s.changes[id])
	}
	return claimed, nil
}

func (s *Store) CompletePendingChange(ctx context.Context, id int64, status model.ChangeStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc, ok := s.changes[id]
	if !ok {
		return apperrors.NewNotFound("pending_change", id)
	}
	pc.Status = status
	pc.Error = errMsg
	pc.CompletedAt = time.Now()
	return nil
}

func (s *Store) CompleteBlacklistChange(ctx context.Context, id int64, status model.ChangeStatus, errMsg, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc, ok := s.changes[id]
	if !ok {
		return apperrors.NewNotFound("pending_change", id)
	}
	pc.Status = status
	pc.Error = errMsg
	pc.Blacklist = result
	pc.CompletedAt = time.Now()
	return nil
}


func (s *Store) CountPendingChanges(ctx context.Context, jobID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, pc := range s.changes {
		if pc.JobID == jobID && pc.Status != model.ChangeDone && pc.Status != model.ChangeFailed {
			n++
		}
	}
	return n, nil
}

func (s *Store) JobChangeStatus(ctx context.Context, jobID int64) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	remaining := 0
	anyFailed := false
	for _, pc := range s.changes {
		if pc.JobID != jobID {
			continue
		}
		switch pc.Status {
		case model.ChangeDone:
		case model.ChangeFailed:
			anyFailed = true
		default:
			remaining++
		}
	}
	return remaining, anyFailed, nil
}

func (s *Store) ListBMPs(ctx context.Context) ([]model.BMP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.BMP
	for _, bmps := range s.bmps {
		out = append(out, bmps...)
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
