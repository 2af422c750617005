// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package boltstore is the durable store.Store implementation, backed by
// a single bbolt file with one bucket per entity plus secondary-index
// buckets for the triad/physical/IP board lookups. Operations that fail
// with a lock error are retried under a fixed pkg/retry policy (up to 5
// retries, 50ms apart) before surfacing a Transient error; the
// db.lock_tries and db.lock_failed_delay options are not consulted.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/internal/topology"
	"github.com/spalloc/spallocd/pkg/cache"
	apperrors "github.com/spalloc/spallocd/pkg/errors"
	"github.com/spalloc/spallocd/pkg/retry"
)

var buckets = []string{
	"machines", "machines_by_name", "tags", "bmps",
	"boards", "boards_triad_idx", "boards_physical_idx", "boards_ip_idx",
	"links", "jobs", "requests", "importance", "changes",
}

// Store is a bbolt-backed store.Store.
type Store struct {
	db     *bolt.DB
	policy retry.Policy

	triadCache    *cache.Cache[int64]
	physicalCache *cache.Cache[int64]
	ipCache       *cache.Cache[int64]
}

// Open opens (creating if absent) a bbolt database at path and ensures
// every bucket this store needs exists.
func Open(path string, timeout time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, apperrors.NewWithCause(apperrors.Internal, "opening catalogue database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperrors.NewWithCause(apperrors.Internal, "initialising catalogue buckets", err)
	}

	return &Store{
		db:            db,
		policy:        retry.NewFixedDelay(5, 50*time.Millisecond),
		triadCache:    cache.New[int64](cache.DefaultConfig()),
		physicalCache: cache.New[int64](cache.DefaultConfig()),
		ipCache:       cache.New[int64](cache.DefaultConfig()),
	}, nil
}

func (s *Store) Name() string { return "boltstore" }

func (s *Store) Close() error {
	s.triadCache.Close()
	s.physicalCache.Close()
	s.ipCache.Close()
	return s.db.Close()
}

// withRetry runs fn, retrying on a lock-contention error per s.policy.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isLockError(err) {
			return err
		}
		if !s.policy.ShouldRetry(ctx, err, attempt) {
			return apperrors.NewWithCause(apperrors.Transient, "catalogue database locked", err)
		}
		select {
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err())
		case <-time.After(s.policy.WaitTime(attempt)):
		}
	}
}

func isLockError(err error) bool {
	return err == bolt.ErrTimeout || err == bolt.ErrDatabaseNotOpen
}

func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func parseID(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) }

func marshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func triadIdxKey(machineID int64, t topology.Triad) []byte {
	return []byte(fmt.Sprintf("%d/%d,%d,%d", machineID, t.X, t.Y, t.Z))
}

func physicalIdxKey(machineID int64, p model.Physical) []byte {
	return []byte(fmt.Sprintf("%d/%d,%d,%d", machineID, p.Cabinet, p.Frame, p.Board))
}

func (s *Store) InsertMachine(ctx context.Context, m *model.Machine) (store.InsertResult, error) {
	var result store.InsertResult
	err := s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			byName := tx.Bucket([]byte("machines_by_name"))
			if existing := byName.Get([]byte(m.Name)); existing != nil {
				result = store.InsertResult{ID: parseID(existing), Outcome: store.Skipped}
				return nil
			}

			machines := tx.Bucket([]byte("machines"))
			seq, _ := machines.NextSequence()
			id := int64(seq)

			cp := *m
			cp.ID = id
			cp.Boards, cp.Links, cp.BMPs = nil, nil, nil

			if err := machines.Put(idKey(id), marshal(cp)); err != nil {
				return err
			}
			if err := byName.Put([]byte(m.Name), idKey(id)); err != nil {
				return err
			}

			tagsBucket := tx.Bucket([]byte("tags"))
			if err := tagsBucket.Put(idKey(id), marshal(m.Tags)); err != nil {
				return err
			}

			result = store.InsertResult{ID: id, Outcome: store.Inserted}
			return nil
		})
	})
	return result, err
}

func (s *Store) InsertTag(ctx context.Context, machineID int64, tag string) (store.InsertResult, error) {
	var result store.InsertResult
	err := s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			tagsBucket := tx.Bucket([]byte("tags"))
			raw := tagsBucket.Get(idKey(machineID))
			var tags []string
			if raw != nil {
				json.Unmarshal(raw, &tags)
			}
			for _, t := range tags {
				if t == tag {
					result = store.InsertResult{Outcome: store.Skipped}
					return nil
				}
			}
			tags = append(tags, tag)
			result = store.InsertResult{Outcome: store.Inserted}
			return tagsBucket.Put(idKey(machineID), marshal(tags))
		})
	})
	return result, err
}

func (s *Store) InsertBMP(ctx context.Context, b model.BMP) (store.InsertResult, error) {
	var result store.InsertResult
	err := s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket([]byte("bmps"))
			raw := bucket.Get(idKey(b.MachineID))
			var bmps []model.BMP
			if raw != nil {
				json.Unmarshal(raw, &bmps)
			}
			for _, existing := range bmps {
				if existing.Cabinet == b.Cabinet && existing.Frame == b.Frame {
					result = store.InsertResult{Outcome: store.Skipped}
					return nil
				}
			}
			bmps = append(bmps, b)
			result = store.InsertResult{Outcome: store.Inserted}
			return bucket.Put(idKey(b.MachineID), marshal(bmps))
		})
	})
	return result, err
}

func (s *Store) InsertBoard(ctx context.Context, b model.Board) (store.InsertResult, error) {
	var result store.InsertResult
	err := s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			triadIdx := tx.Bucket([]byte("boards_triad_idx"))
			key := triadIdxKey(b.MachineID, b.Triad)
			if existing := triadIdx.Get(key); existing != nil {
				result = store.InsertResult{ID: parseID(existing), Outcome: store.Skipped}
				return nil
			}

			boards := tx.Bucket([]byte("boards"))
			seq, _ := boards.NextSequence()
			id := int64(seq)
			b.ID = id

			if err := boards.Put(idKey(id), marshal(b)); err != nil {
				return err
			}
			if err := triadIdx.Put(key, idKey(id)); err != nil {
				return err
			}
			if b.Physical != (model.Physical{}) {
				if err := tx.Bucket([]byte("boards_physical_idx")).Put(physicalIdxKey(b.MachineID, b.Physical), idKey(id)); err != nil {
					return err
				}
			}
			if b.IPAddress != "" {
				if err := tx.Bucket([]byte("boards_ip_idx")).Put([]byte(b.IPAddress), idKey(id)); err != nil {
					return err
				}
			}

			result = store.InsertResult{ID: id, Outcome: store.Inserted}
			return nil
		})
	})
	if err == nil {
		s.triadCache.Set(string(triadIdxKey(b.MachineID, b.Triad)), result.ID)
	}
	return result, err
}

func (s *Store) InsertLink(ctx context.Context, l model.Link) (store.InsertResult, error) {
	var result store.InsertResult
	err := s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket([]byte("links"))
			raw := bucket.Get(idKey(l.BoardID))
			var links []model.Link
			if raw != nil {
				json.Unmarshal(raw, &links)
			}
			for _, existing := range links {
				if existing.Direction == l.Direction {
					result = store.InsertResult{Outcome: store.Skipped}
					return nil
				}
			}
			links = append(links, l)
			result = store.InsertResult{Outcome: store.Inserted}
			return bucket.Put(idKey(l.BoardID), marshal(links))
		})
	})
	return result, err
}

func (s *Store) loadMachine(tx *bolt.Tx, id int64) (*model.Machine, error) {
	raw := tx.Bucket([]byte("machines")).Get(idKey(id))
	if raw == nil {
		return nil, apperrors.NewNotFound("machine", id)
	}
	var m model.Machine
	json.Unmarshal(raw, &m)

	if rawTags := tx.Bucket([]byte("tags")).Get(idKey(id)); rawTags != nil {
		json.Unmarshal(rawTags, &m.Tags)
	}
	if rawBMPs := tx.Bucket([]byte("bmps")).Get(idKey(id)); rawBMPs != nil {
		json.Unmarshal(rawBMPs, &m.BMPs)
	}

	boards := tx.Bucket([]byte("boards"))
	links := tx.Bucket([]byte("links"))
	_ = boards.ForEach(func(k, v []byte) error {
		var b model.Board
		json.Unmarshal(v, &b)
		if b.MachineID != id {
			return nil
		}
		m.Boards = append(m.Boards, b)
		if rawLinks := links.Get(idKey(b.ID)); rawLinks != nil {
			var ls []model.Link
			json.Unmarshal(rawLinks, &ls)
			m.Links = append(m.Links, ls...)
		}
		return nil
	})
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
	return &m, nil
}

func (s *Store) GetMachine(ctx context.Context, name string) (*model.Machine, error) {
	var m *model.Machine
	err := s.withRetry(ctx, func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			raw := tx.Bucket([]byte("machines_by_name")).Get([]byte(name))
			if raw == nil {
				return apperrors.NewNotFound("machine", name)
			}
			var err error
			m, err = s.loadMachine(tx, parseID(raw))
			return err
		})
	})
	return m, err
}

func (s *Store) ListMachines(ctx context.Context) ([]*model.Machine, error) {
	var out []*model.Machine
	err := s.withRetry(ctx, func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte("machines")).ForEach(func(k, v []byte) error {
				m, err := s.loadMachine(tx, parseID(k))
				if err != nil {
					return err
				}
				out = append(out, m)
				return nil
			})
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func (s *Store) DeleteMachine(ctx context.Context, name string) error {
	return s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			byName := tx.Bucket([]byte("machines_by_name"))
			raw := byName.Get([]byte(name))
			if raw == nil {
				return apperrors.NewNotFound("machine", name)
			}
			id := parseID(raw)

			boards := tx.Bucket([]byte("boards"))
			links := tx.Bucket([]byte("links"))
			var toDelete [][]byte
			_ = boards.ForEach(func(k, v []byte) error {
				var b model.Board
				json.Unmarshal(v, &b)
				if b.MachineID == id {
					toDelete = append(toDelete, append([]byte(nil), k...))
				}
				return nil
			})
			for _, k := range toDelete {
				boards.Delete(k)
				links.Delete(k)
			}

			tx.Bucket([]byte("bmps")).Delete(idKey(id))
			tx.Bucket([]byte("tags")).Delete(idKey(id))
			tx.Bucket([]byte("machines")).Delete(idKey(id))
			return byName.Delete([]byte(name))
		})
	})
}

func (s *Store) FindBoard(ctx context.Context, sel model.BoardSelector) (*model.Board, error) {
	lookupCache, cacheKey, machineID, err := s.selectorCache(ctx, sel)
	if err != nil {
		return nil, err
	}

	if id, ok := lookupCache.Get(cacheKey); ok {
		if b, err := s.GetBoard(ctx, id); err == nil {
			return b, nil
		}
	}

	var b *model.Board
	err = s.withRetry(ctx, func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			var idRaw []byte
			switch sel.Kind {
			case model.SelectorTriad:
				idRaw = tx.Bucket([]byte("boards_triad_idx")).Get(triadIdxKey(machineID, sel.Triad))
			case model.SelectorPhysical:
				idRaw = tx.Bucket([]byte("boards_physical_idx")).Get(physicalIdxKey(machineID, sel.Physical))
			case model.SelectorIP:
				idRaw = tx.Bucket([]byte("boards_ip_idx")).Get([]byte(sel.IP))
			}
			if idRaw == nil {
				return apperrors.NewNotFound("board", sel)
			}

			raw := tx.Bucket([]byte("boards")).Get(idRaw)
			if raw == nil {
				return apperrors.NewNotFound("board", sel)
			}
			b = &model.Board{}
			return json.Unmarshal(raw, b)
		})
	})
	if err == nil {
		lookupCache.Set(cacheKey, b.ID)
	}
	return b, err
}

// selectorCache picks the cache instance and key for a BoardSelector, and
// resolves the machine name to an ID when the selector names one.
func (s *Store) selectorCache(ctx context.Context, sel model.BoardSelector) (*cache.Cache[int64], string, int64, error) {
	var machineID int64
	if sel.Machine != "" {
		var idRaw []byte
		err := s.withRetry(ctx, func() error {
			return s.db.View(func(tx *bolt.Tx) error {
				idRaw = tx.Bucket([]byte("machines_by_name")).Get([]byte(sel.Machine))
				return nil
			})
		})
		if err != nil {
			return nil, "", 0, err
		}
		if idRaw == nil {
			return nil, "", 0, apperrors.NewNotFound("machine", sel.Machine)
		}
		machineID = parseID(idRaw)
	}

	switch sel.Kind {
	case model.SelectorTriad:
		return s.triadCache, string(triadIdxKey(machineID, sel.Triad)), machineID, nil
	case model.SelectorPhysical:
		return s.physicalCache, string(physicalIdxKey(machineID, sel.Physical)), machineID, nil
	case model.SelectorIP:
		return s.ipCache, sel.IP, machineID, nil
	default:
		return nil, "", 0, apperrors.NewBadRequest("unknown board selector kind %d", sel.Kind)
	}
}

func (s *Store) GetBoard(ctx context.Context, id int64) (*model.Board, error) {
	var b *model.Board
	err := s.withRetry(ctx, func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			raw := tx.Bucket([]byte("boards")).Get(idKey(id))
			if raw == nil {
				return apperrors.NewNotFound("board", id)
			}
			b = &model.Board{}
			return json.Unmarshal(raw, b)
		})
	})
	return b, err
}

func (s *Store) ListBoards(ctx context.Context, machineID int64) ([]model.Board, error) {
	var out []model.Board
	err := s.withRetry(ctx, func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte("boards")).ForEach(func(k, v []byte) error {
				var b model.Board
				json.Unmarshal(v, &b)
				if b.MachineID == machineID {
					out = append(out, b)
				}
				return nil
			})
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

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

func (s *Store) mutateBoard(ctx context.Context, id int64, fn func(*model.Board)) error {
	return s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket([]byte("boards"))
			raw := bucket.Get(idKey(id))
			if raw == nil {
				return apperrors.NewNotFound("board", id)
			}
			var b model.Board
			json.Unmarshal(raw, &b)
			fn(&b)
			return bucket.Put(idKey(id), marshal(b))
		})
	})
}

func (s *Store) SetBoardAllocatedJob(ctx context.Context, boardID int64, jobID *int64) error {
	return s.mutateBoard(ctx, boardID, func(b *model.Board) {
		b.AllocatedJob = jobID
		b.LastChanged = time.Now()
	})
}

func (s *Store) SetBoardFunctioning(ctx context.Context, boardID int64, functioning bool) error {
	return s.mutateBoard(ctx, boardID, func(b *model.Board) {
		b.Functioning = functioning
		b.LastChanged = time.Now()
	})
}

func (s *Store) SetBoardMayAllocate(ctx context.Context, boardID int64, mayAllocate bool) error {
	return s.mutateBoard(ctx, boardID, func(b *model.Board) {
		b.MayAllocate = mayAllocate
		b.LastChanged = time.Now()
	})
}

func (s *Store) SetBoardPower(ctx context.Context, boardID int64, power model.PowerState, at time.Time) error {
	return s.mutateBoard(ctx, boardID, func(b *model.Board) {
		b.Power = power
		b.PowerChanged = at
	})
}

func (s *Store) SetBoardComment(ctx context.Context, boardID int64, comment string) error {
	return s.mutateBoard(ctx, boardID, func(b *model.Board) {
		b.Comment = comment
		b.LastChanged = time.Now()
	})
}

func (s *Store) CreateJob(ctx context.Context, job *model.Job) (int64, error) {
	var id int64
	err := s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			jobs := tx.Bucket([]byte("jobs"))
			seq, _ := jobs.NextSequence()
			id = int64(seq)
			cp := *job
			cp.ID = id
			if err := jobs.Put(idKey(id), marshal(cp)); err != nil {
				return err
			}
			return tx.Bucket([]byte("requests")).Put(idKey(id), marshal(job.Request))
		})
	})
	return id, err
}

func (s *Store) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	var job *model.Job
	err := s.withRetry(ctx, func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			raw := tx.Bucket([]byte("jobs")).Get(idKey(id))
			if raw == nil {
				return apperrors.NewNotFound("job", id)
			}
			job = &model.Job{}
			return json.Unmarshal(raw, job)
		})
	})
	return job, err
}

func (s *Store) ListJobs(ctx context.Context) ([]model.Job, error) {
	var out []model.Job
	err := s.withRetry(ctx, func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte("jobs")).ForEach(func(k, v []byte) error {
				var j model.Job
				json.Unmarshal(v, &j)
				out = append(out, j)
				return nil
			})
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *Store) UpdateJob(ctx context.Context, job *model.Job) error {
	return s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket([]byte("jobs"))
			if bucket.Get(idKey(job.ID)) == nil {
				return apperrors.NewNotFound("job", job.ID)
			}
			return bucket.Put(idKey(job.ID), marshal(job))
		})
	})
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	return s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket([]byte("jobs"))
			if bucket.Get(idKey(id)) == nil {
				return apperrors.NewNotFound("job", id)
			}
			bucket.Delete(idKey(id))
			tx.Bucket([]byte("requests")).Delete(idKey(id))
			tx.Bucket([]byte("importance")).Delete(idKey(id))
			return nil
		})
	})
}

func (s *Store) ListPendingRequests(ctx context.Context) ([]store.PendingRequest, error) {
	var out []store.PendingRequest
	err := s.withRetry(ctx, func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			requests := tx.Bucket([]byte("requests"))
			jobs := tx.Bucket([]byte("jobs"))
			importance := tx.Bucket([]byte("importance"))

			return requests.ForEach(func(k, v []byte) error {
				rawJob := jobs.Get(k)
				if rawJob == nil {
					return nil
				}
				var job model.Job
				json.Unmarshal(rawJob, &job)
				if job.State != model.JobQueued {
					return nil
				}
				var req model.Request
				json.Unmarshal(v, &req)

				var imp float64
				if rawImp := importance.Get(k); rawImp != nil {
					json.Unmarshal(rawImp, &imp)
				}

				out = append(out, store.PendingRequest{Job: job, Request: req, Importance: imp})
				return nil
			})
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Job.ID < out[j].Job.ID })
	return out, err
}

func (s *Store) SaveRequestImportance(ctx context.Context, jobID int64, importance float64) error {
	return s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			if tx.Bucket([]byte("requests")).Get(idKey(jobID)) == nil {
				return apperrors.NewNotFound("job_request", jobID)
			}
			return tx.Bucket([]byte("importance")).Put(idKey(jobID), marshal(importance))
		})
	})
}

func (s *Store) DeleteJobRequest(ctx context.Context, jobID int64) error {
	return s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			tx.Bucket([]byte("requests")).Delete(idKey(jobID))
			tx.Bucket([]byte("importance")).Delete(idKey(jobID))
			return nil
		})
	})
}

func (s *Store) AppendPendingChange(ctx context.Context, pc model.PendingChange) (int64, error) {
	var id int64
	err := s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket([]byte("changes"))
			seq, _ := bucket.NextSequence()
			id = int64(seq)
			pc.ID = id
			if pc.EnqueuedAt.IsZero() {
				pc.EnqueuedAt = time.Now()
			}
			return bucket.Put(idKey(id), marshal(pc))
		})
	})
	return id, err
}

func (s *Store) ClaimPendingChanges(ctx context.Context, key store.BMPKey, limit int) ([]model.PendingChange, error) {
	var claimed []model.PendingChange
	err := s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			changes := tx.Bucket([]byte("changes"))
			boards := tx.Bucket([]byte("boards"))

			type candidate struct {
				id []byte
				pc model.PendingChange
			}
			var candidates []candidate

			_ = changes.ForEach(func(k, v []byte) error {
				var pc model.PendingChange
				json.Unmarshal(v, &pc)
				if pc.Status != model.ChangeQueued {
					return nil
				}
				rawBoard := boards.Get(idKey(pc.BoardID))
				if rawBoard == nil {
					return nil
				}
				var b model.Board
				json.Unmarshal(rawBoard, &b)
				if b.MachineID != key.MachineID || b.Physical.Cabinet != key.Cabinet || b.Physical.Frame != key.Frame {
					return nil
				}
				candidates = append(candidates, candidate{id: append([]byte(nil), k...), pc: pc})
				return nil
			})

			sort.Slice(candidates, func(i, j int) bool { return candidates[i].pc.ID < candidates[j].pc.ID })

			for _, c := range candidates {
				if limit > 0 && len(claimed) >= limit {
					break
				}
				c.pc.Status = model.ChangeInFlight
				if err := changes.Put(c.id, marshal(c.pc)); err != nil {
					return err
				}
				claimed = append(claimed, c.pc)
			}
			return nil
		})
	})
	return claimed, err
}

func (s *Store) CompletePendingChange(ctx context.Context, id int64, status model.ChangeStatus, errMsg string) error {
	return s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket([]byte("changes"))
			raw := bucket.Get(idKey(id))
			if raw == nil {
				return apperrors.NewNotFound("pending_change", id)
			}
			var pc model.PendingChange
			json.Unmarshal(raw, &pc)
			pc.Status = status
			pc.Error = errMsg
			pc.CompletedAt = time.Now()
			return bucket.Put(idKey(id), marshal(pc))
		})
	})
}

func (s *Store) CompleteBlacklistChange(ctx context.Context, id int64, status model.ChangeStatus, errMsg, result string) error {
	return s.withRetry(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket([]byte("changes"))
			raw := bucket.Get(idKey(id))
			if raw == nil {
				return apperrors.NewNotFound("pending_change", id)
			}
			var pc model.PendingChange
			json.Unmarshal(raw, &pc)
			pc.Status = status
			pc.Error = errMsg
			pc.Blacklist = result
			pc.CompletedAt = time.Now()
			return bucket.Put(idKey(id), marshal(pc))
		})
	})
}

func (s *Store) CountPendingChanges(ctx context.Context, jobID int64) (int, error) {
	n := 0
	err := s.withRetry(ctx, func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte("changes")).ForEach(func(k, v []byte) error {
				var pc model.PendingChange
				json.Unmarshal(v, &pc)
				if pc.JobID == jobID && pc.Status != model.ChangeDone && pc.Status != model.ChangeFailed {
					n++
				}
				return nil
			})
		})
	})
	return n, err
}

func (s *Store) JobChangeStatus(ctx context.Context, jobID int64) (int, bool, error) {
	remaining := 0
	anyFailed := false
	err := s.withRetry(ctx, func() error {
		remaining, anyFailed = 0, false
		return s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte("changes")).ForEach(func(k, v []byte) error {
				var pc model.PendingChange
				json.Unmarshal(v, &pc)
				if pc.JobID != jobID {
					return nil
				}
				switch pc.Status {
				case model.ChangeDone:
				case model.ChangeFailed:
					anyFailed = true
				default:
					remaining++
				}
				return nil
			})
		})
	})
	return remaining, anyFailed, err
}

func (s *Store) ListBMPs(ctx context.Context) ([]model.BMP, error) {
	var out []model.BMP
	err := s.withRetry(ctx, func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte("bmps")).ForEach(func(k, v []byte) error {
				var bmps []model.BMP
				json.Unmarshal(v, &bmps)
				out = append(out, bmps...)
				return nil
			})
		})
	})
	return out, err
}

var _ store.Store = (*Store)(nil)
