// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spalloc/spallocd/internal/epoch"
	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/internal/store/memstore"
	"github.com/spalloc/spallocd/internal/topology"
	"github.com/spalloc/spallocd/pkg/config"
)

func newTestEngine(st store.Store) (*Engine, *epoch.Manager) {
	mgr := epoch.NewManager()
	cfg := config.Default().Allocator
	return New(st, mgr, cfg, nil), mgr
}

func seedMachine(t *testing.T, ctx context.Context, st store.Store, name string, w, h, depth int) *model.Machine {
	t.Helper()
	res, err := st.InsertMachine(ctx, &model.Machine{Name: name, Width: w, Height: h, Depth: depth})
	require.NoError(t, err)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for z := 0; z < depth; z++ {
				triad := topology.Triad{X: x, Y: y, Z: z}
				boardRes, err := st.InsertBoard(ctx, model.Board{
					MachineID:   res.ID,
					Triad:       triad,
					Physical:    model.Physical{Cabinet: x, Frame: y, Board: z},
					IPAddress:   "10.0.0.1",
					MayAllocate: true,
					Functioning: true,
				})
				require.NoError(t, err)
				for _, d := range topology.AllDirections {
					require.NoError(t, st.InsertLink(ctx, model.Link{MachineID: res.ID, BoardID: boardRes.ID, Direction: d}))
				}
			}
		}
	}

	m, err := st.GetMachine(ctx, name)
	require.NoError(t, err)
	return m
}

func createQueuedJob(t *testing.T, ctx context.Context, st store.Store, machineID int64, req model.Request) int64 {
	t.Helper()
	job := &model.Job{MachineID: machineID, State: model.JobQueued, Request: req}
	id, err := st.CreateJob(ctx, job)
	require.NoError(t, err)
	return id
}

func TestEngineAllocatesSoloBoard(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	m := seedMachine(t, ctx, st, "single", 1, 1, 1)
	jobID := createQueuedJob(t, ctx, st, m.ID, model.Request{Kind: model.RequestNumBoards, NumBoards: 1})

	e, mgr := newTestEngine(st)
	require.NoError(t, e.Tick(ctx))

	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPower, job.State)
	require.NotNil(t, job.RootID)
	assert.Equal(t, 1, job.NumPending)
	assert.EqualValues(t, 1, mgr.Value(epoch.Job))

	count, err := st.CountPendingChanges(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngineAllocatesRectangleToleratingOneDeadBoard(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	m := seedMachine(t, ctx, st, "grid", 3, 3, 1)
	deadBoard, err := st.FindBoard(ctx, model.BoardSelector{Kind: model.SelectorTriad, Machine: "grid", Triad: topology.Triad{X: 0, Y: 0, Z: 0}})
	require.NoError(t, err)
	require.NoError(t, st.SetBoardFunctioning(ctx, deadBoard.ID, false))

	jobID := createQueuedJob(t, ctx, st, m.ID, model.Request{Kind: model.RequestRectangle, Width: 2, Height: 2, MaxDeadBoards: 1})

	e, _ := newTestEngine(st)
	require.NoError(t, e.Tick(ctx))

	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPower, job.State)
	assert.Equal(t, 3, job.NumPending)
}

func TestEngineLeavesUnsatisfiableRequestQueued(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	m := seedMachine(t, ctx, st, "tiny", 1, 1, 1)
	jobID := createQueuedJob(t, ctx, st, m.ID, model.Request{Kind: model.RequestNumBoards, NumBoards: 4})

	e, _ := newTestEngine(st)
	require.NoError(t, e.Tick(ctx))

	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, job.State)

	pending, err := st.ListPendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Greater(t, pending[0].Importance, float64(0))
}

func TestEngineImportanceWindowPlacesSpecificBoardAndSizeRequests(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	m := seedMachine(t, ctx, st, "pair", 2, 1, 1)
	sizeJobID := createQueuedJob(t, ctx, st, m.ID, model.Request{Kind: model.RequestNumBoards, NumBoards: 1})
	specificJobID := createQueuedJob(t, ctx, st, m.ID, model.Request{
		Kind:  model.RequestSpecificBoard,
		Triad: topology.Triad{X: 1, Y: 0, Z: 0},
	})

	e, _ := newTestEngine(st)
	require.NoError(t, e.Tick(ctx))

	specificJob, err := st.GetJob(ctx, specificJobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPower, specificJob.State)

	sizeJob, err := st.GetJob(ctx, sizeJobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPower, sizeJob.State)
}
