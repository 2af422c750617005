// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spalloc/spallocd/internal/bmp"
	"github.com/spalloc/spallocd/internal/epoch"
	"github.com/spalloc/spallocd/internal/machineload"
	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store/memstore"
	"github.com/spalloc/spallocd/pkg/config"
)

func testConfig() config.Config {
	cfg := *config.Default()
	cfg.Keepalive.Min = time.Second
	return cfg
}

// oneBoardDoc is a minimal machine description for a single-board,
// single-triad machine, the shape machineload_test.go's singleBoardDoc
// already exercises.
func oneBoardDoc() *machineload.Document {
	return &machineload.Document{
		Machines: []machineload.MachineDoc{
			{
				Name:   "m1",
				Width:  1,
				Height: 1,
				BoardLocations: []machineload.BoardLocationDoc{
					{Physical: model.Physical{Cabinet: 0, Frame: 0, Board: 0}},
				},
				SpinnakerIPs: []string{"10.1.1.1"},
				BMPs:         []machineload.BMPDoc{{Cabinet: 0, Frame: 0, IP: "10.0.0.1"}},
			},
		},
	}
}

// tick drives the allocation engine and BMP controller by hand, the same
// direct-call pattern internal/bmp's controller_test.go and
// internal/alloc's engine_test.go use to avoid racing their
// looper-driven background goroutines.
func tick(t *testing.T, ctx context.Context, svc *service) {
	t.Helper()
	require.NoError(t, svc.alloc.Tick(ctx))
	require.NoError(t, svc.bmp.Rediscover(ctx))
	require.NoError(t, svc.bmp.Tick(ctx))
}

func TestCreateJobAllocatesPowersOnAndBecomesReady(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	svc := newService(st, bmp.NewDummyTransceiver(), testConfig(), nil)

	_, err := svc.LoadMachines(ctx, oneBoardDoc())
	require.NoError(t, err)

	jobID, err := svc.CreateJob(ctx, "alice", model.Request{Kind: model.RequestNumBoards, NumBoards: 1}, 30*time.Second, "alice-host")
	require.NoError(t, err)

	tick(t, ctx, svc)

	j, err := svc.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobReady, j.State)
	assert.EqualValues(t, 1, j.MachineID)

	sub, err := svc.DescribeSubmachine(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 12, sub.Width)
	assert.Equal(t, 12, sub.Height)
	require.Len(t, sub.Boards, 1)
	require.Len(t, sub.Connections, 4)
	for _, c := range sub.Connections {
		assert.Equal(t, "10.1.1.1", c.IP)
	}

	assert.True(t, svc.epochs.Value(epoch.Job) > 0)
}

func TestCreateJobWithUnmatchedTagStaysQueued(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	svc := newService(st, bmp.NewDummyTransceiver(), testConfig(), nil)
	_, err := svc.LoadMachines(ctx, oneBoardDoc())
	require.NoError(t, err)

	jobID, err := svc.CreateJob(ctx, "alice", model.Request{Kind: model.RequestNumBoards, NumBoards: 1, MachineTag: "gpu"}, 30*time.Second, "alice-host")
	require.NoError(t, err)

	tick(t, ctx, svc)

	j, err := svc.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, j.State)
}

func TestDestroyJobReleasesBoardAfterReady(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	svc := newService(st, bmp.NewDummyTransceiver(), testConfig(), nil)
	_, err := svc.LoadMachines(ctx, oneBoardDoc())
	require.NoError(t, err)

	jobID, err := svc.CreateJob(ctx, "alice", model.Request{Kind: model.RequestNumBoards, NumBoards: 1}, 30*time.Second, "alice-host")
	require.NoError(t, err)
	tick(t, ctx, svc)

	require.NoError(t, svc.DestroyJob(ctx, jobID, "done"))
	require.NoError(t, svc.bmp.Tick(ctx))

	j, err := svc.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobDestroyed, j.State)

	boards, err := svc.ListBoards(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, boards, 1)
	assert.Nil(t, boards[0].AllocatedJob)
}

func TestKeepaliveExpirySweepDestroysJob(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	cfg := testConfig()
	cfg.Keepalive.Min = time.Millisecond
	cfg.Keepalive.Max = time.Hour
	svc := newService(st, bmp.NewDummyTransceiver(), cfg, nil)
	_, err := svc.LoadMachines(ctx, oneBoardDoc())
	require.NoError(t, err)

	jobID, err := svc.CreateJob(ctx, "alice", model.Request{Kind: model.RequestNumBoards, NumBoards: 1}, time.Millisecond, "alice-host")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, svc.jobs.SweepExpired(ctx))

	j, err := svc.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobDestroyed, j.State)
	assert.Equal(t, "keepalive expired", j.DeathReason)
}

func TestSetBoardStateDisablesAllocation(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	svc := newService(st, bmp.NewDummyTransceiver(), testConfig(), nil)
	_, err := svc.LoadMachines(ctx, oneBoardDoc())
	require.NoError(t, err)

	before := svc.epochs.Value(epoch.Machine)
	sel := model.BoardSelector{Kind: model.SelectorPhysical, Machine: "m1", Physical: model.Physical{Cabinet: 0, Frame: 0, Board: 0}}
	require.NoError(t, svc.SetBoardState(ctx, sel, false, "operator request"))
	assert.Greater(t, svc.epochs.Value(epoch.Machine), before)

	b, err := svc.GetBoardState(ctx, sel)
	require.NoError(t, err)
	assert.False(t, b.MayAllocate)
	assert.Equal(t, "operator request", b.Comment)

	jobID, err := svc.CreateJob(ctx, "alice", model.Request{Kind: model.RequestNumBoards, NumBoards: 1}, 30*time.Second, "alice-host")
	require.NoError(t, err)
	tick(t, ctx, svc)

	j, err := svc.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, j.State, "disabled board must not be allocated")
}

func TestListMachinesReturnsSummary(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	svc := newService(st, bmp.NewDummyTransceiver(), testConfig(), nil)
	_, err := svc.LoadMachines(ctx, oneBoardDoc())
	require.NoError(t, err)

	summaries, err := svc.ListMachines(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "m1", summaries[0].Name)
	assert.Equal(t, 1, summaries[0].BoardCount)
}

func TestWaitForReturnsImmediatelyOnZeroTimeoutWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	svc := newService(st, bmp.NewDummyTransceiver(), testConfig(), nil)

	start := time.Now()
	got, err := svc.WaitFor(ctx, epoch.Job, 0, 0)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 0, got)
}

func TestWaitForWakesOnJobCreate(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	svc := newService(st, bmp.NewDummyTransceiver(), testConfig(), nil)
	_, err := svc.LoadMachines(ctx, oneBoardDoc())
	require.NoError(t, err)

	known := svc.epochs.Value(epoch.Job)
	done := make(chan int64, 1)
	go func() {
		got, _ := svc.WaitFor(context.Background(), epoch.Job, known, 5*time.Second)
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	_, err = svc.CreateJob(ctx, "alice", model.Request{Kind: model.RequestNumBoards, NumBoards: 1}, 30*time.Second, "alice-host")
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Greater(t, got, known)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not wake on job create")
	}
}
