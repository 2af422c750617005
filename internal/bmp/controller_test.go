// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bmp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spalloc/spallocd/internal/changeobserver"
	"github.com/spalloc/spallocd/internal/epoch"
	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/internal/store/memstore"
	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/pool"
)

func seedBMPJob(t *testing.T, ctx context.Context, st *memstore.Store, state model.JobState) (machineID, boardID, jobID int64) {
	t.Helper()
	mres, err := st.InsertMachine(ctx, &model.Machine{Name: "m1", Width: 1, Height: 1, Depth: 1})
	require.NoError(t, err)
	_, err = st.InsertBMP(ctx, model.BMP{MachineID: mres.ID, Cabinet: 0, Frame: 0, ManagementIP: "10.0.0.1"})
	require.NoError(t, err)
	bres, err := st.InsertBoard(ctx, model.Board{
		MachineID:   mres.ID,
		Physical:    model.Physical{Cabinet: 0, Frame: 0, Board: 0},
		Functioning: true,
		MayAllocate: true,
	})
	require.NoError(t, err)

	jobID, err = st.CreateJob(ctx, &model.Job{MachineID: mres.ID, State: state})
	require.NoError(t, err)
	require.NoError(t, st.SetBoardAllocatedJob(ctx, bres.ID, &jobID))

	return mres.ID, bres.ID, jobID
}

func testTransceiverConfig() config.TransceiverConfig {
	return config.TransceiverConfig{
		PowerAttempts: 3,
		FPGAAttempts:  3,
		FPGAReload:    true,
		BuildAttempts: 3,
	}
}

// newTestWorker builds a worker directly, bypassing Controller.Start's
// background looper, so a test can drive exactly one processOnce pass and
// inspect the result without racing a periodic goroutine.
func newTestWorker(st store.Store, tx Transceiver, cfg config.TransceiverConfig, observer *changeobserver.Observer) *worker {
	conns := pool.NewBMPConnPool(pool.DefaultPoolConfig(), tx.Dial, nil)
	key := store.BMPKey{MachineID: 1, Cabinet: 0, Frame: 0}
	return newWorker(key, "10.0.0.1", st, conns, tx, observer, cfg, config.StateControlConfig{}, nil, nil)
}

func TestWorkerPowerOnSettlesJobToReady(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	_, boardID, jobID := seedBMPJob(t, ctx, st, model.JobPower)
	_, err := st.AppendPendingChange(ctx, model.PendingChange{
		JobID: jobID, BoardID: boardID, Power: model.PowerOn, Kind: model.ChangePower,
	})
	require.NoError(t, err)
	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	job.NumPending = 1
	require.NoError(t, st.UpdateJob(ctx, job))

	mgr := epoch.NewManager()
	obs := changeobserver.New(st, mgr, nil)
	w := newTestWorker(st, NewDummyTransceiver(), testTransceiverConfig(), obs)

	require.NoError(t, w.processOnce(ctx))

	job, err = st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobReady, job.State)

	board, err := st.GetBoard(ctx, boardID)
	require.NoError(t, err)
	assert.Equal(t, model.PowerOn, board.Power)
	assert.EqualValues(t, 1, mgr.Value(epoch.Job))
}

func TestWorkerHardwareFailureDestroysJobAndQueuesPowerOff(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	_, boardID, jobID := seedBMPJob(t, ctx, st, model.JobPower)
	_, err := st.AppendPendingChange(ctx, model.PendingChange{
		JobID: jobID, BoardID: boardID, Power: model.PowerOn, Kind: model.ChangePower,
	})
	require.NoError(t, err)
	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	job.NumPending = 1
	require.NoError(t, st.UpdateJob(ctx, job))

	mgr := epoch.NewManager()
	obs := changeobserver.New(st, mgr, nil)
	cfg := testTransceiverConfig()
	cfg.PowerAttempts = 1
	failing := &FailingTransceiver{Transceiver: NewDummyTransceiver(), FailBoard: 0}
	w := newTestWorker(st, failing, cfg, obs)

	require.NoError(t, w.processOnce(ctx))

	job, err = st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobDestroyed, job.State)
	assert.NotEmpty(t, job.DeathReason)

	remaining, _, err := st.JobChangeStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining, "a fresh power-off change should have been queued")

	require.NoError(t, w.processOnce(ctx))

	remaining, _, err = st.JobChangeStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining, "the re-enqueued power-off should also have settled")

	board, err := st.GetBoard(ctx, boardID)
	require.NoError(t, err)
	assert.Nil(t, board.AllocatedJob, "board should be released once power-off settles, win or lose")
}

func TestWorkerBlacklistWriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	_, boardID, jobID := seedBMPJob(t, ctx, st, model.JobReady)

	mgr := epoch.NewManager()
	obs := changeobserver.New(st, mgr, nil)
	w := newTestWorker(st, NewDummyTransceiver(), testTransceiverConfig(), obs)

	_, err := st.AppendPendingChange(ctx, model.PendingChange{
		JobID: jobID, BoardID: boardID, Kind: model.ChangeBlacklistWrite, Blacklist: "board-3-dead",
	})
	require.NoError(t, err)
	require.NoError(t, w.processOnce(ctx))
	assert.EqualValues(t, 1, mgr.Value(epoch.Blacklist))

	_, err = st.AppendPendingChange(ctx, model.PendingChange{
		JobID: jobID, BoardID: boardID, Kind: model.ChangeBlacklistRead,
	})
	require.NoError(t, err)
	require.NoError(t, w.processOnce(ctx))
	assert.EqualValues(t, 2, mgr.Value(epoch.Blacklist))
}

func TestControllerRediscoverIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	seedBMPJob(t, ctx, st, model.JobQueued)

	mgr := epoch.NewManager()
	obs := changeobserver.New(st, mgr, nil)
	ctrl := New(st, obs, NewDummyTransceiver(), testTransceiverConfig(), config.StateControlConfig{}, nil)
	require.NoError(t, ctrl.Start(ctx))
	defer ctrl.Stop()

	require.NoError(t, ctrl.Rediscover(ctx))
	assert.Len(t, ctrl.workers, 1)
}
