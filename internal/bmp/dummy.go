// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bmp

import (
	"context"
	"fmt"
	"sync"

	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/pkg/pool"
)

// dummyConn is a no-op control channel, selected by transceiver.dummy for
// development and tests where there is no real BMP to talk to.
type dummyConn struct{}

func (dummyConn) Close() error { return nil }

// DummyTransceiver simulates a BMP's behaviour entirely in memory:
// power-on/off always succeeds, and blacklist reads/writes round-trip
// through an in-process map.
type DummyTransceiver struct {
	mu         sync.Mutex
	blacklists map[int]string
}

// NewDummyTransceiver creates a Transceiver that never talks to hardware.
func NewDummyTransceiver() *DummyTransceiver {
	return &DummyTransceiver{blacklists: make(map[int]string)}
}

func (d *DummyTransceiver) Dial(ctx context.Context, addr string) (pool.Conn, error) {
	return dummyConn{}, nil
}

func (d *DummyTransceiver) SetPower(ctx context.Context, conn pool.Conn, board int, on bool) error {
	return nil
}

func (d *DummyTransceiver) SetLinkInit(ctx context.Context, conn pool.Conn, board int, li model.LinkInit) error {
	return nil
}

func (d *DummyTransceiver) VerifyBringUp(ctx context.Context, conn pool.Conn, board int) error {
	return nil
}

func (d *DummyTransceiver) ReloadFPGA(ctx context.Context, conn pool.Conn, board int) error {
	return nil
}

func (d *DummyTransceiver) ReadBlacklist(ctx context.Context, conn pool.Conn, board int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blacklists[board], nil
}

func (d *DummyTransceiver) WriteBlacklist(ctx context.Context, conn pool.Conn, board int, blacklist string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blacklists[board] = blacklist
	return nil
}

var _ Transceiver = (*DummyTransceiver)(nil)

// FailingTransceiver wraps a Transceiver and fails every SetPower call for
// one specific board, for exercising the retry-exhaustion/hardware-failure
// path in tests.
type FailingTransceiver struct {
	Transceiver
	FailBoard int
}

func (f *FailingTransceiver) SetPower(ctx context.Context, conn pool.Conn, board int, on bool) error {
	if board == f.FailBoard {
		return fmt.Errorf("simulated bmp failure for board %d", board)
	}
	return f.Transceiver.SetPower(ctx, conn, board, on)
}
