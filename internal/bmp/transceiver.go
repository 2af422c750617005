// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package bmp implements the per-BMP control pipeline: one serialised
// worker per board management processor, dispatching ordered
// power/FPGA/blacklist operations with retries and failure isolation.
package bmp

import (
	"context"

	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/pkg/pool"
)

// Transceiver abstracts the hardware channel to a BMP. A production
// implementation would bit-pack LinkInit onto the real FPGA register
// layout at this boundary; the dummy implementation simulates it for
// development and tests.
type Transceiver interface {
	// Dial opens a control channel to the BMP at addr.
	Dial(ctx context.Context, addr string) (pool.Conn, error)

	// SetPower transitions one board's power state.
	SetPower(ctx context.Context, conn pool.Conn, board int, on bool) error

	// SetLinkInit configures a powered-on board's per-FPGA link-init
	// registers.
	SetLinkInit(ctx context.Context, conn pool.Conn, board int, li model.LinkInit) error

	// VerifyBringUp confirms a powered-on, link-initialised board's FPGAs
	// came up correctly.
	VerifyBringUp(ctx context.Context, conn pool.Conn, board int) error

	// ReloadFPGA reloads a board's FPGA bitfiles, used on repeated
	// bring-up failure when fpga_reload is enabled.
	ReloadFPGA(ctx context.Context, conn pool.Conn, board int) error

	// ReadBlacklist returns a board's current blacklist contents.
	ReadBlacklist(ctx context.Context, conn pool.Conn, board int) (string, error)

	// WriteBlacklist overwrites a board's blacklist contents.
	WriteBlacklist(ctx context.Context, conn pool.Conn, board int, blacklist string) error
}
