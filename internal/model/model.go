// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package model defines the value types the allocation engine, BMP
// controller, job lifecycle and store operate over. A Machine owns its
// Boards, Links and BMPs by integer index (an arena), never by pointer or
// back-reference — callers look boards up through the owning Machine or
// through the store's indexes, per the arena+index ownership redesign.
package model

import (
	"time"

	"github.com/spalloc/spallocd/internal/topology"
)

// JobState is a job's position in the lifecycle state machine.
type JobState int

const (
	JobQueued JobState = iota
	JobPower
	JobReady
	JobDestroyed
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "QUEUED"
	case JobPower:
		return "POWER"
	case JobReady:
		return "READY"
	case JobDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// PowerState is a board's last-known power status.
type PowerState int

const (
	PowerOff PowerState = iota
	PowerOn
)

func (p PowerState) String() string {
	if p == PowerOn {
		return "on"
	}
	return "off"
}

// ChangeStatus is a pending change's progress through the BMP controller.
type ChangeStatus int

const (
	ChangeQueued ChangeStatus = iota
	ChangeInFlight
	ChangeDone
	ChangeFailed
)

func (s ChangeStatus) String() string {
	switch s {
	case ChangeQueued:
		return "queued"
	case ChangeInFlight:
		return "in-flight"
	case ChangeDone:
		return "done"
	case ChangeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Physical is a board's cabinet/frame/board-slot address, the coordinate
// frame operators and BMPs use instead of the logical triad.
type Physical struct {
	Cabinet, Frame, Board int
}

// LinkInit is the six-boolean FPGA link-initialisation vector carried end
// to end on a pending power-on change, one flag per hex direction. No
// bit-packing onto a real register layout is performed; a production
// Transceiver would do that packing at the hardware boundary.
type LinkInit struct {
	N, S, E, W, NE, SW bool
}

// Machine is a named allocation pool: a W x H grid of triads, each triad
// holding 1 (depth 1, single-board machines) or 3 (depth 3) boards.
// Boards, Links and BMPs belong to the Machine by index into its own
// slices — nothing below holds a pointer back to its Machine.
type Machine struct {
	ID        int64
	Name      string
	Width     int
	Height    int
	Depth     int // 1 or 3
	Tags      []string
	InService bool

	// MaxChipX/MaxChipY are the highest valid chip coordinates in this
	// machine's root-chip space, computed once at load time from
	// topology.MaxChipCoords.
	MaxChipX int
	MaxChipY int

	Boards []Board
	Links  []Link
	BMPs   []BMP
}

// BoardByTriad returns the index into m.Boards of the board at t, or -1.
func (m *Machine) BoardByTriad(t topology.Triad) int {
	for i := range m.Boards {
		if m.Boards[i].Triad == t {
			return i
		}
	}
	return -1
}

// BoardByPhysical returns the index into m.Boards of the board at p, or -1.
func (m *Machine) BoardByPhysical(p Physical) int {
	for i := range m.Boards {
		if m.Boards[i].Physical == p {
			return i
		}
	}
	return -1
}

// Board is one physical SpiNNaker board within a Machine.
type Board struct {
	ID           int64
	MachineID    int64
	Triad        topology.Triad
	Physical     Physical
	IPAddress    string
	MayAllocate  bool // operator-controlled: may this board be handed out
	Functioning  bool // live vs dead, per the machine description/blacklist
	AllocatedJob *int64
	Power        PowerState
	PowerChanged time.Time
	LastChanged  time.Time

	BMPSerial      string
	PhysicalSerial string

	// Comment is an operator-supplied note, not interpreted by the
	// allocator or BMP controller.
	Comment string
}

// RootChip returns the board's root-chip coordinates, derived from its
// triad per topology.RootChip.
func (b Board) RootChip() (x, y int, err error) {
	return topology.RootChip(b.Triad)
}

// Link is one directed hex-link endpoint on a board.
type Link struct {
	MachineID int64
	BoardID   int64
	Direction topology.Direction
	Dead      bool
}

// BMP is a board management processor, addressed by its cabinet/frame and
// reachable at a management IP, controlling every board in that frame.
type BMP struct {
	MachineID     int64
	Cabinet       int
	Frame         int
	ManagementIP  string
}

// RequestKind discriminates the three shapes a job's board request can
// take.
type RequestKind int

const (
	RequestNumBoards RequestKind = iota
	RequestRectangle
	RequestSpecificBoard
)

// Request is the tagged union of the three ways a job can describe the
// boards it wants. Exactly the fields relevant to Kind are meaningful.
type Request struct {
	Kind RequestKind

	// RequestNumBoards
	NumBoards int

	// RequestRectangle
	Width, Height int

	// RequestSpecificBoard
	Triad    topology.Triad
	Physical Physical

	// MaxDeadBoards bounds how many non-functioning boards a Rectangle or
	// NumBoards allocation may tolerate; ignored for RequestSpecificBoard.
	MaxDeadBoards int

	// MachineTag constrains the candidate machine set, if set.
	MachineTag string
}

// Job is one allocation request/lease, progressing through the state
// machine QUEUED -> POWER -> READY -> DESTROYED.
type Job struct {
	ID        int64
	Owner     string
	CreatedAt time.Time

	// Handle is an opaque external correlation ID, stable for the job's
	// whole life, for callers that shouldn't be handed the internal
	// sequential ID (log correlation, cross-system references).
	Handle string

	KeepaliveInterval time.Duration
	LastKeepalive     time.Time
	KeepaliveHost     string

	State JobState

	Request       Request
	MaxDeadBoards int

	MachineID int64
	Width     int
	Height    int
	RootID    *int64

	NumPending int

	DeathReason string
	DestroyedAt time.Time

	// Tags is a read-only passthrough of the request's machine-tag
	// constraint, surfaced on describeJob for operator visibility.
	Tags []string
}

// PendingChange is one queued hardware action against a board: a power
// transition plus, for power-on changes, the per-link FPGA init vector.
type PendingChange struct {
	ID       int64
	JobID    int64
	BoardID  int64
	Power    PowerState
	LinkInit LinkInit

	// Kind distinguishes a power change from a blacklist read/write; the
	// two are serialized per board by the BMP controller.
	Kind ChangeKind

	// Blacklist carries a write's payload on input and a read's result on
	// completion; unused for ChangePower.
	Blacklist string

	Status      ChangeStatus
	Error       string
	EnqueuedAt  time.Time
	CompletedAt time.Time
}

// ChangeKind is the category of hardware action a PendingChange performs.
type ChangeKind int

const (
	ChangePower ChangeKind = iota
	ChangeBlacklistRead
	ChangeBlacklistWrite
)

// SelectorKind discriminates the three ways the admission API lets a
// caller name a single board.
type SelectorKind int

const (
	SelectorTriad SelectorKind = iota
	SelectorPhysical
	SelectorIP
)

// BoardSelector names one board by triad, physical address or IP, for
// setBoardState/getBoardState.
type BoardSelector struct {
	Kind     SelectorKind
	Machine  string
	Triad    topology.Triad
	Physical Physical
	IP       string
}
