// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package machineload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/internal/store/memstore"
	"github.com/spalloc/spallocd/internal/topology"
)

func singleBoardDoc() *Document {
	return &Document{
		Machines: []MachineDoc{
			{
				Name:   "m1",
				Tags:   []string{"default"},
				Width:  1,
				Height: 1,
				BoardLocations: []BoardLocationDoc{
					{Triad: topology.Triad{X: 0, Y: 0, Z: 0}, Physical: model.Physical{Cabinet: 0, Frame: 0, Board: 0}},
				},
				SpinnakerIPs: []string{"10.0.0.1"},
				BMPs:         []BMPDoc{{Cabinet: 0, Frame: 0, IP: "10.0.0.254"}},
			},
		},
	}
}

func TestLoadSingleBoardMachine(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	results, err := Load(ctx, st, singleBoardDoc())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.Inserted, results[0].Outcome)
	assert.Equal(t, 1, results[0].BoardsLoaded)
	assert.Equal(t, 6, results[0].LinksLoaded)

	m, err := st.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Depth)
	require.Len(t, m.Boards, 1)
	assert.Equal(t, "10.0.0.1", m.Boards[0].IPAddress)
}

func TestLoadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	_, err := Load(ctx, st, singleBoardDoc())
	require.NoError(t, err)

	results, err := Load(ctx, st, singleBoardDoc())
	require.NoError(t, err)
	assert.Equal(t, store.Skipped, results[0].Outcome)
	assert.Equal(t, 0, results[0].BoardsLoaded)
}

func TestLoadTriadMachineWithDeadBoardAndLink(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	doc := &Document{
		Machines: []MachineDoc{
			{
				Name:   "m3",
				Width:  1,
				Height: 1,
				BoardLocations: []BoardLocationDoc{
					{Triad: topology.Triad{X: 0, Y: 0, Z: 0}, Physical: model.Physical{Cabinet: 0, Frame: 0, Board: 0}},
					{Triad: topology.Triad{X: 0, Y: 0, Z: 1}, Physical: model.Physical{Cabinet: 0, Frame: 0, Board: 1}},
				},
				SpinnakerIPs: []string{"10.0.0.1", "10.0.0.2"},
				BMPs:         []BMPDoc{{Cabinet: 0, Frame: 0, IP: "10.0.0.254"}},
				DeadBoards:   []topology.Triad{{X: 0, Y: 0, Z: 2}},
				DeadLinks:    []DeadLinkDoc{{Triad: topology.Triad{X: 0, Y: 0, Z: 0}, Direction: "N"}},
			},
		},
	}

	results, err := Load(ctx, st, doc)
	require.NoError(t, err)
	assert.Equal(t, 3, results[0].BoardsLoaded)

	m, err := st.GetMachine(ctx, "m3")
	require.NoError(t, err)
	assert.Equal(t, 3, m.Depth)

	deadBoardIdx := m.BoardByTriad(topology.Triad{X: 0, Y: 0, Z: 2})
	require.GreaterOrEqual(t, deadBoardIdx, 0)
	assert.False(t, m.Boards[deadBoardIdx].Functioning)
	assert.Equal(t, 0, m.Boards[deadBoardIdx].Physical.Cabinet)

	var sawDeadLink bool
	for _, l := range m.Links {
		if l.Direction == topology.North && l.Dead {
			sawDeadLink = true
		}
	}
	assert.True(t, sawDeadLink)
}

func TestValidateRejectsBadName(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	doc := singleBoardDoc()
	doc.Machines[0].Name = "bad name"

	_, err := Load(ctx, st, doc)
	assert.Error(t, err)
}

func TestValidateRejectsMismatchedIPCount(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	doc := singleBoardDoc()
	doc.Machines[0].SpinnakerIPs = nil

	_, err := Load(ctx, st, doc)
	assert.Error(t, err)
}

func TestValidateRejectsUnknownBMP(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	doc := singleBoardDoc()
	doc.Machines[0].BMPs = nil

	_, err := Load(ctx, st, doc)
	assert.Error(t, err)
}

// TestParseAcceptsBracketedCoordinateForms covers spec.md §6's requirement
// that board_locations, spinnaker_ips, dead_boards and dead_links accept
// the bracketed stringified coordinate forms, not only the structured list
// form singleBoardDoc and TestLoadTriadMachineWithDeadBoardAndLink build by
// hand.
func TestParseAcceptsBracketedCoordinateForms(t *testing.T) {
	yamlDoc := []byte(`
machines:
  - name: m3
    width: 1
    height: 1
    board_locations:
      "[x:0,y:0,z:0]": "[c:0,f:0,b:0]"
      "[x:0,y:0,z:1]": "[c:0,f:0,b:1]"
    spinnaker_ips:
      "[x:0,y:0,z:0]": "10.0.0.1"
      "[x:0,y:0,z:1]": "10.0.0.2"
    bmp_ips:
      "[c:0,f:0]": "10.0.0.254"
    dead_boards:
      - "[x:0,y:0,z:2]"
    dead_links:
      "[x:0,y:0,z:0]": ["N", "S"]
`)

	doc, err := Parse(yamlDoc)
	require.NoError(t, err)
	require.Len(t, doc.Machines, 1)

	md := doc.Machines[0]
	require.Len(t, md.BoardLocations, 2)
	require.Len(t, md.SpinnakerIPs, 2)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, md.SpinnakerIPs)
	require.Len(t, md.BMPs, 1)
	assert.Equal(t, "10.0.0.254", md.BMPs[0].IP)
	require.Len(t, md.DeadBoards, 1)
	assert.Equal(t, topology.Triad{X: 0, Y: 0, Z: 2}, md.DeadBoards[0])
	require.Len(t, md.DeadLinks, 2)

	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	results, err := Load(ctx, st, doc)
	require.NoError(t, err)
	assert.Equal(t, 3, results[0].BoardsLoaded)
}

// TestParseAcceptsStructuredMappingCoordinateForms covers the structured
// (non-stringified) map-keyed alternative spec.md §6 also requires.
func TestParseAcceptsStructuredMappingCoordinateForms(t *testing.T) {
	yamlDoc := []byte(`
machines:
  - name: m1
    width: 1
    height: 1
    board_locations:
      ? {x: 0, y: 0, z: 0}
      : {cabinet: 0, frame: 0, board: 0}
    spinnaker_ips:
      ? {x: 0, y: 0, z: 0}
      : "10.0.0.1"
    bmps:
      - cabinet: 0
        frame: 0
        ip: "10.0.0.254"
`)

	doc, err := Parse(yamlDoc)
	require.NoError(t, err)
	require.Len(t, doc.Machines, 1)

	md := doc.Machines[0]
	require.Len(t, md.BoardLocations, 1)
	assert.Equal(t, topology.Triad{X: 0, Y: 0, Z: 0}, md.BoardLocations[0].Triad)
	require.Len(t, md.SpinnakerIPs, 1)
	assert.Equal(t, "10.0.0.1", md.SpinnakerIPs[0])
}
