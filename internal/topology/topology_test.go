// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootChip(t *testing.T) {
	cases := []struct {
		name    string
		triad   Triad
		x, y    int
		wantErr bool
	}{
		{"z0 origin", Triad{0, 0, 0}, 0, 0, false},
		{"z0 offset", Triad{2, 3, 0}, 24, 36, false},
		{"z1 offset", Triad{2, 3, 1}, 32, 40, false},
		{"z2 offset", Triad{2, 3, 2}, 28, 44, false},
		{"bad z", Triad{0, 0, 3}, 0, 0, true},
		{"negative z", Triad{0, 0, -1}, 0, 0, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			x, y, err := RootChip(c.triad)
			if c.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.x, x)
			assert.Equal(t, c.y, y)
		})
	}
}

func TestMaxChipCoords(t *testing.T) {
	maxX, maxY := MaxChipCoords(3, 2)
	assert.Equal(t, 3*tripleSpacing+tripleSpacing-1, maxX)
	assert.Equal(t, 2*tripleSpacing+tripleSpacing-1, maxY)
}

func TestDirectionOpposite(t *testing.T) {
	for _, d := range AllDirections {
		assert.Equal(t, d, d.Opposite().Opposite())
	}

	assert.Equal(t, South, North.Opposite())
	assert.Equal(t, West, East.Opposite())
	assert.Equal(t, SouthWest, NorthEast.Opposite())
}

func TestParseDirection(t *testing.T) {
	canonical := []struct {
		in   string
		want Direction
	}{
		{"N", North}, {"S", South}, {"E", East},
		{"W", West}, {"NE", NorthEast}, {"SW", SouthWest},
	}
	for _, c := range canonical {
		got, ok := ParseDirection(c.in)
		require.True(t, ok)
		assert.Equal(t, c.want, got)
	}

	legacy := []struct {
		in   string
		want Direction
	}{
		{"east", East}, {"northEast", NorthEast}, {"north", North},
		{"west", West}, {"southWest", SouthWest}, {"south", South},
	}
	for _, c := range legacy {
		got, ok := ParseDirection(c.in)
		require.True(t, ok)
		assert.Equal(t, c.want, got)
	}

	_, ok := ParseDirection("nope")
	assert.False(t, ok)
}

func TestMove_Composability(t *testing.T) {
	const width, height = 4, 5

	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			for z := 0; z < 3; z++ {
				origin := Triad{x, y, z}
				for _, d := range AllDirections {
					t.Run("", func(t *testing.T) {
						moved, err := Move(origin, d, width, height)
						require.NoError(t, err)

						back, err := Move(moved, d.Opposite(), width, height)
						require.NoError(t, err)

						assert.Equal(t, origin, back)
					})
				}
			}
		}
	}
}

func TestMove_WrapsXY(t *testing.T) {
	moved, err := Move(Triad{0, 0, 0}, West, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, moved.X)
	assert.Equal(t, 0, moved.Y)

	moved, err = Move(Triad{0, 0, 0}, SouthWest, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, moved.X)
	assert.Equal(t, 4, moved.Y)
}

func TestMove_BadZ(t *testing.T) {
	_, err := Move(Triad{0, 0, 5}, North, 4, 5)
	require.Error(t, err)
}

func TestIsDeadLink(t *testing.T) {
	width, height := 3, 3
	b := Triad{1, 1, 0}
	neighbour, err := Move(b, North, width, height)
	require.NoError(t, err)

	t.Run("board itself dead", func(t *testing.T) {
		lb := LiveBoards{
			Width: width, Height: height,
			Live:      map[Triad]bool{neighbour: true},
			DeadLinks: map[Triad]map[Direction]bool{},
		}
		assert.True(t, lb.IsDeadLink(b, North))
	})

	t.Run("link explicitly dead", func(t *testing.T) {
		lb := LiveBoards{
			Width: width, Height: height,
			Live:      map[Triad]bool{b: true, neighbour: true},
			DeadLinks: map[Triad]map[Direction]bool{b: {North: true}},
		}
		assert.True(t, lb.IsDeadLink(b, North))
	})

	t.Run("neighbour dead", func(t *testing.T) {
		lb := LiveBoards{
			Width: width, Height: height,
			Live:      map[Triad]bool{b: true},
			DeadLinks: map[Triad]map[Direction]bool{},
		}
		assert.True(t, lb.IsDeadLink(b, North))
	})

	t.Run("reciprocal link dead", func(t *testing.T) {
		lb := LiveBoards{
			Width: width, Height: height,
			Live:      map[Triad]bool{b: true, neighbour: true},
			DeadLinks: map[Triad]map[Direction]bool{neighbour: {South: true}},
		}
		assert.True(t, lb.IsDeadLink(b, North))
	})

	t.Run("fully live", func(t *testing.T) {
		lb := LiveBoards{
			Width: width, Height: height,
			Live:      map[Triad]bool{b: true, neighbour: true},
			DeadLinks: map[Triad]map[Direction]bool{},
		}
		assert.False(t, lb.IsDeadLink(b, North))
	})
}
