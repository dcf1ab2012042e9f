// Package xp is the progression engine: award accrual with cooldowns and
// caps, deterministic rank derivation over the 25×7 lattice, and the
// promotion coordinator that reacts to gains.
package xp

import (
	"fmt"
	"math"
	"sort"

	"github.com/crosslink-mc/crosslink/internal/config"
)

// Coordinate is a position on the rank lattice. Main runs 0..24, sub 0..6.
type Coordinate struct {
	Main int
	Sub  int
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d.%d", c.Main, c.Sub)
}

// Less orders coordinates by main rank, then sub rank.
func (c Coordinate) Less(o Coordinate) bool {
	if c.Main != o.Main {
		return c.Main < o.Main
	}
	return c.Sub < o.Sub
}

type latticeEntry struct {
	threshold int64
	coord     Coordinate
}

// Lattice precomputes the sorted threshold array for O(log n) derivation.
type Lattice struct {
	entries []latticeEntry
	byCoord map[Coordinate]int64
}

// NewLattice builds the lattice from configuration: threshold(main, sub) =
// mainBaseXP[main] × subMultiplier[sub], rounded to the nearest integer.
func NewLattice(cfg config.RankConfig) (*Lattice, error) {
	if len(cfg.MainBaseXP) != 25 {
		return nil, fmt.Errorf("xp: main_base_xp needs 25 entries, got %d", len(cfg.MainBaseXP))
	}
	if len(cfg.SubMultipliers) != 7 {
		return nil, fmt.Errorf("xp: sub_multipliers needs 7 entries, got %d", len(cfg.SubMultipliers))
	}

	entries := make([]latticeEntry, 0, 25*7)
	byCoord := make(map[Coordinate]int64, 25*7)
	for m := 0; m < 25; m++ {
		base := float64(cfg.MainBaseXP[m])
		for s := 0; s < 7; s++ {
			c := Coordinate{Main: m, Sub: s}
			t := int64(math.Round(base * cfg.SubMultipliers[s]))
			entries = append(entries, latticeEntry{threshold: t, coord: c})
			byCoord[c] = t
		}
	}

	// Sorted ascending by threshold. Equal thresholds put the higher
	// coordinate last so derivation resolves ties upward.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].threshold != entries[j].threshold {
			return entries[i].threshold < entries[j].threshold
		}
		return entries[i].coord.Less(entries[j].coord)
	})

	return &Lattice{entries: entries, byCoord: byCoord}, nil
}

// Derive returns the highest coordinate whose threshold is at most the
// cumulative XP. XP below the lowest threshold clamps to the lattice floor.
// Equal thresholds resolve to the higher main rank, then higher sub rank.
func (l *Lattice) Derive(cumulative int64) Coordinate {
	if cumulative < 0 {
		cumulative = 0
	}
	// First entry with threshold > cumulative; the one before it wins.
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].threshold > cumulative
	})
	if i == 0 {
		return l.entries[0].coord
	}
	return l.entries[i-1].coord
}

// Threshold reports the XP needed for a coordinate.
func (l *Lattice) Threshold(c Coordinate) (int64, bool) {
	t, ok := l.byCoord[c]
	return t, ok
}

// Next returns the coordinate and threshold directly above the given
// cumulative XP, for progress displays. ok is false at the lattice top.
func (l *Lattice) Next(cumulative int64) (Coordinate, int64, bool) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].threshold > cumulative
	})
	if i >= len(l.entries) {
		return Coordinate{}, 0, false
	}
	return l.entries[i].coord, l.entries[i].threshold, true
}

// Top reports the highest coordinate on the lattice.
func (l *Lattice) Top() Coordinate {
	return l.entries[len(l.entries)-1].coord
}
