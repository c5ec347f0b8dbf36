// Package configset implements the 2^N on/off pattern enumeration and
// the bracket search against a desired transmission. A pattern is an
// explicit bit-per-blade RowPattern reduced by a masked product; no
// sentinel floats appear anywhere in this package.
package configset

import (
	"fmt"
	"sort"
)

// RowPattern is a bitset over blade indices: bit i set means "insert
// blade i", bit i clear means "retract blade i".
type RowPattern uint32

// Inserts reports whether the pattern requests blade i inserted.
func (p RowPattern) Inserts(i int) bool {
	return p&(1<<uint(i)) != 0
}

// Set is the full 2^N x N enumeration for an N-blade stack.
type Set struct {
	N    int
	Rows []RowPattern
}

// maxBlades bounds N so a RowPattern's bits and 2^N row count both fit
// comfortably in memory and in a uint32; real stacks carry at most 20
// blades.
const maxBlades = 20

// Build enumerates all 2^n RowPatterns for an n-blade stack. Row order
// carries no meaning: the engine always re-sorts a derived column at
// search time.
func Build(n int) (*Set, error) {
	if n <= 0 || n > maxBlades {
		return nil, fmt.Errorf("configset: blade count %d out of range (1..%d)", n, maxBlades)
	}
	total := 1 << uint(n)
	rows := make([]RowPattern, total)
	for r := 0; r < total; r++ {
		rows[r] = RowPattern(r)
	}
	return &Set{N: n, Rows: rows}, nil
}

// BladeState is the minimal view of a blade's stuck condition a
// feasibility check needs; *blade.Blade satisfies this without
// configset importing the blade package's motion machinery.
type BladeState interface {
	IsStuckInserted() bool
	IsStuckRetracted() bool
}

// Feasible reports whether pattern p can be commanded given the current
// blade states: a row requesting insertion of a stuck-retracted blade,
// or retraction of a stuck-inserted blade, is infeasible and must be
// masked out before sorting.
func (p RowPattern) Feasible(states []BladeState) bool {
	for i, s := range states {
		if s == nil {
			continue
		}
		if p.Inserts(i) {
			if s.IsStuckRetracted() {
				return false
			}
		} else {
			if s.IsStuckInserted() {
				return false
			}
		}
	}
	return true
}

// Transmission computes T_r for pattern p given the per-blade
// transmission vector t: the masked product over inserted blades only.
// A retracted blade is transparent, so it contributes a factor of 1
// implicitly by simply not being multiplied in.
func (p RowPattern) Transmission(t []float64) float64 {
	t_r := 1.0
	for i, ti := range t {
		if p.Inserts(i) {
			t_r *= ti
		}
	}
	return t_r
}

// Candidate pairs a feasible row with its realized transmission.
type Candidate struct {
	Row RowPattern
	T   float64
}

// Bracket is the result of a search: the pair of candidates that most
// tightly surround T_des from below and above. LowIsBoundary/
// HighIsBoundary are set when T_des fell outside the attainable range
// and the corresponding side was clamped to the attainable extremum.
type Bracket struct {
	Low, High      Candidate
	LowIsBoundary  bool
	HighIsBoundary bool
}

// Search finds, given the per-blade transmission vector t and the set
// of blade states (for feasibility masking), the pair of feasible rows
// that bracket desired transmission tDes most tightly.
//
// Returns an error only if no row is feasible at all. That cannot happen
// with the full enumeration from Build, which always contains the row
// placing every stuck blade at its last-known position; it can happen
// with an explicit row list from LoadSet that omits every such row.
func (s *Set) Search(t []float64, states []BladeState, tDes float64) (Bracket, error) {
	candidates := make([]Candidate, 0, len(s.Rows))
	for _, row := range s.Rows {
		if !row.Feasible(states) {
			continue
		}
		candidates = append(candidates, Candidate{Row: row, T: row.Transmission(t)})
	}
	if len(candidates) == 0 {
		return Bracket{}, fmt.Errorf("configset: no feasible row for the current blade states")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].T != candidates[j].T {
			return candidates[i].T < candidates[j].T
		}
		return candidates[i].Row < candidates[j].Row
	})

	i := nearestIndex(candidates, tDes)

	switch {
	case candidates[i].T == tDes:
		return Bracket{Low: candidates[i], High: candidates[i]}, nil

	case candidates[i].T < tDes:
		low := candidates[i]
		highIdx := i + 1
		boundary := false
		if highIdx >= len(candidates) {
			highIdx = len(candidates) - 1
			boundary = true
		}
		return Bracket{Low: low, High: candidates[highIdx], HighIsBoundary: boundary}, nil

	default: // candidates[i].T > tDes
		high := candidates[i]
		lowIdx := i - 1
		boundary := false
		if lowIdx < 0 {
			lowIdx = 0
			boundary = true
		}
		return Bracket{Low: candidates[lowIdx], High: high, LowIsBoundary: boundary}, nil
	}
}

// nearestIndex binary-searches the ascending-sorted candidates for the
// index whose T is closest to tDes.
func nearestIndex(candidates []Candidate, tDes float64) int {
	p := sort.Search(len(candidates), func(i int) bool {
		return candidates[i].T >= tDes
	})
	if p == 0 {
		return 0
	}
	if p == len(candidates) {
		return len(candidates) - 1
	}
	below := candidates[p-1].T
	above := candidates[p].T
	if tDes-below <= above-tDes {
		return p - 1
	}
	return p
}
