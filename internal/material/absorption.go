// Package material implements the physics lookup layer: per-material
// absorption tables on a uniform photon-energy grid, and the handful of
// scalar constants (Z, A, rho) needed to derive one from raw scattering
// factors.
package material

import (
	"fmt"
	"math"
	"sort"

	"github.com/slaclab/satt-engine/internal/satterr"
)

// Row is one sample of a material's absorption table: the scattering
// factor f2 and linear absorption coefficient mu at the row's implicit
// photon energy (e_min + i*e_inc).
type Row struct {
	F2 float64
	Mu float64
}

// AbsorptionTable is a uniformly spaced tabulation of a material's linear
// absorption coefficient. The energy grid is implicit (e_min, e_inc,
// len(Rows)) rather than stored per row, which is what makes Lookup O(1)
// arithmetic rather than a binary search.
type AbsorptionTable struct {
	EMin float64
	EInc float64
	Rows []Row
}

// RawRow is one row of an externally supplied absorption source: an
// explicit photon energy alongside f2 and mu. Load validates the energy
// column before discarding it in favor of the implicit grid.
type RawRow struct {
	E, F2, Mu float64
}

// Load builds an AbsorptionTable from raw rows, validating that the
// energy column is sorted, strictly monotonic, and uniformly spaced to a
// tolerance of 1e-6*e_inc, and that every mu is finite. Returns
// *satterr.BadTableError on any violation.
func Load(materialKey string, rows []RawRow) (*AbsorptionTable, error) {
	if len(rows) < 2 {
		return nil, satterr.NewBadTable(materialKey, "fewer than two rows")
	}
	if !sort.SliceIsSorted(rows, func(i, j int) bool { return rows[i].E < rows[j].E }) {
		return nil, satterr.NewBadTable(materialKey, "energy column is not sorted ascending")
	}

	eMin := rows[0].E
	eInc := rows[1].E - eMin
	if eInc <= 0 {
		return nil, satterr.NewBadTable(materialKey, "energy column is not strictly increasing")
	}
	tol := 1e-6 * eInc

	out := make([]Row, len(rows))
	for i, r := range rows {
		expected := eMin + float64(i)*eInc
		if math.Abs(r.E-expected) > tol {
			return nil, satterr.NewBadTable(materialKey, fmt.Sprintf("row %d: energy grid is not uniformly spaced (got %v, want %v)", i, r.E, expected))
		}
		if math.IsNaN(r.Mu) || math.IsInf(r.Mu, 0) {
			return nil, satterr.NewBadTable(materialKey, fmt.Sprintf("row %d: mu is not finite", i))
		}
		out[i] = Row{F2: r.F2, Mu: r.Mu}
	}

	return &AbsorptionTable{EMin: eMin, EInc: eInc, Rows: out}, nil
}

// Lookup returns the grid-nearest energy and its absorption coefficient.
// Out-of-range requests clamp to the first or last row.
func (t *AbsorptionTable) Lookup(e float64) (eNearest, mu float64) {
	n := len(t.Rows)
	i := int(math.Round((e - t.EMin) / t.EInc))
	if i < 0 {
		i = 0
	}
	if i > n-1 {
		i = n - 1
	}
	return t.EMin + float64(i)*t.EInc, t.Rows[i].Mu
}

// Physical constants used to derive mu from scattering factors.
const (
	classicalElectronRadius = 2.8179e-15 // r0, meters
	planckConstant          = 6.626176e-34
	speedOfLight            = 2.9979e8
	avogadroNumber          = 6.022e23
)

// ScatteringSample is one (possibly non-uniformly spaced) raw scattering
// factor sample, as would be read from a CXRO-style dataset.
type ScatteringSample struct {
	E, F2 float64
}

// BuildFromScatteringFactors derives a uniform-grid AbsorptionTable from
// raw, possibly unevenly spaced scattering-factor samples, linearly
// interpolating f2 onto a uniform grid and computing
// mu = (2*r0*h*c*f2/E)*rho*(NA/A). a is atomic weight in grams, rho is
// density in g/cm^3.
func BuildFromScatteringFactors(materialKey string, samples []ScatteringSample, eMin, eMax, eInc, a, rho float64) (*AbsorptionTable, error) {
	if len(samples) < 2 {
		return nil, satterr.NewBadTable(materialKey, "fewer than two scattering samples")
	}
	sorted := append([]ScatteringSample(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].E < sorted[j].E })

	n := int(math.Round((eMax-eMin)/eInc)) + 1
	rows := make([]RawRow, n)
	for i := 0; i < n; i++ {
		e := eMin + float64(i)*eInc
		f2 := interpolate(sorted, e)
		mu := (2 * classicalElectronRadius * planckConstant * speedOfLight * f2 / e) * rho * (avogadroNumber / a)
		rows[i] = RawRow{E: e, F2: f2, Mu: mu}
	}
	return Load(materialKey, rows)
}

// interpolate performs piecewise-linear interpolation of f2 at e over the
// (sorted) samples, clamping to the nearest endpoint outside the range.
func interpolate(samples []ScatteringSample, e float64) float64 {
	if e <= samples[0].E {
		return samples[0].F2
	}
	last := len(samples) - 1
	if e >= samples[last].E {
		return samples[last].F2
	}
	i := sort.Search(len(samples), func(i int) bool { return samples[i].E >= e })
	lo, hi := samples[i-1], samples[i]
	frac := (e - lo.E) / (hi.E - lo.E)
	return lo.F2 + frac*(hi.F2-lo.F2)
}

// Material is an immutable, loaded absorption reference: chemical
// formula, atomic number/weight, density, and its absorption table.
type Material struct {
	Formula string
	Z       int
	A       float64 // grams
	Rho     float64 // g/cm^3
	Table   *AbsorptionTable
}
