package material

import (
	"math"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func syntheticRows(n int, eMin, eInc, mu float64) []RawRow {
	rows := make([]RawRow, n)
	for i := 0; i < n; i++ {
		rows[i] = RawRow{E: eMin + float64(i)*eInc, F2: 0, Mu: mu}
	}
	return rows
}

func TestLoad(t *testing.T) {
	Convey("Given a uniformly spaced, finite absorption source", t, func() {
		rows := syntheticRows(1001, 1000, 1, 1.0)

		Convey("Load succeeds and preserves the implicit grid", func() {
			table, err := Load("synthetic", rows)
			So(err, ShouldBeNil)
			So(table.EMin, ShouldEqual, 1000)
			So(table.EInc, ShouldEqual, 1)
			So(len(table.Rows), ShouldEqual, 1001)
		})

		Convey("Lookup returns the nearest grid point and its mu", func() {
			table, _ := Load("synthetic", rows)

			e, mu := table.Lookup(1500)
			So(e, ShouldEqual, 1500)
			So(mu, ShouldEqual, 1.0)

			eNearest, _ := table.Lookup(1500.4)
			So(eNearest, ShouldEqual, 1500)
		})

		Convey("Lookup clamps out-of-range requests", func() {
			table, _ := Load("synthetic", rows)

			eLow, _ := table.Lookup(-100)
			So(eLow, ShouldEqual, 1000)

			eHigh, _ := table.Lookup(9999)
			So(eHigh, ShouldEqual, 2000)
		})

		Convey("Round-trip: lookup(lookup(E).E).E == lookup(E).E", func() {
			table, _ := Load("synthetic", rows)
			for _, e := range []float64{1000, 1500.7, 1999.9, -50, 5000} {
				first, _ := table.Lookup(e)
				second, _ := table.Lookup(first)
				So(second, ShouldEqual, first)
			}
		})
	})

	Convey("Given a non-uniformly spaced energy column", t, func() {
		rows := []RawRow{
			{E: 1000, F2: 0, Mu: 1},
			{E: 1001, F2: 0, Mu: 1},
			{E: 1003, F2: 0, Mu: 1}, // gap of 2, not 1
		}

		Convey("Load fails with a BadTableError", func() {
			_, err := Load("bad", rows)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "not uniformly spaced")
		})
	})

	Convey("Given a non-finite mu value", t, func() {
		rows := []RawRow{
			{E: 1000, F2: 0, Mu: 1},
			{E: 1001, F2: 0, Mu: math.NaN()},
			{E: 1002, F2: 0, Mu: 1},
		}

		Convey("Load fails with a BadTableError", func() {
			_, err := Load("bad-mu", rows)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "not finite")
		})
	})
}

func TestBuildFromScatteringFactors(t *testing.T) {
	Convey("Given unevenly spaced scattering-factor samples", t, func() {
		samples := []ScatteringSample{
			{E: 1000, F2: 1.0e-3},
			{E: 1500, F2: 1.2e-3},
			{E: 2000, F2: 1.5e-3},
		}

		Convey("a uniform-grid table is derived without error", func() {
			table, err := BuildFromScatteringFactors("Si", samples, 1000, 2000, 10, 4.6637e-23, 2.329)
			So(err, ShouldBeNil)
			So(table.EInc, ShouldEqual, 10)
			So(len(table.Rows), ShouldEqual, 101)

			for _, row := range table.Rows {
				So(row.Mu, ShouldBeGreaterThan, 0)
			}
		})
	})
}
