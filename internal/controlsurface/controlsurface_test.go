package controlsurface

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func validSet(keys ...string) MaterialValidator {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return func(key string) bool { return set[key] }
}

func TestSurfaceWrites(t *testing.T) {
	Convey("Given a 2-blade surface with Si and C as valid materials", t, func() {
		s := New(2, validSet("Si", "C"))

		Convey("WriteTDes rejects values outside [0,1]", func() {
			err := s.WriteTDes(-0.1)
			So(err, ShouldNotBeNil)
			err = s.WriteTDes(1.1)
			So(err, ShouldNotBeNil)

			err = s.WriteTDes(0.5)
			So(err, ShouldBeNil)
			So(s.TDes(), ShouldEqual, 0.5)
		})

		Convey("WriteMaterial rejects a material outside the loaded set", func() {
			err := s.WriteMaterial(1, "Pb")
			So(err, ShouldNotBeNil)

			err = s.WriteMaterial(1, "Si")
			So(err, ShouldBeNil)
			So(s.Snapshot().Blades[0].Material, ShouldEqual, "Si")
		})

		Convey("WriteThickness rejects negative thickness", func() {
			err := s.WriteThickness(1, -0.01)
			So(err, ShouldNotBeNil)

			err = s.WriteThickness(1, 0.2)
			So(err, ShouldBeNil)
			So(s.Snapshot().Blades[0].Thickness, ShouldEqual, 0.2)
		})

		Convey("WriteEV and WriteTDes deliver on their respective reactive channels", func() {
			go s.WriteEV(1500)
			ev := <-s.EVChanges()
			So(ev, ShouldEqual, 1500)

			go s.WriteTDes(0.3)
			tDes := <-s.TDesChanges()
			So(tDes, ShouldEqual, 0.3)
		})

		Convey("Subscribers receive a batched update on every write", func() {
			_, updates := s.Subscribe()
			s.WriteEV(1600)
			got := <-updates
			So(len(got), ShouldEqual, 1)
			So(got[0].Name, ShouldEqual, VarEV)
			So(got[0].Value, ShouldEqual, 1600.0)
		})

		Convey("WriteUnlock(true) clears an engaged lock", func() {
			s.WriteLocked(true)
			So(s.IsLocked(), ShouldBeTrue)

			s.WriteUnlock(true)
			So(s.IsLocked(), ShouldBeFalse)
		})

		Convey("WriteUnlock(false) leaves the lock engaged", func() {
			s.WriteLocked(true)
			s.WriteUnlock(false)
			So(s.IsLocked(), ShouldBeTrue)
		})

		Convey("PublishBracket updates T_low/T_high and boundary flags atomically", func() {
			s.PublishBracket(0.4, 0.6, true, false)
			snap := s.Snapshot()
			So(snap.TLow, ShouldEqual, 0.4)
			So(snap.THigh, ShouldEqual, 0.6)
			So(snap.BoundaryLow, ShouldBeTrue)
			So(snap.BoundaryHigh, ShouldBeFalse)
		})
	})
}
