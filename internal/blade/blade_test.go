package blade_test

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/slaclab/satt-engine/internal/blade"
	"github.com/slaclab/satt-engine/internal/material"
	"github.com/slaclab/satt-engine/internal/process"
)

type (
	BladeStatus = blade.Status
)

const (
	Unknown  = blade.Unknown
	InMotion = blade.InMotion
	Inserted = blade.Inserted
	Stuck    = blade.Stuck
	Reached  = blade.Reached
	Failed   = blade.Failed
	TimedOut = blade.TimedOut
)

var New = blade.New

func syntheticMaterial(t *testing.T, mu float64) *material.Material {
	t.Helper()
	rows := make([]material.RawRow, 1001)
	for i := range rows {
		rows[i] = material.RawRow{E: 1000 + float64(i), F2: 0, Mu: mu}
	}
	table, err := material.Load("synthetic", rows)
	if err != nil {
		t.Fatal(err)
	}
	return &material.Material{Formula: "synthetic", Table: table}
}

func TestBlade(t *testing.T) {
	Convey("Given a blade backed by a synthetic 1.0/m material", t, func() {
		mat := syntheticMaterial(t, 1.0)
		model := process.NewModel(5 * time.Millisecond)
		locked := false
		b, err := New(1, mat, 0.1, model, func() bool { return locked })
		So(err, ShouldBeNil)

		Convey("Transmission is exp(-mu*d) regardless of status", func() {
			So(b.Transmission(1500), ShouldAlmostEqual, 0.904837, 1e-5)
		})

		Convey("A zero or negative thickness is rejected at construction", func() {
			_, err := New(2, mat, 0, model, func() bool { return false })
			So(err, ShouldNotBeNil)
			_, err = New(2, mat, -1, model, func() bool { return false })
			So(err, ShouldNotBeNil)
		})

		Convey("Insert transitions Unknown -> InMotion -> Inserted on success", func() {
			handle, err := b.Insert(context.Background())
			So(err, ShouldBeNil)
			So(b.Status(), ShouldEqual, InMotion)

			result := handle.Wait(context.Background())
			So(result, ShouldEqual, Reached)
			So(b.Status(), ShouldEqual, Inserted)
		})

		Convey("A command timing out moves the blade to Unknown", func() {
			slow := process.NewModel(time.Hour)
			slowBlade, _ := New(1, mat, 0.1, slow, func() bool { return false })

			ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
			defer cancel()
			handle, err := slowBlade.Insert(context.Background())
			So(err, ShouldBeNil)

			result := handle.Wait(ctx)
			So(result, ShouldEqual, TimedOut)
			So(slowBlade.Status(), ShouldEqual, Unknown)
		})

		Convey("A failed command moves the blade to Stuck", func() {
			model.InjectFailure(1)
			handle, err := b.Insert(context.Background())
			So(err, ShouldBeNil)

			result := handle.Wait(context.Background())
			So(result, ShouldEqual, Failed)
			So(b.Status(), ShouldEqual, Stuck)
		})

		Convey("Stuck blades reject further commands", func() {
			b.SetStuck()
			_, err := b.Insert(context.Background())
			So(err, ShouldNotBeNil)
			_, err = b.Retract(context.Background())
			So(err, ShouldNotBeNil)
		})

		Convey("ClearStuck returns the blade to Unknown", func() {
			b.SetStuck()
			b.ClearStuck()
			So(b.Status(), ShouldEqual, Unknown)
		})

		Convey("When the system lock is engaged, commands fail fast with no actuator contact", func() {
			locked = true
			_, err := b.Insert(context.Background())
			So(err, ShouldNotBeNil)
			So(b.Status(), ShouldNotEqual, InMotion)
		})

		Convey("Re-inserting an already-Inserted blade is idempotent", func() {
			handle, _ := b.Insert(context.Background())
			handle.Wait(context.Background())
			So(b.Status(), ShouldEqual, Inserted)

			handle2, err := b.Insert(context.Background())
			So(err, ShouldBeNil)
			So(handle2.Wait(context.Background()), ShouldEqual, Reached)
			So(b.Status(), ShouldEqual, Inserted)
		})

		Convey("A blade that failed while retracting remembers Inserted as its stuck position", func() {
			handle, _ := b.Insert(context.Background())
			handle.Wait(context.Background())
			So(b.Status(), ShouldEqual, Inserted)

			model.InjectFailure(1)
			handle2, _ := b.Retract(context.Background())
			handle2.Wait(context.Background())
			So(b.Status(), ShouldEqual, Stuck)
			So(b.IsStuckInserted(), ShouldBeTrue)
			So(b.IsStuckRetracted(), ShouldBeFalse)
		})
	})
}
