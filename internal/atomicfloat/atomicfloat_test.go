package atomicfloat

import (
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestValue(t *testing.T) {
	Convey("Given a new atomicfloat.Value", t, func() {
		v := New(1.5)

		Convey("Load returns the initial value", func() {
			So(v.Load(), ShouldEqual, 1.5)
		})

		Convey("Store overwrites the value", func() {
			v.Store(42.0)
			So(v.Load(), ShouldEqual, 42.0)
		})

		Convey("When multiple writers Add concurrently", func() {
			v.Store(0)
			numOps := 2000
			numWriters := 4

			wg := sync.WaitGroup{}
			wg.Add(numWriters)
			for i := 0; i < numWriters; i++ {
				go func() {
					defer wg.Done()
					for j := 0; j < numOps; j++ {
						v.Add(1.0)
					}
				}()
			}
			wg.Wait()

			So(v.Load(), ShouldEqual, float64(numOps*numWriters))
		})
	})
}
