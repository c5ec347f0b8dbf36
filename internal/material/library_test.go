package material

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/slaclab/satt-engine/internal/satterr"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "materials.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLibrary(t *testing.T) {
	Convey("Given a well-formed materials file", t, func() {
		path := writeTempYAML(t, `
materials:
  Si:
    z: 14
    a: 4.6637e-23
    rho: 2.329
    e_min: 1000
    e_inc: 10
    rows:
      - {f2: 1.0e-3, mu: 1600.0}
      - {f2: 1.1e-3, mu: 1500.0}
      - {f2: 1.2e-3, mu: 1400.0}
`)

		Convey("LoadLibrary returns the keyed material with its table", func() {
			lib, err := LoadLibrary(path)
			So(err, ShouldBeNil)
			So(lib, ShouldContainKey, "Si")

			si := lib["Si"]
			So(si.Z, ShouldEqual, 14)
			So(si.Table.EMin, ShouldEqual, 1000)
			So(si.Table.EInc, ShouldEqual, 10)

			e, mu := si.Table.Lookup(1012)
			So(e, ShouldEqual, 1010)
			So(mu, ShouldEqual, 1500.0)
		})
	})

	Convey("Given a material with fewer than two rows", t, func() {
		path := writeTempYAML(t, `
materials:
  C:
    z: 6
    a: 1.9926e-23
    rho: 3.51
    e_min: 1000
    e_inc: 10
    rows:
      - {f2: 1.0e-3, mu: 1600.0}
`)

		Convey("LoadLibrary fails with a BadTableError", func() {
			_, err := LoadLibrary(path)
			So(err, ShouldNotBeNil)
			var bad *satterr.BadTableError
			So(errors.As(err, &bad), ShouldBeTrue)
			So(bad.Material, ShouldEqual, "C")
		})
	})
}
