package configset

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "configurations.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSet(t *testing.T) {
	Convey("Given a file with only a blade count", t, func() {
		path := writeTempYAML(t, "blade_count: 3\n")

		Convey("LoadSet builds the full enumeration", func() {
			set, err := LoadSet(path)
			So(err, ShouldBeNil)
			So(set.N, ShouldEqual, 3)
			So(len(set.Rows), ShouldEqual, 8)
		})
	})

	Convey("Given a file with an explicit row list", t, func() {
		path := writeTempYAML(t, `
blade_count: 3
rows:
  - {on: []}
  - {on: [0]}
  - {on: [0, 2]}
`)

		Convey("LoadSet honors the listed rows verbatim", func() {
			set, err := LoadSet(path)
			So(err, ShouldBeNil)
			So(set.N, ShouldEqual, 3)
			So(len(set.Rows), ShouldEqual, 3)
			So(set.Rows[2].Inserts(0), ShouldBeTrue)
			So(set.Rows[2].Inserts(1), ShouldBeFalse)
			So(set.Rows[2].Inserts(2), ShouldBeTrue)
		})
	})

	Convey("Given a row referencing a blade outside blade_count", t, func() {
		path := writeTempYAML(t, "blade_count: 2\nrows:\n  - {on: [5]}\n")

		Convey("LoadSet rejects it", func() {
			_, err := LoadSet(path)
			So(err, ShouldNotBeNil)
		})
	})
}
