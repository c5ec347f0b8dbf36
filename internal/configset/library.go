package configset

import (
	"fmt"

	"github.com/spf13/viper"
)

// yamlDoc mirrors the persisted configuration-enumeration file: a blade
// count and, optionally, a literal list of rows. Most deployments let
// LoadSet fall back to Build(BladeCount) since row order is immaterial
// and full enumeration is cheap for N <= 20; an explicit rows list is
// honored when present so an externally pre-generated file can be
// consumed verbatim.
type yamlDoc struct {
	BladeCount int       `mapstructure:"blade_count"`
	Rows       []yamlRow `mapstructure:"rows"`
}

type yamlRow struct {
	On []int `mapstructure:"on"`
}

// LoadSet reads a configuration-enumeration file via viper. If it lists
// explicit rows, each row's "on" list of blade indices becomes a
// RowPattern; otherwise the full 2^n enumeration is built from
// blade_count alone.
func LoadSet(path string) (*Set, error) {
	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")
	if err := vp.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("configset: read config: %w", err)
	}

	var doc yamlDoc
	if err := vp.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("configset: unmarshal: %w", err)
	}

	if len(doc.Rows) == 0 {
		return Build(doc.BladeCount)
	}

	if doc.BladeCount <= 0 || doc.BladeCount > maxBlades {
		return nil, fmt.Errorf("configset: blade count %d out of range (1..%d)", doc.BladeCount, maxBlades)
	}
	rows := make([]RowPattern, len(doc.Rows))
	for i, yr := range doc.Rows {
		var p RowPattern
		for _, idx := range yr.On {
			if idx < 0 || idx >= doc.BladeCount {
				return nil, fmt.Errorf("configset: row %d: blade index %d out of range", i, idx)
			}
			p |= 1 << uint(idx)
		}
		rows[i] = p
	}
	return &Set{N: doc.BladeCount, Rows: rows}, nil
}
