package material

import (
	"fmt"

	"github.com/spf13/viper"
)

// yamlRow mirrors one row of the persisted materials file: f2 and mu
// only, since the photon energy is implicit from e_min/e_inc.
type yamlRow struct {
	F2 float64 `mapstructure:"f2"`
	Mu float64 `mapstructure:"mu"`
}

type yamlMaterial struct {
	Z    int       `mapstructure:"z"`
	A    float64   `mapstructure:"a"`
	Rho  float64   `mapstructure:"rho"`
	EMin float64   `mapstructure:"e_min"`
	EInc float64   `mapstructure:"e_inc"`
	Rows []yamlRow `mapstructure:"rows"`
}

type yamlLibrary struct {
	Materials map[string]yamlMaterial `mapstructure:"materials"`
}

// LoadLibrary reads a materials YAML file via viper and returns the
// keyed, validated Material set. A malformed absorption table anywhere
// in the file aborts the whole load with a *satterr.BadTableError,
// since this is startup-time, fatal data-integrity validation.
func LoadLibrary(path string) (map[string]*Material, error) {
	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")
	if err := vp.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("material: read config: %w", err)
	}

	var doc yamlLibrary
	if err := vp.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("material: unmarshal: %w", err)
	}

	out := make(map[string]*Material, len(doc.Materials))
	for key, ym := range doc.Materials {
		rows := make([]RawRow, len(ym.Rows))
		for i, r := range ym.Rows {
			rows[i] = RawRow{E: ym.EMin + float64(i)*ym.EInc, F2: r.F2, Mu: r.Mu}
		}
		table, err := Load(key, rows)
		if err != nil {
			return nil, err
		}
		out[key] = &Material{
			Formula: key,
			Z:       ym.Z,
			A:       ym.A,
			Rho:     ym.Rho,
			Table:   table,
		}
	}

	return out, nil
}
