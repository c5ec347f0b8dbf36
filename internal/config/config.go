// Package config loads the daemon's process configuration: device
// prefix, blade count and per-blade material/thickness, and the paths
// to the two persisted data files (absorption tables, configuration
// enumeration).
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// BladeConfig is one blade's startup wiring.
type BladeConfig struct {
	Material  string  `mapstructure:"material"`
	Thickness float64 `mapstructure:"thickness"`
}

// Process is the full startup configuration for one device prefix.
type Process struct {
	Prefix            string        `mapstructure:"prefix"`
	MonitorAddr       string        `mapstructure:"monitor_addr"`
	MaterialsFile     string        `mapstructure:"materials_file"`
	ConfigurationFile string        `mapstructure:"configurations_file"`
	Blades            []BladeConfig `mapstructure:"blades"`
	MotionLatencyMS   int           `mapstructure:"motion_latency_ms"`
}

// Load reads a process configuration YAML file via viper.
func Load(path string) (*Process, error) {
	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")
	vp.SetDefault("monitor_addr", ":8080")
	vp.SetDefault("motion_latency_ms", 500)

	if err := vp.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read config: %w", err)
	}

	var p Process
	if err := vp.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if p.Prefix == "" {
		return nil, fmt.Errorf("config: prefix is required")
	}
	if len(p.Blades) == 0 {
		return nil, fmt.Errorf("config: at least one blade is required")
	}
	return &p, nil
}
