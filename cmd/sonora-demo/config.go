package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// demoConfig is the YAML-loadable configuration for the demo CLI: engine
// sizing plus a handful of scripted actions to exercise at startup. It
// intentionally mirrors only the small slice of Config a standalone demo
// needs; embedding apps are expected to build engine.Config directly.
type demoConfig struct {
	PoolCapacity  int      `yaml:"pool_capacity"`
	DefaultScheme string   `yaml:"default_scheme"`
	SearchRoots   []string `yaml:"search_roots"`
	Buses         []string `yaml:"buses"`
	OneShots      []string `yaml:"one_shots"`
}

func defaultDemoConfig() demoConfig {
	return demoConfig{
		PoolCapacity:  8,
		DefaultScheme: "file",
		Buses:         []string{"sfx", "music"},
	}
}

func loadDemoConfig(path string) (demoConfig, error) {
	cfg := defaultDemoConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}
