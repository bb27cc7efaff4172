package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/godbg/dlv-dap/debug/pathmap"
)

// Config is the optional YAML configuration file. Everything in it can
// also arrive per launch request; the file only supplies defaults for
// editors that cannot be taught extra launch fields.
type Config struct {
	Log struct {
		// File receives the log instead of stderr when set.
		File string `yaml:"file"`
		// Level is debug, info, warn, error, or fatal.
		Level string `yaml:"level"`
	} `yaml:"log"`

	// BuildBinary is the default build-orchestration CLI.
	BuildBinary string `yaml:"buildBinary"`

	// SubstitutePath are default local-to-backend path rules.
	SubstitutePath []pathmap.Rule `yaml:"substitutePath"`
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
