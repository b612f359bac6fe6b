package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// config is the on-disk YAML shape for dctreectl's optional -config
// flag. Any fields left at their zero value fall back to dctree's own
// Option defaults.
type config struct {
	PageSize uint32 `yaml:"page_size"`
	DirectIO bool   `yaml:"direct_io"`
}

func loadConfig(path string) (config, error) {
	var c config
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}
