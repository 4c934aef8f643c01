package cmd

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kvsched/kvsched/sim"
)

// loadConfig reads a YAML file into a sim.Config, matching the teacher's
// coefficients_config.go pattern of os.ReadFile + yaml.Unmarshal with no
// defaulting beyond the zero value.
func loadConfig(path string) (sim.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sim.Config{}, err
	}
	var cfg sim.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return sim.Config{}, err
	}
	return cfg, nil
}
