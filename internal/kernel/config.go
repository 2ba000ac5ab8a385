// internal/kernel/config.go

package kernel

import (
	"errors"
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"
)

// SchedulerConfig declares one scheduler instance and its processors.
type SchedulerConfig struct {
	Name       string `yaml:"name"`
	Processors []int  `yaml:"processors"`
}

// Config mirrors the system section of a configuration file.
type Config struct {
	TickMS     int               `yaml:"tick_ms"`     // 5 (by default)
	Processors int               `yaml:"processors"`  // derived from the schedulers when zero
	MaxThreads int               `yaml:"max_threads"` // 64 (by default)
	MaxObjects int               `yaml:"max_objects"` // 64 (by default)
	MaxNodes   int               `yaml:"max_nodes"`   // 16 (by default)
	Schedulers []SchedulerConfig `yaml:"schedulers"`
}

// If no configuration is given, one scheduler owning processor 0 is used.
func defaultConfig() Config {
	return Config{
		TickMS:     5,
		MaxThreads: 64,
		MaxObjects: 64,
		MaxNodes:   16,
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only. A
// missing file also yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := defaultConfig()
		cfg.clamp()
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := defaultConfig()
		cfg.clamp()
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.clamp()
	return cfg, nil
}

// sanity clamps
func (c *Config) clamp() {
	if c.TickMS <= 0 {
		c.TickMS = 5
	}
	if c.MaxThreads <= 0 {
		c.MaxThreads = 64
	}
	if c.MaxObjects <= 0 {
		c.MaxObjects = 64
	}
	if c.MaxNodes < 2 {
		c.MaxNodes = 16
	}
	if len(c.Schedulers) == 0 {
		c.Schedulers = []SchedulerConfig{{Name: "default", Processors: []int{0}}}
	}
	for _, s := range c.Schedulers {
		for _, cpu := range s.Processors {
			if cpu >= c.Processors {
				c.Processors = cpu + 1
			}
		}
	}
	if c.Processors <= 0 {
		c.Processors = 1
	}
}
