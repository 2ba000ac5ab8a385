// internal/scenario/scenario.go

package scenario

import (
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"

	"tqcore/internal/kernel"
)

// File is a scenario document: the system configuration keys followed by the
// objects to create and the steps to run against them.
type File struct {
	kernel.Config `yaml:",inline"`

	Name      string         `yaml:"name"`
	Threads   []ThreadSpec   `yaml:"threads"`
	Queues    []QueueSpec    `yaml:"queues"`
	Resources []ResourceSpec `yaml:"resources"`
	Steps     []Step         `yaml:"steps"`
}

type ThreadSpec struct {
	Name      string `yaml:"name"`
	Scheduler string `yaml:"scheduler"`
	Priority  uint32 `yaml:"priority"`
}

type QueueSpec struct {
	Name     string `yaml:"name"`
	Ordering string `yaml:"ordering"` // PriorityFifo (default) or Fifo
	Protocol string `yaml:"protocol"` // Plain (default) or PriorityInherit
	Owner    bool   `yaml:"owner"`
}

type ResourceSpec struct {
	Name     string            `yaml:"name"`
	Ceilings map[string]uint32 `yaml:"ceilings"` // scheduler name -> ceiling
}

// Step is one action. Op selects which of the other fields are read.
type Step struct {
	Op        string `yaml:"op"`
	Thread    string `yaml:"thread"`
	Object    string `yaml:"object"`
	Scheduler string `yaml:"scheduler"`
	Timeout   uint64 `yaml:"timeout"`
	Ticks     int    `yaml:"ticks"`
	Priority  uint32 `yaml:"priority"`
	CPU       int    `yaml:"cpu"`
	Status    string `yaml:"status"` // wait status for extract and flush
	Error     string `yaml:"error"`  // expected status name of a failing step

	Expect *Expect `yaml:"expect"`
}

// Expect is checked after the step's action, or on its own with op "expect".
// Unset fields are not checked.
type Expect struct {
	Thread    string   `yaml:"thread"`
	Scheduler string   `yaml:"scheduler"`
	Priority  *uint32  `yaml:"priority"` // effective priority on Scheduler
	Standing  *bool    `yaml:"standing"` // thread has a node on Scheduler
	Ready     *bool    `yaml:"ready"`
	Status    string   `yaml:"status"` // wait status of the last episode
	Object    string   `yaml:"object"`
	Owner     *string  `yaml:"owner"` // "" means unowned
	Waiters   []string `yaml:"waiters"`
	Helping   []string `yaml:"helping"`
}

// Load reads a scenario file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes a scenario document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("parse scenario: no steps")
	}
	return &f, nil
}
