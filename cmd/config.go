package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meshsim/meshsim/sim"
)

// NodeSpec describes one node in the topology file.
type NodeSpec struct {
	Name string `yaml:"name"`
	// Position on the flat plane, in meters.
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	// GainDB is the antenna gain applied to both transmit and receive.
	GainDB float64 `yaml:"gain_db"`
	// BeaconIntervalMs is the firmware's beacon period. Zero means 1000.
	BeaconIntervalMs uint64 `yaml:"beacon_interval_ms"`
	// UARTPort is the TCP port of the node's serial bridge. Zero disables
	// the bridge unless a base port is set on the command line.
	UARTPort int  `yaml:"uart_port"`
	Tracing  bool `yaml:"tracing"`
}

// TopologyConfig is the YAML topology file format.
type TopologyConfig struct {
	Radio    sim.RadioParams             `yaml:"radio"`
	Medium   sim.LineOfSightMediumConfig `yaml:"medium"`
	Coalesce sim.CoalesceConfig          `yaml:"coalesce"`
	Pacer    sim.PacerConfig             `yaml:"pacer"`
	Nodes    []NodeSpec                  `yaml:"nodes"`
}

// DefaultTopology is three beaconing nodes on a 500 m line, used when no
// topology file is given.
func DefaultTopology() *TopologyConfig {
	cfg := &TopologyConfig{
		Radio:    defaultRadioParams(),
		Medium:   sim.DefaultLineOfSightMediumConfig(),
		Coalesce: sim.DefaultCoalesceConfig(),
		Pacer:    defaultPacer(),
	}
	for i := 0; i < 3; i++ {
		cfg.Nodes = append(cfg.Nodes, NodeSpec{
			Name:             fmt.Sprintf("node%d", i+1),
			X:                float64(i) * 500,
			BeaconIntervalMs: 1000,
		})
	}
	return cfg
}

// defaultPacer is the pacer configuration with pacing off; the run command's
// realtime flag or the topology file turns it on.
func defaultPacer() sim.PacerConfig {
	cfg := sim.DefaultPacerConfig()
	cfg.Enabled = false
	return cfg
}

func defaultRadioParams() sim.RadioParams {
	return sim.RadioParams{
		FrequencyHz:     868_100_000,
		BandwidthHz:     125_000,
		SpreadingFactor: 7,
		CodingRate:      5,
		TxPowerDBm:      14,
	}
}

// LoadTopology reads and validates a topology file. Absent fields keep their
// defaults.
func LoadTopology(path string) (*TopologyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	cfg := &TopologyConfig{
		Radio:    defaultRadioParams(),
		Medium:   sim.DefaultLineOfSightMediumConfig(),
		Coalesce: sim.DefaultCoalesceConfig(),
		Pacer:    defaultPacer(),
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the topology for the mistakes a hand-written file is
// likely to contain.
func (c *TopologyConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("topology has no nodes")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.Name == "" {
			return fmt.Errorf("node %d has no name", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
		if n.BeaconIntervalMs == 0 {
			n.BeaconIntervalMs = 1000
		}
	}
	if c.Radio.BandwidthHz == 0 {
		return fmt.Errorf("radio bandwidth must be positive")
	}
	if c.Radio.SpreadingFactor < 5 || c.Radio.SpreadingFactor > 12 {
		return fmt.Errorf("spreading factor %d out of range [5, 12]", c.Radio.SpreadingFactor)
	}
	if err := c.Pacer.Validate(); err != nil {
		return err
	}
	return nil
}

// EntityIDs returns the firmware and radio entity IDs assigned to the node
// at the given index. IDs are dense and start at 1 so 0 stays reserved for
// external sources.
func EntityIDs(index int) (fw, radio sim.EntityID) {
	return sim.EntityID(index*2 + 1), sim.EntityID(index*2 + 2)
}
