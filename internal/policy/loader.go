package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a policy file. A missing file yields DefaultPolicy. Sections
// absent from the file are filled from the defaults so a policy may
// override only what it cares about.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, err
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parsing policy %s: %w", path, err)
	}

	fillDefaults(&policy)
	return &policy, nil
}

func fillDefaults(p *Policy) {
	def := DefaultPolicy()

	if p.Version == "" {
		p.Version = def.Version
	}
	if len(p.Scoring.Weights) == 0 {
		p.Scoring.Weights = def.Scoring.Weights
	}
	if p.Scoring.Decay <= 0 || p.Scoring.Decay > 1 {
		p.Scoring.Decay = def.Scoring.Decay
	}
	if p.Scoring.Thresholds == (Thresholds{}) {
		p.Scoring.Thresholds = def.Scoring.Thresholds
	}
	if p.Signatures == nil {
		p.Signatures = def.Signatures
	}
	if p.Capabilities.Allowed == nil {
		p.Capabilities.Allowed = def.Capabilities.Allowed
	}
	if len(p.Capabilities.Commands) == 0 {
		p.Capabilities.Commands = def.Capabilities.Commands
	}
	if p.Capabilities.QuerySinks == nil {
		p.Capabilities.QuerySinks = def.Capabilities.QuerySinks
	}
	if p.Capabilities.Privileged == nil {
		p.Capabilities.Privileged = def.Capabilities.Privileged
	}
	if p.Capabilities.Mutating == nil {
		p.Capabilities.Mutating = def.Capabilities.Mutating
	}
	if p.Workspace.ReadOnly == nil && p.Workspace.Writable == nil {
		p.Workspace = def.Workspace
	}
	if len(p.Compliance.LayerWeights) == 0 {
		p.Compliance.LayerWeights = def.Compliance.LayerWeights
	}
	if p.Compliance.PassThreshold <= 0 {
		p.Compliance.PassThreshold = def.Compliance.PassThreshold
	}
	if p.Mitre == nil {
		p.Mitre = def.Mitre
	}
}
