package policy

import (
	"github.com/gzhole/transguard/internal/model"
)

// Policy is the YAML configuration every stage reads from. It is compiled
// once into Tables and never consulted directly at runtime.
type Policy struct {
	Version      string                  `yaml:"version"`
	Scoring      Scoring                 `yaml:"scoring"`
	Signatures   []Signature             `yaml:"signatures"`
	Capabilities Capabilities            `yaml:"capabilities"`
	Network      Network                 `yaml:"network"`
	Workspace    Workspace               `yaml:"workspace"`
	Compliance   Compliance              `yaml:"compliance"`
	Mitre        map[string]StringOrList `yaml:"mitre"`
}

// Signature is one weighted risk pattern matched against raw commands.
type Signature struct {
	ID          string          `yaml:"id"`
	Pattern     string          `yaml:"pattern"`
	Severity    model.Severity  `yaml:"severity"`
	Weight      *float64        `yaml:"weight,omitempty"`
	Dialects    []model.Dialect `yaml:"dialects,omitempty"`
	CWE         string          `yaml:"cwe,omitempty"`
	Description string          `yaml:"description"`
}

// Scoring controls how matched signatures combine into a risk tier.
type Scoring struct {
	// Weights maps a severity name to its score contribution.
	Weights map[string]float64 `yaml:"weights"`
	// Decay is the factor applied to each repeated hit of one severity.
	Decay      float64    `yaml:"decay"`
	Thresholds Thresholds `yaml:"thresholds"`
}

// Thresholds are the minimum scores for each tier above LOW.
type Thresholds struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// Capability is the closed set of categories every call is tagged with.
type Capability string

const (
	CapExecSink   Capability = "exec-sink"
	CapFilesystem Capability = "filesystem"
	CapNetwork    Capability = "network"
	CapProcess    Capability = "process"
	// CapNone marks pure computation that needs no capability.
	CapNone Capability = "none"
	// CapUnknown is returned for commands absent from the table.
	CapUnknown Capability = "unknown"
)

// Capabilities is the command classification table plus the allowlists.
type Capabilities struct {
	// Allowed are the categories a candidate may use.
	Allowed []Capability `yaml:"allowed"`
	// SandboxAllowed are the categories the sandbox lets through at run
	// time. Defaults to Allowed when empty.
	SandboxAllowed []Capability                `yaml:"sandbox_allowed,omitempty"`
	Commands       map[Capability]StringOrList `yaml:"commands"`
	// QuerySinks are commands whose arguments are interpreted as code
	// (SQL, jq programs, awk scripts).
	QuerySinks StringOrList `yaml:"query_sinks"`
	// Privileged are commands that change the effective user.
	Privileged StringOrList `yaml:"privileged"`
	// Mutating are filesystem commands that write to their path arguments.
	Mutating StringOrList `yaml:"mutating"`
}

type Network struct {
	AllowDomains []string `yaml:"allow_domains"`
}

// Workspace constrains literal paths in candidates.
type Workspace struct {
	// ReadOnly are host prefixes a candidate may read but not write.
	ReadOnly []string `yaml:"read_only"`
	// Writable are host prefixes, besides the scratch workspace, a
	// candidate may name as write targets.
	Writable []string `yaml:"writable"`
}

// Compliance configures the final aggregation.
type Compliance struct {
	LayerWeights  map[model.Layer]float64 `yaml:"layer_weights"`
	PassThreshold float64                 `yaml:"pass_threshold"`
}

// StringOrList allows YAML fields to accept either a single string or a list.
// "rm" → ["rm"], ["rm", "unlink"] → ["rm", "unlink"]
type StringOrList []string

func (s *StringOrList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*s = []string{single}
		return nil
	}
	var list []string
	if err := unmarshal(&list); err != nil {
		return err
	}
	*s = list
	return nil
}
