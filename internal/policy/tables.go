package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/normalize"
)

// CompiledSignature is a Signature with its pattern compiled.
type CompiledSignature struct {
	ID          string
	Severity    model.Severity
	Weight      float64
	CWE         string
	Description string
	Regex       *regexp.Regexp
	dialects    map[model.Dialect]bool
}

// AppliesTo reports whether the signature covers dialect. The bash
// target dialect is covered by POSIX signatures.
func (s CompiledSignature) AppliesTo(d model.Dialect) bool {
	if len(s.dialects) == 0 {
		return true
	}
	if d == model.TargetDialect {
		d = model.DialectPOSIX
	}
	return s.dialects[d]
}

// Tables is the compiled, read-only form of a Policy. It is built once at
// startup and shared by every worker without locking: nothing in it is
// mutated after Compile returns and every accessor returns copies.
type Tables struct {
	version    string
	digest     string
	signatures []CompiledSignature
	weights    map[model.Severity]float64
	decay      float64
	thresholds Thresholds

	commands       map[string]Capability
	allowed        map[Capability]bool
	sandboxAllowed map[Capability]bool
	querySinks     map[string]bool
	privileged     map[string]bool
	mutating       map[string]bool
	domains        []string
	readOnly       []string
	writable       []string

	layerWeights  map[model.Layer]float64
	passThreshold float64
	mitre         map[string][]string
}

// Compile validates p and builds its Tables.
func Compile(p *Policy) (*Tables, error) {
	digest, err := digestOf(p)
	if err != nil {
		return nil, err
	}

	t := &Tables{
		version:        p.Version,
		digest:         digest,
		weights:        make(map[model.Severity]float64),
		decay:          p.Scoring.Decay,
		thresholds:     p.Scoring.Thresholds,
		commands:       make(map[string]Capability),
		allowed:        make(map[Capability]bool),
		sandboxAllowed: make(map[Capability]bool),
		querySinks:     toSet(p.Capabilities.QuerySinks),
		privileged:     toSet(p.Capabilities.Privileged),
		mutating:       toSet(p.Capabilities.Mutating),
		readOnly:       append([]string(nil), p.Workspace.ReadOnly...),
		writable:       append([]string(nil), p.Workspace.Writable...),
		layerWeights:   make(map[model.Layer]float64),
		passThreshold:  p.Compliance.PassThreshold,
		mitre:          make(map[string][]string, len(p.Mitre)),
	}

	th := p.Scoring.Thresholds
	if !(th.Medium <= th.High && th.High <= th.Critical) {
		return nil, fmt.Errorf("scoring thresholds must be ascending: medium=%g high=%g critical=%g", th.Medium, th.High, th.Critical)
	}

	for name, w := range p.Scoring.Weights {
		sev, err := model.ParseSeverity(name)
		if err != nil {
			return nil, fmt.Errorf("scoring weights: %w", err)
		}
		if w < 0 {
			return nil, fmt.Errorf("scoring weight for %s must not be negative", sev)
		}
		t.weights[sev] = w
	}

	seen := make(map[string]bool)
	for _, s := range p.Signatures {
		if s.ID == "" {
			return nil, fmt.Errorf("signature with pattern %q has no id", s.Pattern)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate signature id %q", s.ID)
		}
		seen[s.ID] = true

		re, err := regexp.Compile("(?i)" + s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", s.ID, err)
		}
		cs := CompiledSignature{
			ID:          s.ID,
			Severity:    s.Severity,
			Weight:      t.weights[s.Severity],
			CWE:         s.CWE,
			Description: s.Description,
			Regex:       re,
		}
		if s.Weight != nil {
			cs.Weight = *s.Weight
		}
		if len(s.Dialects) > 0 {
			cs.dialects = make(map[model.Dialect]bool, len(s.Dialects))
			for _, d := range s.Dialects {
				cs.dialects[d] = true
			}
		}
		t.signatures = append(t.signatures, cs)
	}

	// Sorted for determinism: a command listed under two categories
	// resolves to the most dangerous one.
	caps := make([]Capability, 0, len(p.Capabilities.Commands))
	for c := range p.Capabilities.Commands {
		if !knownCapability(c) {
			return nil, fmt.Errorf("unknown capability category %q", c)
		}
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return capabilityRank(caps[i]) < capabilityRank(caps[j]) })
	for _, c := range caps {
		for _, name := range p.Capabilities.Commands[c] {
			t.commands[strings.ToLower(name)] = c
		}
	}

	for _, c := range p.Capabilities.Allowed {
		if !knownCapability(c) {
			return nil, fmt.Errorf("unknown capability category %q in allowlist", c)
		}
		t.allowed[c] = true
	}
	sandboxAllowed := p.Capabilities.SandboxAllowed
	if len(sandboxAllowed) == 0 {
		sandboxAllowed = p.Capabilities.Allowed
	}
	for _, c := range sandboxAllowed {
		t.sandboxAllowed[c] = true
	}

	for _, d := range p.Network.AllowDomains {
		wildcard := strings.HasPrefix(d, "*.")
		canon, err := normalize.Domain(strings.TrimPrefix(d, "*."))
		if err != nil {
			return nil, fmt.Errorf("allow domain %q: %w", d, err)
		}
		if wildcard {
			canon = "*." + canon
		}
		t.domains = append(t.domains, canon)
	}

	for layer, w := range p.Compliance.LayerWeights {
		t.layerWeights[layer] = w
	}
	for key, techniques := range p.Mitre {
		t.mitre[key] = append([]string(nil), techniques...)
	}

	return t, nil
}

// MustCompile is Compile for the built-in policy and tests.
func MustCompile(p *Policy) *Tables {
	t, err := Compile(p)
	if err != nil {
		panic(err)
	}
	return t
}

func digestOf(p *Policy) (string, error) {
	// yaml.v3 emits map keys sorted, so equal policies hash equally.
	data, err := yaml.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding policy: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func knownCapability(c Capability) bool {
	switch c {
	case CapExecSink, CapFilesystem, CapNetwork, CapProcess, CapNone:
		return true
	}
	return false
}

func capabilityRank(c Capability) int {
	switch c {
	case CapNone:
		return 0
	case CapProcess:
		return 1
	case CapFilesystem:
		return 2
	case CapNetwork:
		return 3
	default:
		return 4
	}
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, s := range list {
		m[strings.ToLower(s)] = true
	}
	return m
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (t *Tables) Version() string { return t.version }

// Digest is the SHA-256 of the canonical policy encoding.
func (t *Tables) Digest() string { return t.digest }

// Signatures returns the signatures in table order.
func (t *Tables) Signatures() []CompiledSignature {
	return append([]CompiledSignature(nil), t.signatures...)
}

func (t *Tables) SeverityWeight(s model.Severity) float64 { return t.weights[s] }
func (t *Tables) Decay() float64                          { return t.decay }
func (t *Tables) Thresholds() Thresholds                  { return t.thresholds }

// Classify returns the capability category of a command name.
func (t *Tables) Classify(name string) Capability {
	if c, ok := t.commands[strings.ToLower(name)]; ok {
		return c
	}
	return CapUnknown
}

// Allowed reports whether candidates may use category c. CapNone is
// always allowed.
func (t *Tables) Allowed(c Capability) bool {
	return c == CapNone || t.allowed[c]
}

// SandboxAllowed reports whether the sandbox lets category c run.
func (t *Tables) SandboxAllowed(c Capability) bool {
	return c == CapNone || t.sandboxAllowed[c]
}

func (t *Tables) IsQuerySink(name string) bool  { return t.querySinks[strings.ToLower(name)] }
func (t *Tables) IsPrivileged(name string) bool { return t.privileged[strings.ToLower(name)] }
func (t *Tables) IsMutating(name string) bool   { return t.mutating[strings.ToLower(name)] }

// DomainAllowed checks a canonical domain against the network allowlist.
func (t *Tables) DomainAllowed(domain string) bool {
	return normalize.DomainAllowed(domain, t.domains)
}

func (t *Tables) ReadOnlyPaths() []string { return append([]string(nil), t.readOnly...) }
func (t *Tables) WritablePaths() []string { return append([]string(nil), t.writable...) }

func (t *Tables) LayerWeight(l model.Layer) float64 { return t.layerWeights[l] }
func (t *Tables) PassThreshold() float64            { return t.passThreshold }

// Techniques returns the ATT&CK technique IDs mapped to key.
func (t *Tables) Techniques(key string) []string {
	return append([]string(nil), t.mitre[key]...)
}

// MitreKeys lists every mapped key, sorted.
func (t *Tables) MitreKeys() []string {
	keys := make([]string, 0, len(t.mitre))
	for k := range t.mitre {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
