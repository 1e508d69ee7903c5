// Package compliance combines the outputs of every pipeline stage into
// the final verdict.
package compliance

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/policy"
	"github.com/gzhole/transguard/internal/risk"
	"github.com/gzhole/transguard/internal/sandbox"
	"github.com/gzhole/transguard/internal/validate"
)

// Stage records one pipeline step in the order it ran.
type Stage struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Verdict is the terminal, persisted record for one command.
type Verdict struct {
	CommandID       string          `json:"command_id"`
	Pass            bool            `json:"pass"`
	RiskTier        model.Severity  `json:"risk_tier"`
	AggregateScore  float64         `json:"aggregate_score"`
	Findings        []model.Finding `json:"findings"`
	MitreTags       []string        `json:"mitre_tags"`
	RejectionReason string          `json:"rejection_reason,omitempty"`

	Stages       []Stage   `json:"stages,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	PolicyDigest string    `json:"policy_digest"`
}

// Aggregator is stateless apart from the shared tables.
type Aggregator struct {
	tables *policy.Tables
}

func NewAggregator(tables *policy.Tables) *Aggregator {
	return &Aggregator{tables: tables}
}

// Aggregate decides the verdict. report and trace are nil when the
// pipeline stopped before producing them; a missing stage never passes
// unless the command was already rejected on its risk tier.
func (a *Aggregator) Aggregate(profile *risk.Profile, report *validate.Report, trace *sandbox.Trace) Verdict {
	v := Verdict{PolicyDigest: a.tables.Digest(), Findings: []model.Finding{}}
	if profile == nil {
		v.RejectionReason = "no risk profile"
		return v
	}
	v.CommandID = profile.CommandID
	v.RiskTier = profile.Tier

	v.Findings = append(v.Findings, profile.Findings()...)
	if report != nil {
		v.Findings = append(v.Findings, report.Findings...)
	}
	if trace != nil {
		v.Findings = append(v.Findings, trace.Findings...)
	}
	a.finish(&v)

	switch reason := a.rejection(profile, report, trace, v.Findings); {
	case reason != "":
		v.RejectionReason = reason
	case v.AggregateScore >= a.tables.PassThreshold():
		v.RejectionReason = fmt.Sprintf("aggregate score %.2f reaches the %.2f threshold", v.AggregateScore, a.tables.PassThreshold())
	default:
		v.Pass = true
	}
	return v
}

// Reject builds the verdict for a command the shield refused to forward.
func (a *Aggregator) Reject(profile *risk.Profile, cause error) Verdict {
	v := Verdict{PolicyDigest: a.tables.Digest(), Findings: []model.Finding{}}
	if profile != nil {
		v.CommandID = profile.CommandID
		v.RiskTier = profile.Tier
		v.Findings = append(v.Findings, profile.Findings()...)
	}
	v.Findings = append(v.Findings, model.Finding{
		Layer:    model.LayerShield,
		Kind:     model.KindShieldBypass,
		Severity: model.SeverityCritical,
		Message:  cause.Error(),
	})
	a.finish(&v)
	if profile != nil && profile.Tier == model.SeverityCritical {
		v.RejectionReason = tierReason(profile)
	} else {
		v.RejectionReason = "shield: " + cause.Error()
	}
	return v
}

func (a *Aggregator) finish(v *Verdict) {
	v.AggregateScore = a.Score(v.Findings)
	v.MitreTags = a.Tags(v.Findings)
}

// rejection walks the elements in pipeline order and returns the reason
// for a forced failure, or "".
func (a *Aggregator) rejection(profile *risk.Profile, report *validate.Report, trace *sandbox.Trace, findings []model.Finding) string {
	if profile.Tier == model.SeverityCritical {
		return tierReason(profile)
	}
	for _, f := range findings {
		if f.Severity == model.SeverityCritical {
			return fmt.Sprintf("%s: %s", f.Layer, f.String())
		}
	}

	if report == nil {
		return "candidate was never validated"
	}
	if !report.Pass {
		for _, f := range report.Findings {
			if f.Severity >= model.SeverityHigh {
				return "validation: " + f.String()
			}
		}
		return "validation failed"
	}

	if trace == nil {
		return "candidate was never executed"
	}
	for _, f := range trace.Findings {
		if f.Kind == model.KindContainmentViolation {
			return "containment: " + f.String()
		}
	}
	for _, f := range trace.Findings {
		if f.Severity >= model.SeverityHigh {
			return "execution: " + f.String()
		}
	}
	return ""
}

func tierReason(p *risk.Profile) string {
	var ids []string
	for _, m := range p.Matches {
		if m.Severity == model.SeverityCritical {
			ids = append(ids, m.SignatureID)
		}
	}
	if len(ids) == 0 {
		return fmt.Sprintf("risk: tier CRITICAL (score %.2f)", p.Score)
	}
	return "risk: tier CRITICAL (" + strings.Join(ids, ", ") + ")"
}

// Score is the weighted severity sum across layers. Weights are never
// negative, so adding a finding never lowers it.
func (a *Aggregator) Score(findings []model.Finding) float64 {
	var score float64
	for _, f := range findings {
		score += a.tables.LayerWeight(f.Layer) * a.tables.SeverityWeight(f.Severity)
	}
	return score
}

// Tags returns the sorted, deduplicated ATT&CK techniques for findings.
func (a *Aggregator) Tags(findings []model.Finding) []string {
	seen := make(map[string]bool)
	tags := []string{}
	for _, f := range findings {
		for _, t := range a.tables.Techniques(f.MappingKey()) {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	sort.Strings(tags)
	return tags
}
