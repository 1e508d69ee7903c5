// Package risk scores untrusted commands against the signature table and
// extracts the parameters a faithful translation must preserve.
package risk

import (
	"sort"

	"github.com/go-logr/logr"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/policy"
	"github.com/gzhole/transguard/internal/unicode"
)

// Match is one signature hit.
type Match struct {
	SignatureID string         `json:"signature_id"`
	Severity    model.Severity `json:"severity"`
	Weight      float64        `json:"weight"`
	Start       int            `json:"start"`
	End         int            `json:"end"`
	Text        string         `json:"text"`
	// Folded is set when the hit was only visible after homoglyph folding;
	// Start and End then index the folded text.
	Folded bool `json:"folded,omitempty"`

	order int
}

// Profile is the immutable risk assessment of one command.
type Profile struct {
	CommandID  string         `json:"command_id"`
	Dialect    model.Dialect  `json:"dialect"`
	Matches    []Match        `json:"matches"`
	Score      float64        `json:"score"`
	Tier       model.Severity `json:"tier"`
	Parameters []Parameter    `json:"parameters"`
	// TableVersion and TableDigest identify the signature table used.
	TableVersion string `json:"table_version"`
	TableDigest  string `json:"table_digest"`
}

// Findings converts every non-informational match into a risk-layer finding.
func (p *Profile) Findings() []model.Finding {
	var out []model.Finding
	for _, m := range p.Matches {
		if m.Severity == model.SeverityInfo {
			continue
		}
		out = append(out, model.Finding{
			Layer:    model.LayerRisk,
			Kind:     model.KindSignature,
			Severity: m.Severity,
			Ref:      m.SignatureID,
			Message:  "matched " + m.SignatureID + ": " + m.Text,
		})
	}
	return out
}

// Critical reports whether the command must be rejected before any
// oracle call.
func (p *Profile) Critical() bool { return p.Tier == model.SeverityCritical }

// Profiler matches commands against a compiled signature table. It holds
// no mutable state and is safe for concurrent use.
type Profiler struct {
	tables *policy.Tables
	log    logr.Logger
}

func NewProfiler(tables *policy.Tables, log logr.Logger) *Profiler {
	return &Profiler{tables: tables, log: log.WithName("risk")}
}

// Profile always returns a profile, possibly with no matches.
func (p *Profiler) Profile(cmd model.Command) *Profile {
	matches := p.Match(cmd.Text, cmd.Dialect)
	score := Score(matches, p.tables)

	prof := &Profile{
		CommandID:    cmd.ID,
		Dialect:      cmd.Dialect,
		Matches:      matches,
		Score:        score,
		Tier:         TierFor(score, matches, p.tables.Thresholds()),
		Parameters:   ExtractParameters(cmd.Text, cmd.Dialect, matches),
		TableVersion: p.tables.Version(),
		TableDigest:  p.tables.Digest(),
	}

	p.log.V(1).Info("profiled command",
		"command_id", cmd.ID, "matches", len(matches), "score", score, "tier", prof.Tier.String())
	return prof
}

// Match runs every signature that applies to dialect against text. Text
// is also matched after homoglyph folding so look-alike letters cannot
// hide a signature. Results are ordered by position, then table order.
func (p *Profiler) Match(text string, dialect model.Dialect) []Match {
	var matches []Match
	hit := make(map[string]bool)

	for i, sig := range p.tables.Signatures() {
		if !sig.AppliesTo(dialect) {
			continue
		}
		for _, loc := range sig.Regex.FindAllStringIndex(text, -1) {
			hit[sig.ID] = true
			matches = append(matches, Match{
				SignatureID: sig.ID,
				Severity:    sig.Severity,
				Weight:      sig.Weight,
				Start:       loc[0],
				End:         loc[1],
				Text:        text[loc[0]:loc[1]],
				order:       i,
			})
		}
	}

	if scan := unicode.Scan(text); !scan.Clean && scan.Folded != text {
		for i, sig := range p.tables.Signatures() {
			if !sig.AppliesTo(dialect) || hit[sig.ID] {
				continue
			}
			for _, loc := range sig.Regex.FindAllStringIndex(scan.Folded, -1) {
				matches = append(matches, Match{
					SignatureID: sig.ID,
					Severity:    sig.Severity,
					Weight:      sig.Weight,
					Start:       loc[0],
					End:         loc[1],
					Text:        scan.Folded[loc[0]:loc[1]],
					Folded:      true,
					order:       i,
				})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Start != matches[j].Start {
			return matches[i].Start < matches[j].Start
		}
		return matches[i].order < matches[j].order
	})
	return matches
}

// Score combines matches with diminishing returns. Matches are grouped by
// severity; inside a group the i-th strongest hit contributes
// weight * decay^i, so repeated low-severity hits converge to at most
// weight / (1 - decay) instead of growing without bound.
func Score(matches []Match, tables *policy.Tables) float64 {
	groups := make(map[model.Severity][]float64)
	for _, m := range matches {
		groups[m.Severity] = append(groups[m.Severity], m.Weight)
	}

	sevs := make([]model.Severity, 0, len(groups))
	for s := range groups {
		sevs = append(sevs, s)
	}
	sort.Slice(sevs, func(i, j int) bool { return sevs[i] > sevs[j] })

	decay := tables.Decay()
	var total float64
	for _, s := range sevs {
		weights := groups[s]
		sort.Sort(sort.Reverse(sort.Float64Slice(weights)))
		factor := 1.0
		for _, w := range weights {
			total += w * factor
			factor *= decay
		}
	}
	return total
}

// TierFor maps a score to a tier. The most severe matched signature sets a
// floor, so a single CRITICAL signature always yields CRITICAL.
func TierFor(score float64, matches []Match, th policy.Thresholds) model.Severity {
	tier := model.SeverityLow
	switch {
	case score >= th.Critical:
		tier = model.SeverityCritical
	case score >= th.High:
		tier = model.SeverityHigh
	case score >= th.Medium:
		tier = model.SeverityMedium
	}
	for _, m := range matches {
		if m.Severity > tier {
			tier = m.Severity
		}
	}
	return tier
}

// CountVulnerable returns how many matches are above informational.
func CountVulnerable(matches []Match) int {
	n := 0
	for _, m := range matches {
		if m.Severity > model.SeverityInfo {
			n++
		}
	}
	return n
}
