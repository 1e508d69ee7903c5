// Package validate statically checks candidate translations. A candidate
// is parsed into a capability-tagged IR and walked for dynamic-execution
// sinks, unparameterized interpolation, calls outside the capability
// allowlist and divergence from the source command's parameters.
package validate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	"mvdan.cc/sh/v3/syntax"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/policy"
	"github.com/gzhole/transguard/internal/risk"
)

// ErrNotValidated is returned when code without a passing report is
// offered for execution.
var ErrNotValidated = errors.New("candidate has not passed validation")

// ParseError reports a candidate the shell parser rejected.
type ParseError struct {
	CommandID string
	Location  *model.Location
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing candidate for %s: %v", e.CommandID, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{model.ErrParse, e.Err} }

// ViolationError summarizes a failed report.
type ViolationError struct {
	CommandID string
	Findings  []model.Finding
}

func (e *ViolationError) Error() string {
	msgs := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		msgs = append(msgs, f.String())
	}
	return fmt.Sprintf("candidate for %s violates policy: %s", e.CommandID, strings.Join(msgs, "; "))
}

func (e *ViolationError) Unwrap() error { return model.ErrPolicyViolation }

// Report is the ordered result of validating one candidate.
type Report struct {
	CommandID string          `json:"command_id"`
	Findings  []model.Finding `json:"findings"`
	Pass      bool            `json:"pass"`

	parseErr *ParseError
}

// Err returns nil for a passing report, a *ParseError when the candidate
// could not be parsed, and a *ViolationError otherwise.
func (r *Report) Err() error {
	if r.Pass {
		return nil
	}
	if r.parseErr != nil {
		return r.parseErr
	}
	var blocking []model.Finding
	for _, f := range r.Findings {
		if f.Severity >= model.SeverityHigh {
			blocking = append(blocking, f)
		}
	}
	return &ViolationError{CommandID: r.CommandID, Findings: blocking}
}

// Validated is a candidate with a passing report. Only the validator
// constructs one; the sandbox refuses anything else.
type Validated struct {
	candidate model.Candidate
	file      *syntax.File
	ir        *IR
}

func (v *Validated) Candidate() model.Candidate { return v.candidate }

// File is the parsed candidate the sandbox interprets.
func (v *Validated) File() *syntax.File { return v.file }

func (v *Validated) IR() *IR { return v.ir }

// Check reports whether v came from a passing validation.
func (v *Validated) Check() error {
	if v == nil || v.file == nil || v.ir == nil {
		return ErrNotValidated
	}
	return nil
}

// Validator is safe for concurrent use.
type Validator struct {
	tables   *policy.Tables
	profiler *risk.Profiler
	log      logr.Logger
}

func NewValidator(tables *policy.Tables, log logr.Logger) *Validator {
	return &Validator{
		tables:   tables,
		profiler: risk.NewProfiler(tables, logr.Discard()),
		log:      log.WithName("validate"),
	}
}

// Validate parses and checks cand. The second result is non-nil only
// when the report passes. profile may be nil, which skips the argument
// and regression checks.
func (v *Validator) Validate(cand model.Candidate, profile *risk.Profile) (*Report, *Validated) {
	report := &Report{CommandID: cand.CommandID}

	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(cand.Code), "")
	if err != nil {
		pe := &ParseError{CommandID: cand.CommandID, Err: err}
		var serr syntax.ParseError
		if errors.As(err, &serr) {
			loc := location(serr.Pos)
			pe.Location = &loc
		}
		report.parseErr = pe
		report.Findings = []model.Finding{{
			Layer:    model.LayerValidation,
			Kind:     model.KindParseError,
			Severity: model.SeverityCritical,
			Message:  err.Error(),
			Location: pe.Location,
		}}
		v.log.Info("candidate failed to parse", "command_id", cand.CommandID, "error", err.Error())
		return report, nil
	}

	ir := Build(file, v.tables)
	c := &checker{tables: v.tables, ir: ir}

	if cand.Dialect != "" && cand.Dialect != model.TargetDialect {
		c.add(model.KindDialectMismatch, model.SeverityHigh, nil,
			fmt.Sprintf("candidate dialect %q, expected %q", cand.Dialect, model.TargetDialect))
	}
	if len(file.Stmts) == 0 {
		c.add(model.KindParseError, model.SeverityCritical, nil, "candidate is empty")
	}

	c.checkSinks()
	c.checkCapabilities()
	c.checkRedirects()
	if profile != nil {
		c.checkArguments(profile.Parameters)
		c.checkRegression(v.profiler.Match(cand.Code, model.TargetDialect), profile)
	}

	report.Findings = c.sorted()
	report.Pass = model.MaxSeverity(report.Findings) < model.SeverityHigh

	v.log.V(1).Info("validated candidate",
		"command_id", cand.CommandID, "nodes", len(ir.Nodes), "findings", len(report.Findings), "pass", report.Pass)

	if !report.Pass {
		return report, nil
	}
	return report, &Validated{candidate: cand, file: file, ir: ir}
}

type checker struct {
	tables   *policy.Tables
	ir       *IR
	findings []model.Finding
}

func (c *checker) add(kind string, sev model.Severity, loc *model.Location, msg string) {
	c.findings = append(c.findings, model.Finding{
		Layer:    model.LayerValidation,
		Kind:     kind,
		Severity: sev,
		Message:  msg,
		Location: loc,
	})
}

// sorted orders findings by position; findings without a position come
// first, and ties keep check order.
func (c *checker) sorted() []model.Finding {
	out := append([]model.Finding(nil), c.findings...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Location, out[j].Location
		switch {
		case a == nil || b == nil:
			return a == nil && b != nil
		case a.Line != b.Line:
			return a.Line < b.Line
		default:
			return a.Col < b.Col
		}
	})
	return out
}
