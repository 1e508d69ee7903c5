// Package model holds the data types shared by every stage of the
// verification pipeline: commands, candidates, severities and findings.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// Dialect names a shell dialect.
type Dialect string

const (
	DialectPowerShell Dialect = "powershell"
	DialectPOSIX      Dialect = "posix"

	// TargetDialect is the orchestration dialect every candidate is
	// expected to be written in.
	TargetDialect Dialect = "bash"
)

// ParseDialect maps user input to a known source dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "powershell", "pwsh", "ps":
		return DialectPowerShell, nil
	case "posix", "sh", "bash":
		return DialectPOSIX, nil
	}
	return "", fmt.Errorf("unknown dialect %q", s)
}

// Command is an untrusted input command. Immutable once received.
type Command struct {
	ID      string  `json:"id"`
	Text    string  `json:"command"`
	Dialect Dialect `json:"dialect"`
	// Expect, when set, is what a faithful translation must produce in
	// the sandbox.
	Expect *Expectation `json:"expect,omitempty"`
}

// Expectation describes the observable result of a correct translation.
// Nil fields are not checked.
type Expectation struct {
	ExitStatus *int `json:"exit_status,omitempty"`
	// Stdout is compared after trailing newlines are trimmed from both
	// sides.
	Stdout *string `json:"stdout,omitempty"`
}

// Candidate is a translation returned by the oracle. It is untrusted
// until the validator has produced a passing report for it.
type Candidate struct {
	CommandID string  `json:"command_id"`
	Code      string  `json:"code"`
	Dialect   Dialect `json:"dialect"`
}

// ---------------------------------------------------------------------------
// Severity
// ---------------------------------------------------------------------------

// Severity orders findings and risk tiers. The zero value is SeverityInfo.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"INFO", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity accepts the names in any case.
func ParseSeverity(s string) (Severity, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range severityNames {
		if up == name {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ---------------------------------------------------------------------------
// Findings
// ---------------------------------------------------------------------------

// Layer identifies the pipeline stage that produced a finding.
type Layer string

const (
	LayerRisk       Layer = "risk"
	LayerShield     Layer = "shield"
	LayerValidation Layer = "validation"
	LayerExecution  Layer = "execution"
)

// Finding kinds. Risk-layer findings use the signature ID as their Ref.
const (
	KindSignature            = "signature"
	KindShieldBypass         = "shield-bypass-detected"
	KindParseError           = "parse-error"
	KindDynamicExec          = "dynamic-exec-sink"
	KindUnparameterized      = "unparameterized-interpolation"
	KindUnquotedExpansion    = "unquoted-expansion"
	KindCapabilityDenied     = "capability-not-allowed"
	KindUnknownCommand       = "unknown-command"
	KindNetworkDomain        = "network-domain-not-allowed"
	KindPathOutsideWorkspace = "path-outside-workspace"
	KindPrivilege            = "privilege-escalation"
	KindArgumentDropped      = "argument-dropped"
	KindArgumentReordered    = "argument-reordered"
	KindNewVulnerability     = "new-vulnerability-introduced"
	KindDialectMismatch      = "dialect-mismatch"

	KindSandboxTimeout       = "sandbox-timeout"
	KindResourceExceeded     = "sandbox-resource-exceeded"
	KindContainmentViolation = "containment-violation"
	KindDeniedOperation      = "denied-operation"
	KindOutputTruncated      = "output-truncated"
	KindNonZeroExit          = "nonzero-exit"
	KindSandboxSetup         = "sandbox-setup-failed"
	KindFunctional           = "functional-incorrectness"
)

// Location is a 1-based position inside a candidate translation.
type Location struct {
	Line uint `json:"line"`
	Col  uint `json:"col"`
}

func (l Location) String() string {
	return fmt.Sprintf("%d:%d", l.Line, l.Col)
}

// Finding is one observation from any layer.
type Finding struct {
	Layer    Layer     `json:"layer"`
	Kind     string    `json:"kind"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Ref      string    `json:"ref,omitempty"`
	Location *Location `json:"location,omitempty"`
}

// MappingKey is the key used to look the finding up in the MITRE table.
func (f Finding) MappingKey() string {
	switch {
	case f.Layer == LayerRisk:
		return "signature:" + f.Ref
	case f.Layer == LayerExecution:
		return "anomaly:" + f.Kind
	default:
		return "finding:" + f.Kind
	}
}

func (f Finding) String() string {
	if f.Location != nil {
		return fmt.Sprintf("[%s] %s at %s: %s", f.Severity, f.Kind, f.Location, f.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", f.Severity, f.Kind, f.Message)
}

// MaxSeverity returns the highest severity in findings, or SeverityInfo.
func MaxSeverity(findings []Finding) Severity {
	top := SeverityInfo
	for _, f := range findings {
		if f.Severity > top {
			top = f.Severity
		}
	}
	return top
}

var (
	// ErrParse marks a candidate that could not be parsed.
	ErrParse = errors.New("candidate parse error")
	// ErrPolicyViolation marks a disallowed construct.
	ErrPolicyViolation = errors.New("policy violation")
)
