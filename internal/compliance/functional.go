package compliance

import (
	"fmt"
	"strings"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/sandbox"
)

// Functional compares a trace against the caller's expectation. A nil
// expectation or trace yields nothing.
func Functional(exp *model.Expectation, trace *sandbox.Trace) []model.Finding {
	if exp == nil || trace == nil {
		return nil
	}
	var findings []model.Finding
	if exp.ExitStatus != nil && *exp.ExitStatus != trace.ExitStatus {
		findings = append(findings, functional(fmt.Sprintf("exit status %d, expected %d", trace.ExitStatus, *exp.ExitStatus)))
	}
	if exp.Stdout != nil {
		got := strings.TrimRight(trace.Stdout, "\r\n")
		want := strings.TrimRight(*exp.Stdout, "\r\n")
		if got != want {
			findings = append(findings, functional(fmt.Sprintf("stdout %q, expected %q", clip(got), clip(want))))
		}
	}
	return findings
}

func functional(msg string) model.Finding {
	return model.Finding{
		Layer:    model.LayerExecution,
		Kind:     model.KindFunctional,
		Severity: model.SeverityHigh,
		Message:  msg,
	}
}

func clip(s string) string {
	const limit = 80
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
