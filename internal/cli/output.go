package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/gzhole/transguard/internal/compliance"
	"github.com/gzhole/transguard/internal/pipeline"
)

// verifyResult is the JSON form of one verify run.
type verifyResult struct {
	CommandID string              `json:"command_id"`
	Verdict   *compliance.Verdict `json:"verdict,omitempty"`
	Candidate string              `json:"candidate,omitempty"`
	Error     string              `json:"error,omitempty"`
}

func resultOf(o pipeline.Outcome) verifyResult {
	r := verifyResult{CommandID: o.Command.ID, Verdict: o.Verdict}
	if o.Candidate != nil {
		r.Candidate = o.Candidate.Code
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
	}
	return r
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func verdictIcon(pass bool) string {
	if pass {
		return "\xe2\x9c\x85" // check mark
	}
	return "\xe2\x9d\x8c" // cross mark
}

// printOutcome renders an outcome for a human reader.
func printOutcome(w io.Writer, o pipeline.Outcome) {
	v := o.Verdict
	if v == nil {
		fmt.Fprintf(w, "\xe2\x9a\xa0\xef\xb8\x8f  NO VERDICT  %s\n", o.Command.ID)
		if o.Err != nil {
			fmt.Fprintf(w, "     Error: %s\n", o.Err)
		}
		return
	}

	status := "PASS"
	if !v.Pass {
		status = "FAIL"
	}
	fmt.Fprintf(w, "%s %s  %s  tier %s  score %.2f\n", verdictIcon(v.Pass), status, v.CommandID, v.RiskTier, v.AggregateScore)
	if o.Candidate != nil {
		fmt.Fprintf(w, "     Candidate: %s\n", o.Candidate.Code)
	}
	if v.RejectionReason != "" {
		fmt.Fprintf(w, "     Reason: %s\n", v.RejectionReason)
	}
	if len(v.Stages) > 0 {
		stages := make([]string, 0, len(v.Stages))
		for _, s := range v.Stages {
			stages = append(stages, s.Name+" "+s.Status)
		}
		fmt.Fprintf(w, "     Stages: %s\n", strings.Join(stages, " \xe2\x86\x92 "))
	}
	for _, f := range v.Findings {
		fmt.Fprintf(w, "     Finding: %s\n", f)
	}
	if len(v.MitreTags) > 0 {
		fmt.Fprintf(w, "     MITRE: %s\n", strings.Join(v.MitreTags, ", "))
	}
}
