package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gzhole/transguard/internal/compliance"
	"github.com/gzhole/transguard/internal/daemon"
	"github.com/gzhole/transguard/internal/logger"
	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/pipeline"
	"github.com/gzhole/transguard/internal/policy"
)

// execute runs the root command with args against an isolated home.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func isolatedHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	// Nothing listens here; only commands rejected before the oracle run.
	t.Setenv("TRANSGUARD_ORACLE_URL", "http://127.0.0.1:1/v1/chat/completions")
	t.Setenv("TRANSGUARD_LOG_LEVEL", "error")
	return home
}

func TestVerify_CriticalCommandFails(t *testing.T) {
	home := isolatedHome(t)

	out, err := execute(t, "verify", "--json", "--id", "crit-1", "--", "Invoke-Expression", "$userInput")
	if ExitCode(err) != 1 {
		t.Fatalf("exit = %d (%v), want 1; output:\n%s", ExitCode(err), err, out)
	}
	var res verifyResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.Verdict == nil || res.Verdict.Pass || res.Verdict.RiskTier != model.SeverityCritical {
		t.Errorf("result = %+v", res)
	}

	if _, err := os.Stat(filepath.Join(home, ".transguard", "verdicts.db")); err != nil {
		t.Errorf("verdict store not created: %v", err)
	}
	events, err := readAuditLog(filepath.Join(home, ".transguard", "audit.jsonl"))
	if err != nil || len(events) != 1 || events[0].CommandID != "crit-1" || events[0].Source != "cli" {
		t.Errorf("audit events = %+v, %v", events, err)
	}

	out, err = execute(t, "report", "--id", "crit-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(out, "FAIL") || !strings.Contains(out, "crit-1") {
		t.Errorf("history output:\n%s", out)
	}
}

func TestVerify_RequiresCommand(t *testing.T) {
	isolatedHome(t)
	rootCmd.SetIn(strings.NewReader("   \n"))
	defer rootCmd.SetIn(nil)
	if _, err := execute(t, "verify"); err == nil || ExitCode(err) != 1 {
		t.Errorf("err = %v, want usage error", err)
	}
}

func TestReadJobs(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"a","command":"Get-Process"}`,
		``,
		`# comment`,
		`{"command":"ls -la","dialect":"posix"}`,
		`{not json`,
		`{"id":"a","command":"Get-Service"}`,
		`{"id":"b","command":"dir","dialect":"cmd.exe"}`,
	}, "\n")

	jobs, invalid, err := readJobs(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].ID != "a" || jobs[1].ID != "line-4" || jobs[1].Dialect != model.DialectPOSIX {
		t.Errorf("jobs = %+v", jobs)
	}
	wantInvalid := []string{"line-5", "line-6", "line-7"}
	if len(invalid) != len(wantInvalid) {
		t.Fatalf("invalid = %+v", invalid)
	}
	for i, res := range invalid {
		if res.ID != wantInvalid[i] || res.Status != daemon.StatusInvalid || res.Error == "" {
			t.Errorf("invalid[%d] = %+v", i, res)
		}
	}
}

func TestFilterEvents(t *testing.T) {
	events := []logger.AuditEvent{
		{CommandID: "a", Pass: true, RiskTier: "LOW", Source: "cli"},
		{CommandID: "b", Pass: false, RiskTier: "CRITICAL", Source: "daemon"},
		{CommandID: "c", Source: "daemon", Error: "oracle unavailable"},
	}
	tests := []struct {
		name string
		f    eventFilter
		want []string
	}{
		{"none", eventFilter{}, []string{"a", "b", "c"}},
		{"failed", eventFilter{failed: true}, []string{"b", "c"}},
		{"source", eventFilter{source: "DAEMON"}, []string{"b", "c"}},
		{"id", eventFilter{id: "a"}, []string{"a"}},
		{"failed cli", eventFilter{failed: true, source: "cli"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range filterEvents(events, tt.f) {
				got = append(got, e.CommandID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadAuditLog_IncludesRotated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := os.WriteFile(path+".1", []byte(`{"command_id":"old"}`+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("garbage\n"+`{"command_id":"new"}`+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	events, err := readAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].CommandID != "old" || events[1].CommandID != "new" {
		t.Errorf("events = %+v", events)
	}
}

func TestTogglePack(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lolbins.yaml"), []byte("name: lolbins\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := togglePack(dir, "lolbins", false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "_lolbins.yaml")); err != nil {
		t.Errorf("pack not disabled: %v", err)
	}
	msg, err := togglePack(dir, "lolbins", false)
	if err != nil || !strings.Contains(msg, "already disabled") {
		t.Errorf("msg = %q, err = %v", msg, err)
	}
	if _, err := togglePack(dir, "lolbins", true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "lolbins.yaml")); err != nil {
		t.Errorf("pack not enabled: %v", err)
	}

	for _, name := range []string{"missing", "../escape", "_lolbins", ""} {
		if _, err := togglePack(dir, name, true); err == nil {
			t.Errorf("togglePack(%q) succeeded", name)
		}
	}
}

func TestRunScan_DefaultPolicy(t *testing.T) {
	results := runScan(policy.MustCompile(policy.DefaultPolicy()), logr.Discard())
	if len(results) != len(riskCases)+len(shieldCases)+len(candidateCases) {
		t.Fatalf("got %d results", len(results))
	}
	for _, r := range results {
		if !r.ok {
			t.Errorf("%s / %s: %q → %s", r.section, r.label, r.input, r.got)
		}
	}

	var buf bytes.Buffer
	if failed := printScan(&buf, results); failed != 0 {
		t.Errorf("printScan failed = %d", failed)
	}
	if !strings.Contains(buf.String(), "Static Validator: 6/6 passed") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestDumpPolicy_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	def := policy.DefaultPolicy()
	if err := dumpPolicy(&buf, def); err != nil {
		t.Fatal(err)
	}
	var back policy.Policy
	if err := yaml.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("unmarshal dump: %v", err)
	}
	tables, err := policy.Compile(&back)
	if err != nil {
		t.Fatalf("compile dump: %v", err)
	}
	if len(tables.Signatures()) != len(def.Signatures) || tables.Version() != def.Version {
		t.Errorf("signatures = %d, version = %q", len(tables.Signatures()), tables.Version())
	}
}

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	printOutcome(&buf, pipeline.Outcome{
		Command:   model.Command{ID: "p1"},
		Candidate: &model.Candidate{Code: "ps -e"},
		Verdict: &compliance.Verdict{
			CommandID: "p1",
			Pass:      true,
			RiskTier:  model.SeverityLow,
			MitreTags: []string{"T1059.004"},
			Stages:    []compliance.Stage{{Name: "risk", Status: "ok"}, {Name: "oracle", Status: "ok"}},
		},
	})
	for _, want := range []string{"PASS", "p1", "ps -e", "risk ok", "T1059.004"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	printOutcome(&buf, pipeline.Outcome{Command: model.Command{ID: "p2"}, Err: errors.New("oracle down")})
	if !strings.Contains(buf.String(), "NO VERDICT") || !strings.Contains(buf.String(), "oracle down") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != 0 || ExitCode(errors.New("x")) != 1 || ExitCode(&ExitError{Code: 2}) != 2 {
		t.Error("unexpected exit codes")
	}
}

func TestSummarize(t *testing.T) {
	st := summarize([]logger.AuditEvent{
		{Timestamp: "t1", Pass: true, RiskTier: "LOW", FindingKinds: []string{"b"}},
		{Pass: false, RiskTier: "CRITICAL", FindingKinds: []string{"a", "b"}},
		{Timestamp: "t3", Error: "oracle unavailable", FindingKinds: []string{"a"}},
	})
	if st.total != 3 || st.passed != 1 || st.failed != 1 || st.noVerdict != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.first != "t1" || st.last != "t3" || st.tiers["CRITICAL"] != 1 {
		t.Errorf("stats = %+v", st)
	}
	if got := strings.Join(st.topKinds(1), ","); got != "a" {
		t.Errorf("topKinds(1) = %q, want a", got)
	}
}

func TestExpectation(t *testing.T) {
	cmd := &cobra.Command{Use: "verify"}
	cmd.Flags().StringVar(&verifyStdout, "expect-stdout", "", "")
	cmd.Flags().IntVar(&verifyExit, "expect-exit", 0, "")

	if exp := expectation(cmd); exp != nil {
		t.Fatalf("expectation without flags = %+v", exp)
	}
	if err := cmd.Flags().Set("expect-exit", "0"); err != nil {
		t.Fatal(err)
	}
	exp := expectation(cmd)
	if exp == nil || exp.ExitStatus == nil || *exp.ExitStatus != 0 || exp.Stdout != nil {
		t.Fatalf("expectation = %+v", exp)
	}
	if err := cmd.Flags().Set("expect-stdout", "hello"); err != nil {
		t.Fatal(err)
	}
	if exp := expectation(cmd); exp.Stdout == nil || *exp.Stdout != "hello" {
		t.Errorf("Stdout = %v", exp.Stdout)
	}
}
