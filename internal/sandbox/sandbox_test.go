package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/policy"
	"github.com/gzhole/transguard/internal/validate"
)

var testTables = policy.MustCompile(policy.DefaultPolicy())

func validated(t *testing.T, tables *policy.Tables, code string) *validate.Validated {
	t.Helper()
	cand := model.Candidate{CommandID: "t", Code: code, Dialect: model.TargetDialect}
	report, v := validate.NewValidator(tables, logr.Discard()).Validate(cand, nil)
	if v == nil {
		t.Fatalf("candidate %q failed validation: %v", code, report.Findings)
	}
	return v
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.BaseDir = t.TempDir()
	cfg.Timeout = 5 * time.Second
	return cfg
}

func findingKinds(tr *Trace) map[string]model.Severity {
	out := make(map[string]model.Severity)
	for _, f := range tr.Findings {
		if f.Severity >= out[f.Kind] {
			out[f.Kind] = f.Severity
		}
	}
	return out
}

func assertTornDown(t *testing.T, base string) {
	t.Helper()
	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace not removed: %v", entries)
	}
}

func requireUnix(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("needs a unix userland")
	}
}

func TestExecute_RequiresValidated(t *testing.T) {
	e := NewExecutor(testConfig(t), testTables, logr.Discard())
	if _, err := e.Execute(context.Background(), nil); !errors.Is(err, validate.ErrNotValidated) {
		t.Errorf("Execute(nil) = %v, want ErrNotValidated", err)
	}
	if _, err := e.Execute(context.Background(), &validate.Validated{}); !errors.Is(err, validate.ErrNotValidated) {
		t.Errorf("Execute(zero) = %v, want ErrNotValidated", err)
	}
}

func TestExecute_RunsInWorkspace(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	e := NewExecutor(cfg, testTables, logr.Discard())

	tr, err := e.Execute(context.Background(), validated(t, testTables, "echo hello > out.txt; cat out.txt; pwd"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if tr.ExitStatus != 0 {
		t.Errorf("ExitStatus = %d, stderr %q", tr.ExitStatus, tr.Stderr)
	}
	lines := strings.Split(strings.TrimSpace(tr.Stdout), "\n")
	if len(lines) != 2 || lines[0] != "hello" {
		t.Fatalf("Stdout = %q", tr.Stdout)
	}
	if !strings.Contains(lines[1], "ws-") {
		t.Errorf("script did not run in a scratch workspace: %q", lines[1])
	}
	if len(tr.Findings) != 0 {
		t.Errorf("Findings = %v", tr.Findings)
	}
	if tr.Err() != nil {
		t.Errorf("Err() = %v", tr.Err())
	}
	assertTornDown(t, cfg.BaseDir)
}

func TestExecute_RecordsSpawnedProcesses(t *testing.T) {
	requireUnix(t)
	e := NewExecutor(testConfig(t), testTables, logr.Discard())

	tr, err := e.Execute(context.Background(), validated(t, testTables, "ls -a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.SideEffects) != 1 || tr.SideEffects[0].Kind != EffectExec || tr.SideEffects[0].Detail != "ls -a" {
		t.Errorf("SideEffects = %+v", tr.SideEffects)
	}
	if runtime.GOOS == "linux" && tr.PeakMemory == 0 {
		t.Error("expected a peak memory reading")
	}
}

func TestExecute_Timeout(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	cfg.Timeout = 300 * time.Millisecond
	e := NewExecutor(cfg, testTables, logr.Discard())

	start := time.Now()
	tr, err := e.Execute(context.Background(), validated(t, testTables, "sleep 5"))
	if err != nil {
		t.Fatalf("timeout must be a finding, not an error: %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("process was not killed at the deadline")
	}
	if findingKinds(tr)[model.KindSandboxTimeout] != model.SeverityHigh {
		t.Errorf("Findings = %v", tr.Findings)
	}
	if !errors.Is(tr.Err(), ErrSandboxTimeout) {
		t.Errorf("Err() = %v", tr.Err())
	}
	assertTornDown(t, cfg.BaseDir)
}

func TestExecute_ParentCancellation(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	e := NewExecutor(cfg, testTables, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	tr, err := e.Execute(ctx, validated(t, testTables, "sleep 5"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute = %v, %v; want context.Canceled", tr, err)
	}
	assertTornDown(t, cfg.BaseDir)
}

func TestExecute_DeniesCapabilityAtRunTime(t *testing.T) {
	requireUnix(t)
	p := policy.DefaultPolicy()
	p.Capabilities.Allowed = append(p.Capabilities.Allowed, policy.CapNetwork)
	p.Capabilities.SandboxAllowed = []policy.Capability{policy.CapFilesystem, policy.CapProcess}
	p.Network.AllowDomains = []string{"example.com"}
	tables := policy.MustCompile(p)

	e := NewExecutor(testConfig(t), tables, logr.Discard())
	tr, err := e.Execute(context.Background(), validated(t, tables, "curl https://example.com/"))
	if err != nil {
		t.Fatal(err)
	}
	if tr.ExitStatus != statusDenied {
		t.Errorf("ExitStatus = %d, want %d", tr.ExitStatus, statusDenied)
	}
	if findingKinds(tr)[model.KindDeniedOperation] != model.SeverityHigh {
		t.Errorf("Findings = %v", tr.Findings)
	}
	if len(tr.SideEffects) != 1 || tr.SideEffects[0].Kind != EffectDenied {
		t.Errorf("SideEffects = %+v", tr.SideEffects)
	}
}

func TestExecute_ConfinesWrites(t *testing.T) {
	requireUnix(t)
	outside := t.TempDir()

	tests := []struct {
		name string
		code string
	}{
		{"redirect", fmt.Sprintf(`d='%s'; echo hi > "$d/x"`, outside)},
		{"mutating command", fmt.Sprintf(`d='%s'; touch "$d/x"`, outside)},
		{"dd output operand", fmt.Sprintf(`d='%s'; dd if=/dev/null "of=$d/x"`, outside)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(testConfig(t), testTables, logr.Discard())
			tr, err := e.Execute(context.Background(), validated(t, testTables, tt.code))
			if err != nil {
				t.Fatal(err)
			}
			if findingKinds(tr)[model.KindDeniedOperation] != model.SeverityHigh {
				t.Errorf("Findings = %v", tr.Findings)
			}
			if _, err := os.Stat(filepath.Join(outside, "x")); !os.IsNotExist(err) {
				t.Error("write escaped the workspace")
			}
		})
	}
}

func TestExecute_DirectoryChangeStaysInWorkspace(t *testing.T) {
	requireUnix(t)
	outside := t.TempDir()

	tests := []struct {
		name string
		code string
	}{
		{"host directory", fmt.Sprintf(`d='%s'; cd "$d"; touch pwned; mkdir evil`, outside)},
		{"parent of the workspace", `up='..'; cd "$up"; touch pwned; mkdir evil`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			e := NewExecutor(cfg, testTables, logr.Discard())
			tr, err := e.Execute(context.Background(), validated(t, testTables, tt.code))
			if err != nil {
				t.Fatal(err)
			}
			if findingKinds(tr)[model.KindDeniedOperation] != model.SeverityHigh {
				t.Errorf("Findings = %v", tr.Findings)
			}
			for _, dir := range []string{outside, cfg.BaseDir} {
				for _, name := range []string{"pwned", "evil"} {
					if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
						t.Errorf("%s created in %s", name, dir)
					}
				}
			}
		})
	}
}

func TestOutsideWrite(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	r := &run{tables: testTables, ws: ws}

	tests := []struct {
		dir, arg string
		denied   bool
	}{
		{ws, "pwned", false},
		{ws, "-p", false},
		{ws, "sub/file", false},
		{outside, "pwned", true},
		{outside, "evil", true},
		{ws, "../pwned", true},
		{ws, "of=" + filepath.Join(outside, "x"), true},
		{ws, "/dev/null", false},
	}
	for _, tt := range tests {
		if _, got := r.outsideWrite(tt.dir, tt.arg); got != tt.denied {
			t.Errorf("outsideWrite(%s, %q) = %v, want %v", tt.dir, tt.arg, got, tt.denied)
		}
	}
}

func TestExecute_InterpreterMemoryCeiling(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	cfg.MemoryLimit = 16 << 20
	e := NewExecutor(cfg, testTables, logr.Discard())

	code := `x=a; i=0; while [ "$i" -lt 26 ]; do x="$x$x"; i=$((i+1)); done; echo ${#x}`
	tr, err := e.Execute(context.Background(), validated(t, testTables, code))
	if err != nil {
		t.Fatal(err)
	}
	if findingKinds(tr)[model.KindResourceExceeded] != model.SeverityHigh {
		t.Errorf("Findings = %v", tr.Findings)
	}
	if !errors.Is(tr.Err(), ErrResourceExceeded) {
		t.Errorf("Err() = %v", tr.Err())
	}
	if tr.PeakMemory <= cfg.MemoryLimit {
		t.Errorf("PeakMemory = %d, want above %d", tr.PeakMemory, cfg.MemoryLimit)
	}
	if strings.Contains(tr.Stdout, "67108864") {
		t.Error("loop ran to completion")
	}
	assertTornDown(t, cfg.BaseDir)
}

func TestExecute_PreservesExitStatus(t *testing.T) {
	requireUnix(t)
	tests := []struct {
		name   string
		code   string
		stdout string
		status int
	}{
		{"status survives between statements", "false; echo $?", "1\n", 0},
		{"errexit still applies", "set -e; false; echo unreachable", "", 1},
		{"function return", "f() { return 3; }; f; echo $?", "3\n", 0},
		{"command substitution", `echo "$(false; echo $?)"`, "1\n", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(testConfig(t), testTables, logr.Discard())
			tr, err := e.Execute(context.Background(), validated(t, testTables, tt.code))
			if err != nil {
				t.Fatal(err)
			}
			if tr.Stdout != tt.stdout || tr.ExitStatus != tt.status {
				t.Errorf("got %q, %d; want %q, %d", tr.Stdout, tr.ExitStatus, tt.stdout, tt.status)
			}
			if len(tr.SideEffects) != 0 {
				t.Errorf("SideEffects = %+v", tr.SideEffects)
			}
		})
	}
}

func TestExecute_WatchesBaseParent(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	sibling := t.TempDir()
	cfg.WatchPaths = []string{filepath.Dir(cfg.BaseDir)}
	if filepath.Dir(sibling) != cfg.WatchPaths[0] {
		t.Skip("temp dirs do not share a parent")
	}
	e := NewExecutor(cfg, testTables, logr.Discard())

	code := fmt.Sprintf(`d='%s'; echo a > in.txt; sort -o "$d/out" in.txt`, sibling)
	tr, err := e.Execute(context.Background(), validated(t, testTables, code))
	if err != nil {
		t.Fatal(err)
	}
	if findingKinds(tr)[model.KindContainmentViolation] != model.SeverityHigh {
		t.Fatalf("Findings = %v", tr.Findings)
	}
	base, _ := filepath.EvalSymlinks(cfg.BaseDir)
	for _, c := range tr.Changes {
		if strings.HasPrefix(c.Path, base) {
			t.Errorf("workspace activity reported as a host change: %s", c)
		}
	}
}

func TestSetupFailure(t *testing.T) {
	tr := SetupFailure("c1", errors.New("creating workspace: read-only file system"))
	if tr.ExitStatus != -1 || tr.CommandID != "c1" {
		t.Errorf("trace = %+v", tr)
	}
	if findingKinds(tr)[model.KindSandboxSetup] != model.SeverityCritical {
		t.Errorf("Findings = %v", tr.Findings)
	}
}

func TestExecute_ContainmentViolation(t *testing.T) {
	requireUnix(t)
	watched := t.TempDir()
	cfg := testConfig(t)
	cfg.WatchPaths = []string{watched}
	e := NewExecutor(cfg, testTables, logr.Discard())

	code := fmt.Sprintf(`d='%s'; echo a > in.txt; sort -o "$d/out" in.txt`, watched)
	tr, err := e.Execute(context.Background(), validated(t, testTables, code))
	if err != nil {
		t.Fatal(err)
	}
	if findingKinds(tr)[model.KindContainmentViolation] != model.SeverityHigh {
		t.Fatalf("Findings = %v", tr.Findings)
	}
	if !errors.Is(tr.Err(), ErrContainmentViolation) {
		t.Errorf("Err() = %v", tr.Err())
	}
	found := false
	for _, c := range tr.Changes {
		if filepath.Base(c.Path) == "out" && c.Action == "added" {
			found = true
		}
	}
	if !found {
		t.Errorf("Changes = %+v", tr.Changes)
	}
}

func TestExecute_WatchedPathsUntouched(t *testing.T) {
	requireUnix(t)
	watched := t.TempDir()
	if err := os.WriteFile(filepath.Join(watched, "keep.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t)
	cfg.WatchPaths = []string{watched}
	e := NewExecutor(cfg, testTables, logr.Discard())

	tr, err := e.Execute(context.Background(), validated(t, testTables, "mkdir -p sub && touch sub/a && ls sub"))
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Changes) != 0 || len(tr.Findings) != 0 {
		t.Errorf("Changes = %+v, Findings = %v", tr.Changes, tr.Findings)
	}
}

func TestExecute_OutputTruncated(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	cfg.OutputLimit = 16
	e := NewExecutor(cfg, testTables, logr.Discard())

	code := "printf '%s' " + strings.Repeat("a", 64)
	tr, err := e.Execute(context.Background(), validated(t, testTables, code))
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Stdout) != 16 {
		t.Errorf("len(Stdout) = %d, want 16", len(tr.Stdout))
	}
	if findingKinds(tr)[model.KindOutputTruncated] != model.SeverityLow {
		t.Errorf("Findings = %v", tr.Findings)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	requireUnix(t)
	e := NewExecutor(testConfig(t), testTables, logr.Discard())
	tr, err := e.Execute(context.Background(), validated(t, testTables, "ls ./missing"))
	if err != nil {
		t.Fatal(err)
	}
	if tr.ExitStatus == 0 {
		t.Error("expected a non-zero exit status")
	}
	if findingKinds(tr)[model.KindNonZeroExit] != model.SeverityMedium {
		t.Errorf("Findings = %v", tr.Findings)
	}
	if tr.Err() != nil {
		t.Errorf("a failing command is not an anomaly: %v", tr.Err())
	}
}

func TestSandboxEnv(t *testing.T) {
	host := []string{
		"PATH=/usr/bin",
		"HOME=/home/alice",
		"LANG=C.UTF-8",
		"AWS_SECRET_ACCESS_KEY=abc",
		"GITHUB_TOKEN=ghp_x",
		"DATABASE_URL=postgres://u:p@db/x",
	}
	env := sandboxEnv(host, []string{"PATH", "LANG", "GITHUB_TOKEN", "DATABASE_URL"}, "/ws")
	want := []string{"HOME=/ws", "LANG=C.UTF-8", "PATH=/usr/bin", "TMPDIR=/ws"}
	if strings.Join(env, ",") != strings.Join(want, ",") {
		t.Errorf("sandboxEnv = %v, want %v", env, want)
	}

	env = sandboxEnv(nil, []string{"PATH"}, "/ws")
	if !strings.Contains(strings.Join(env, ","), "PATH=/usr/local/bin:/usr/bin:/bin") {
		t.Errorf("missing default PATH: %v", env)
	}
}

func TestComputeChanges(t *testing.T) {
	before := map[string]fileState{
		"/w/same":    {size: 1, modTime: 1},
		"/w/changed": {size: 1, modTime: 1},
		"/w/gone":    {size: 7, modTime: 1},
	}
	after := map[string]fileState{
		"/w/same":    {size: 1, modTime: 1},
		"/w/changed": {size: 4, modTime: 2},
		"/w/new":     {size: 3, modTime: 2},
	}
	got := computeChanges(before, after)
	want := []FileChange{
		{Path: "/w/changed", Action: "modified", SizeDelta: 3},
		{Path: "/w/gone", Action: "deleted", SizeDelta: -7},
		{Path: "/w/new", Action: "added", SizeDelta: 3},
	}
	if len(got) != len(want) {
		t.Fatalf("computeChanges = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLimitedWriter(t *testing.T) {
	w := newLimitedWriter(5)
	n, err := w.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, _ = w.Write([]byte("defgh"))
	if n != 5 {
		t.Errorf("Write must report the full length, got %d", n)
	}
	if w.String() != "abcde" || !w.Truncated() {
		t.Errorf("String = %q, Truncated = %v", w.String(), w.Truncated())
	}
}
