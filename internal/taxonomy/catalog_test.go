package taxonomy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gzhole/transguard/internal/policy"
)

// TestDefaultMappingsAreCatalogued checks that every technique referenced
// by the built-in mapping table is defined in the default catalog.
func TestDefaultMappingsAreCatalogued(t *testing.T) {
	tables := policy.MustCompile(policy.DefaultPolicy())
	cat := DefaultCatalog()

	total := 0
	for _, key := range tables.MitreKeys() {
		techs := tables.Techniques(key)
		if len(techs) == 0 {
			t.Errorf("mapping %s has no techniques", key)
		}
		if unknown := cat.Unknown(techs); len(unknown) > 0 {
			t.Errorf("mapping %s references uncatalogued techniques %v", key, unknown)
		}
		total += len(techs)
	}
	t.Logf("validated %d technique references", total)
}

func TestCatalog_Indexes(t *testing.T) {
	cat := DefaultCatalog()

	tech, ok := cat.ByID["T1059.001"]
	if !ok {
		t.Fatal("T1059.001 missing")
	}
	if tech.Parent() != "T1059" {
		t.Errorf("Parent() = %q", tech.Parent())
	}
	if tech.URL != "https://attack.mitre.org/techniques/T1059/001/" {
		t.Errorf("URL = %q", tech.URL)
	}
	if len(cat.ByTactic["execution"]) < 3 {
		t.Errorf("expected execution techniques, got %v", cat.ByTactic["execution"])
	}
	for i := 1; i < len(cat.Techniques); i++ {
		if cat.Techniques[i-1].ID > cat.Techniques[i].ID {
			t.Fatal("techniques not sorted")
		}
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	extra := `
techniques:
  - id: T1218
    name: System Binary Proxy Execution
    tactic: defense-evasion
  - id: T1059
    name: Scripting Interpreter (renamed)
    tactic: execution
`
	if err := os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte(extra), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "_draft.yaml"), []byte("techniques: [{id: T9999}]"), 0644); err != nil {
		t.Fatal(err)
	}

	cat, err := LoadCatalog(dir)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if _, ok := cat.ByID["T1218"]; !ok {
		t.Error("expected T1218 from extra file")
	}
	if _, ok := cat.ByID["T9999"]; ok {
		t.Error("draft file must be skipped")
	}
	if cat.ByID["T1059"].Name != "Scripting Interpreter (renamed)" {
		t.Errorf("later definition should win, got %q", cat.ByID["T1059"].Name)
	}
}

func TestLoadCatalog_MissingDir(t *testing.T) {
	cat, err := LoadCatalog(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(cat.Techniques) != len(DefaultCatalog().Techniques) {
		t.Error("expected default catalog")
	}
}

func TestBuildIndexAndMarkdown(t *testing.T) {
	idx := BuildIndex([]Tagged{
		{CommandID: "c1", Pass: false, Techniques: []string{"T1059.001", "T1105"}},
		{CommandID: "c2", Pass: true, Techniques: []string{"T1105"}},
		{CommandID: "c3", Pass: true},
	})

	if idx.Total != 3 {
		t.Errorf("Total = %d", idx.Total)
	}
	if got := idx.Mappings["T1105"]; len(got) != 2 {
		t.Errorf("T1105 commands = %v", got)
	}
	if idx.Failed["T1105"] != 1 || idx.Failed["T1059.001"] != 1 {
		t.Errorf("Failed = %v", idx.Failed)
	}

	md := GenerateMarkdown(idx, DefaultCatalog())
	for _, want := range []string{"## execution", "## command-and-control", "T1105 Ingress Tool Transfer", "c1, c2"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}
