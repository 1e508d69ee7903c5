package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func writePack(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadPacks_EmptyDir(t *testing.T) {
	dir := t.TempDir()
	base := DefaultPolicy()

	result, infos, err := LoadPacks(dir, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("expected 0 pack infos, got %d", len(infos))
	}
	if len(result.Signatures) != len(base.Signatures) {
		t.Errorf("expected %d signatures, got %d", len(base.Signatures), len(result.Signatures))
	}
}

func TestLoadPacks_NonExistentDir(t *testing.T) {
	base := DefaultPolicy()
	result, _, err := LoadPacks("/nonexistent/path/packs", base)
	if err != nil {
		t.Fatalf("unexpected error for non-existent dir: %v", err)
	}
	if result != base {
		t.Error("expected base policy to be returned unchanged")
	}
}

func TestLoadPacks_MergesSignatures(t *testing.T) {
	dir := t.TempDir()
	base := DefaultPolicy()

	writePack(t, dir, "lateral.yaml", `
name: "Lateral Movement"
version: "1.0.0"
author: "Test"
signatures:
  - id: "ps-enter-pssession"
    pattern: '\bEnter-PSSession\b'
    severity: high
    dialects: [powershell]
    description: "Interactive remote session"
  - id: "ps-get-process"
    pattern: '\bGet-Process\b'
    severity: low
    description: "Overridden severity"
mitre:
  "signature:ps-enter-pssession": ["T1021.006"]
  "signature:ps-iex": ["T1027"]
network:
  allow_domains: ["packages.example.com"]
`)

	result, infos, err := LoadPacks(dir, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "Lateral Movement" || infos[0].SignatureCount != 2 {
		t.Fatalf("unexpected infos: %+v", infos)
	}

	if len(result.Signatures) != len(base.Signatures)+1 {
		t.Errorf("expected one appended signature, got %d total", len(result.Signatures))
	}

	var overridden *Signature
	for i := range result.Signatures {
		if result.Signatures[i].ID == "ps-get-process" {
			overridden = &result.Signatures[i]
		}
	}
	if overridden == nil || overridden.Description != "Overridden severity" {
		t.Errorf("expected ps-get-process to be replaced, got %+v", overridden)
	}

	iex := result.Mitre["signature:ps-iex"]
	if len(iex) != 2 {
		t.Errorf("expected MITRE techniques to be unioned, got %v", iex)
	}
	if len(result.Network.AllowDomains) != 1 {
		t.Errorf("expected merged domain, got %v", result.Network.AllowDomains)
	}

	if _, err := Compile(result); err != nil {
		t.Errorf("merged policy does not compile: %v", err)
	}
}

func TestLoadPacks_DisabledPack(t *testing.T) {
	dir := t.TempDir()
	base := DefaultPolicy()

	writePack(t, dir, "_draft.yaml", `
name: "Draft"
signatures:
  - id: "draft-sig"
    pattern: 'anything'
    severity: critical
`)

	result, infos, err := LoadPacks(dir, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 1 || infos[0].Enabled {
		t.Fatalf("expected one disabled pack, got %+v", infos)
	}
	if len(result.Signatures) != len(base.Signatures) {
		t.Errorf("disabled pack signatures should not merge")
	}
}

func TestLoadPacks_BrokenPackIsReported(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "broken.yaml", "signatures: [unclosed")

	_, infos, err := LoadPacks(dir, DefaultPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 1 || infos[0].Err == nil {
		t.Errorf("expected parse error in pack info, got %+v", infos)
	}
}

func TestLoadPacks_DoesNotMutateBase(t *testing.T) {
	dir := t.TempDir()
	base := DefaultPolicy()
	baseCount := len(base.Signatures)
	baseIEX := len(base.Mitre["signature:ps-iex"])

	writePack(t, dir, "extra.yaml", `
signatures:
  - id: "extra"
    pattern: 'extra'
    severity: low
mitre:
  "signature:ps-iex": ["T1027"]
`)

	if _, _, err := LoadPacks(dir, base); err != nil {
		t.Fatal(err)
	}
	if len(base.Signatures) != baseCount {
		t.Errorf("base signatures were mutated")
	}
	if len(base.Mitre["signature:ps-iex"]) != baseIEX {
		t.Errorf("base MITRE table was mutated")
	}
}
