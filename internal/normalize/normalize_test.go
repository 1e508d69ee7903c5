package normalize

import (
	"strings"
	"testing"
)

func TestNormalize_RelativePathExpansion(t *testing.T) {
	na := Normalize([]string{"cat", "../secrets.txt"}, "/work/ws-1/sub", "/work/ws-1")

	expected := "/work/ws-1/secrets.txt"
	if len(na.Paths) != 1 || na.Paths[0] != expected {
		t.Errorf("expected path %q, got %v", expected, na.Paths)
	}
}

func TestNormalize_TildeUsesGivenHome(t *testing.T) {
	na := Normalize([]string{"cat", "~/.ssh/id_rsa"}, "/tmp", "/work/ws-1")

	expected := "/work/ws-1/.ssh/id_rsa"
	if len(na.Paths) != 1 || na.Paths[0] != expected {
		t.Errorf("expected path %q, got %v", expected, na.Paths)
	}
}

func TestNormalize_Domains(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"curl", []string{"curl", "https://Example.com/file.txt"}, []string{"example.com"}},
		{"wget with port", []string{"wget", "-O", "f.sh", "http://mirror.site:8080/install.sh"}, []string{"mirror.site"}},
		{"scp", []string{"scp", "report.txt", "deploy@backup.example.org:/srv/"}, []string{"backup.example.org"}},
		{"dedup", []string{"curl", "https://a.io/x", "https://a.io/y"}, []string{"a.io"}},
		{"none", []string{"ls", "-la"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			na := Normalize(tt.args, "/tmp", "/tmp")
			if strings.Join(na.Domains, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Domains = %v, want %v", na.Domains, tt.want)
			}
		})
	}
}

func TestDomain_PunycodesLookalikes(t *testing.T) {
	// Cyrillic 'і' in place of Latin 'i'.
	got, err := Domain("gіthub.com")
	if err != nil {
		t.Fatalf("Domain: %v", err)
	}
	if got == "github.com" {
		t.Fatal("look-alike host must not normalize to the ASCII target")
	}
	if !strings.HasPrefix(got, "xn--") {
		t.Errorf("expected punycode label, got %q", got)
	}
	if DomainAllowed(got, []string{"github.com"}) {
		t.Error("look-alike host must not match allowlist")
	}
}

func TestDomainAllowed(t *testing.T) {
	allowed := []string{"api.github.com", "*.pypi.org"}
	tests := []struct {
		domain string
		want   bool
	}{
		{"api.github.com", true},
		{"github.com", false},
		{"files.pypi.org", true},
		{"pypi.org", false},
		{"evilpypi.org", false},
	}
	for _, tt := range tests {
		if got := DomainAllowed(tt.domain, allowed); got != tt.want {
			t.Errorf("DomainAllowed(%q) = %v, want %v", tt.domain, got, tt.want)
		}
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		path, root string
		want       bool
	}{
		{"/work/ws-1/out.txt", "/work/ws-1", true},
		{"/work/ws-1", "/work/ws-1", true},
		{"/work/ws-10/out.txt", "/work/ws-1", false},
		{"/work/ws-1/../etc", "/work/ws-1", false},
		{"/etc/passwd", "/work/ws-1", false},
	}
	for _, tt := range tests {
		if got := Within(tt.path, tt.root); got != tt.want {
			t.Errorf("Within(%q, %q) = %v, want %v", tt.path, tt.root, got, tt.want)
		}
	}
}

func TestLooksLikePath(t *testing.T) {
	if LooksLikePath("-rf") || LooksLikePath("https://x.io/a") || LooksLikePath("hello") {
		t.Error("non-paths classified as paths")
	}
	if !LooksLikePath("/etc/passwd") || !LooksLikePath("./out") || !LooksLikePath("dir/file") {
		t.Error("paths not recognized")
	}
}
