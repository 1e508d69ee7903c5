// Package taxonomy describes the MITRE ATT&CK techniques that verdicts are
// tagged with and builds reverse indexes from techniques to commands.
package taxonomy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Technique is one ATT&CK (sub-)technique.
type Technique struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Tactic string `yaml:"tactic"`
	URL    string `yaml:"url,omitempty"`
}

// Parent returns the parent technique ID of a sub-technique, or the ID
// itself.
func (t Technique) Parent() string {
	if i := strings.IndexByte(t.ID, '.'); i > 0 {
		return t.ID[:i]
	}
	return t.ID
}

type catalogFile struct {
	Techniques []Technique `yaml:"techniques"`
}

// Catalog holds all known techniques.
type Catalog struct {
	Techniques []Technique
	ByID       map[string]Technique
	ByTactic   map[string][]Technique
}

// DefaultCatalog covers every technique referenced by the built-in
// MITRE mapping table.
func DefaultCatalog() *Catalog {
	return newCatalog([]Technique{
		{ID: "T1003.001", Name: "OS Credential Dumping: LSASS Memory", Tactic: "credential-access"},
		{ID: "T1021.006", Name: "Remote Services: Windows Remote Management", Tactic: "lateral-movement"},
		{ID: "T1027", Name: "Obfuscated Files or Information", Tactic: "defense-evasion"},
		{ID: "T1027.010", Name: "Obfuscated Files or Information: Command Obfuscation", Tactic: "defense-evasion"},
		{ID: "T1059", Name: "Command and Scripting Interpreter", Tactic: "execution"},
		{ID: "T1059.001", Name: "Command and Scripting Interpreter: PowerShell", Tactic: "execution"},
		{ID: "T1059.004", Name: "Command and Scripting Interpreter: Unix Shell", Tactic: "execution"},
		{ID: "T1071.001", Name: "Application Layer Protocol: Web Protocols", Tactic: "command-and-control"},
		{ID: "T1083", Name: "File and Directory Discovery", Tactic: "discovery"},
		{ID: "T1095", Name: "Non-Application Layer Protocol", Tactic: "command-and-control"},
		{ID: "T1105", Name: "Ingress Tool Transfer", Tactic: "command-and-control"},
		{ID: "T1140", Name: "Deobfuscate/Decode Files or Information", Tactic: "defense-evasion"},
		{ID: "T1222.002", Name: "File and Directory Permissions Modification: Linux and Mac", Tactic: "defense-evasion"},
		{ID: "T1485", Name: "Data Destruction", Tactic: "impact"},
		{ID: "T1499", Name: "Endpoint Denial of Service", Tactic: "impact"},
		{ID: "T1548.002", Name: "Abuse Elevation Control Mechanism: Bypass User Account Control", Tactic: "privilege-escalation"},
		{ID: "T1548.003", Name: "Abuse Elevation Control Mechanism: Sudo and Sudo Caching", Tactic: "privilege-escalation"},
		{ID: "T1562.001", Name: "Impair Defenses: Disable or Modify Tools", Tactic: "defense-evasion"},
		{ID: "T1564.003", Name: "Hide Artifacts: Hidden Window", Tactic: "defense-evasion"},
		{ID: "T1611", Name: "Escape to Host", Tactic: "privilege-escalation"},
	})
}

// LoadCatalog extends the default catalog with every techniques file in
// dir. Files prefixed with underscore are treated as drafts and skipped.
// Later definitions of an ID replace earlier ones.
func LoadCatalog(dir string) (*Catalog, error) {
	techniques := DefaultCatalog().Techniques

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return newCatalog(techniques), nil
		}
		return nil, fmt.Errorf("reading techniques directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		if strings.HasPrefix(strings.TrimSuffix(name, filepath.Ext(name)), "_") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading techniques %s: %w", name, err)
		}
		var f catalogFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing techniques %s: %w", name, err)
		}
		for _, t := range f.Techniques {
			if t.ID == "" {
				return nil, fmt.Errorf("techniques %s: entry without id", name)
			}
			techniques = append(techniques, t)
		}
	}

	return newCatalog(techniques), nil
}

func newCatalog(list []Technique) *Catalog {
	cat := &Catalog{
		ByID:     make(map[string]Technique),
		ByTactic: make(map[string][]Technique),
	}
	for _, t := range list {
		if t.URL == "" {
			t.URL = "https://attack.mitre.org/techniques/" + strings.ReplaceAll(t.ID, ".", "/") + "/"
		}
		cat.ByID[t.ID] = t
	}
	for _, t := range cat.ByID {
		cat.Techniques = append(cat.Techniques, t)
	}
	sort.Slice(cat.Techniques, func(i, j int) bool { return cat.Techniques[i].ID < cat.Techniques[j].ID })
	for _, t := range cat.Techniques {
		cat.ByTactic[t.Tactic] = append(cat.ByTactic[t.Tactic], t)
	}
	return cat
}

// Unknown returns the IDs in ids that the catalog does not define.
func (c *Catalog) Unknown(ids []string) []string {
	var out []string
	for _, id := range ids {
		if _, ok := c.ByID[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Describe renders "ID Name" for display, falling back to the bare ID.
func (c *Catalog) Describe(id string) string {
	if t, ok := c.ByID[id]; ok {
		return t.ID + " " + t.Name
	}
	return id
}
