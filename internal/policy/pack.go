package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pack adds signatures, MITRE mappings and allowed domains to a policy.
// We avoid yaml:",inline" because Policy also has a `version` field.
type Pack struct {
	Name        string                  `yaml:"name"`
	Description string                  `yaml:"description"`
	PackVersion string                  `yaml:"version"`
	Author      string                  `yaml:"author"`
	Signatures  []Signature             `yaml:"signatures"`
	Network     Network                 `yaml:"network"`
	Mitre       map[string]StringOrList `yaml:"mitre"`
}

// PackInfo is a summary of a pack for listing.
type PackInfo struct {
	Name           string
	Description    string
	Version        string
	Author         string
	Enabled        bool
	Path           string
	SignatureCount int
	Err            error
}

// LoadPacks reads all .yaml files from the packs directory and merges them
// into a copy of the base policy. Pack signatures replace base signatures
// with the same ID and are otherwise appended in file order. Domains and
// MITRE techniques are unioned. Files prefixed with "_" are listed but
// not merged.
func LoadPacks(packsDir string, base *Policy) (*Policy, []PackInfo, error) {
	entries, err := os.ReadDir(packsDir)
	if os.IsNotExist(err) {
		return base, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	merged := clonePolicy(base)
	var infos []PackInfo
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		pack, info := readPack(filepath.Join(packsDir, entry.Name()))
		if pack != nil && info.Enabled {
			mergePackInto(merged, pack)
		}
		infos = append(infos, info)
	}
	return merged, infos, nil
}

// readPack parses one pack file. A parse failure is reported in
// PackInfo.Err with a nil pack.
func readPack(path string) (*Pack, PackInfo) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	info := PackInfo{Name: stem, Path: path, Enabled: !strings.HasPrefix(stem, "_")}

	data, err := os.ReadFile(path)
	if err != nil {
		info.Err = err
		return nil, info
	}
	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		info.Err = fmt.Errorf("parse pack %s: %w", path, err)
		return nil, info
	}

	if pack.Name != "" {
		info.Name = pack.Name
	}
	info.Description = pack.Description
	info.Version = pack.PackVersion
	info.Author = pack.Author
	info.SignatureCount = len(pack.Signatures)
	return &pack, info
}

func mergePackInto(target *Policy, pack *Pack) {
	index := make(map[string]int, len(target.Signatures))
	for i, s := range target.Signatures {
		index[s.ID] = i
	}
	for _, s := range pack.Signatures {
		if i, ok := index[s.ID]; ok {
			target.Signatures[i] = s
			continue
		}
		index[s.ID] = len(target.Signatures)
		target.Signatures = append(target.Signatures, s)
	}

	target.Network.AllowDomains = union(target.Network.AllowDomains, pack.Network.AllowDomains)

	if target.Mitre == nil {
		target.Mitre = make(map[string]StringOrList)
	}
	for key, techniques := range pack.Mitre {
		target.Mitre[key] = union(target.Mitre[key], techniques)
	}
}

func clonePolicy(p *Policy) *Policy {
	clone := *p
	clone.Signatures = append([]Signature(nil), p.Signatures...)
	clone.Network.AllowDomains = append([]string(nil), p.Network.AllowDomains...)
	clone.Mitre = make(map[string]StringOrList, len(p.Mitre))
	for k, v := range p.Mitre {
		clone.Mitre[k] = append(StringOrList(nil), v...)
	}
	return &clone
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
