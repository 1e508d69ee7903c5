package taxonomy

import (
	"fmt"
	"sort"
	"strings"
)

// Tagged is the minimal view of a verdict the index needs.
type Tagged struct {
	CommandID  string
	Pass       bool
	Techniques []string
}

// Index maps technique IDs to the commands whose verdicts carry them.
type Index struct {
	Mappings map[string][]string // technique ID → command IDs
	Failed   map[string]int      // technique ID → failed verdict count
	Total    int
}

// BuildIndex creates the reverse index over a set of verdicts.
func BuildIndex(verdicts []Tagged) Index {
	idx := Index{
		Mappings: make(map[string][]string),
		Failed:   make(map[string]int),
		Total:    len(verdicts),
	}
	for _, v := range verdicts {
		for _, tech := range v.Techniques {
			idx.Mappings[tech] = append(idx.Mappings[tech], v.CommandID)
			if !v.Pass {
				idx.Failed[tech]++
			}
		}
	}
	return idx
}

// GenerateMarkdown renders the index grouped by tactic.
func GenerateMarkdown(idx Index, cat *Catalog) string {
	var sb strings.Builder

	sb.WriteString("# ATT&CK coverage\n\n")
	sb.WriteString(fmt.Sprintf("> %d verdicts, %d techniques observed.\n\n", idx.Total, len(idx.Mappings)))

	byTactic := make(map[string][]string)
	for tech := range idx.Mappings {
		tactic := "unmapped"
		if t, ok := cat.ByID[tech]; ok {
			tactic = t.Tactic
		}
		byTactic[tactic] = append(byTactic[tactic], tech)
	}

	tactics := make([]string, 0, len(byTactic))
	for t := range byTactic {
		tactics = append(tactics, t)
	}
	sort.Strings(tactics)

	for _, tactic := range tactics {
		sb.WriteString(fmt.Sprintf("## %s\n\n", tactic))
		techs := byTactic[tactic]
		sort.Strings(techs)
		for _, tech := range techs {
			cmds := append([]string(nil), idx.Mappings[tech]...)
			sort.Strings(cmds)
			sb.WriteString(fmt.Sprintf("- **%s** (%d commands, %d failed): %s\n",
				cat.Describe(tech), len(cmds), idx.Failed[tech], strings.Join(cmds, ", ")))
		}
		sb.WriteString("\n")
	}

	if len(idx.Mappings) == 0 {
		sb.WriteString("_No techniques observed._\n")
	}
	return sb.String()
}
