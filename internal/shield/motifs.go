package shield

import (
	"regexp"
	"sort"
)

// Detection is one injection motif found in untrusted content.
type Detection struct {
	Category string `json:"category"`
	Text     string `json:"text"`
}

type motif struct {
	category string
	patterns []*regexp.Regexp
}

// Motifs are matched against homoglyph-folded text so look-alike letters
// cannot hide them. Patterns are kept narrow: whatever they match is
// deleted from the command and counts against the edit budget.
var motifs = []motif{
	{
		category: "instruction-override",
		patterns: compilePatterns([]string{
			`(?i)ignore\s+(all\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions?|rules?|prompts?|context)`,
			`(?i)disregard\s+(all\s+)?(the\s+|your\s+)?(previous\s+|prior\s+)?(instructions?|rules?|guidelines?)`,
			`(?i)forget\s+(all\s+)?(your|previous|prior)\s+(instructions?|rules?)`,
			`(?i)(override|bypass|skip)\s+(all\s+)?(safety|security|system)\s+(rules?|protocols?|guidelines?|instructions?|prompts?)`,
			`(?i)new\s+instructions?\s*:`,
			`(?i)instead\s*,\s*(output|print|write|return|respond)\b`,
		}),
	},
	{
		category: "role-redefinition",
		patterns: compilePatterns([]string{
			`(?i)you\s+are\s+(now|actually|really|no\s+longer)\s+(a|an|the|free|unrestricted|unfiltered|jailbroken)\b`,
			`(?i)from\s+now\s+on\s*,?\s+you\s+(are|will|must)\b`,
			`(?i)pretend\s+(to\s+be|you\s+are|you're)\b`,
			`(?i)act\s+as\s+(a|an|the)\s+(different|new|unrestricted|system|root|admin)\b`,
			`(?i)your\s+new\s+role\s+is\b`,
		}),
	},
	{
		category: "prompt-exfiltration",
		patterns: compilePatterns([]string{
			`(?i)(show|reveal|display|print|output)\s+(me\s+)?(your|the)\s+(system\s+)?prompt`,
			`(?i)(what\s+are|tell\s+me)\s+(your|the)\s+(original\s+)?(instructions?|rules?|guidelines?)`,
			`(?i)repeat\s+(your\s+)?(system\s+)?(prompt|instructions?)`,
		}),
	},
	{
		category: "chat-template",
		patterns: compilePatterns([]string{
			`(?i)\[/?INST\]`,
			`(?i)<\|im_(start|end)\|>(system|user|assistant)?`,
			`(?i)<</?SYS>>`,
			`(?i)</?(system|assistant)>`,
			`(?i)\bsystem\s*:\s*(you\s+are|ignore|forget|override)\b`,
			`(?i)###\s*(system|instruction)s?\b`,
		}),
	},
	{
		category: "hidden-instruction",
		patterns: compilePatterns([]string{
			`(?i)BEGIN\s+HIDDEN\s+INSTRUCTIONS?`,
			`(?i)END\s+HIDDEN\s+INSTRUCTIONS?`,
			`(?i)IMPORTANT\s*:\s*(ignore|disregard|override)\b`,
			`(?i)note\s+to\s+(the\s+)?(ai|assistant|model|llm)\s*:`,
		}),
	},
	{
		category: "delimiter-forgery",
		patterns: compilePatterns([]string{
			`(?i)<<\s*UNTRUSTED-[0-9a-f]*\s*>>`,
			`<\|DELIMITER_[A-Za-z0-9]*\|>`,
		}),
	},
}

type span struct {
	start, end int
	category   string
}

// detect returns every motif span in text, sorted and merged.
func detect(text string) []span {
	var spans []span
	for _, m := range motifs {
		for _, re := range m.patterns {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				spans = append(spans, span{start: loc[0], end: loc[1], category: m.category})
			}
		}
	}
	if len(spans) == 0 {
		return nil
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(p)
	}
	return compiled
}
