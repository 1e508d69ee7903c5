// Package retrieval ranks secure translation patterns for a command. The
// snippets are advisory context for the oracle and never bypass any
// later check.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ErrIteratorConsumed is yielded when a result sequence is ranged twice.
var ErrIteratorConsumed = errors.New("retrieval results already consumed")

// Retriever returns a finite, single-use sequence of snippets.
type Retriever interface {
	Retrieve(ctx context.Context, query string) iter.Seq2[Snippet, error]
}

// Entry is one secure pattern in the knowledge base.
type Entry struct {
	ID      string   `yaml:"id"`
	Title   string   `yaml:"title"`
	Pattern string   `yaml:"pattern"`
	Tags    []string `yaml:"tags,omitempty"`
	// Risk is the residual risk of the pattern itself; lower ranks higher.
	Risk float64 `yaml:"risk"`
}

// Snippet is a ranked entry.
type Snippet struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Pattern string  `json:"pattern"`
	Score   float64 `json:"score"`
}

// Ranking weighs similarity against the pattern's own risk.
type Ranking struct {
	Alpha float64 `yaml:"alpha"`
	Beta  float64 `yaml:"beta"`
	TopK  int     `yaml:"top_k"`
}

func DefaultRanking() Ranking {
	return Ranking{Alpha: 0.6, Beta: 0.4, TopK: 5}
}

type knowledgeFile struct {
	Entries []Entry `yaml:"entries"`
}

// KnowledgeBase is immutable after construction.
type KnowledgeBase struct {
	entries []Entry
	tokens  []map[string]bool
	rank    Ranking
}

func NewKnowledgeBase(entries []Entry, rank Ranking) *KnowledgeBase {
	def := DefaultRanking()
	if rank.Alpha <= 0 && rank.Beta <= 0 {
		rank.Alpha, rank.Beta = def.Alpha, def.Beta
	}
	if rank.TopK <= 0 {
		rank.TopK = def.TopK
	}
	kb := &KnowledgeBase{entries: append([]Entry(nil), entries...), rank: rank}
	for _, e := range kb.entries {
		kb.tokens = append(kb.tokens, tokenSet(e.Title+" "+e.Pattern+" "+strings.Join(e.Tags, " ")))
	}
	return kb
}

// LoadKnowledgeBase reads a YAML knowledge base. A missing file yields
// the built-in entries.
func LoadKnowledgeBase(path string, rank Ranking) (*KnowledgeBase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewKnowledgeBase(DefaultEntries(), rank), nil
		}
		return nil, err
	}
	var f knowledgeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing knowledge base %s: %w", path, err)
	}
	for i, e := range f.Entries {
		if e.ID == "" || e.Pattern == "" {
			return nil, fmt.Errorf("knowledge base %s: entry %d needs an id and a pattern", path, i)
		}
		if e.Risk < 0 {
			return nil, fmt.Errorf("knowledge base %s: entry %s has negative risk", path, e.ID)
		}
	}
	return NewKnowledgeBase(f.Entries, rank), nil
}

func (kb *KnowledgeBase) Len() int { return len(kb.entries) }

// Retrieve ranks entries by alpha*similarity + beta/(1+risk), keeps the
// best TopK with distinct patterns, and drops entries sharing no token
// with the query.
func (kb *KnowledgeBase) Retrieve(ctx context.Context, query string) iter.Seq2[Snippet, error] {
	var used atomic.Bool
	return func(yield func(Snippet, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(Snippet{}, ErrIteratorConsumed)
			return
		}
		for _, s := range kb.rankFor(query) {
			if err := ctx.Err(); err != nil {
				yield(Snippet{}, err)
				return
			}
			if !yield(s, nil) {
				return
			}
		}
	}
}

func (kb *KnowledgeBase) rankFor(query string) []Snippet {
	q := tokenSet(query)
	if len(q) == 0 {
		return nil
	}

	type scored struct {
		Snippet
		order int
	}
	var candidates []scored
	for i, e := range kb.entries {
		sim := jaccard(q, kb.tokens[i])
		if sim == 0 {
			continue
		}
		candidates = append(candidates, scored{
			Snippet: Snippet{
				ID:      e.ID,
				Title:   e.Title,
				Pattern: e.Pattern,
				Score:   kb.rank.Alpha*sim + kb.rank.Beta/(1+e.Risk),
			},
			order: i,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].order < candidates[j].order
	})

	seen := make(map[string]bool)
	var out []Snippet
	for _, c := range candidates {
		if seen[c.Pattern] {
			continue
		}
		seen[c.Pattern] = true
		out = append(out, c.Snippet)
		if len(out) >= kb.rank.TopK {
			break
		}
	}
	return out
}

// tokenSet splits on anything that is not a letter or digit, so
// Get-ChildItem and get childitem share tokens.
func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[tok] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// Collect drains seq, stopping at the first error.
func Collect(seq iter.Seq2[Snippet, error]) ([]Snippet, error) {
	var out []Snippet
	for s, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}
