// Package unicode detects and strips invisible or deceptive characters
// that can smuggle instructions past text-based matching.
package unicode

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Threat is one smuggling character found in the input.
type Threat struct {
	Category  string // zero-width, bidi-override, tag-char, control-char, invalid-utf8, homoglyph-*
	Position  int    // byte offset in the input
	Codepoint string // e.g. "U+200B"
	// Removed is true when the character is dropped from Sanitized.
	// Homoglyphs are kept in Sanitized and only folded in Folded.
	Removed bool
}

// Result holds the output of a scan.
type Result struct {
	Clean   bool
	Threats []Threat
	// Sanitized is the input with invisible and control characters removed.
	Sanitized string
	// Folded is Sanitized with confusable Cyrillic and Greek letters
	// replaced by their Latin look-alikes. Used for pattern matching only.
	Folded string
}

// Categories reports the distinct threat categories in scan order.
func (r Result) Categories() []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range r.Threats {
		if !seen[t.Category] {
			seen[t.Category] = true
			out = append(out, t.Category)
		}
	}
	return out
}

// Scan inspects text for Unicode smuggling indicators.
func Scan(input string) Result {
	res := Result{Clean: true}
	flag := func(t Threat) {
		res.Clean = false
		res.Threats = append(res.Threats, t)
	}
	var sanitized, folded strings.Builder
	sanitized.Grow(len(input))
	folded.Grow(len(input))

	for pos, r := range input {
		if r == utf8.RuneError {
			if _, w := utf8.DecodeRuneInString(input[pos:]); w == 1 {
				flag(Threat{Category: "invalid-utf8", Position: pos, Codepoint: fmt.Sprintf("0x%02X", input[pos]), Removed: true})
				continue
			}
		}
		if cat := classifyRune(r); cat != "" {
			flag(Threat{Category: cat, Position: pos, Codepoint: codepoint(r), Removed: true})
			continue
		}
		latin, cat := homoglyph(r)
		if cat != "" {
			flag(Threat{Category: cat, Position: pos, Codepoint: codepoint(r)})
		}
		sanitized.WriteRune(r)
		folded.WriteRune(latin)
	}

	res.Sanitized = sanitized.String()
	res.Folded = folded.String()
	return res
}

func codepoint(r rune) string { return fmt.Sprintf("U+%04X", r) }

func classifyRune(r rune) string {
	switch {
	case unicode.Is(zeroWidth, r):
		return "zero-width"
	case unicode.Is(bidiControl, r):
		return "bidi-override"
	case unicode.Is(tagChars, r):
		return "tag-char"
	case unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r':
		return "control-char"
	}
	return ""
}

var (
	// U+180E, U+200B..U+200F (including the LRM/RLM marks), U+2060, U+FEFF.
	zeroWidth = &unicode.RangeTable{R16: []unicode.Range16{
		{Lo: 0x180E, Hi: 0x180E, Stride: 1},
		{Lo: 0x200B, Hi: 0x200F, Stride: 1},
		{Lo: 0x2060, Hi: 0x2060, Stride: 1},
		{Lo: 0xFEFF, Hi: 0xFEFF, Stride: 1},
	}}
	// Embeddings, overrides and isolates.
	bidiControl = &unicode.RangeTable{R16: []unicode.Range16{
		{Lo: 0x202A, Hi: 0x202E, Stride: 1},
		{Lo: 0x2066, Hi: 0x2069, Stride: 1},
	}}
	tagChars = &unicode.RangeTable{R32: []unicode.Range32{
		{Lo: 0xE0001, Hi: 0xE007F, Stride: 1},
	}}
)

// Cyrillic and Greek letters that render like Latin ones, paired by
// position with their Latin look-alike.
const (
	confusableFrom = "аАВсСеЕНіІКМоОрРТхХуУ" + "ΑΒΕΗΙΚΜΝΟοΡΤΧΥΖ"
	confusableTo   = "aABcCeEHiIKMoOpPTxXyY" + "ABEHIKMNOoPTXYZ"
)

var confusables = func() map[rune]rune {
	from, to := []rune(confusableFrom), []rune(confusableTo)
	m := make(map[rune]rune, len(from))
	for i, r := range from {
		m[r] = to[i]
	}
	return m
}()

// homoglyph returns the Latin look-alike for a confusable letter.
func homoglyph(r rune) (rune, string) {
	latin, ok := confusables[r]
	switch {
	case !ok:
		return r, ""
	case unicode.Is(unicode.Cyrillic, r):
		return latin, "homoglyph-cyrillic"
	default:
		return latin, "homoglyph-greek"
	}
}
