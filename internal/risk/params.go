package risk

import (
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/gzhole/transguard/internal/model"
)

// ParamKind classifies an expected parameter.
type ParamKind string

const (
	// ParamVariable is a caller-supplied variable such as $userInput.
	ParamVariable ParamKind = "variable"
	// ParamNamed is the value of a named parameter (-Name value).
	ParamNamed ParamKind = "named"
	// ParamPositional is a literal positional argument.
	ParamPositional ParamKind = "positional"
)

// Parameter is one value a faithful translation must carry over.
type Parameter struct {
	Kind ParamKind `json:"kind"`
	// Name is the parameter name for named parameters, or the variable
	// name (without sigil) for variables.
	Name  string `json:"name,omitempty"`
	Value string `json:"value"`
	// Index is the parameter's order among the command's positional
	// arguments, or -1 when order does not matter.
	Index            int  `json:"index"`
	SecurityRelevant bool `json:"security_relevant"`

	start, end int
}

// NormalizeName folds a variable name for cross-dialect comparison:
// $userInput, ${USER_INPUT} and $user_input all become "userinput".
func NormalizeName(name string) string {
	name = strings.TrimPrefix(name, "$")
	name = strings.Trim(name, "{}")
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		if r == '_' || r == '-' {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// ExtractParameters returns the expected parameter set for text.
// Parameters overlapping a non-informational match, and every variable,
// are security-relevant.
func ExtractParameters(text string, dialect model.Dialect, matches []Match) []Parameter {
	var params []Parameter
	if dialect == model.DialectPOSIX || dialect == model.TargetDialect {
		params = posixParameters(text)
	} else {
		params = powershellParameters(text)
	}

	for i := range params {
		if params[i].Kind == ParamVariable {
			params[i].SecurityRelevant = true
			continue
		}
		for _, m := range matches {
			if m.Severity == model.SeverityInfo || m.Folded {
				continue
			}
			if params[i].start < m.End && m.Start < params[i].end {
				params[i].SecurityRelevant = true
				break
			}
		}
	}
	return dedupeParameters(params)
}

func dedupeParameters(params []Parameter) []Parameter {
	seen := make(map[string]bool)
	out := params[:0]
	for _, p := range params {
		key := string(p.Kind) + "\x00" + p.Name + "\x00" + p.Value
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// ---------------------------------------------------------------------------
// PowerShell
// ---------------------------------------------------------------------------

var (
	psVariable   = regexp.MustCompile(`\$(\{[^}]+\}|[A-Za-z_][A-Za-z0-9_]*(:[A-Za-z_][A-Za-z0-9_]*)?)`)
	psNamedParam = regexp.MustCompile(`^-[A-Za-z][A-Za-z0-9]*:?$`)
	psAutomatic  = map[string]bool{
		"_": true, "true": true, "false": true, "null": true, "args": true,
		"input": true, "psitem": true, "this": true, "pwd": true, "home": true,
		"pshome": true, "host": true, "error": true, "lastexitcode": true,
	}
)

type psToken struct {
	text       string
	start, end int
	quoted     bool
	sep        bool
}

// tokenizePowerShell splits a PowerShell command line into words and
// separators, honoring single quotes, double quotes and backtick escapes.
func tokenizePowerShell(s string) []psToken {
	var tokens []psToken
	var cur strings.Builder
	start := -1
	quoted := false

	flush := func(end int) {
		if start >= 0 {
			tokens = append(tokens, psToken{text: cur.String(), start: start, end: end, quoted: quoted})
		}
		cur.Reset()
		start = -1
		quoted = false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$' && i+1 < len(s) && s[i+1] == '{':
			if start < 0 {
				start = i
			}
			j := strings.IndexByte(s[i:], '}')
			if j < 0 {
				j = len(s) - i - 1
			}
			cur.WriteString(s[i : i+j+1])
			i += j
		case c == '`' && i+1 < len(s):
			if start < 0 {
				start = i
			}
			i++
			cur.WriteByte(s[i])
		case c == '\'' || c == '"':
			if start < 0 {
				start = i
			}
			quoted = true
			j := i + 1
			for j < len(s) && s[j] != c {
				if c == '"' && s[j] == '`' && j+1 < len(s) {
					j++
				}
				cur.WriteByte(s[j])
				j++
			}
			i = j
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush(i)
		case strings.IndexByte(";|(){}", c) >= 0:
			flush(i)
			tokens = append(tokens, psToken{text: string(c), start: i, end: i + 1, sep: true})
		default:
			if start < 0 {
				start = i
			}
			cur.WriteByte(c)
		}
	}
	flush(len(s))
	return tokens
}

func powershellParameters(text string) []Parameter {
	tokens := tokenizePowerShell(text)
	var params []Parameter

	addVars := func(tok psToken) {
		for _, m := range psVariable.FindAllStringSubmatch(tok.text, -1) {
			name := strings.Trim(m[1], "{}")
			if psAutomatic[strings.ToLower(name)] {
				continue
			}
			params = append(params, Parameter{
				Kind: ParamVariable, Name: name, Value: "$" + name, Index: -1,
				start: tok.start, end: tok.end,
			})
		}
	}

	cmdStart := true
	positional := 0
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.sep {
			cmdStart = true
			positional = 0
			continue
		}
		if cmdStart {
			cmdStart = false
			addVars(tok)
			continue
		}

		if !tok.quoted && psNamedParam.MatchString(tok.text) {
			name := strings.TrimSuffix(tok.text[1:], ":")
			if i+1 < len(tokens) && !tokens[i+1].sep && !(!tokens[i+1].quoted && psNamedParam.MatchString(tokens[i+1].text)) {
				val := tokens[i+1]
				i++
				if strings.HasPrefix(val.text, "$") && !val.quoted {
					addVars(val)
					continue
				}
				params = append(params, Parameter{
					Kind: ParamNamed, Name: name, Value: val.text, Index: -1,
					start: tok.start, end: val.end,
				})
				addVars(val)
			}
			// A named parameter without a value is a switch. Switches
			// have no portable spelling across dialects.
			continue
		}

		if strings.HasPrefix(tok.text, "$") && !tok.quoted {
			before := len(params)
			addVars(tok)
			for j := before; j < len(params); j++ {
				params[j].Index = positional
			}
			positional++
			continue
		}

		params = append(params, Parameter{
			Kind: ParamPositional, Value: tok.text, Index: positional,
			start: tok.start, end: tok.end,
		})
		positional++
		if tok.quoted {
			addVars(tok)
		}
	}
	return params
}

// ---------------------------------------------------------------------------
// POSIX
// ---------------------------------------------------------------------------

func posixParameters(text string) []Parameter {
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(text), "")
	if err != nil {
		return fieldsParameters(text)
	}

	var params []Parameter
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		positional := 0
		for _, word := range call.Args[1:] {
			start, end := int(word.Pos().Offset()), int(word.End().Offset())
			vars := wordVariables(word)
			for _, v := range vars {
				params = append(params, Parameter{Kind: ParamVariable, Name: v, Value: "$" + v, Index: positional, start: start, end: end})
			}
			if lit, ok := literalWord(word); ok {
				switch {
				case strings.HasPrefix(lit, "-"):
					if name, val, found := strings.Cut(strings.TrimLeft(lit, "-"), "="); found && val != "" {
						params = append(params, Parameter{Kind: ParamNamed, Name: name, Value: val, Index: -1, start: start, end: end})
					}
					continue
				default:
					params = append(params, Parameter{Kind: ParamPositional, Value: lit, Index: positional, start: start, end: end})
				}
			}
			positional++
		}
		return true
	})
	return params
}

// wordVariables lists the parameter expansions inside word.
func wordVariables(word *syntax.Word) []string {
	var names []string
	syntax.Walk(word, func(node syntax.Node) bool {
		if pe, ok := node.(*syntax.ParamExp); ok && pe.Param != nil {
			name := pe.Param.Value
			if !isSpecialParam(name) {
				names = append(names, name)
			}
		}
		return true
	})
	return names
}

func isSpecialParam(name string) bool {
	if len(name) == 1 && strings.ContainsAny(name, "@*#?-$!0123456789") {
		return true
	}
	return false
}

// literalWord returns the unquoted value of a word made only of literal
// and quoted-literal parts.
func literalWord(word *syntax.Word) (string, bool) {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", false
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return sb.String(), true
}

// fieldsParameters is the fallback for text the shell parser rejects.
func fieldsParameters(text string) []Parameter {
	var params []Parameter
	for _, m := range psVariable.FindAllStringSubmatchIndex(text, -1) {
		name := strings.Trim(text[m[2]:m[3]], "{}")
		params = append(params, Parameter{Kind: ParamVariable, Name: name, Value: "$" + name, Index: -1, start: m[0], end: m[1]})
	}
	return params
}
