package validate

import (
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/policy"
)

// Word is the structural summary of one shell word.
type Word struct {
	Text string
	// Literal is set when the word has no expansion of any kind; Value
	// then holds its unquoted value.
	Literal bool
	Value   string
	// Mixed is set when literal text and an expansion are joined into a
	// single word, the shell form of string concatenation.
	Mixed          bool
	Expansion      bool
	CmdSubst       bool
	UnquotedExpand bool
	Vars           []string
	Pos            model.Location
}

// Node is one call in the capability-tagged IR.
type Node struct {
	Name        string
	NameLiteral bool
	Args        []Word
	Capability  policy.Capability
	Pos         model.Location
}

// Redirect is a file redirection on a statement.
type Redirect struct {
	Op     string
	Target Word
	Write  bool
	Pos    model.Location
}

// Assign is a variable assignment, standalone or as a call prefix.
type Assign struct {
	Name  string
	Value Word
}

// IR is the capability-tagged view of a candidate.
type IR struct {
	Nodes     []Node
	Redirects []Redirect
	Assigns   []Assign
	Functions map[string]bool
}

// Build walks a parsed file into its IR. Calls nested inside command
// substitutions and function bodies are included.
func Build(file *syntax.File, tables *policy.Tables) *IR {
	ir := &IR{Functions: make(map[string]bool)}

	syntax.Walk(file, func(n syntax.Node) bool {
		if fn, ok := n.(*syntax.FuncDecl); ok && fn.Name != nil {
			ir.Functions[fn.Name.Value] = true
		}
		return true
	})

	syntax.Walk(file, func(n syntax.Node) bool {
		switch x := n.(type) {
		case *syntax.Stmt:
			for _, r := range x.Redirs {
				if r.Word == nil {
					continue
				}
				ir.Redirects = append(ir.Redirects, Redirect{
					Op:     r.Op.String(),
					Target: summarize(r.Word),
					Write:  isWriteRedirect(r.Op),
					Pos:    location(r.Pos()),
				})
			}
		case *syntax.CallExpr:
			for _, a := range x.Assigns {
				if a.Name == nil {
					continue
				}
				as := Assign{Name: a.Name.Value}
				if a.Value != nil {
					as.Value = summarize(a.Value)
				}
				ir.Assigns = append(ir.Assigns, as)
			}
			if len(x.Args) == 0 {
				return true
			}
			ir.Nodes = append(ir.Nodes, ir.node(x, tables))
		}
		return true
	})
	return ir
}

func (ir *IR) node(call *syntax.CallExpr, tables *policy.Tables) Node {
	name := summarize(call.Args[0])
	n := Node{
		Name:        name.Text,
		NameLiteral: name.Literal,
		Pos:         location(call.Pos()),
	}
	if name.Literal {
		n.Name = name.Value
	}
	for _, w := range call.Args[1:] {
		n.Args = append(n.Args, summarize(w))
	}

	switch {
	case !n.NameLiteral:
		n.Capability = policy.CapExecSink
	case ir.Functions[n.Name]:
		n.Capability = policy.CapNone
	default:
		n.Capability = tables.Classify(filepath.Base(n.Name))
	}
	return n
}

// BaseName is the command name without its directory.
func (n Node) BaseName() string { return filepath.Base(n.Name) }

// Literals returns the values of the node's literal arguments.
func (n Node) Literals() []string {
	var out []string
	for _, a := range n.Args {
		if a.Literal {
			out = append(out, a.Value)
		}
	}
	return out
}

func summarize(w *syntax.Word) Word {
	out := Word{Text: printWord(w), Pos: location(w.Pos())}
	var lit strings.Builder
	literalText := false

	var visit func(parts []syntax.WordPart, quoted bool)
	visit = func(parts []syntax.WordPart, quoted bool) {
		for _, part := range parts {
			switch p := part.(type) {
			case *syntax.Lit:
				lit.WriteString(p.Value)
				if p.Value != "" {
					literalText = true
				}
			case *syntax.SglQuoted:
				lit.WriteString(p.Value)
				if p.Value != "" {
					literalText = true
				}
			case *syntax.DblQuoted:
				visit(p.Parts, true)
			case *syntax.ParamExp:
				out.Expansion = true
				if p.Param != nil {
					out.Vars = append(out.Vars, p.Param.Value)
				}
				if !quoted {
					out.UnquotedExpand = true
				}
			case *syntax.CmdSubst, *syntax.ProcSubst:
				out.CmdSubst = true
				if !quoted {
					out.UnquotedExpand = true
				}
			case *syntax.ArithmExp:
				out.Expansion = true
				syntax.Walk(p, func(n syntax.Node) bool {
					if pe, ok := n.(*syntax.ParamExp); ok && pe.Param != nil {
						out.Vars = append(out.Vars, pe.Param.Value)
					}
					return true
				})
			default:
				// Brace and extended-glob parts expand to literal text.
				lit.WriteString(printWord(&syntax.Word{Parts: []syntax.WordPart{p}}))
				literalText = true
			}
		}
	}
	visit(w.Parts, false)

	out.Literal = !out.Expansion && !out.CmdSubst
	if out.Literal {
		out.Value = lit.String()
	}
	out.Mixed = literalText && (out.Expansion || out.CmdSubst)
	return out
}

func printWord(w *syntax.Word) string {
	var sb strings.Builder
	if err := syntax.NewPrinter().Print(&sb, w); err != nil {
		return ""
	}
	return sb.String()
}

func location(p syntax.Pos) model.Location {
	return model.Location{Line: p.Line(), Col: p.Col()}
}

func isWriteRedirect(op syntax.RedirOperator) bool {
	switch op {
	case syntax.RdrOut, syntax.AppOut, syntax.RdrAll, syntax.AppAll, syntax.ClbOut, syntax.RdrInOut:
		return true
	}
	return false
}
