package validate

import (
	"fmt"
	"path"
	"strings"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/normalize"
	"github.com/gzhole/transguard/internal/policy"
	"github.com/gzhole/transguard/internal/risk"
)

// workspaceRoot stands in for the sandbox scratch directory, which is
// both the working directory and HOME at run time.
const workspaceRoot = "/.transguard-workspace"

var shells = map[string]bool{"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true}

// inlineCodeFlags are the flags that make an interpreter run its argument
// as a program.
var inlineCodeFlags = map[string]string{
	"python": "-c", "python3": "-c", "perl": "-e", "ruby": "-e", "node": "-e",
	"pwsh": "-c", "powershell": "-c",
}

// ---------------------------------------------------------------------------
// (a) dynamic execution and (b) interpolation
// ---------------------------------------------------------------------------

func (c *checker) checkSinks() {
	for _, n := range c.ir.Nodes {
		loc := n.Pos
		name := n.BaseName()

		sink := false
		switch {
		case !n.NameLiteral:
			c.add(model.KindDynamicExec, model.SeverityCritical, &loc,
				fmt.Sprintf("command name %s is computed at run time", n.Name))
			sink = true
		case name == "eval":
			c.add(model.KindDynamicExec, model.SeverityCritical, &loc, "eval executes a string as code")
			sink = true
		case name == "source" || name == ".":
			c.add(model.KindDynamicExec, model.SeverityHigh, &loc, name+" executes a file as code")
			sink = true
		case name == "exec" && len(n.Args) > 0:
			c.add(model.KindDynamicExec, model.SeverityHigh, &loc, "exec replaces the shell with "+n.Args[0].Text)
			sink = true
		case shells[name] && hasInlineFlag(n.Args, "-c"):
			c.add(model.KindDynamicExec, model.SeverityHigh, &loc, name+" -c executes a string as code")
			sink = true
		case inlineCodeFlags[name] != "" && hasInlineFlag(n.Args, inlineCodeFlags[name]):
			c.add(model.KindDynamicExec, model.SeverityHigh, &loc,
				fmt.Sprintf("%s %s executes a string as code", name, inlineCodeFlags[name]))
			sink = true
		case n.Capability == policy.CapExecSink:
			sink = true
		}

		query := n.NameLiteral && c.tables.IsQuerySink(name)
		for _, a := range n.Args {
			aloc := a.Pos
			switch {
			case (sink || query) && a.Mixed:
				c.add(model.KindUnparameterized, model.SeverityHigh, &aloc,
					fmt.Sprintf("%s is concatenated into the %s %s", a.Text, sinkKind(query), name))
			case (sink || query) && a.CmdSubst:
				c.add(model.KindUnparameterized, model.SeverityHigh, &aloc,
					fmt.Sprintf("command substitution %s feeds the %s %s", a.Text, sinkKind(query), name))
			case a.UnquotedExpand:
				c.add(model.KindUnquotedExpansion, model.SeverityMedium, &aloc,
					fmt.Sprintf("unquoted expansion %s is subject to word splitting", a.Text))
			}
		}
	}
}

func sinkKind(query bool) string {
	if query {
		return "query sink"
	}
	return "execution sink"
}

// hasInlineFlag reports whether flag appears among the leading options,
// alone or combined (-xc).
func hasInlineFlag(args []Word, flag string) bool {
	letter := strings.TrimPrefix(flag, "-")
	for _, a := range args {
		if !a.Literal || !strings.HasPrefix(a.Value, "-") || a.Value == "-" || a.Value == "--" {
			return false
		}
		if strings.HasPrefix(a.Value, "--") {
			continue
		}
		if strings.Contains(a.Value[1:], letter) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// (c) capabilities, network and paths
// ---------------------------------------------------------------------------

func (c *checker) checkCapabilities() {
	for _, n := range c.ir.Nodes {
		if !n.NameLiteral {
			continue
		}
		loc := n.Pos
		name := n.BaseName()

		switch {
		case n.Capability == policy.CapUnknown:
			c.add(model.KindUnknownCommand, model.SeverityHigh, &loc,
				fmt.Sprintf("%s is not in the capability table", name))
		case !c.tables.Allowed(n.Capability):
			c.add(model.KindCapabilityDenied, model.SeverityHigh, &loc,
				fmt.Sprintf("%s needs capability %s, which is not allowed", name, n.Capability))
		}

		if c.tables.IsPrivileged(name) {
			c.add(model.KindPrivilege, model.SeverityHigh, &loc, name+" changes the effective user")
		}

		if n.Capability == policy.CapNetwork {
			c.checkNetwork(n)
		}
		switch name {
		case "cd", "pushd":
			c.checkDirChange(n)
		default:
			c.checkPaths(n)
		}
	}
}

// checkDirChange treats a directory change as a write: every later
// relative path resolves against the new directory.
func (c *checker) checkDirChange(n Node) {
	for _, a := range n.Args {
		if a.Literal && a.Value != "-" && (strings.HasPrefix(a.Value, "-") || strings.HasPrefix(a.Value, "+")) {
			continue
		}
		loc := a.Pos
		if !a.Literal || a.Value == "-" {
			c.add(model.KindPathOutsideWorkspace, model.SeverityMedium, &loc,
				fmt.Sprintf("%s target %s is computed at run time", n.BaseName(), a.Text))
			return
		}
		abs := normalize.ExpandPath(a.Value, workspaceRoot, workspaceRoot)
		if !normalize.Within(abs, workspaceRoot) {
			c.add(model.KindPathOutsideWorkspace, model.SeverityHigh, &loc,
				fmt.Sprintf("%s leaves the workspace for %s", n.BaseName(), a.Value))
		}
		return
	}
}

func (c *checker) checkNetwork(n Node) {
	loc := n.Pos
	args := append([]string{n.Name}, n.Literals()...)
	na := normalize.Normalize(args, workspaceRoot, workspaceRoot)

	for _, d := range na.Domains {
		if !c.tables.DomainAllowed(d) {
			c.add(model.KindNetworkDomain, model.SeverityHigh, &loc,
				fmt.Sprintf("%s contacts %s, which is not allowlisted", n.BaseName(), d))
		}
	}
	for _, h := range na.BadDomains {
		c.add(model.KindNetworkDomain, model.SeverityHigh, &loc,
			fmt.Sprintf("%s contacts invalid host %q", n.BaseName(), h))
	}
	for _, a := range n.Args {
		if !a.Literal && !strings.HasPrefix(a.Text, "-") {
			aloc := a.Pos
			c.add(model.KindNetworkDomain, model.SeverityHigh, &aloc,
				fmt.Sprintf("%s destination %s cannot be checked against the allowlist", n.BaseName(), a.Text))
			break
		}
	}
}

func (c *checker) checkPaths(n Node) {
	write := c.tables.IsMutating(n.BaseName())
	query := c.tables.IsQuerySink(n.BaseName())
	for _, a := range n.Args {
		if !a.Literal || !normalize.LooksLikePath(a.Value) {
			continue
		}
		// Programs passed to awk or jq are not paths.
		if query && strings.ContainsAny(a.Value, " \t{}") {
			continue
		}
		if strings.Contains(a.Value, "://") {
			continue
		}
		loc := a.Pos
		c.checkPath(a.Value, write, &loc, n.BaseName())
	}
}

func (c *checker) checkRedirects() {
	for _, r := range c.ir.Redirects {
		loc := r.Pos
		if !r.Target.Literal {
			if r.Write {
				c.add(model.KindPathOutsideWorkspace, model.SeverityMedium, &loc,
					fmt.Sprintf("redirect target %s is computed at run time", r.Target.Text))
			}
			continue
		}
		if strings.HasPrefix(r.Op, ">&") || strings.HasPrefix(r.Op, "<&") {
			continue
		}
		c.checkPath(r.Target.Value, r.Write, &loc, "redirect "+r.Op)
	}
}

// checkPath flags paths that leave the workspace. Reads under a
// read-only prefix are fine; writes must stay in the workspace or a
// writable prefix.
func (c *checker) checkPath(p string, write bool, loc *model.Location, who string) {
	abs := normalize.ExpandPath(p, workspaceRoot, workspaceRoot)
	if normalize.Within(abs, workspaceRoot) {
		return
	}
	for _, w := range c.tables.WritablePaths() {
		if normalize.Within(abs, w) {
			return
		}
	}
	if !write {
		for _, r := range c.tables.ReadOnlyPaths() {
			if normalize.Within(abs, r) {
				return
			}
		}
		c.add(model.KindPathOutsideWorkspace, model.SeverityMedium, loc,
			fmt.Sprintf("%s reads %s outside the workspace", who, p))
		return
	}
	c.add(model.KindPathOutsideWorkspace, model.SeverityHigh, loc,
		fmt.Sprintf("%s writes %s outside the workspace", who, p))
}

// ---------------------------------------------------------------------------
// (d) argument mapping
// ---------------------------------------------------------------------------

type occurrence struct {
	vars     map[string]int
	literals []string
}

// occurrences indexes the candidate's variables and literal values in
// source order.
func (c *checker) occurrences() occurrence {
	occ := occurrence{vars: make(map[string]int)}
	idx := 0
	note := func(w Word) {
		for _, v := range w.Vars {
			key := risk.NormalizeName(v)
			if _, ok := occ.vars[key]; !ok {
				occ.vars[key] = idx
			}
		}
		if w.Literal {
			occ.literals = append(occ.literals, w.Value)
			if _, val, ok := strings.Cut(w.Value, "="); ok {
				occ.literals = append(occ.literals, val)
			}
		} else {
			// Keep position alignment for non-literal words.
			occ.literals = append(occ.literals, w.Text)
		}
		idx = len(occ.literals)
	}

	for _, a := range c.ir.Assigns {
		key := risk.NormalizeName(a.Name)
		if _, ok := occ.vars[key]; !ok {
			occ.vars[key] = idx
		}
		note(a.Value)
	}
	for _, n := range c.ir.Nodes {
		for _, a := range n.Args {
			note(a)
		}
	}
	return occ
}

func (o occurrence) find(p risk.Parameter) (int, bool) {
	if p.Kind == risk.ParamVariable {
		i, ok := o.vars[risk.NormalizeName(p.Name)]
		return i, ok
	}
	want := foldValue(p.Value)
	if want == "" {
		return 0, true
	}
	for i, lit := range o.literals {
		got := foldValue(lit)
		if strings.Contains(got, want) || (path.Base(want) != "." && strings.HasSuffix(got, path.Base(want))) {
			return i, true
		}
	}
	return 0, false
}

// foldValue folds case and Windows path spelling so C:\Temp\out.txt and
// /tmp/out.txt can be compared by their tails.
func foldValue(s string) string {
	s = strings.ToLower(strings.Trim(s, `"'`))
	s = strings.ReplaceAll(s, `\`, "/")
	if len(s) >= 2 && s[1] == ':' {
		s = s[2:]
	}
	return s
}

func (c *checker) checkArguments(expected []risk.Parameter) {
	if len(expected) == 0 {
		return
	}
	occ := c.occurrences()

	type seen struct {
		param risk.Parameter
		at    int
	}
	var ordered []seen
	for _, p := range expected {
		at, ok := occ.find(p)
		if !ok {
			sev := model.SeverityMedium
			if p.SecurityRelevant {
				sev = model.SeverityHigh
			}
			c.add(model.KindArgumentDropped, sev, nil, "translation drops "+describe(p))
			continue
		}
		if p.Index >= 0 {
			ordered = append(ordered, seen{param: p, at: at})
		}
	}

	// Expected parameters come out of extraction in source order, so
	// any inversion of candidate positions is a reorder.
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		if prev.param.Index < cur.param.Index && cur.at < prev.at {
			c.add(model.KindArgumentReordered, model.SeverityMedium, nil,
				fmt.Sprintf("translation swaps %s and %s", describe(prev.param), describe(cur.param)))
			return
		}
	}
}

func describe(p risk.Parameter) string {
	switch p.Kind {
	case risk.ParamVariable:
		return "variable $" + p.Name
	case risk.ParamNamed:
		return fmt.Sprintf("parameter -%s %s", p.Name, p.Value)
	default:
		return fmt.Sprintf("argument %q", p.Value)
	}
}

// ---------------------------------------------------------------------------
// regression
// ---------------------------------------------------------------------------

func (c *checker) checkRegression(matches []risk.Match, profile *risk.Profile) {
	got, had := risk.CountVulnerable(matches), risk.CountVulnerable(profile.Matches)
	if got <= had {
		return
	}
	var ids []string
	for _, m := range matches {
		if m.Severity > model.SeverityInfo {
			ids = append(ids, m.SignatureID)
		}
	}
	c.add(model.KindNewVulnerability, model.SeverityHigh, nil,
		fmt.Sprintf("translation matches %d risk signatures, source matched %d (%s)", got, had, strings.Join(ids, ", ")))
}
