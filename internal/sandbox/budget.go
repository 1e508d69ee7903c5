package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/gzhole/transguard/internal/normalize"
)

// Internal command names. Neither can be spelled by a candidate: the
// validator rejects names outside the capability table.
const (
	// checkpointCmd runs before every statement with the previous exit
	// status as its argument and hands that status back.
	checkpointCmd = "transguard:checkpoint"
	// deniedCmd replaces a builtin call the gate refused.
	deniedCmd = "transguard:denied"
)

var errMemoryCeiling = errors.New("interpreter state exceeded the memory ceiling")

// instrument parses code and splices a checkpoint ahead of every
// statement in a statement list, so the call handler gets to measure the
// interpreter between statements even when a loop spawns nothing.
// Conditions are left alone.
func instrument(code string) (*syntax.File, error) {
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(code), "")
	if err != nil {
		return nil, err
	}
	syntax.Walk(file, func(node syntax.Node) bool {
		switch x := node.(type) {
		case *syntax.File:
			x.Stmts = withCheckpoints(x.Stmts)
		case *syntax.Block:
			x.Stmts = withCheckpoints(x.Stmts)
		case *syntax.Subshell:
			x.Stmts = withCheckpoints(x.Stmts)
		case *syntax.CmdSubst:
			x.Stmts = withCheckpoints(x.Stmts)
		case *syntax.IfClause:
			x.Then = withCheckpoints(x.Then)
		case *syntax.WhileClause:
			x.Do = withCheckpoints(x.Do)
		case *syntax.ForClause:
			x.Do = withCheckpoints(x.Do)
		case *syntax.CaseItem:
			x.Stmts = withCheckpoints(x.Stmts)
		}
		return true
	})
	return file, nil
}

func withCheckpoints(stmts []*syntax.Stmt) []*syntax.Stmt {
	if len(stmts) == 0 {
		return stmts
	}
	out := make([]*syntax.Stmt, 0, 2*len(stmts))
	for _, st := range stmts {
		out = append(out, checkpoint(), st)
	}
	return out
}

// checkpoint builds `transguard:checkpoint $? && :`. The left side of
// && is exempt from errexit and leaves $? as it found it.
func checkpoint() *syntax.Stmt {
	call := &syntax.CallExpr{Args: []*syntax.Word{
		{Parts: []syntax.WordPart{&syntax.Lit{Value: checkpointCmd}}},
		{Parts: []syntax.WordPart{&syntax.ParamExp{Short: true, Param: &syntax.Lit{Value: "?"}}}},
	}}
	noop := &syntax.CallExpr{Args: []*syntax.Word{
		{Parts: []syntax.WordPart{&syntax.Lit{Value: ":"}}},
	}}
	return &syntax.Stmt{Cmd: &syntax.BinaryCmd{
		Op: syntax.AndStmt,
		X:  &syntax.Stmt{Cmd: call},
		Y:  &syntax.Stmt{Cmd: noop},
	}}
}

// callHandler runs for every simple command, builtins included. It keeps
// the interpreter's own footprint under the memory ceiling and stops
// builtins that would leave the workspace.
func (r *run) callHandler(ctx context.Context, args []string) ([]string, error) {
	hc := interp.HandlerCtx(ctx)
	if err := r.measure(hc.Env, args); err != nil {
		return nil, err
	}
	switch args[0] {
	case "cd", "pushd":
		if target, ok := dirTarget(hc, args); ok {
			abs := normalize.ExpandPath(target, hc.Dir, r.ws)
			if !r.writable(abs) {
				r.record(hc, args[0]+" "+target, "leaves the workspace")
				return []string{deniedCmd}, nil
			}
		}
	}
	return args, nil
}

// measure charges the variables in scope and the expanded arguments
// against the ceiling and aborts the run on a breach.
func (r *run) measure(env expand.Environ, args []string) error {
	if r.limit == 0 {
		return nil
	}
	used := stateBytes(env)
	for _, a := range args {
		used += uint64(len(a))
	}
	r.mu.Lock()
	if used > r.peak {
		r.peak = used
	}
	breach := used > r.limit
	if breach {
		r.memoryBreach = true
	}
	r.mu.Unlock()
	if !breach {
		return nil
	}
	r.log.Info("interpreter state over memory ceiling, stopping run", "bytes", used)
	if r.abort != nil {
		r.abort()
	}
	return errMemoryCeiling
}

func stateBytes(env expand.Environ) uint64 {
	var n uint64
	for name, vr := range env.Each {
		n += uint64(len(name) + len(vr.Str))
		for _, s := range vr.List {
			n += uint64(len(s))
		}
		for k, s := range vr.Map {
			n += uint64(len(k) + len(s))
		}
	}
	return n
}

// dirTarget returns the directory a cd or pushd call moves to. A lone
// "-" means OLDPWD and no operand means HOME.
func dirTarget(hc interp.HandlerContext, args []string) (string, bool) {
	for _, a := range args[1:] {
		switch {
		case a == "-":
			old := hc.Env.Get("OLDPWD").String()
			return old, old != ""
		case a == "--":
			continue
		case strings.HasPrefix(a, "-"), strings.HasPrefix(a, "+"):
			continue
		}
		return a, true
	}
	if home := hc.Env.Get("HOME").String(); home != "" {
		return home, true
	}
	return "", false
}

// checkpointStatus recovers the status a checkpoint was handed.
func checkpointStatus(args []string) error {
	if len(args) < 2 {
		return nil
	}
	code, err := strconv.Atoi(args[1])
	if err != nil || code == 0 {
		return nil
	}
	return interp.NewExitStatus(uint8(code))
}

func (r *run) budgetMessage() string {
	return fmt.Sprintf("the run exceeded the %d byte memory ceiling", r.limit)
}
