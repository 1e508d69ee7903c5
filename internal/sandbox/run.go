package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/normalize"
	"github.com/gzhole/transguard/internal/policy"
)

// Exit statuses the gate reports to the script.
const (
	statusDenied   = 126
	statusNotFound = 127
)

var allocFailure = regexp.MustCompile(`(?i)cannot allocate memory|out of memory|memory exhausted|bad_alloc`)

// run is the per-execution state shared by the interpreter handlers.
type run struct {
	tables  *policy.Tables
	ws      string
	limit   uint64
	log     logr.Logger
	started time.Time
	// abort stops the whole run after a ceiling breach.
	abort context.CancelFunc

	stdout *limitedWriter
	stderr *limitedWriter

	wg           sync.WaitGroup
	mu           sync.Mutex
	active       map[int]string
	effects      []SideEffect
	findings     []model.Finding
	peak         uint64
	memoryBreach bool
}

func (r *run) deny(hc interp.HandlerContext, what, reason string) error {
	r.record(hc, what, reason)
	return interp.NewExitStatus(statusDenied)
}

func (r *run) record(hc interp.HandlerContext, what, reason string) {
	r.mu.Lock()
	r.effects = append(r.effects, SideEffect{Kind: EffectDenied, Detail: what})
	r.findings = append(r.findings, model.Finding{
		Layer:    model.LayerExecution,
		Kind:     model.KindDeniedOperation,
		Severity: model.SeverityHigh,
		Message:  fmt.Sprintf("%s: %s", what, reason),
	})
	r.mu.Unlock()
	r.log.Info("denied operation", "operation", what, "reason", reason)
	if hc.Stderr != nil {
		fmt.Fprintf(hc.Stderr, "transguard: %s: %s\n", what, reason)
	}
}

// execMiddleware gates every external command. Builtins and functions
// never reach it.
func (r *run) execMiddleware(_ interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		switch args[0] {
		case checkpointCmd:
			return checkpointStatus(args)
		case deniedCmd:
			return interp.NewExitStatus(statusDenied)
		}
		hc := interp.HandlerCtx(ctx)
		name := filepath.Base(args[0])
		capability := r.tables.Classify(name)

		switch {
		case capability == policy.CapUnknown:
			return r.deny(hc, name, "command is not in the capability table")
		case capability == policy.CapExecSink:
			return r.deny(hc, name, "dynamic execution is not permitted")
		case !r.tables.SandboxAllowed(capability):
			return r.deny(hc, name, fmt.Sprintf("capability %s is not allowed in the sandbox", capability))
		case r.tables.IsPrivileged(name):
			return r.deny(hc, name, "privilege changes are not permitted")
		}
		if r.tables.IsMutating(name) {
			for _, a := range args[1:] {
				if target, ok := r.outsideWrite(hc.Dir, a); ok {
					return r.deny(hc, name+" "+target, "writes outside the workspace")
				}
			}
		}

		path, err := interp.LookPathDir(hc.Dir, hc.Env, args[0])
		if err != nil {
			fmt.Fprintf(hc.Stderr, "%s: command not found\n", args[0])
			return interp.NewExitStatus(statusNotFound)
		}
		return r.spawn(ctx, hc, path, args)
	}
}

func (r *run) spawn(ctx context.Context, hc interp.HandlerContext, path string, args []string) error {
	r.wg.Add(1)
	defer r.wg.Done()

	tail := newLimitedWriter(4 << 10)

	name, argv, wrapped := limitedCommand(path, args, r.limit)
	cmd := exec.CommandContext(ctx, name, argv[1:]...)
	cmd.Args[0] = argv[0]
	cmd.Dir = hc.Dir
	cmd.Env = childEnv(hc.Env)
	if hc.Stdin != nil {
		cmd.Stdin = hc.Stdin
	}
	cmd.Stdout = hc.Stdout
	cmd.Stderr = io.MultiWriter(hc.Stderr, tail)
	setupProcessGroup(cmd)

	r.mu.Lock()
	r.effects = append(r.effects, SideEffect{Kind: EffectExec, Detail: strings.Join(args, " ")})
	r.mu.Unlock()

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(hc.Stderr, "%s: %v\n", args[0], err)
		return interp.NewExitStatus(statusDenied)
	}
	pid := cmd.Process.Pid
	if !wrapped {
		if err := limitMemory(pid, r.limit); err != nil {
			r.log.V(1).Info("memory ceiling not applied", "pid", pid, "error", err.Error())
		}
	}
	r.mu.Lock()
	r.active[pid] = filepath.Base(args[0])
	r.mu.Unlock()

	err := cmd.Wait()

	rss := peakRSS(cmd.ProcessState)
	r.mu.Lock()
	delete(r.active, pid)
	if rss > r.peak {
		r.peak = rss
	}
	breach := r.limit > 0 && (rss > r.limit || allocFailure.MatchString(tail.String()))
	if breach {
		r.memoryBreach = true
	}
	r.mu.Unlock()
	if breach && r.abort != nil {
		r.log.Info("memory ceiling breached, stopping run", "pid", pid, "peak_rss", rss)
		r.abort()
	}

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if ee, ok := err.(*exec.ExitError); ok {
		code := ee.ExitCode()
		if code < 0 {
			// Killed by a signal.
			code = 128 + 9
		}
		return interp.NewExitStatus(uint8(code))
	}
	return interp.NewExitStatus(1)
}

// reap waits for spawned processes after the script returns. Processes
// still running at that point are killed with their group and returned
// by name.
func (r *run) reap(cancel context.CancelFunc) []string {
	r.mu.Lock()
	var orphans []string
	for _, name := range r.active {
		orphans = append(orphans, name)
	}
	r.mu.Unlock()
	sort.Strings(orphans)

	cancel()
	r.wg.Wait()
	return orphans
}

// open confines writes through redirections to the workspace and the
// policy's writable prefixes.
func (r *run) open(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		hc := interp.HandlerCtx(ctx)
		abs := normalize.ExpandPath(path, hc.Dir, r.ws)
		if !r.writable(abs) {
			r.deny(hc, "write "+path, "outside the workspace")
			return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrPermission}
		}
	}
	return interp.DefaultOpenHandler()(ctx, path, flag, perm)
}

func (r *run) writable(abs string) bool {
	if normalize.Within(abs, r.ws) {
		return true
	}
	for _, w := range r.tables.WritablePaths() {
		if normalize.Within(abs, w) {
			return true
		}
	}
	return false
}

// outsideWrite checks one expanded argument of a mutating command.
// Every operand counts, not only the ones that look like paths, since a
// bare name resolves against the current directory. key=value forms
// such as dd's of= are checked by value.
func (r *run) outsideWrite(dir, arg string) (string, bool) {
	if arg == "" || strings.HasPrefix(arg, "-") {
		return "", false
	}
	if i := strings.Index(arg, "="); i > 0 && !strings.Contains(arg[:i], "/") {
		arg = arg[i+1:]
	}
	abs := normalize.ExpandPath(arg, dir, r.ws)
	if r.writable(abs) {
		return "", false
	}
	return arg, true
}

// childEnv exports the interpreter's exported string variables.
func childEnv(env expand.Environ) []string {
	var out []string
	for name, vr := range env.Each {
		if vr.Exported && vr.Kind == expand.String {
			out = append(out, name+"="+vr.Str)
		}
	}
	return out
}

// limitedWriter keeps the first limit bytes and discards the rest while
// reporting full writes, so a chatty child never blocks on a full pipe.
type limitedWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newLimitedWriter(limit int) *limitedWriter {
	return &limitedWriter{limit: limit}
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *limitedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *limitedWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
