// Package sandbox runs validated translations inside a throwaway scratch
// workspace. The candidate is interpreted in-process; every external
// command it spawns passes through a capability gate, gets its own
// process group and a memory ceiling, and is killed with the group when
// the wall-clock budget runs out.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/policy"
	"github.com/gzhole/transguard/internal/redact"
	"github.com/gzhole/transguard/internal/validate"
)

var (
	ErrSandboxTimeout       = errors.New("sandbox wall-clock limit exceeded")
	ErrResourceExceeded     = errors.New("sandbox resource ceiling exceeded")
	ErrContainmentViolation = errors.New("sandbox containment violated")
)

// Config holds the sandbox limits.
type Config struct {
	// BaseDir holds one ws-* directory per run.
	BaseDir string        `yaml:"base_dir"`
	Timeout time.Duration `yaml:"timeout"`
	// MemoryLimit is the memory ceiling in bytes. Each spawned process
	// gets it as an address-space limit before exec, and the
	// interpreter's own variables and arguments are held to it between
	// statements. Zero disables both.
	MemoryLimit uint64 `yaml:"memory_limit"`
	// OutputLimit caps each of stdout and stderr, in bytes.
	OutputLimit int `yaml:"output_limit"`
	// WatchPaths are host directories snapshotted before and after each
	// run. Any change under them is a containment violation.
	WatchPaths []string `yaml:"watch_paths"`
	// IgnorePaths are skipped inside WatchPaths. BaseDir always is.
	IgnorePaths []string `yaml:"ignore_paths"`
	// PassEnv names host variables copied into the sandbox environment.
	// Names that look like credentials are dropped regardless.
	PassEnv []string `yaml:"pass_env"`
}

func DefaultConfig() Config {
	return Config{
		BaseDir:     filepath.Join(os.TempDir(), "transguard"),
		Timeout:     10 * time.Second,
		MemoryLimit: 512 << 20,
		OutputLimit: 1 << 20,
		PassEnv:     []string{"PATH", "LANG", "LC_ALL", "LC_CTYPE", "TZ", "TERM"},
	}
}

// SideEffect is one observation logged during a run.
type SideEffect struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

const (
	EffectExec       = "exec"
	EffectDenied     = "denied"
	EffectHostChange = "host-change"
	EffectOrphan     = "orphan-process"
)

// Trace is the record of one sandboxed execution.
type Trace struct {
	CommandID   string          `json:"command_id"`
	ExitStatus  int             `json:"exit_status"`
	Stdout      string          `json:"stdout"`
	Stderr      string          `json:"stderr"`
	WallTime    time.Duration   `json:"wall_time"`
	PeakMemory  uint64          `json:"peak_memory"`
	SideEffects []SideEffect    `json:"side_effects,omitempty"`
	Changes     []FileChange    `json:"changes,omitempty"`
	Findings    []model.Finding `json:"findings"`
}

// Err joins the sentinels matching the trace's anomalies, or nil.
func (t *Trace) Err() error {
	var errs []error
	seen := make(map[error]bool)
	for _, f := range t.Findings {
		var err error
		switch f.Kind {
		case model.KindSandboxTimeout:
			err = ErrSandboxTimeout
		case model.KindResourceExceeded:
			err = ErrResourceExceeded
		case model.KindContainmentViolation:
			err = ErrContainmentViolation
		}
		if err != nil && !seen[err] {
			seen[err] = true
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// hostSlot serializes runs that observe the host. A host change cannot
// be traced to one of several concurrent runs, so only one run watches
// at a time.
var hostSlot = make(chan struct{}, 1)

// SetupFailure is the trace for a run that never started because the
// sandbox could not be prepared.
func SetupFailure(commandID string, err error) *Trace {
	t := &Trace{CommandID: commandID, ExitStatus: -1}
	t.add(model.KindSandboxSetup, model.SeverityCritical, err.Error())
	return t
}

// Executor is safe for concurrent use; each Execute gets its own
// workspace. Runs with WatchPaths take turns.
type Executor struct {
	cfg    Config
	tables *policy.Tables
	log    logr.Logger
}

func NewExecutor(cfg Config, tables *policy.Tables, log logr.Logger) *Executor {
	def := DefaultConfig()
	if cfg.BaseDir == "" {
		cfg.BaseDir = def.BaseDir
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = def.OutputLimit
	}
	if cfg.PassEnv == nil {
		cfg.PassEnv = def.PassEnv
	}
	return &Executor{cfg: cfg, tables: tables, log: log.WithName("sandbox")}
}

// Execute runs v in a fresh workspace. Resource breaches and containment
// problems are reported as findings on the trace; the error is non-nil
// only when v was not validated, the workspace could not be prepared,
// or ctx was cancelled.
func (e *Executor) Execute(ctx context.Context, v *validate.Validated) (*Trace, error) {
	if err := v.Check(); err != nil {
		return nil, err
	}
	cand := v.Candidate()
	log := e.log.WithValues("command_id", cand.CommandID)

	if err := os.MkdirAll(e.cfg.BaseDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating sandbox base: %w", err)
	}
	base, err := filepath.EvalSymlinks(e.cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox base: %w", err)
	}
	ws, err := os.MkdirTemp(base, "ws-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(ws); err != nil {
			log.Error(err, "workspace teardown failed", "workspace", ws)
		}
	}()

	if len(e.cfg.WatchPaths) > 0 {
		select {
		case hostSlot <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-hostSlot }()
	}
	host, err := watchHost(e.cfg.WatchPaths, append([]string{base}, e.cfg.IgnorePaths...), log)
	if err != nil {
		return nil, err
	}
	defer host.close()

	file, err := instrument(cand.Code)
	if err != nil {
		return nil, fmt.Errorf("preparing candidate: %w", err)
	}

	r := &run{
		tables:  e.tables,
		ws:      ws,
		limit:   e.cfg.MemoryLimit,
		log:     log,
		active:  make(map[int]string),
		stdout:  newLimitedWriter(e.cfg.OutputLimit),
		stderr:  newLimitedWriter(e.cfg.OutputLimit),
		started: time.Now(),
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	r.abort = cancel

	runner, err := interp.New(
		interp.Env(expand.ListEnviron(sandboxEnv(os.Environ(), e.cfg.PassEnv, ws)...)),
		interp.Dir(ws),
		interp.StdIO(nil, r.stdout, r.stderr),
		interp.CallHandler(r.callHandler),
		interp.ExecHandlers(r.execMiddleware),
		interp.OpenHandler(r.open),
	)
	if err != nil {
		return nil, fmt.Errorf("creating interpreter: %w", err)
	}

	runErr := runner.Run(runCtx, file)
	wall := time.Since(r.started)
	orphans := r.reap(cancel)

	if ctx.Err() != nil {
		log.Info("execution cancelled", "error", ctx.Err().Error())
		return nil, ctx.Err()
	}

	trace := &Trace{
		CommandID:  cand.CommandID,
		ExitStatus: exitStatus(runErr),
		Stdout:     r.stdout.String(),
		Stderr:     r.stderr.String(),
		WallTime:   wall,
		PeakMemory: r.peak,
		Findings:   append([]model.Finding(nil), r.findings...),
	}
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	if runErr != nil && !timedOut && !r.memoryBreach {
		var status interp.ExitStatus
		if !errors.As(runErr, &status) {
			trace.add(model.KindDeniedOperation, model.SeverityHigh, "interpreter stopped: "+runErr.Error())
		}
	}
	if timedOut {
		trace.ExitStatus = -1
		trace.add(model.KindSandboxTimeout, model.SeverityHigh,
			fmt.Sprintf("execution exceeded the %s wall-clock limit", e.cfg.Timeout))
	}
	if r.memoryBreach {
		trace.add(model.KindResourceExceeded, model.SeverityHigh, r.budgetMessage())
	}
	if r.stdout.Truncated() || r.stderr.Truncated() {
		trace.add(model.KindOutputTruncated, model.SeverityLow,
			fmt.Sprintf("output beyond %d bytes was discarded", e.cfg.OutputLimit))
	}
	if !timedOut && trace.ExitStatus != 0 {
		trace.add(model.KindNonZeroExit, model.SeverityMedium,
			fmt.Sprintf("candidate exited with status %d", trace.ExitStatus))
	}

	r.mu.Lock()
	trace.SideEffects = append(trace.SideEffects, r.effects...)
	r.mu.Unlock()
	for _, name := range orphans {
		trace.SideEffects = append(trace.SideEffects, SideEffect{Kind: EffectOrphan, Detail: name})
		trace.add(model.KindContainmentViolation, model.SeverityHigh,
			fmt.Sprintf("%s was still running when the script finished", name))
	}

	trace.Changes = host.finish()
	for _, c := range trace.Changes {
		trace.SideEffects = append(trace.SideEffects, SideEffect{Kind: EffectHostChange, Detail: c.String()})
		trace.add(model.KindContainmentViolation, model.SeverityHigh,
			fmt.Sprintf("host path %s was %s outside the workspace", c.Path, c.Action))
	}

	log.V(1).Info("executed candidate",
		"exit_status", trace.ExitStatus, "wall_time", trace.WallTime.String(),
		"peak_memory", trace.PeakMemory, "findings", len(trace.Findings))
	return trace, nil
}

func (t *Trace) add(kind string, sev model.Severity, msg string) {
	t.Findings = append(t.Findings, model.Finding{
		Layer:    model.LayerExecution,
		Kind:     kind,
		Severity: sev,
		Message:  msg,
	})
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		return int(status)
	}
	return -1
}

// sandboxEnv builds the interpreter's environment: only the pass-through
// names, never anything that looks like a credential, with HOME and
// TMPDIR pointing into the workspace.
func sandboxEnv(host, pass []string, ws string) []string {
	allowed := make(map[string]bool, len(pass))
	for _, name := range pass {
		allowed[name] = true
	}

	var env []string
	havePath := false
	for _, kv := range host {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || !allowed[name] || redact.IsSensitiveEnv(name) {
			continue
		}
		if name == "PATH" {
			havePath = true
		}
		env = append(env, kv)
	}
	if !havePath {
		env = append(env, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	env = append(env, "HOME="+ws, "TMPDIR="+ws)
	sort.Strings(env)
	return env
}
