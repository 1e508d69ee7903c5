// Package pipeline runs one command through every verification stage and
// fans batches of commands out over a fixed pool of workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/gzhole/transguard/internal/compliance"
	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/oracle"
	"github.com/gzhole/transguard/internal/policy"
	"github.com/gzhole/transguard/internal/retrieval"
	"github.com/gzhole/transguard/internal/risk"
	"github.com/gzhole/transguard/internal/sandbox"
	"github.com/gzhole/transguard/internal/shield"
	"github.com/gzhole/transguard/internal/unicode"
	"github.com/gzhole/transguard/internal/validate"
)

// Stage names, in the order they run.
const (
	StageRisk        = "risk"
	StageShield      = "shield"
	StageRetrieval   = "retrieval"
	StageOracle      = "oracle"
	StageValidation  = "validation"
	StageExecution   = "execution"
	StageAggregation = "aggregation"
)

// Stage statuses.
const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// Options configures a Pipeline.
type Options struct {
	Shield  shield.Config
	Sandbox sandbox.Config
	// Retriever is optional; without it the oracle sees no snippets.
	Retriever retrieval.Retriever
	// ShieldOptions are passed to shield.New, e.g. a fixed nonce source.
	ShieldOptions []shield.Option
	Log           logr.Logger
}

// Pipeline is safe for concurrent use; every call to Process owns its
// artifacts and shares only the immutable tables.
type Pipeline struct {
	tables     *policy.Tables
	profiler   *risk.Profiler
	shield     *shield.Shield
	retriever  retrieval.Retriever
	oracle     oracle.Oracle
	validator  *validate.Validator
	executor   *sandbox.Executor
	aggregator *compliance.Aggregator
	log        logr.Logger
	now        func() time.Time
}

func New(tables *policy.Tables, orc oracle.Oracle, opts Options) *Pipeline {
	log := opts.Log.WithName("pipeline")
	return &Pipeline{
		tables:     tables,
		profiler:   risk.NewProfiler(tables, opts.Log),
		shield:     shield.New(opts.Shield, opts.Log, opts.ShieldOptions...),
		retriever:  opts.Retriever,
		oracle:     orc,
		validator:  validate.NewValidator(tables, opts.Log),
		executor:   sandbox.NewExecutor(opts.Sandbox, tables, opts.Log),
		aggregator: compliance.NewAggregator(tables),
		log:        log,
		now:        time.Now,
	}
}

// Outcome is everything one run produced. Candidate and Trace are nil
// when the pipeline stopped before reaching them.
type Outcome struct {
	Command   model.Command
	Verdict   *compliance.Verdict
	Candidate *model.Candidate
	Trace     *sandbox.Trace
	Err       error
}

// Process returns the verdict for cmd. The only errors are an
// *oracle.UnavailableError and the context's error; in both cases no
// verdict exists for the command.
func (p *Pipeline) Process(ctx context.Context, cmd model.Command) (*compliance.Verdict, error) {
	out := p.Run(ctx, cmd)
	return out.Verdict, out.Err
}

// Run is Process keeping the intermediate artifacts.
func (p *Pipeline) Run(ctx context.Context, cmd model.Command) Outcome {
	r := &run{p: p, out: Outcome{Command: cmd}, log: p.log.WithValues("command_id", cmd.ID)}
	r.execute(ctx)
	return r.out
}

type run struct {
	p      *Pipeline
	out    Outcome
	stages []compliance.Stage
	log    logr.Logger
}

func (r *run) stage(name, status, detail string, start time.Time) {
	r.stages = append(r.stages, compliance.Stage{
		Name:     name,
		Status:   status,
		Detail:   detail,
		Duration: time.Since(start),
	})
}

func (r *run) finish(v compliance.Verdict, start time.Time) {
	status := StatusOK
	if !v.Pass {
		status = StatusRejected
	}
	r.stage(StageAggregation, status, v.RejectionReason, start)
	v.Stages = r.stages
	v.CreatedAt = r.p.now().UTC()
	r.out.Verdict = &v
	r.log.Info("verdict", "pass", v.Pass, "tier", v.RiskTier.String(), "score", v.AggregateScore, "reason", v.RejectionReason)
}

func (r *run) fail(err error) {
	r.out.Err = err
	r.log.Info("no verdict", "error", err.Error())
}

func (r *run) execute(ctx context.Context) {
	p := r.p
	cmd := r.out.Command

	start := time.Now()
	profile := p.profiler.Profile(cmd)
	if profile.Critical() {
		r.stage(StageRisk, StatusRejected, "tier CRITICAL", start)
		start = time.Now()
		r.finish(p.aggregator.Aggregate(profile, nil, nil), start)
		return
	}
	r.stage(StageRisk, StatusOK, "tier "+profile.Tier.String(), start)

	start = time.Now()
	prompt, err := p.shield.Wrap(cmd, profile)
	if err != nil {
		r.stage(StageShield, StatusRejected, err.Error(), start)
		start = time.Now()
		r.finish(p.aggregator.Reject(profile, err), start)
		return
	}
	env, err := prompt.Consume()
	if err != nil {
		r.stage(StageShield, StatusFailed, err.Error(), start)
		start = time.Now()
		r.finish(p.aggregator.Reject(profile, err), start)
		return
	}
	r.stage(StageShield, StatusOK, fmt.Sprintf("%d motif(s) neutralized", len(prompt.Motifs())), start)

	start = time.Now()
	snippets, err := r.retrieve(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			r.fail(ctx.Err())
			return
		}
		// Snippets are advisory; translate without them.
		r.log.Info("retrieval failed", "error", err.Error())
		r.stage(StageRetrieval, StatusFailed, err.Error(), start)
	} else if p.retriever != nil {
		r.stage(StageRetrieval, StatusOK, fmt.Sprintf("%d snippet(s)", len(snippets)), start)
	}

	start = time.Now()
	cand, err := p.oracle.Translate(ctx, oracle.Request{Prompt: env, Snippets: snippets})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			r.fail(ctx.Err())
		case errors.Is(err, oracle.ErrUnavailable):
			r.fail(err)
		default:
			r.fail(&oracle.UnavailableError{CommandID: cmd.ID, Attempts: 1, Last: err})
		}
		return
	}
	if cand.CommandID == "" {
		cand.CommandID = cmd.ID
	}
	r.out.Candidate = &cand
	r.stage(StageOracle, StatusOK, "", start)

	start = time.Now()
	report, validated := p.validator.Validate(cand, profile)
	if validated == nil {
		r.stage(StageValidation, StatusRejected, fmt.Sprintf("%d finding(s)", len(report.Findings)), start)
		start = time.Now()
		r.finish(p.aggregator.Aggregate(profile, report, nil), start)
		return
	}
	r.stage(StageValidation, StatusOK, fmt.Sprintf("%d finding(s)", len(report.Findings)), start)

	start = time.Now()
	trace, err := p.executor.Execute(ctx, validated)
	if err != nil {
		if ctx.Err() != nil {
			r.fail(ctx.Err())
			return
		}
		r.log.Error(err, "sandbox setup failed")
		r.stage(StageExecution, StatusFailed, err.Error(), start)
		trace = sandbox.SetupFailure(cmd.ID, err)
		r.out.Trace = trace
		start = time.Now()
		r.finish(p.aggregator.Aggregate(profile, report, trace), start)
		return
	}
	trace.Findings = append(trace.Findings, compliance.Functional(cmd.Expect, trace)...)
	r.out.Trace = trace
	status := StatusOK
	if model.MaxSeverity(trace.Findings) >= model.SeverityHigh {
		status = StatusRejected
	}
	r.stage(StageExecution, status, fmt.Sprintf("exit %d in %s", trace.ExitStatus, trace.WallTime.Round(time.Millisecond)), start)

	start = time.Now()
	r.finish(p.aggregator.Aggregate(profile, report, trace), start)
}

// retrieve collects snippets for the sanitized command text.
func (r *run) retrieve(ctx context.Context, cmd model.Command) ([]retrieval.Snippet, error) {
	if r.p.retriever == nil {
		return nil, nil
	}
	query := unicode.Scan(cmd.Text).Sanitized
	return retrieval.Collect(r.p.retriever.Retrieve(ctx, query))
}
