// Package oracle talks to the external translation model. The model is
// untrusted: whatever it returns is only a candidate until validation
// passes.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/retrieval"
	"github.com/gzhole/transguard/internal/shield"
)

// ErrUnavailable marks an oracle that failed on every attempt.
var ErrUnavailable = errors.New("translation oracle unavailable")

// UnavailableError carries the attempt count and the last failure.
type UnavailableError struct {
	CommandID string
	Attempts  int
	Last      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("oracle unavailable for %s after %d attempt(s): %v", e.CommandID, e.Attempts, e.Last)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrUnavailable, e.Last} }

// PermanentError marks a failure retrying cannot fix, such as a rejected
// API key.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Request is everything the oracle may see: the consumed prompt and the
// advisory snippets.
type Request struct {
	Prompt   shield.Envelope
	Snippets []retrieval.Snippet
}

type Oracle interface {
	Translate(ctx context.Context, req Request) (model.Candidate, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, req Request) (model.Candidate, error)

func (f Func) Translate(ctx context.Context, req Request) (model.Candidate, error) {
	return f(ctx, req)
}

// RetryConfig bounds the attempts made by Retrying.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		AttemptTimeout: 30 * time.Second,
		BackoffBase:    200 * time.Millisecond,
		BackoffMax:     5 * time.Second,
	}
}

// Retrying wraps an Oracle with per-attempt timeouts and bounded
// exponential backoff.
type Retrying struct {
	next  Oracle
	cfg   RetryConfig
	log   logr.Logger
	sleep func(context.Context, time.Duration) error
}

func NewRetrying(next Oracle, cfg RetryConfig, log logr.Logger) *Retrying {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = def.BackoffMax
	}
	return &Retrying{next: next, cfg: cfg, log: log.WithName("oracle"), sleep: sleepCtx}
}

// Translate returns the first successful attempt. Once the attempts are
// exhausted, or a PermanentError comes back, it returns an
// *UnavailableError. Cancellation of ctx is returned as is.
func (r *Retrying) Translate(ctx context.Context, req Request) (model.Candidate, error) {
	id := req.Prompt.CommandID
	var last error
	attempt := 0
	for attempt < r.cfg.MaxAttempts {
		attempt++
		actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		cand, err := r.next.Translate(actx, req)
		cancel()
		if err == nil {
			if attempt > 1 {
				r.log.Info("oracle recovered", "command_id", id, "attempt", attempt)
			}
			return cand, nil
		}
		if ctx.Err() != nil {
			return model.Candidate{}, ctx.Err()
		}
		last = err
		r.log.Info("oracle attempt failed", "command_id", id, "attempt", attempt, "error", err.Error())

		var perm *PermanentError
		if errors.As(err, &perm) || attempt == r.cfg.MaxAttempts {
			break
		}
		if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
			return model.Candidate{}, err
		}
	}
	return model.Candidate{}, &UnavailableError{CommandID: id, Attempts: attempt, Last: last}
}

// backoff is base*2^(attempt-1), capped at the maximum.
func (r *Retrying) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase * time.Duration(1<<(attempt-1))
	if d <= 0 || d > r.cfg.BackoffMax {
		return r.cfg.BackoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
