package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/gzhole/transguard/internal/logger"
	"github.com/gzhole/transguard/internal/store"
)

// Recorder persists outcomes to the verdict store and the audit log.
// Either sink may be nil.
type Recorder struct {
	Store  *store.Store
	Audit  *logger.AuditLogger
	Source string
}

// Record writes the verdict (if any) and an audit line for every outcome.
func (r *Recorder) Record(ctx context.Context, o Outcome) error {
	var errs []error
	if o.Verdict != nil && r.Store != nil {
		if _, err := r.Store.Insert(ctx, *o.Verdict); err != nil {
			errs = append(errs, err)
		}
	}
	if r.Audit != nil {
		if err := r.Audit.Log(auditEvent(o, r.Source)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func auditEvent(o Outcome, source string) logger.AuditEvent {
	ev := logger.AuditEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		CommandID: o.Command.ID,
		Dialect:   string(o.Command.Dialect),
		Command:   o.Command.Text,
		Source:    source,
	}
	if o.Candidate != nil {
		ev.Candidate = o.Candidate.Code
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	if v := o.Verdict; v != nil {
		ev.Timestamp = v.CreatedAt.Format(time.RFC3339)
		ev.Pass = v.Pass
		ev.RiskTier = v.RiskTier.String()
		ev.AggregateScore = v.AggregateScore
		ev.MitreTags = v.MitreTags
		ev.RejectionReason = v.RejectionReason
		ev.PolicyDigest = v.PolicyDigest
		for _, f := range v.Findings {
			ev.FindingKinds = append(ev.FindingKinds, f.Kind)
		}
	}
	return ev
}
