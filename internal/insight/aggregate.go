package insight

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// RunReport summarizes one aggregation pass.
type RunReport struct {
	Evidence  int           `json:"evidence"`
	Groups    int           `json:"groups"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Dismissed int           `json:"dismissed"` // groups skipped because their insight is dismissed
	Unmapped  int           `json:"unmapped"`  // evidence whose best signal has no insight kind
	Duration  time.Duration `json:"duration_ns"`

	// Inserted holds the insights created by this pass.
	Inserted []Insight `json:"-"`
}

// group accumulates evidence sharing a GroupKey in one pass.
type group struct {
	key        GroupKey
	refs       []string
	confidence float64
	first      Signal
	target     string
}

// Run reads every signaled evidence record, reconciles it with the current
// insights and commits the result as a single unit. It is idempotent.
func (e *Engine) Run(ctx context.Context) (*RunReport, error) {
	report, err := e.aggregate(ctx)

	if e.hooks.OnRun != nil {
		e.hooks.OnRun(report, err)
	}
	if err == nil && e.notifier != nil && len(report.Inserted) > 0 {
		if nerr := e.notifier.Notify(ctx, report.Inserted); nerr != nil {
			e.logger.Warn(ctx, "insight notification failed", "error", nerr, "created", len(report.Inserted))
		}
	}
	return report, err
}

func (e *Engine) aggregate(ctx context.Context) (*RunReport, error) {
	ctx, span := tracer.Start(ctx, "insight.aggregate")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	report := &RunReport{}

	var (
		evidence []Evidence
		existing []Insight
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		evidence, err = e.evidence.SignaledEvidence(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		existing, err = e.store.List(gctx, Filter{})
		return err
	})
	if err := g.Wait(); err != nil {
		report.Duration = time.Since(start)
		rerr := &RunError{Op: "aggregate", Stage: ErrRead, Err: err}
		span.RecordError(rerr)
		span.SetStatus(codes.Error, rerr.Error())
		e.logger.Error(ctx, rerr, "aggregation aborted", "duration", report.Duration)
		return report, rerr
	}

	cs := reconcile(evidence, existing, e.now(), e.newID, report)
	span.SetAttributes(
		attribute.Int("insight.evidence", report.Evidence),
		attribute.Int("insight.groups", report.Groups),
		attribute.Int("insight.created", report.Created),
		attribute.Int("insight.updated", report.Updated),
	)

	if !cs.Empty() {
		if err := e.store.Apply(ctx, cs); err != nil {
			report.Duration = time.Since(start)
			rerr := &RunError{Op: "aggregate", Stage: ErrWrite, Err: err}
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
			e.logger.Error(ctx, rerr, "aggregation commit failed",
				"duration", report.Duration,
				"creates", len(cs.Inserts),
				"updates", len(cs.Updates),
				"conflict", errors.Is(err, ErrConflict),
			)
			// nothing was committed
			report.Created, report.Updated, report.Inserted = 0, 0, nil
			return report, rerr
		}
	}
	report.Inserted = cs.Inserts
	report.Duration = time.Since(start)

	e.logger.Info(ctx, "aggregation complete",
		"duration", report.Duration,
		"evidence", report.Evidence,
		"groups", report.Groups,
		"created", report.Created,
		"updated", report.Updated,
		"unchanged", report.Unchanged,
		"dismissed", report.Dismissed,
		"unmapped", report.Unmapped,
	)
	return report, nil
}

// reconcile computes the change set that brings existing in line with
// evidence. It has no side effects; report is filled in as it goes.
func reconcile(evidence []Evidence, existing []Insight, now time.Time, newID func() string, report *RunReport) *ChangeSet {
	var order []GroupKey
	groups := make(map[GroupKey]*group)

	for i := range evidence {
		ev := &evidence[i]
		best, ok := ev.BestSignal()
		if !ok {
			continue
		}
		report.Evidence++

		kind, ok := KindOf(best.Kind)
		if !ok {
			report.Unmapped++
			continue
		}

		key := GroupKey{PersonRef: refID(ev.Person), ContextRef: refID(ev.Context), Kind: kind}
		grp, ok := groups[key]
		if !ok {
			grp = &group{key: key, first: best, target: Target(ev.Person, ev.Context)}
			groups[key] = grp
			order = append(order, key)
		}
		grp.refs = unionRefs(grp.refs, []string{ev.ID})
		grp.confidence = max(grp.confidence, best.Confidence)
	}
	report.Groups = len(order)

	// index existing rows by key; when a defect left several, reconcile
	// against the one dedupe would keep
	current := make(map[GroupKey]*Insight, len(existing))
	for i := range existing {
		in := &existing[i]
		k := in.Key()
		if cur, ok := current[k]; !ok || survivorLess(in, cur) {
			current[k] = in
		}
	}

	cs := &ChangeSet{}
	for _, key := range order {
		grp := groups[key]
		cur, ok := current[key]

		switch {
		case !ok:
			cs.Inserts = append(cs.Inserts, Insight{
				ID:           newID(),
				PersonRef:    key.PersonRef,
				ContextRef:   key.ContextRef,
				Kind:         key.Kind,
				Message:      Message(grp.first.Kind, grp.target),
				Confidence:   grp.confidence,
				EvidenceRefs: grp.refs,
				CreatedAt:    now,
			})
			report.Created++

		case cur.Dismissed():
			report.Dismissed++

		default:
			refs := unionRefs(cur.EvidenceRefs, grp.refs)
			conf := max(cur.Confidence, grp.confidence)
			if len(refs) == len(cur.EvidenceRefs) && conf == cur.Confidence {
				report.Unchanged++
				continue
			}
			cs.Updates = append(cs.Updates, Update{
				ID:           cur.ID,
				EvidenceRefs: refs,
				Confidence:   conf,
			})
			report.Updated++
		}
	}
	return cs
}
