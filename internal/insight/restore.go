package insight

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// RestoreReport summarizes one restore.
type RestoreReport struct {
	Received    int           `json:"received"`
	Restored    int           `json:"restored"`
	Existing    int           `json:"existing"`     // ids already present, left as they are
	Rejected    int           `json:"rejected"`     // rows with no id or an unknown kind
	Emptied     int           `json:"emptied"`      // rows dropped because none of their evidence survives
	RefsDropped int           `json:"refs_dropped"` // evidence refs dropped across all rows
	Merged      int           `json:"merged"`       // rows folded into the active row holding their group key
	Dismissed   int           `json:"dismissed"`    // rows skipped because their group key's row is dismissed
	Duration    time.Duration `json:"duration_ns"`
}

// Restore inserts previously exported insights. Evidence refs that no longer
// resolve are dropped silently; a row left with no refs is not restored, and
// a row that lost refs has its confidence recomputed from what remains.
// A row whose group key already has a row is never inserted: its refs and
// confidence are merged into that row, or it is skipped when that row is
// dismissed. Rows of one batch sharing a key are merged the same way.
func (e *Engine) Restore(ctx context.Context, rows []Insight) (*RestoreReport, error) {
	report, err := e.restore(ctx, rows)
	if e.hooks.OnRestore != nil {
		e.hooks.OnRestore(report, err)
	}
	return report, err
}

func (e *Engine) restore(ctx context.Context, rows []Insight) (*RestoreReport, error) {
	ctx, span := tracer.Start(ctx, "insight.restore", trace.WithAttributes(
		attribute.Int("insight.received", len(rows)),
	))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	report := &RestoreReport{Received: len(rows)}

	var refs []string
	for i := range rows {
		refs = append(refs, rows[i].EvidenceRefs...)
	}

	var (
		present  map[string]bool
		evidence []Evidence
		existing []Insight
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		present, err = e.evidence.ExistingEvidence(gctx, unionRefs(nil, refs))
		return err
	})
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
		rerr := &RunError{Op: "restore", Stage: ErrRead, Err: err}
		span.RecordError(rerr)
		span.SetStatus(codes.Error, rerr.Error())
		e.logger.Error(ctx, rerr, "restore aborted")
		return report, rerr
	}

	cs := planRestore(rows, present, evidence, existing, report)
	if !cs.Empty() {
		if err := e.store.Apply(ctx, cs); err != nil {
			report.Duration = time.Since(start)
			rerr := &RunError{Op: "restore", Stage: ErrWrite, Err: err}
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
			e.logger.Error(ctx, rerr, "restore commit failed",
				"inserts", len(cs.Inserts), "updates", len(cs.Updates))
			report.Restored, report.Merged = 0, 0
			return report, rerr
		}
	}
	report.Duration = time.Since(start)

	e.logger.Info(ctx, "restore complete",
		"received", report.Received,
		"restored", report.Restored,
		"existing", report.Existing,
		"rejected", report.Rejected,
		"emptied", report.Emptied,
		"refs_dropped", report.RefsDropped,
		"merged", report.Merged,
		"dismissed", report.Dismissed,
	)
	return report, nil
}

func planRestore(rows []Insight, present map[string]bool, evidence []Evidence, existing []Insight, report *RestoreReport) *ChangeSet {
	best := make(map[string]float64, len(evidence))
	for i := range evidence {
		if s, ok := evidence[i].BestSignal(); ok {
			best[evidence[i].ID] = s.Confidence
		}
	}

	// index existing rows by key; when a defect left several, merge into
	// the one dedupe would keep
	ids := make(map[string]bool, len(existing))
	current := make(map[GroupKey]*Insight, len(existing))
	for i := range existing {
		in := &existing[i]
		ids[in.ID] = true
		k := in.Key()
		if cur, ok := current[k]; !ok || survivorLess(in, cur) {
			current[k] = in
		}
	}

	type before struct {
		refs int
		conf float64
	}
	var (
		inserts []*Insight
		touched []*Insight
		orig    = make(map[string]before)
		fresh   = make(map[string]bool)
	)
	for i := range rows {
		in := rows[i].Clone()
		if in.ID == "" || !in.Kind.Valid() {
			report.Rejected++
			continue
		}
		if ids[in.ID] {
			report.Existing++
			continue
		}

		uniq := unionRefs(nil, in.EvidenceRefs)
		kept := make([]string, 0, len(uniq))
		for _, ref := range uniq {
			if present[ref] {
				kept = append(kept, ref)
			}
		}
		dropped := len(uniq) - len(kept)
		if len(kept) == 0 {
			report.Emptied++
			report.RefsDropped += dropped
			continue
		}
		if dropped > 0 {
			report.RefsDropped += dropped
			in.Confidence = recomputeConfidence(kept, best, in.Confidence)
		}
		in.EvidenceRefs = kept
		in.Confidence = clampConfidence(in.Confidence)

		cur, ok := current[in.Key()]
		switch {
		case !ok:
			ids[in.ID] = true
			fresh[in.ID] = true
			current[in.Key()] = &in
			inserts = append(inserts, &in)
			report.Restored++

		case cur.Dismissed():
			report.Dismissed++

		default:
			if _, seen := orig[cur.ID]; !seen && !fresh[cur.ID] {
				orig[cur.ID] = before{len(cur.EvidenceRefs), cur.Confidence}
				touched = append(touched, cur)
			}
			cur.EvidenceRefs = unionRefs(cur.EvidenceRefs, in.EvidenceRefs)
			cur.Confidence = max(cur.Confidence, in.Confidence)
			report.Merged++
		}
	}

	cs := &ChangeSet{}
	for _, in := range inserts {
		cs.Inserts = append(cs.Inserts, *in)
	}
	for _, cur := range touched {
		b := orig[cur.ID]
		if len(cur.EvidenceRefs) == b.refs && cur.Confidence == b.conf {
			continue
		}
		cs.Updates = append(cs.Updates, Update{
			ID:           cur.ID,
			EvidenceRefs: slices.Clone(cur.EvidenceRefs),
			Confidence:   cur.Confidence,
		})
	}
	return cs
}

// recomputeConfidence returns the highest best-signal confidence among refs,
// or fallback when none of them still carries signals.
func recomputeConfidence(refs []string, best map[string]float64, fallback float64) float64 {
	var (
		conf  float64
		found bool
	)
	for _, ref := range refs {
		if c, ok := best[ref]; ok {
			conf = max(conf, c)
			found = true
		}
	}
	if !found {
		return fallback
	}
	return conf
}
