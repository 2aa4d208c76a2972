package insight

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DedupeReport summarizes one deduplication pass.
type DedupeReport struct {
	Scanned  int           `json:"scanned"`
	Groups   int           `json:"groups"`  // keys that had more than one row
	Merged   int           `json:"merged"`  // survivors rewritten
	Removed  int           `json:"removed"` // redundant rows deleted
	Duration time.Duration `json:"duration_ns"`
}

// Dedupe collapses rows sharing a group key into a single survivor,
// regardless of dismissal. It is a repair pass for defect states and is a
// no-op when every key already has one row.
func (e *Engine) Dedupe(ctx context.Context) (*DedupeReport, error) {
	report, err := e.dedupe(ctx)
	if e.hooks.OnDedupe != nil {
		e.hooks.OnDedupe(report, err)
	}
	return report, err
}

func (e *Engine) dedupe(ctx context.Context) (*DedupeReport, error) {
	ctx, span := tracer.Start(ctx, "insight.dedupe")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	report := &DedupeReport{}

	rows, err := e.store.List(ctx, Filter{})
	if err != nil {
		report.Duration = time.Since(start)
		rerr := &RunError{Op: "dedupe", Stage: ErrRead, Err: err}
		span.RecordError(rerr)
		span.SetStatus(codes.Error, rerr.Error())
		e.logger.Error(ctx, rerr, "dedupe aborted")
		return report, rerr
	}

	cs := planDedupe(rows, report)
	span.SetAttributes(
		attribute.Int("insight.scanned", report.Scanned),
		attribute.Int("insight.removed", report.Removed),
	)

	if !cs.Empty() {
		if err := e.store.Apply(ctx, cs); err != nil {
			report.Duration = time.Since(start)
			rerr := &RunError{Op: "dedupe", Stage: ErrWrite, Err: err}
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
			e.logger.Error(ctx, rerr, "dedupe commit failed", "groups", report.Groups)
			report.Merged, report.Removed = 0, 0
			return report, rerr
		}
	}
	report.Duration = time.Since(start)

	e.logger.Info(ctx, "dedupe complete",
		"duration", report.Duration,
		"scanned", report.Scanned,
		"groups", report.Groups,
		"removed", report.Removed,
	)
	return report, nil
}

// planDedupe returns the change set that merges every duplicated key into
// its survivor. rows is not modified.
func planDedupe(rows []Insight, report *DedupeReport) *ChangeSet {
	report.Scanned = len(rows)

	var order []GroupKey
	byKey := make(map[GroupKey][]*Insight)
	for i := range rows {
		k := rows[i].Key()
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], &rows[i])
	}

	cs := &ChangeSet{}
	for _, k := range order {
		members := byKey[k]
		if len(members) < 2 {
			continue
		}
		report.Groups++

		slices.SortStableFunc(members, func(a, b *Insight) int {
			switch {
			case survivorLess(a, b):
				return -1
			case survivorLess(b, a):
				return 1
			}
			return 0
		})

		survivor := members[0]
		refs := survivor.EvidenceRefs
		conf := survivor.Confidence
		for _, m := range members[1:] {
			refs = unionRefs(refs, m.EvidenceRefs)
			conf = max(conf, m.Confidence)
			cs.Deletes = append(cs.Deletes, m.ID)
			report.Removed++
		}

		cs.Updates = append(cs.Updates, Update{
			ID:               survivor.ID,
			EvidenceRefs:     slices.Clone(refs),
			Confidence:       conf,
			IncludeDismissed: true,
		})
		report.Merged++
	}
	return cs
}
