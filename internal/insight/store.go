package insight

import (
	"context"
	"time"
)

// EvidenceSource is the read side of evidence ingestion.
type EvidenceSource interface {
	// SignaledEvidence returns every evidence record with at least one
	// signal, ordered by occurrence time then id, from a single consistent
	// snapshot.
	SignaledEvidence(ctx context.Context) ([]Evidence, error)

	// ExistingEvidence reports which of ids are still present.
	ExistingEvidence(ctx context.Context, ids []string) (map[string]bool, error)
}

// EvidenceStore adds the write side used by the ingestion endpoint. Evidence
// is immutable: putting an id that already exists is a no-op.
type EvidenceStore interface {
	EvidenceSource
	PutEvidence(ctx context.Context, batch []Evidence) (stored int, err error)
}

// Filter narrows List. The zero value lists every insight.
type Filter struct {
	ActiveOnly bool
	PersonRef  string
	ContextRef string
}

// Matches reports whether in passes the filter.
func (f Filter) Matches(in *Insight) bool {
	if f.ActiveOnly && in.Dismissed() {
		return false
	}
	if f.PersonRef != "" && in.PersonRef != f.PersonRef {
		return false
	}
	if f.ContextRef != "" && in.ContextRef != f.ContextRef {
		return false
	}
	return true
}

// Update rewrites an insight's evidence set and confidence. Unless
// IncludeDismissed is set, stores must leave dismissed rows untouched even if
// the row was dismissed after the change set was computed.
type Update struct {
	ID               string
	EvidenceRefs     []string
	Confidence       float64
	IncludeDismissed bool
}

// ChangeSet is everything one engine operation writes. Stores apply it
// all-or-nothing.
type ChangeSet struct {
	Inserts []Insight
	Updates []Update
	Deletes []string
}

// Empty reports whether the change set would write nothing.
func (cs *ChangeSet) Empty() bool {
	return cs == nil || len(cs.Inserts)+len(cs.Updates)+len(cs.Deletes) == 0
}

// Store is the persistence interface for insights.
type Store interface {
	Get(ctx context.Context, id string) (*Insight, bool, error)

	// List returns matching insights ordered by creation time then id.
	List(ctx context.Context, f Filter) ([]Insight, error)

	// Dismiss sets DismissedAt if it is not already set and returns the
	// row. ok is false when the id does not exist.
	Dismiss(ctx context.Context, id string, at time.Time) (in *Insight, ok bool, err error)

	// Apply commits a change set atomically. An insert whose group key
	// already has a row, or repeats one within the set, fails the whole set
	// with an error wrapping ErrConflict.
	Apply(ctx context.Context, cs *ChangeSet) error
}
