// Package memstore provides an in-memory implementation of insight.Store and
// insight.EvidenceStore.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/rapport/internal/insight"
)

// Store holds evidence and insights in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	evidence map[string]*insight.Evidence // evidence ID -> record
	insights map[string]*insight.Insight  // insight ID -> row
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		evidence: make(map[string]*insight.Evidence),
		insights: make(map[string]*insight.Insight),
	}
}

// PutEvidence stores copies of the batch. Ids already present are left as
// they are.
func (s *Store) PutEvidence(_ context.Context, batch []insight.Evidence) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := 0
	for i := range batch {
		if _, ok := s.evidence[batch[i].ID]; ok {
			continue
		}
		cp := batch[i].Clone()
		s.evidence[cp.ID] = &cp
		stored++
	}
	return stored, nil
}

// SignaledEvidence returns copies of every record with at least one signal,
// ordered by occurrence time then id.
func (s *Store) SignaledEvidence(_ context.Context) ([]insight.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]insight.Evidence, 0, len(s.evidence))
	for _, ev := range s.evidence {
		if len(ev.Signals) == 0 {
			continue
		}
		out = append(out, ev.Clone())
	}
	slices.SortFunc(out, func(a, b insight.Evidence) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// ExistingEvidence reports which ids are present.
func (s *Store) ExistingEvidence(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.evidence[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

// Get retrieves an insight by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*insight.Insight, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.insights[id]
	if !ok {
		return nil, false, nil
	}
	cp := in.Clone()
	return &cp, true, nil
}

// List returns copies of the matching insights ordered by creation time then id.
func (s *Store) List(_ context.Context, f insight.Filter) ([]insight.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]insight.Insight, 0, len(s.insights))
	for _, in := range s.insights {
		if f.Matches(in) {
			out = append(out, in.Clone())
		}
	}
	slices.SortFunc(out, func(a, b insight.Insight) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Dismiss sets DismissedAt on first call and returns a copy of the row.
func (s *Store) Dismiss(_ context.Context, id string, at time.Time) (*insight.Insight, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.insights[id]
	if !ok {
		return nil, false, nil
	}
	if in.DismissedAt == nil {
		t := at
		in.DismissedAt = &t
	}
	cp := in.Clone()
	return &cp, true, nil
}

// Apply commits the change set atomically: it is validated in full before
// any row is touched.
func (s *Store) Apply(_ context.Context, cs *insight.ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(cs.Inserts))
	var keys map[insight.GroupKey]bool
	if len(cs.Inserts) > 0 {
		keys = make(map[insight.GroupKey]bool, len(s.insights)+len(cs.Inserts))
		for _, in := range s.insights {
			keys[in.Key()] = true
		}
	}
	for i := range cs.Inserts {
		id := cs.Inserts[i].ID
		if _, ok := s.insights[id]; ok || seen[id] {
			return fmt.Errorf("insert %s: duplicate id", id)
		}
		if len(cs.Inserts[i].EvidenceRefs) == 0 {
			return fmt.Errorf("insert %s: no evidence refs", id)
		}
		k := cs.Inserts[i].Key()
		if keys[k] {
			return fmt.Errorf("insert %s: %w", id, insight.ErrConflict)
		}
		seen[id] = true
		keys[k] = true
	}
	for _, u := range cs.Updates {
		if len(u.EvidenceRefs) == 0 {
			return fmt.Errorf("update %s: no evidence refs", u.ID)
		}
	}

	for i := range cs.Inserts {
		cp := cs.Inserts[i].Clone()
		s.insights[cp.ID] = &cp
	}
	for _, u := range cs.Updates {
		in, ok := s.insights[u.ID]
		if !ok || (in.Dismissed() && !u.IncludeDismissed) {
			continue
		}
		in.EvidenceRefs = slices.Clone(u.EvidenceRefs)
		in.Confidence = u.Confidence
	}
	for _, id := range cs.Deletes {
		delete(s.insights, id)
	}
	return nil
}
