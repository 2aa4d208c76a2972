package insight

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"
)

var (
	errBoom = errors.New("boom")
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// fakeStore is a mutex-guarded EvidenceSource and Store with injectable
// failures. seed bypasses the group key check so tests can stage duplicates.
type fakeStore struct {
	mu       sync.Mutex
	evidence []Evidence
	rows     map[string]*Insight

	readErr  error
	listErr  error
	applyErr error
	applies  int

	// beforeApply runs under the lock at the start of Apply, standing in
	// for a write committed by another process.
	beforeApply func(rows map[string]*Insight)
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*Insight)}
}

func (f *fakeStore) addEvidence(evs ...Evidence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evidence = append(f.evidence, evs...)
}

func (f *fakeStore) seed(rows ...Insight) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range rows {
		cp := rows[i].Clone()
		f.rows[cp.ID] = &cp
	}
}

func (f *fakeStore) SignaledEvidence(context.Context) ([]Evidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	var out []Evidence
	for i := range f.evidence {
		if len(f.evidence[i].Signals) > 0 {
			out = append(out, f.evidence[i].Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) ExistingEvidence(_ context.Context, ids []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make(map[string]bool)
	for _, id := range ids {
		for i := range f.evidence {
			if f.evidence[i].ID == id {
				out[id] = true
			}
		}
	}
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*Insight, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.rows[id]
	if !ok {
		return nil, false, nil
	}
	cp := in.Clone()
	return &cp, true, nil
}

func (f *fakeStore) List(_ context.Context, flt Filter) ([]Insight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Insight
	for _, in := range f.rows {
		if flt.Matches(in) {
			out = append(out, in.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeStore) Dismiss(_ context.Context, id string, at time.Time) (*Insight, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.rows[id]
	if !ok {
		return nil, false, nil
	}
	if in.DismissedAt == nil {
		in.DismissedAt = &at
	}
	cp := in.Clone()
	return &cp, true, nil
}

func (f *fakeStore) Apply(_ context.Context, cs *ChangeSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	if f.beforeApply != nil {
		f.beforeApply(f.rows)
		f.beforeApply = nil
	}
	if f.applyErr != nil {
		return f.applyErr
	}
	keys := make(map[GroupKey]bool, len(f.rows))
	for _, in := range f.rows {
		keys[in.Key()] = true
	}
	for i := range cs.Inserts {
		if _, ok := f.rows[cs.Inserts[i].ID]; ok {
			return fmt.Errorf("duplicate id %s", cs.Inserts[i].ID)
		}
		if keys[cs.Inserts[i].Key()] {
			return fmt.Errorf("insert %s: %w", cs.Inserts[i].ID, ErrConflict)
		}
		keys[cs.Inserts[i].Key()] = true
	}
	for i := range cs.Inserts {
		cp := cs.Inserts[i].Clone()
		f.rows[cp.ID] = &cp
	}
	for _, u := range cs.Updates {
		in, ok := f.rows[u.ID]
		if !ok || (in.Dismissed() && !u.IncludeDismissed) {
			continue
		}
		in.EvidenceRefs = slices.Clone(u.EvidenceRefs)
		in.Confidence = u.Confidence
	}
	for _, id := range cs.Deletes {
		delete(f.rows, id)
	}
	return nil
}

func (f *fakeStore) all(t *testing.T) []Insight {
	t.Helper()
	rows, err := f.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return rows
}

// newTestEngine returns an engine with a fixed clock and sequential ids.
func newTestEngine(fs *fakeStore) *Engine {
	e := NewEngine(fs, fs, nil, Hooks{})
	e.now = func() time.Time { return t0 }
	var n int
	var mu sync.Mutex
	e.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("in-%03d", n)
	}
	return e
}

func ev(id string, person, ctxRef *Ref, signals ...Signal) Evidence {
	return Evidence{
		ID:         id,
		Source:     "test",
		OccurredAt: t0,
		Person:     person,
		Context:    ctxRef,
		Signals:    signals,
	}
}

func sig(kind SignalKind, conf float64) Signal {
	return Signal{Kind: kind, Confidence: conf}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
