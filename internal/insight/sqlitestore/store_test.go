package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/rapport/internal/insight"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func row(id string, kind insight.Kind, person string, refs ...string) insight.Insight {
	return insight.Insight{
		ID:           id,
		PersonRef:    person,
		Kind:         kind,
		Message:      "m",
		Confidence:   0.5,
		EvidenceRefs: refs,
		CreatedAt:    t0,
	}
}

func TestSchemaVersion(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(migrations))
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "rapport.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Apply(ctx, &insight.ChangeSet{Inserts: []insight.Insight{row("i-1", insight.KindFollowUp, "p", "e1")}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, ok, err := s.Get(ctx, "i-1"); err != nil || !ok {
		t.Errorf("Get after reopen = (%v, %v), want found", ok, err)
	}
}

func TestStore_ApplyAndGet(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	ctx := context.Background()
	dismissed := t0.Add(time.Hour)
	in := row("i-1", insight.KindFollowUp, "p-bob", "e1", "e2")
	in.ContextRef = "c-1"
	in.DismissedAt = &dismissed

	if err := s.Apply(ctx, &insight.ChangeSet{Inserts: []insight.Insight{in}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, ok, err := s.Get(ctx, "i-1")
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v)", ok, err)
	}
	if diff := cmp.Diff(in, *got); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}

	if _, ok, err := s.Get(ctx, "nonexistent"); err != nil || ok {
		t.Errorf("Get missing = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestStore_ApplyIsAtomic(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	ctx := context.Background()
	if err := s.Apply(ctx, &insight.ChangeSet{Inserts: []insight.Insight{row("i-1", insight.KindFollowUp, "p", "e1")}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	err := s.Apply(ctx, &insight.ChangeSet{
		Inserts: []insight.Insight{
			row("i-2", insight.KindOpportunity, "p", "e2"),
			row("i-1", insight.KindOpportunity, "q", "e3"),
		},
	})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	if _, ok, _ := s.Get(ctx, "i-2"); ok {
		t.Error("insert leaked from failed apply")
	}
}

func TestStore_ApplyRejectsGroupKeyConflict(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	ctx := context.Background()
	if err := s.Apply(ctx, &insight.ChangeSet{Inserts: []insight.Insight{row("i-1", insight.KindFollowUp, "p", "e1")}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	err := s.Apply(ctx, &insight.ChangeSet{
		Inserts: []insight.Insight{
			row("i-2", insight.KindOpportunity, "p", "e2"),
			row("i-3", insight.KindFollowUp, "p", "e3"),
		},
	})
	if !errors.Is(err, insight.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if _, ok, _ := s.Get(ctx, "i-2"); ok {
		t.Error("insert leaked from conflicting apply")
	}
}

func TestStore_ApplyRejectsEmptyRefs(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	err := s.Apply(context.Background(), &insight.ChangeSet{Inserts: []insight.Insight{row("i-1", insight.KindFollowUp, "p")}})
	if err == nil {
		t.Fatal("expected check constraint error")
	}
}

func TestStore_UpdatesSkipDismissed(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	ctx := context.Background()
	err := s.Apply(ctx, &insight.ChangeSet{Inserts: []insight.Insight{
		row("i-1", insight.KindFollowUp, "p", "e1"),
		row("i-2", insight.KindOpportunity, "p", "e2"),
	}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, _, err := s.Dismiss(ctx, "i-1", t0.Add(time.Minute)); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}

	err = s.Apply(ctx, &insight.ChangeSet{Updates: []insight.Update{
		{ID: "i-1", EvidenceRefs: []string{"e1", "e3"}, Confidence: 0.9},
		{ID: "i-2", EvidenceRefs: []string{"e2", "e4"}, Confidence: 0.8},
		{ID: "missing", EvidenceRefs: []string{"e5"}, Confidence: 0.1},
	}})
	if err != nil {
		t.Fatalf("Apply updates: %v", err)
	}

	a, _, _ := s.Get(ctx, "i-1")
	b, _, _ := s.Get(ctx, "i-2")
	if diff := cmp.Diff([]string{"e1"}, a.EvidenceRefs); diff != "" {
		t.Errorf("dismissed row updated (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"e2", "e4"}, b.EvidenceRefs); diff != "" {
		t.Errorf("active row refs (-want +got):\n%s", diff)
	}
	if b.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", b.Confidence)
	}

	err = s.Apply(ctx, &insight.ChangeSet{
		Updates: []insight.Update{{ID: "i-1", EvidenceRefs: []string{"e1", "e2"}, Confidence: 0.9, IncludeDismissed: true}},
		Deletes: []string{"i-2"},
	})
	if err != nil {
		t.Fatalf("Apply merge: %v", err)
	}
	a, _, _ = s.Get(ctx, "i-1")
	if diff := cmp.Diff([]string{"e1", "e2"}, a.EvidenceRefs); diff != "" {
		t.Errorf("merge into dismissed row (-want +got):\n%s", diff)
	}
	if _, ok, _ := s.Get(ctx, "i-2"); ok {
		t.Error("deleted row still present")
	}
}

func TestStore_ListFiltersAndOrder(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	ctx := context.Background()
	late := row("i-a", insight.KindFollowUp, "p1", "e1")
	late.CreatedAt = t0.Add(time.Second)
	early := row("i-b", insight.KindOpportunity, "p1", "e2")
	early.ContextRef = "c1"
	other := row("i-c", insight.KindFollowUp, "p2", "e3")
	if err := s.Apply(ctx, &insight.ChangeSet{Inserts: []insight.Insight{late, early, other}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, _, err := s.Dismiss(ctx, "i-c", t0); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}

	tests := []struct {
		name string
		f    insight.Filter
		want []string
	}{
		{"all", insight.Filter{}, []string{"i-b", "i-c", "i-a"}},
		{"active", insight.Filter{ActiveOnly: true}, []string{"i-b", "i-a"}},
		{"person", insight.Filter{PersonRef: "p1"}, []string{"i-b", "i-a"}},
		{"context", insight.Filter{ContextRef: "c1"}, []string{"i-b"}},
		{"none", insight.Filter{PersonRef: "nobody"}, nil},
	}
	for _, tt := range tests {
		got, err := s.List(ctx, tt.f)
		if err != nil {
			t.Fatalf("%s: List: %v", tt.name, err)
		}
		var ids []string
		for _, in := range got {
			ids = append(ids, in.ID)
		}
		if diff := cmp.Diff(tt.want, ids); diff != "" {
			t.Errorf("%s (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestStore_DismissKeepsFirstTimestamp(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	ctx := context.Background()
	if err := s.Apply(ctx, &insight.ChangeSet{Inserts: []insight.Insight{row("i-1", insight.KindFollowUp, "p", "e1")}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	first := t0.Add(time.Minute)
	got, ok, err := s.Dismiss(ctx, "i-1", first)
	if err != nil || !ok {
		t.Fatalf("Dismiss = (%v, %v)", ok, err)
	}
	if !got.DismissedAt.Equal(first) {
		t.Errorf("DismissedAt = %v, want %v", got.DismissedAt, first)
	}
	got, _, _ = s.Dismiss(ctx, "i-1", first.Add(time.Hour))
	if !got.DismissedAt.Equal(first) {
		t.Errorf("second dismiss moved DismissedAt to %v", got.DismissedAt)
	}

	if _, ok, err := s.Dismiss(ctx, "missing", first); err != nil || ok {
		t.Errorf("Dismiss missing = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestStore_Evidence(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	ctx := context.Background()
	batch := []insight.Evidence{
		{ID: "ev-2", OccurredAt: t0.Add(time.Hour), Content: "later",
			Context: &insight.Ref{ID: "c-1", Name: "Smith Household"},
			Signals: []insight.Signal{{Kind: insight.SignalComplianceRisk, Confidence: 0.9, Rationale: "r"}}},
		{ID: "ev-1", OccurredAt: t0, Content: "earlier", Person: &insight.Ref{ID: "p-1", Name: "Alice"},
			Signals: []insight.Signal{
				{Kind: insight.SignalDivorce, Confidence: 0.7},
				{Kind: insight.SignalProductOpportunity, Confidence: 0.85},
			}},
		{ID: "ev-3", OccurredAt: t0, Content: "nothing"},
	}
	n, err := s.PutEvidence(ctx, batch)
	if err != nil {
		t.Fatalf("PutEvidence: %v", err)
	}
	if n != 3 {
		t.Errorf("stored = %d, want 3", n)
	}
	if n, _ := s.PutEvidence(ctx, batch[:1]); n != 0 {
		t.Errorf("re-put stored = %d, want 0", n)
	}

	got, err := s.SignaledEvidence(ctx)
	if err != nil {
		t.Fatalf("SignaledEvidence: %v", err)
	}
	want := []insight.Evidence{batch[1], batch[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SignaledEvidence (-want +got):\n%s", diff)
	}

	present, err := s.ExistingEvidence(ctx, []string{"ev-1", "ev-3", "ev-9"})
	if err != nil {
		t.Fatalf("ExistingEvidence: %v", err)
	}
	if diff := cmp.Diff(map[string]bool{"ev-1": true, "ev-3": true}, present); diff != "" {
		t.Errorf("ExistingEvidence (-want +got):\n%s", diff)
	}
}

func TestEngineAgainstSQLite(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	ctx := context.Background()
	_, err := s.PutEvidence(ctx, []insight.Evidence{
		{ID: "ev-1", OccurredAt: t0, Person: &insight.Ref{ID: "p-1", Name: "Alice Smith"},
			Signals: []insight.Signal{{Kind: insight.SignalDivorce, Confidence: 0.7}}},
		{ID: "ev-2", OccurredAt: t0.Add(time.Minute), Person: &insight.Ref{ID: "p-1", Name: "Alice Smith"},
			Signals: []insight.Signal{{Kind: insight.SignalDivorce, Confidence: 0.9}}},
	})
	if err != nil {
		t.Fatalf("PutEvidence: %v", err)
	}

	engine := insight.NewEngine(s, s, log.Nop(), insight.Hooks{})
	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Created != 1 {
		t.Errorf("created = %d, want 1", report.Created)
	}

	report, err = engine.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.Created != 0 || report.Updated != 0 {
		t.Errorf("second run created=%d updated=%d, want 0/0", report.Created, report.Updated)
	}

	all, _ := s.List(ctx, insight.Filter{})
	if len(all) != 1 {
		t.Fatalf("insights = %d, want 1", len(all))
	}
	if diff := cmp.Diff([]string{"ev-1", "ev-2"}, all[0].EvidenceRefs); diff != "" {
		t.Errorf("refs (-want +got):\n%s", diff)
	}
	if all[0].Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", all[0].Confidence)
	}
}

func TestEnginesSharingFileKeepOneRowPerKey(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()
	openShared := func() *Store {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	first, second := openShared(), openShared()
	engines := []*insight.Engine{
		insight.NewEngine(first, first, log.Nop(), insight.Hooks{}),
		insight.NewEngine(second, second, log.Nop(), insight.Hooks{}),
	}

	const rounds = 20
	for n := range rounds {
		person := fmt.Sprintf("p-%02d", n)
		_, err := first.PutEvidence(ctx, []insight.Evidence{{
			ID: "ev-" + person, OccurredAt: t0, Person: &insight.Ref{ID: person, Name: "Alice Smith"},
			Signals: []insight.Signal{{Kind: insight.SignalDivorce, Confidence: 0.9}},
		}})
		if err != nil {
			t.Fatalf("PutEvidence: %v", err)
		}

		// either engine may lose the race; the store must never hold two
		// rows for the key
		var wg sync.WaitGroup
		for _, e := range engines {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := e.Run(ctx); err != nil && !errors.Is(err, insight.ErrWrite) && !errors.Is(err, insight.ErrRead) {
					t.Errorf("Run: %v", err)
				}
			}()
		}
		wg.Wait()

		all, err := first.List(ctx, insight.Filter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		perKey := make(map[insight.GroupKey]int)
		for i := range all {
			perKey[all[i].Key()]++
		}
		for k, c := range perKey {
			if c > 1 {
				t.Fatalf("round %d: %d rows for %+v", n, c, k)
			}
		}
	}

	// a quiet run converges anything a lost race left unwritten
	if _, err := engines[1].Run(ctx); err != nil {
		t.Fatalf("final Run: %v", err)
	}
	all, _ := second.List(ctx, insight.Filter{})
	if len(all) != rounds {
		t.Errorf("insights = %d, want %d", len(all), rounds)
	}
}
