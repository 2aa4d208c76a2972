package backend

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linnemanlabs/rapport/internal/insight"
)

func TestOpen_Memory(t *testing.T) {
	t.Parallel()

	b, err := Open(context.Background(), Options{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close() //nolint:errcheck // test cleanup
	if b.Name != Memory {
		t.Errorf("Name = %q, want %q", b.Name, Memory)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOpen_MemoryWithFixture(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, err := Open(ctx, Options{EvidenceFixture: filepath.Join("..", "insight", "memstore", "testdata", "evidence.yaml")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	evs, err := b.Store.SignaledEvidence(ctx)
	if err != nil {
		t.Fatalf("SignaledEvidence: %v", err)
	}
	if len(evs) == 0 {
		t.Error("fixture produced no signaled evidence")
	}
}

func TestOpen_MissingFixture(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Options{EvidenceFixture: filepath.Join(t.TempDir(), "nope.yaml")}, nil)
	if err == nil || !strings.Contains(err.Error(), "fixture") {
		t.Fatalf("err = %v, want fixture error", err)
	}
}

func TestOpen_SQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "rapport.db")
	b, err := Open(ctx, Options{SQLitePath: path}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if b.Name != SQLite {
		t.Errorf("Name = %q, want %q", b.Name, SQLite)
	}
	if _, err := b.Store.List(ctx, insight.Filter{}); err != nil {
		t.Errorf("List: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOpen_FixtureNeedsMemory(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Options{SQLitePath: "x.db", EvidenceFixture: "f.yaml"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestOpen_BadDatabaseURL(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Options{DatabaseURL: "://not a url"}, nil)
	if err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("err = %v, want postgres error", err)
	}
}
