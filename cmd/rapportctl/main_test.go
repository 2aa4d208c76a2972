package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/linnemanlabs/rapport/internal/insight"
)

const fixture = "../../internal/insight/memstore/testdata/evidence.yaml"

// execute runs rapportctl with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("rapportctl %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return v
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}

func TestIngestRunListDismiss(t *testing.T) {
	t.Parallel()

	db := filepath.Join(t.TempDir(), "rapport.db")

	ingest := decode[struct {
		insight.IngestResult
		Run *insight.RunReport `json:"run"`
	}](t, mustExecute(t, "ingest", fixture, "--sqlite-path", db, "--run", "--json"))
	assertEqual(t, "received", 5, ingest.Received)
	assertEqual(t, "stored", 5, ingest.Stored)
	assertEqual(t, "classified", 3, ingest.Classified)
	assertEqual(t, "unsignaled", 1, ingest.Unsignaled)
	if ingest.Run == nil {
		t.Fatal("missing run report")
	}
	assertEqual(t, "created", 4, ingest.Run.Created)

	// a second pass over the same evidence changes nothing
	rerun := decode[insight.RunReport](t, mustExecute(t, "run", "--sqlite-path", db, "--json"))
	assertEqual(t, "rerun created", 0, rerun.Created)
	assertEqual(t, "rerun unchanged", 4, rerun.Unchanged)

	alice := decode[[]insight.Insight](t, mustExecute(t, "list", "--sqlite-path", db, "--person", "p-alice", "--json"))
	assertEqual(t, "alice insights", 2, len(alice))

	target := alice[0].ID
	out := mustExecute(t, "dismiss", target, "--sqlite-path", db)
	if !strings.HasPrefix(out, "dismissed "+target) {
		t.Errorf("dismiss output = %q", out)
	}

	active := decode[[]insight.Insight](t, mustExecute(t, "list", "--sqlite-path", db, "--json"))
	assertEqual(t, "active", 3, len(active))
	all := decode[[]insight.Insight](t, mustExecute(t, "list", "--sqlite-path", db, "--all", "--json"))
	assertEqual(t, "all", 4, len(all))

	// dismissal survives a rerun
	mustExecute(t, "run", "--sqlite-path", db)
	active = decode[[]insight.Insight](t, mustExecute(t, "list", "--sqlite-path", db, "--json"))
	assertEqual(t, "active after rerun", 3, len(active))

	table := mustExecute(t, "list", "--sqlite-path", db, "--all")
	if !strings.Contains(table, "KIND") || !strings.Contains(table, target) {
		t.Errorf("table output missing header or row:\n%s", table)
	}
}

func TestDismissMissing(t *testing.T) {
	t.Parallel()

	db := filepath.Join(t.TempDir(), "rapport.db")
	_, err := execute(t, "dismiss", "nope", "--sqlite-path", db)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestExportRestoreDedupe(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	backup := filepath.Join(dir, "export.json")

	mustExecute(t, "ingest", fixture, "--sqlite-path", src, "--run")
	mustExecute(t, "export", "--sqlite-path", src, "-o", backup)

	exported := decode[[]insight.Insight](t, readFile(t, backup))
	assertEqual(t, "exported", 4, len(exported))

	// restoring into the same store finds every id present
	rep := decode[insight.RestoreReport](t, mustExecute(t, "restore", backup, "--sqlite-path", src, "--json"))
	assertEqual(t, "received", 4, rep.Received)
	assertEqual(t, "existing", 4, rep.Existing)
	assertEqual(t, "restored", 0, rep.Restored)

	// a fresh store with the same evidence but no insights restores all rows
	dst := filepath.Join(dir, "dst.db")
	mustExecute(t, "ingest", fixture, "--sqlite-path", dst)
	rep = decode[insight.RestoreReport](t, mustExecute(t, "restore", backup, "--sqlite-path", dst, "--json"))
	assertEqual(t, "restored", 4, rep.Restored)
	assertEqual(t, "merged", 0, rep.Merged)

	ded := decode[insight.DedupeReport](t, mustExecute(t, "dedupe", "--sqlite-path", dst, "--json"))
	assertEqual(t, "scanned", 4, ded.Scanned)
	assertEqual(t, "removed", 0, ded.Removed)

	// a store that already aggregated the same evidence merges every row
	// into the insight holding its group key
	live := filepath.Join(dir, "live.db")
	mustExecute(t, "ingest", fixture, "--sqlite-path", live, "--run")
	rep = decode[insight.RestoreReport](t, mustExecute(t, "restore", backup, "--sqlite-path", live, "--json"))
	assertEqual(t, "merged into live", 4, rep.Merged)
	assertEqual(t, "restored into live", 0, rep.Restored)
	all := decode[[]insight.Insight](t, mustExecute(t, "list", "--sqlite-path", live, "--all", "--json"))
	assertEqual(t, "rows in live", 4, len(all))

	// a store without the evidence drops every row
	empty := filepath.Join(dir, "empty.db")
	rep = decode[insight.RestoreReport](t, mustExecute(t, "restore", backup, "--sqlite-path", empty, "--json"))
	assertEqual(t, "emptied", 4, rep.Emptied)
	assertEqual(t, "restored", 0, rep.Restored)
}

func TestRestoreBadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "restore", bad, "--sqlite-path", filepath.Join(dir, "x.db"))
	if err == nil || !strings.Contains(err.Error(), "decode") {
		t.Fatalf("err = %v, want decode error", err)
	}
}

func TestRunWithFixtureInMemory(t *testing.T) {
	t.Parallel()

	out := mustExecute(t, "run", "--evidence-fixture", fixture)
	if !strings.Contains(out, "created:") || !strings.Contains(out, "4") {
		t.Errorf("run output = %q", out)
	}
}

func TestConflictingStores(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "run", "--sqlite-path", "x.db", "--evidence-fixture", fixture)
	if err == nil {
		t.Fatal("expected error for fixture with sqlite")
	}
}

func TestTrigger(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	sub := mr.NewSubscriber()
	sub.Subscribe("rapport:triggers")

	out := mustExecute(t, "trigger", "nightly import", "--redis-url", "redis://"+mr.Addr())
	if !strings.Contains(out, `"nightly import"`) {
		t.Errorf("output = %q", out)
	}
	msg := nextMessage(t, sub)
	if !strings.Contains(msg.Message, "nightly import") || !strings.Contains(msg.Message, component) {
		t.Errorf("payload = %q", msg.Message)
	}
}

func TestTriggerRequiresRedis(t *testing.T) {
	t.Parallel()

	if _, err := execute(t, "trigger"); err == nil {
		t.Fatal("expected error without --redis-url")
	}
}

func TestIngestPublishesTrigger(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	sub := mr.NewSubscriber()
	sub.Subscribe("custom")

	db := filepath.Join(t.TempDir(), "rapport.db")
	mustExecute(t, "ingest", fixture, "--sqlite-path", db,
		"--redis-url", "redis://"+mr.Addr(), "--trigger-channel", "custom")

	msg := nextMessage(t, sub)
	if !strings.Contains(msg.Message, "evidence import") {
		t.Errorf("payload = %q", msg.Message)
	}
}

func nextMessage(t *testing.T, sub *miniredis.Subscriber) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published trigger")
	}
	return miniredis.PubsubMessage{}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path) //nolint:gosec // test path
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}
