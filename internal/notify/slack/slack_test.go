package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/rapport/internal/insight"
)

var t0 = time.Date(2026, 3, 1, 14, 23, 0, 0, time.UTC)

func sample(n int) []insight.Insight {
	out := make([]insight.Insight, n)
	for i := range out {
		out[i] = insight.Insight{
			ID:           fmt.Sprintf("in-%03d", i),
			PersonRef:    "p-alice",
			Kind:         insight.KindRelationshipAtRisk,
			Message:      "Possible relationship change detected (Alice Smith). Consider a check-in.",
			Confidence:   0.85,
			EvidenceRefs: []string{"ev-1"},
			CreatedAt:    t0,
		}
	}
	return out
}

// capture starts a webhook server recording the decoded payload.
func capture(t *testing.T, status int) (*httptest.Server, *map[string]any) {
	t.Helper()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte("internal error"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func blockText(t *testing.T, block any) string {
	t.Helper()
	b := block.(map[string]any)
	if txt, ok := b["text"].(map[string]any); ok {
		return txt["text"].(string)
	}
	elems := b["elements"].([]any)
	return elems[0].(map[string]any)["text"].(string)
}

func TestNotify_PostsDigest(t *testing.T) {
	t.Parallel()

	srv, got := capture(t, http.StatusOK)
	n := New(srv.URL, log.Nop())
	n.now = func() time.Time { return t0 }

	created := sample(2)
	created[1].Kind = insight.KindComplianceWarning
	created[1].PersonRef = ""
	created[1].ContextRef = "c-smith"
	created[1].Message = "Compliance review recommended (Smith Household)."

	if err := n.Notify(context.Background(), created); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := (*got)["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, divider, two insights, footer
	if len(blocks) != 5 {
		t.Fatalf("blocks count = %d, want 5", len(blocks))
	}
	if h := blockText(t, blocks[0]); !strings.Contains(h, "2 new insights") {
		t.Errorf("header = %q, want 2 new insights", h)
	}
	first := blockText(t, blocks[2])
	if !strings.Contains(first, "relationshipAtRisk") || !strings.Contains(first, "85%") || !strings.Contains(first, "_p-alice_") {
		t.Errorf("first insight block = %q", first)
	}
	second := blockText(t, blocks[3])
	if !strings.Contains(second, "\U0001f534") || !strings.Contains(second, "_c-smith_") {
		t.Errorf("compliance block = %q, want red circle and context ref", second)
	}
	if footer := blockText(t, blocks[4]); footer != "rapport • 2026-03-01 14:23 UTC" {
		t.Errorf("footer = %q", footer)
	}
	if (*got)["text"] != "2 new insights" {
		t.Errorf("fallback text = %v", (*got)["text"])
	}
}

func TestNotify_CapsItems(t *testing.T) {
	t.Parallel()

	srv, got := capture(t, http.StatusOK)
	n := New(srv.URL, log.Nop())

	if err := n.Notify(context.Background(), sample(maxItems+3)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	blocks := (*got)["blocks"].([]any)
	// header, divider, maxItems insights, "and more", footer
	if len(blocks) != maxItems+4 {
		t.Fatalf("blocks count = %d, want %d", len(blocks), maxItems+4)
	}
	if more := blockText(t, blocks[maxItems+2]); !strings.Contains(more, "and 3 more") {
		t.Errorf("overflow block = %q", more)
	}
}

func TestNotify_TruncatesLongMessage(t *testing.T) {
	t.Parallel()

	srv, got := capture(t, http.StatusOK)
	n := New(srv.URL, log.Nop())
	created := sample(1)
	created[0].Message = strings.Repeat("x", 4000)

	if err := n.Notify(context.Background(), created); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	text := blockText(t, (*got)["blocks"].([]any)[2])
	if strings.Count(text, "x") > maxMessageLen {
		t.Errorf("message not truncated: %d x's", strings.Count(text, "x"))
	}
	if !strings.Contains(text, "...") {
		t.Error("expected truncated message to end with ...")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "0123456789", 10, "0123456789"},
		{"ascii", "0123456789abc", 10, "0123456..."},
		{"two byte runes", strings.Repeat("é", 8), 10, "ééé..."},
		{"four byte runes", strings.Repeat("\U0001f7e0", 4), 10, "\U0001f7e0..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := truncate(tt.in, tt.limit)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) split a rune: %q", tt.in, tt.limit, got)
			}
			if len(got) > tt.limit {
				t.Errorf("len = %d, want <= %d", len(got), tt.limit)
			}
		})
	}
}

func TestNotify_NoOps(t *testing.T) {
	t.Parallel()

	if err := New("", log.Nop()).Notify(context.Background(), sample(1)); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	if err := New(srv.URL, nil).Notify(context.Background(), nil); err != nil {
		t.Fatalf("Notify with no insights: %v", err)
	}
	if calls != 0 {
		t.Errorf("webhook called %d times for empty digest", calls)
	}
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv, _ := capture(t, http.StatusInternalServerError)
	err := New(srv.URL, log.Nop()).Notify(context.Background(), sample(1))
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestKindEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind insight.Kind
		want string
	}{
		{insight.KindComplianceWarning, "\U0001f534"},
		{insight.KindRelationshipAtRisk, "\U0001f7e0"},
		{insight.KindOpportunity, "\U0001f7e2"},
		{insight.KindFollowUp, "\U0001f535"},
		{"", "\U0001f535"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			if got := kindEmoji(tt.kind); got != tt.want {
				t.Errorf("kindEmoji(%q) = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}
}

func TestNotifier_ImplementsInterface(t *testing.T) {
	t.Parallel()

	var _ insight.Notifier = New("", nil)
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("p-1", "c-1", "Compliance review recommended.", 0.9)
	f.Add("", "", "", 0.0)
	f.Add("<@U123> mention", "ctx", "*bold* _italic_ ~strike~", 1.0)
	f.Add("p\x00\x01\x02", "c\nline", "message\ttab", -3.0)
	f.Add(strings.Repeat("A", 5000), "", strings.Repeat("x", 10000), 0.5)

	f.Fuzz(func(t *testing.T, person, ctxRef, message string, confidence float64) {
		in := insight.Insight{
			ID: "fuzz-id", PersonRef: person, ContextRef: ctxRef,
			Kind: insight.KindFollowUp, Message: message, Confidence: confidence,
		}

		// Must not panic
		msg := buildMessage([]insight.Insight{in}, t0)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		if blocks, ok := decoded["blocks"].([]any); !ok || len(blocks) != 4 {
			t.Fatalf("blocks = %v, want 4", decoded["blocks"])
		}
	})
}
