package main

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/rapport/internal/insight"
	"github.com/linnemanlabs/rapport/internal/insight/memstore"
)

func TestNotifySystemd_Errors(t *testing.T) {
	tests := []struct {
		name   string
		socket func(t *testing.T) string
		want   string
	}{
		{"no socket", func(*testing.T) string { return "" }, "NOTIFY_SOCKET not set"},
		{"invalid path", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nonexistent.sock") }, "dial failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NOTIFY_SOCKET", tt.socket(t))

			err := notifySystemd()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestAggregationRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memstore.New()
	_, err := st.PutEvidence(ctx, []insight.Evidence{{
		ID:         "ev-1",
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Person:     &insight.Ref{ID: "p-1", Name: "Alice"},
		Signals:    []insight.Signal{{Kind: insight.SignalDivorce, Confidence: 0.8}},
	}})
	if err != nil {
		t.Fatalf("PutEvidence: %v", err)
	}

	run := aggregationRun(insight.NewEngine(st, st, nil, insight.Hooks{}))
	if err := run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := st.List(ctx, insight.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Kind != insight.KindRelationshipAtRisk {
		t.Fatalf("insights = %+v, want one relationship insight", got)
	}
}
