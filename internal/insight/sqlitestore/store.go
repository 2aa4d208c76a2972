package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/linnemanlabs/rapport/internal/insight"
)

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", op),
	))
}

// conflict marks a unique violation as insight.ErrConflict. The group key
// index is the only unique constraint on insights besides the primary key.
func conflict(err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return fmt.Errorf("%w: %w", insight.ErrConflict, err)
	}
	return err
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// PutEvidence inserts the batch in one transaction, skipping ids already stored.
func (s *Store) PutEvidence(ctx context.Context, batch []insight.Evidence) (int, error) {
	ctx, span := startSpan(ctx, "sqlitestore.PutEvidence", "INSERT")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stored := 0
	for i := range batch {
		ev := &batch[i]
		res, err := tx.ExecContext(ctx,
			`INSERT INTO evidence (id, source, occurred_at, content, person_id, person_name, context_id, context_name)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.Source, ev.OccurredAt.UnixNano(), ev.Content,
			refID(ev.Person), refName(ev.Person), refID(ev.Context), refName(ev.Context),
		)
		if err != nil {
			return 0, fail(span, fmt.Errorf("insert evidence %s: %w", ev.ID, err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		stored++

		for seq, sig := range ev.Signals {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO evidence_signals (evidence_id, seq, kind, confidence, rationale) VALUES (?, ?, ?, ?, ?)`,
				ev.ID, seq, string(sig.Kind), sig.Confidence, sig.Rationale,
			)
			if err != nil {
				return 0, fail(span, fmt.Errorf("insert signal %s/%d: %w", ev.ID, seq, err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fail(span, fmt.Errorf("commit: %w", err))
	}
	return stored, nil
}

// SignaledEvidence returns every record with at least one signal, ordered
// by occurrence time then id.
func (s *Store) SignaledEvidence(ctx context.Context) ([]insight.Evidence, error) {
	ctx, span := startSpan(ctx, "sqlitestore.SignaledEvidence", "SELECT")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.source, e.occurred_at, e.content,
		        e.person_id, e.person_name, e.context_id, e.context_name,
		        s.kind, s.confidence, s.rationale
		 FROM evidence e
		 JOIN evidence_signals s ON s.evidence_id = e.id
		 ORDER BY e.occurred_at, e.id, s.seq`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query evidence: %w", err))
	}
	defer rows.Close()

	var out []insight.Evidence
	for rows.Next() {
		var (
			ev                     insight.Evidence
			occurred               int64
			personID, personName   string
			contextID, contextName string
			kind, rationale        string
			confidence             float64
		)
		if err := rows.Scan(&ev.ID, &ev.Source, &occurred, &ev.Content,
			&personID, &personName, &contextID, &contextName,
			&kind, &confidence, &rationale); err != nil {
			return nil, fail(span, fmt.Errorf("scan evidence: %w", err))
		}
		sig := insight.Signal{Kind: insight.SignalKind(kind), Confidence: confidence, Rationale: rationale}

		if n := len(out); n > 0 && out[n-1].ID == ev.ID {
			out[n-1].Signals = append(out[n-1].Signals, sig)
			continue
		}
		ev.OccurredAt = fromNanos(occurred)
		ev.Person = newRef(personID, personName)
		ev.Context = newRef(contextID, contextName)
		ev.Signals = []insight.Signal{sig}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate evidence: %w", err))
	}
	return out, nil
}

// ExistingEvidence reports which ids are present.
func (s *Store) ExistingEvidence(ctx context.Context, ids []string) (map[string]bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.ExistingEvidence", "SELECT")
	defer span.End()

	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	arg, err := json.Marshal(ids)
	if err != nil {
		return nil, fail(span, fmt.Errorf("encode ids: %w", err))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM evidence WHERE id IN (SELECT value FROM json_each(?))`, string(arg))
	if err != nil {
		return nil, fail(span, fmt.Errorf("query evidence ids: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fail(span, fmt.Errorf("scan evidence id: %w", err))
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate evidence ids: %w", err))
	}
	return out, nil
}

const insightColumns = `id, person_ref, context_ref, kind, message, confidence, evidence_refs, created_at, dismissed_at`

// Get retrieves an insight by ID.
func (s *Store) Get(ctx context.Context, id string) (*insight.Insight, bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Get", "SELECT")
	defer span.End()

	in, err := scanInsight(s.db.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = ?`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return in, in != nil, nil
}

// List returns matching insights ordered by creation time then id.
func (s *Store) List(ctx context.Context, f insight.Filter) ([]insight.Insight, error) {
	ctx, span := startSpan(ctx, "sqlitestore.List", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	if f.ActiveOnly {
		where = append(where, "dismissed_at IS NULL")
	}
	if f.PersonRef != "" {
		where = append(where, "person_ref = ?")
		args = append(args, f.PersonRef)
	}
	if f.ContextRef != "" {
		where = append(where, "context_ref = ?")
		args = append(args, f.ContextRef)
	}
	query := `SELECT ` + insightColumns + ` FROM insights`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query insights: %w", err))
	}
	defer rows.Close()

	var out []insight.Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate insights: %w", err))
	}
	return out, nil
}

// Dismiss sets dismissed_at unless already set and returns the row.
func (s *Store) Dismiss(ctx context.Context, id string, at time.Time) (*insight.Insight, bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Dismiss", "UPDATE")
	defer span.End()

	in, err := scanInsight(s.db.QueryRowContext(ctx,
		`UPDATE insights SET dismissed_at = COALESCE(dismissed_at, ?)
		 WHERE id = ?
		 RETURNING `+insightColumns,
		at.UnixNano(), id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return in, in != nil, nil
}

// Apply commits the change set in one transaction.
func (s *Store) Apply(ctx context.Context, cs *insight.ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	ctx, span := startSpan(ctx, "sqlitestore.Apply", "BATCH")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	for i := range cs.Inserts {
		in := &cs.Inserts[i]
		refs, err := json.Marshal(in.EvidenceRefs)
		if err != nil {
			return fail(span, fmt.Errorf("encode refs %s: %w", in.ID, err))
		}
		var dismissed sql.NullInt64
		if in.DismissedAt != nil {
			dismissed = sql.NullInt64{Int64: in.DismissedAt.UnixNano(), Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO insights (`+insightColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ID, in.PersonRef, in.ContextRef, string(in.Kind), in.Message, in.Confidence,
			string(refs), in.CreatedAt.UnixNano(), dismissed)
		if err != nil {
			return fail(span, fmt.Errorf("insert insight %s: %w", in.ID, conflict(err)))
		}
	}

	for _, u := range cs.Updates {
		refs, err := json.Marshal(u.EvidenceRefs)
		if err != nil {
			return fail(span, fmt.Errorf("encode refs %s: %w", u.ID, err))
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE insights SET evidence_refs = ?, confidence = ?
			 WHERE id = ? AND (? OR dismissed_at IS NULL)`,
			string(refs), u.Confidence, u.ID, u.IncludeDismissed)
		if err != nil {
			return fail(span, fmt.Errorf("update insight %s: %w", u.ID, err))
		}
	}

	if len(cs.Deletes) > 0 {
		ids, err := json.Marshal(cs.Deletes)
		if err != nil {
			return fail(span, fmt.Errorf("encode deletes: %w", err))
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM insights WHERE id IN (SELECT value FROM json_each(?))`, string(ids))
		if err != nil {
			return fail(span, fmt.Errorf("delete insights: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanInsight returns (nil, nil) when no row is found.
func scanInsight(row scanner) (*insight.Insight, error) {
	var (
		in        insight.Insight
		kind      string
		refs      string
		created   int64
		dismissed sql.NullInt64
	)
	err := row.Scan(&in.ID, &in.PersonRef, &in.ContextRef, &kind, &in.Message, &in.Confidence,
		&refs, &created, &dismissed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan insight: %w", err)
	}
	if err := json.Unmarshal([]byte(refs), &in.EvidenceRefs); err != nil {
		return nil, fmt.Errorf("decode refs for %s: %w", in.ID, err)
	}
	in.Kind = insight.Kind(kind)
	in.CreatedAt = fromNanos(created)
	if dismissed.Valid {
		t := fromNanos(dismissed.Int64)
		in.DismissedAt = &t
	}
	return &in, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func newRef(id, name string) *insight.Ref {
	if id == "" {
		return nil
	}
	return &insight.Ref{ID: id, Name: name}
}

func refID(r *insight.Ref) string {
	if r == nil {
		return ""
	}
	return r.ID
}

func refName(r *insight.Ref) string {
	if r == nil {
		return ""
	}
	return r.Name
}
