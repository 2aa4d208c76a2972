// Package pgstore provides a PostgreSQL implementation of insight.Store and
// insight.EvidenceStore.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/rapport/internal/insight"
)

var tracer = otel.Tracer("github.com/linnemanlabs/rapport/internal/insight/pgstore")

//go:embed schema.sql
var schema string

// Store persists evidence and insights in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The pool stays
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

const (
	uniqueViolation = "23505"
	groupKeyIndex   = "insights_group_key_uniq"
)

// conflict marks a unique violation on the group key index as
// insight.ErrConflict.
func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == groupKeyIndex {
		return fmt.Errorf("%w: %w", insight.ErrConflict, err)
	}
	return err
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// PutEvidence inserts the batch in one transaction. Ids already present are
// left untouched along with their signals.
func (s *Store) PutEvidence(ctx context.Context, batch []insight.Evidence) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.PutEvidence", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	stored := 0
	for i := range batch {
		ev := &batch[i]
		tag, err := tx.Exec(ctx,
			`INSERT INTO evidence (id, source, occurred_at, content, person_id, person_name, context_id, context_name)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.Source, ev.OccurredAt, ev.Content,
			refID(ev.Person), refName(ev.Person), refID(ev.Context), refName(ev.Context),
		)
		if err != nil {
			return 0, fail(span, fmt.Errorf("insert evidence %s: %w", ev.ID, err))
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		stored++

		for seq, sig := range ev.Signals {
			_, err := tx.Exec(ctx,
				`INSERT INTO evidence_signals (evidence_id, seq, kind, confidence, rationale)
				 VALUES ($1, $2, $3, $4, $5)`,
				ev.ID, seq, string(sig.Kind), sig.Confidence, sig.Rationale,
			)
			if err != nil {
				return 0, fail(span, fmt.Errorf("insert signal %s/%d: %w", ev.ID, seq, err))
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fail(span, fmt.Errorf("commit: %w", err))
	}
	span.SetAttributes(attribute.Int("rapport.evidence.stored", stored))
	return stored, nil
}

// SignaledEvidence reads every signaled record in a single statement, so
// the result is one consistent snapshot.
func (s *Store) SignaledEvidence(ctx context.Context) ([]insight.Evidence, error) {
	ctx, span := startSpan(ctx, "pgstore.SignaledEvidence", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
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
			personID, personName   string
			contextID, contextName string
			kind, rationale        string
			confidence             float64
		)
		if err := rows.Scan(&ev.ID, &ev.Source, &ev.OccurredAt, &ev.Content,
			&personID, &personName, &contextID, &contextName,
			&kind, &confidence, &rationale); err != nil {
			return nil, fail(span, fmt.Errorf("scan evidence: %w", err))
		}
		sig := insight.Signal{Kind: insight.SignalKind(kind), Confidence: confidence, Rationale: rationale}

		if n := len(out); n > 0 && out[n-1].ID == ev.ID {
			out[n-1].Signals = append(out[n-1].Signals, sig)
			continue
		}
		ev.Person = newRef(personID, personName)
		ev.Context = newRef(contextID, contextName)
		ev.Signals = []insight.Signal{sig}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate evidence: %w", err))
	}
	span.SetAttributes(attribute.Int("rapport.evidence.count", len(out)))
	return out, nil
}

// ExistingEvidence reports which ids are present.
func (s *Store) ExistingEvidence(ctx context.Context, ids []string) (map[string]bool, error) {
	ctx, span := startSpan(ctx, "pgstore.ExistingEvidence", "SELECT")
	defer span.End()

	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM evidence WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query evidence ids: %w", err))
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fail(span, fmt.Errorf("collect evidence ids: %w", err))
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

const insightColumns = `id, person_ref, context_ref, kind, message, confidence, evidence_refs, created_at, dismissed_at`

// Get retrieves an insight by ID.
func (s *Store) Get(ctx context.Context, id string) (*insight.Insight, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	in, err := scanInsight(s.pool.QueryRow(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if in == nil {
		return nil, false, nil
	}
	return in, true, nil
}

// List returns matching insights ordered by creation time then id.
func (s *Store) List(ctx context.Context, f insight.Filter) ([]insight.Insight, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	if f.ActiveOnly {
		where = append(where, "dismissed_at IS NULL")
	}
	if f.PersonRef != "" {
		args = append(args, f.PersonRef)
		where = append(where, "person_ref = $"+strconv.Itoa(len(args)))
	}
	if f.ContextRef != "" {
		args = append(args, f.ContextRef)
		where = append(where, "context_ref = $"+strconv.Itoa(len(args)))
	}

	query := `SELECT ` + insightColumns + ` FROM insights`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
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
	ctx, span := startSpan(ctx, "pgstore.Dismiss", "UPDATE")
	defer span.End()

	in, err := scanInsight(s.pool.QueryRow(ctx,
		`UPDATE insights SET dismissed_at = COALESCE(dismissed_at, $2)
		 WHERE id = $1
		 RETURNING `+insightColumns,
		id, at))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if in == nil {
		return nil, false, nil
	}
	return in, true, nil
}

// Apply commits the change set in a single transaction. Updates skip rows
// dismissed after the change set was planned unless IncludeDismissed is set.
func (s *Store) Apply(ctx context.Context, cs *insight.ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	ctx, span := startSpan(ctx, "pgstore.Apply", "BATCH")
	defer span.End()
	span.SetAttributes(
		attribute.Int("rapport.inserts", len(cs.Inserts)),
		attribute.Int("rapport.updates", len(cs.Updates)),
		attribute.Int("rapport.deletes", len(cs.Deletes)),
	)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	b := &pgx.Batch{}
	for i := range cs.Inserts {
		in := &cs.Inserts[i]
		b.Queue(`INSERT INTO insights (`+insightColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			in.ID, in.PersonRef, in.ContextRef, string(in.Kind), in.Message, in.Confidence,
			in.EvidenceRefs, in.CreatedAt, in.DismissedAt)
	}
	for _, u := range cs.Updates {
		b.Queue(`UPDATE insights SET evidence_refs = $2, confidence = $3
			 WHERE id = $1 AND ($4 OR dismissed_at IS NULL)`,
			u.ID, u.EvidenceRefs, u.Confidence, u.IncludeDismissed)
	}
	if len(cs.Deletes) > 0 {
		b.Queue(`DELETE FROM insights WHERE id = ANY($1)`, cs.Deletes)
	}

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fail(span, fmt.Errorf("apply change set: %w", conflict(err)))
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// scanInsight scans a single row. Returns (nil, nil) when no row is found.
func scanInsight(row pgx.Row) (*insight.Insight, error) {
	var (
		in   insight.Insight
		kind string
	)
	err := row.Scan(&in.ID, &in.PersonRef, &in.ContextRef, &kind, &in.Message, &in.Confidence,
		&in.EvidenceRefs, &in.CreatedAt, &in.DismissedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan insight: %w", err)
	}
	in.Kind = insight.Kind(kind)
	return &in, nil
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
