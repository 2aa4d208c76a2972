package insight

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Triggerer requests a coalesced aggregation run. *Scheduler implements it.
type Triggerer interface {
	Trigger(reason string)
}

// IngestResult is the outcome of storing an evidence batch.
type IngestResult struct {
	Received   int `json:"received"`
	Stored     int `json:"stored"`
	Classified int `json:"classified"`
	Unsignaled int `json:"unsignaled"`
}

// Service is the business boundary for insight operations: the read
// interface for the display layer, dismissal, evidence ingestion and
// backup/restore.
type Service struct {
	store      Store
	evidence   EvidenceStore
	engine     *Engine
	trigger    Triggerer
	classifier *Classifier
	logger     log.Logger
	now        func() time.Time
}

// NewService creates a new insight service. evidence may be nil when the
// process does not accept evidence directly; trigger may be nil when no
// scheduler runs in-process.
func NewService(store Store, evidence EvidenceStore, engine *Engine, trigger Triggerer, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:      store,
		evidence:   evidence,
		engine:     engine,
		trigger:    trigger,
		classifier: NewClassifier(),
		logger:     logger,
		now:        time.Now,
	}
}

// ListActive returns insights that have not been dismissed.
func (s *Service) ListActive(ctx context.Context) ([]Insight, error) {
	return s.store.List(ctx, Filter{ActiveOnly: true})
}

// ListAll returns every insight, dismissed or not.
func (s *Service) ListAll(ctx context.Context) ([]Insight, error) {
	return s.store.List(ctx, Filter{})
}

// ForPerson returns the insights about a person.
func (s *Service) ForPerson(ctx context.Context, personRef string) ([]Insight, error) {
	return s.store.List(ctx, Filter{PersonRef: personRef})
}

// ForContext returns the insights about a context.
func (s *Service) ForContext(ctx context.Context, contextRef string) ([]Insight, error) {
	return s.store.List(ctx, Filter{ContextRef: contextRef})
}

// List returns insights matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]Insight, error) {
	return s.store.List(ctx, f)
}

// Get retrieves an insight by ID.
func (s *Service) Get(ctx context.Context, id string) (*Insight, bool, error) {
	return s.store.Get(ctx, id)
}

// Dismiss marks an insight dismissed. Dismissing twice keeps the first
// timestamp.
func (s *Service) Dismiss(ctx context.Context, id string) (*Insight, error) {
	in, ok, err := s.store.Dismiss(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	s.logger.Info(ctx, "insight dismissed", "insight_id", id, "kind", in.Kind)
	return in, nil
}

// Ingest stores an evidence batch and requests an aggregation run.
// Records arriving without signals are classified first; records that stay
// unsignaled are stored but never aggregated. A supplied signal with an
// unknown kind or a confidence outside [0, 1] rejects the whole batch.
func (s *Service) Ingest(ctx context.Context, batch []Evidence) (*IngestResult, error) {
	if s.evidence == nil {
		return nil, fmt.Errorf("evidence ingestion is not enabled: %w", ErrInvalid)
	}

	res := &IngestResult{Received: len(batch)}
	records := make([]Evidence, 0, len(batch))
	for i := range batch {
		ev := batch[i].Clone()
		if ev.ID == "" {
			return nil, fmt.Errorf("evidence %d: missing id: %w", i, ErrInvalid)
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = s.now()
		}
		for j := range ev.Signals {
			if err := ev.Signals[j].Validate(); err != nil {
				return nil, fmt.Errorf("evidence %d (%s): signal %d: %w", i, ev.ID, j, err)
			}
		}
		if len(ev.Signals) == 0 {
			ev.Signals = s.classifier.Classify(&ev)
			if len(ev.Signals) > 0 {
				res.Classified++
			}
		}
		if len(ev.Signals) == 0 {
			res.Unsignaled++
		}
		records = append(records, ev)
	}

	stored, err := s.evidence.PutEvidence(ctx, records)
	if err != nil {
		return nil, err
	}
	res.Stored = stored

	s.Trigger("evidence import")
	return res, nil
}

// Trigger forwards to the scheduler, if any.
func (s *Service) Trigger(reason string) {
	if s.trigger != nil {
		s.trigger.Trigger(reason)
	}
}

// Export returns every insight in a form Restore accepts.
func (s *Service) Export(ctx context.Context) ([]Insight, error) {
	return s.store.List(ctx, Filter{})
}

// Restore re-inserts exported insights through the engine.
func (s *Service) Restore(ctx context.Context, rows []Insight) (*RestoreReport, error) {
	return s.engine.Restore(ctx, rows)
}

// Dedupe runs the deduplication repair pass.
func (s *Service) Dedupe(ctx context.Context) (*DedupeReport, error) {
	return s.engine.Dedupe(ctx)
}
