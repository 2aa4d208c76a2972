package insight

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/linnemanlabs/rapport/internal/insight")

// Notifier is told about insights a run has just created.
type Notifier interface {
	Notify(ctx context.Context, created []Insight) error
}

// Hooks receives engine outcomes (wired to Prometheus by main). Nil fields
// are skipped.
type Hooks struct {
	OnRun     func(r *RunReport, err error)
	OnDedupe  func(r *DedupeReport, err error)
	OnRestore func(r *RestoreReport, err error)
}

// Engine is the single logical writer of the insight store. Aggregation,
// deduplication and restore all serialize on one mutex so two passes can
// never double count evidence or race to create rows for the same key.
type Engine struct {
	evidence EvidenceSource
	store    Store
	logger   log.Logger
	hooks    Hooks
	notifier Notifier

	now   func() time.Time
	newID func() string

	mu sync.Mutex
}

// NewEngine creates an engine over the given evidence source and store.
func NewEngine(evidence EvidenceSource, store Store, logger log.Logger, hooks Hooks) *Engine {
	if evidence == nil {
		panic(xerrors.New("evidence source is required"))
	}
	if store == nil {
		panic(xerrors.New("insight store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		evidence: evidence,
		store:    store,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
	}
}

// SetNotifier configures where newly created insights are announced.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// survivorLess orders rows sharing a group key: most evidence first, then
// earliest creation, then lowest id.
func survivorLess(a, b *Insight) bool {
	if len(a.EvidenceRefs) != len(b.EvidenceRefs) {
		return len(a.EvidenceRefs) > len(b.EvidenceRefs)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// unionRefs appends the ids in add that base does not already hold,
// preserving order. base is never modified.
func unionRefs(base, add []string) []string {
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, id := range slices.Concat(base, add) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
