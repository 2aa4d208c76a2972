package memstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/rapport/internal/insight"
)

type fixtureFile struct {
	Evidence []fixtureEvidence `yaml:"evidence"`
}

type fixtureRef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type fixtureSignal struct {
	Kind       string  `yaml:"kind"`
	Confidence float64 `yaml:"confidence"`
	Rationale  string  `yaml:"rationale"`
}

type fixtureEvidence struct {
	ID         string          `yaml:"id"`
	Source     string          `yaml:"source"`
	OccurredAt time.Time       `yaml:"occurred_at"`
	Content    string          `yaml:"content"`
	Person     *fixtureRef     `yaml:"person"`
	Context    *fixtureRef     `yaml:"context"`
	Signals    []fixtureSignal `yaml:"signals"`
}

func (r *fixtureRef) ref() *insight.Ref {
	if r == nil {
		return nil
	}
	return &insight.Ref{ID: r.ID, Name: r.Name}
}

// ReadFixture decodes a YAML evidence fixture. Unknown fields are rejected.
func ReadFixture(r io.Reader) ([]insight.Evidence, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f fixtureFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}

	out := make([]insight.Evidence, 0, len(f.Evidence))
	for i, fe := range f.Evidence {
		if fe.ID == "" {
			return nil, fmt.Errorf("fixture evidence %d: missing id", i)
		}
		ev := insight.Evidence{
			ID:         fe.ID,
			Source:     fe.Source,
			OccurredAt: fe.OccurredAt,
			Content:    fe.Content,
			Person:     fe.Person.ref(),
			Context:    fe.Context.ref(),
		}
		for j, s := range fe.Signals {
			sg := insight.Signal{
				Kind:       insight.SignalKind(s.Kind),
				Confidence: s.Confidence,
				Rationale:  s.Rationale,
			}
			if err := sg.Validate(); err != nil {
				return nil, fmt.Errorf("fixture evidence %s: signal %d: %w", fe.ID, j, err)
			}
			ev.Signals = append(ev.Signals, sg)
		}
		out = append(out, ev)
	}
	return out, nil
}

// LoadFixture reads the YAML fixture at path and stores its evidence.
// Records without signals are run through the classifier first.
func (s *Store) LoadFixture(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied fixture path
	if err != nil {
		return 0, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	batch, err := ReadFixture(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	c := insight.NewClassifier()
	for i := range batch {
		if len(batch[i].Signals) == 0 {
			batch[i].Signals = c.Classify(&batch[i])
		}
	}
	return s.PutEvidence(ctx, batch)
}
