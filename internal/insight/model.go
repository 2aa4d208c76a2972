package insight

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// SignalKind is the deterministic classification tag attached to evidence.
type SignalKind string

const (
	SignalComplianceRisk     SignalKind = "complianceRisk"
	SignalDivorce            SignalKind = "divorce"
	SignalComingOfAge        SignalKind = "comingOfAge"
	SignalPartnerLeft        SignalKind = "partnerLeft"
	SignalProductOpportunity SignalKind = "productOpportunity"
	SignalUnlinkedEvidence   SignalKind = "unlinkedEvidence"
)

// Kind is the kind of recommendation an Insight represents.
type Kind string

const (
	// KindComplianceWarning flags interactions that need a compliance review
	KindComplianceWarning Kind = "complianceWarning"

	// KindRelationshipAtRisk flags a possible change in a personal relationship
	KindRelationshipAtRisk Kind = "relationshipAtRisk"

	// KindFollowUp suggests reaching out
	KindFollowUp Kind = "followUp"

	// KindOpportunity flags a business or product opportunity
	KindOpportunity Kind = "opportunity"
)

// Valid reports whether k is one of the known insight kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindComplianceWarning, KindRelationshipAtRisk, KindFollowUp, KindOpportunity:
		return true
	}
	return false
}

// Ref points at a person or context owned by identity resolution. ID is
// opaque and stable; Name is only used to personalize message text.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DisplayName returns the name to show for the ref, falling back to its ID.
func (r *Ref) DisplayName() string {
	if r == nil {
		return ""
	}
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

func refID(r *Ref) string {
	if r == nil {
		return ""
	}
	return r.ID
}

// Signal is a single classification of a piece of evidence.
type Signal struct {
	Kind       SignalKind `json:"kind"`
	Confidence float64    `json:"confidence"`
	Rationale  string     `json:"rationale,omitempty"`
}

// Validate rejects a kind outside the known signal kinds and a confidence
// outside [0, 1]. The error wraps ErrInvalid.
func (s Signal) Validate() error {
	if _, ok := KindOf(s.Kind); !ok {
		return fmt.Errorf("unknown signal kind %q: %w", s.Kind, ErrInvalid)
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]: %w", s.Confidence, ErrInvalid)
	}
	return nil
}

// Evidence is an immutable record of an observed interaction. It is owned by
// ingestion; the engine only reads it.
type Evidence struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	OccurredAt time.Time `json:"occurred_at"`
	Content    string    `json:"content"`
	Person     *Ref      `json:"person,omitempty"`
	Context    *Ref      `json:"context,omitempty"`
	Signals    []Signal  `json:"signals,omitempty"`
}

// BestSignal returns the signal with the highest confidence. Ties go to the
// earliest signal in the list. ok is false when there are no signals.
func (e *Evidence) BestSignal() (best Signal, ok bool) {
	for i, s := range e.Signals {
		if i == 0 || clampConfidence(s.Confidence) > clampConfidence(best.Confidence) {
			best = s
		}
	}
	best.Confidence = clampConfidence(best.Confidence)
	return best, len(e.Signals) > 0
}

// GroupKey identifies at most one Insight for the lifetime of the data.
type GroupKey struct {
	PersonRef  string
	ContextRef string
	Kind       Kind
}

// Insight is a durable, user-dismissible recommendation aggregated from one
// or more pieces of evidence sharing a GroupKey.
type Insight struct {
	ID           string     `json:"id"`
	PersonRef    string     `json:"person_ref,omitempty"`
	ContextRef   string     `json:"context_ref,omitempty"`
	Kind         Kind       `json:"kind"`
	Message      string     `json:"message"`
	Confidence   float64    `json:"confidence"`
	EvidenceRefs []string   `json:"evidence_refs"`
	CreatedAt    time.Time  `json:"created_at"`
	DismissedAt  *time.Time `json:"dismissed_at,omitempty"`
}

// Key returns the insight's group key.
func (i *Insight) Key() GroupKey {
	return GroupKey{PersonRef: i.PersonRef, ContextRef: i.ContextRef, Kind: i.Kind}
}

// Dismissed reports whether the user has dismissed the insight.
func (i *Insight) Dismissed() bool {
	return i.DismissedAt != nil
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (i *Insight) Clone() Insight {
	cp := *i
	cp.EvidenceRefs = slices.Clone(i.EvidenceRefs)
	if i.DismissedAt != nil {
		t := *i.DismissedAt
		cp.DismissedAt = &t
	}
	return cp
}

// Clone returns a deep copy of the evidence record.
func (e *Evidence) Clone() Evidence {
	cp := *e
	cp.Signals = slices.Clone(e.Signals)
	if e.Person != nil {
		p := *e.Person
		cp.Person = &p
	}
	if e.Context != nil {
		c := *e.Context
		cp.Context = &c
	}
	return cp
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
