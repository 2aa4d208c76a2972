package insight

import (
	"fmt"
	"regexp"
	"strings"
)

// rule matches evidence content against a pattern and yields one signal.
type rule struct {
	kind       SignalKind
	pattern    *regexp.Regexp
	confidence float64
	rationale  string
}

// defaultRules are evaluated in order; signals are emitted in rule order.
var defaultRules = []rule{
	{
		kind:       SignalComplianceRisk,
		pattern:    regexp.MustCompile(`(?i)\b(guarantee[sd]? (a )?returns?|off the record|cash only|formal complaint|insider|backdat(e|ed|ing))\b`),
		confidence: 0.85,
		rationale:  "language that usually needs a compliance review",
	},
	{
		kind:       SignalDivorce,
		pattern:    regexp.MustCompile(`(?i)\b(divorc(e|ed|ing)|separat(ed|ion)|custody|moved out|splitting up)\b`),
		confidence: 0.9,
		rationale:  "mentions a separation or divorce",
	},
	{
		kind:       SignalComingOfAge,
		pattern:    regexp.MustCompile(`(?i)\b(turn(s|ing)? (18|21|26)|(18|21|26)th birthday|graduat(es|ed|ing|ion)|off to college|starts? college)\b`),
		confidence: 0.7,
		rationale:  "a dependent is reaching an age milestone",
	},
	{
		kind:       SignalPartnerLeft,
		pattern:    regexp.MustCompile(`(?i)\b(partner (left|is leaving|retir(ed|es|ing)|bought out)|buy ?out|dissolv(e|ed|ing) the (firm|partnership|practice))\b`),
		confidence: 0.8,
		rationale:  "a business partner is leaving",
	},
	{
		kind:       SignalProductOpportunity,
		pattern:    regexp.MustCompile(`(?i)\b(new baby|bought a (house|home)|new (house|home|business)|inherit(ed|ance)|roll ?over|401\(?k\)?|sold (the|their|his|her) (business|company))\b`),
		confidence: 0.75,
		rationale:  "a life event that usually changes product needs",
	},
}

const (
	unlinkedConfidence = 0.4
	unlinkedRationale  = "interaction is not linked to a known person or context"
)

// Classifier turns evidence content into signals. It is stateless and
// deterministic: the same evidence always yields the same signals in the
// same order.
type Classifier struct {
	rules []rule
}

// NewClassifier returns a Classifier with the built-in rule set.
func NewClassifier() *Classifier {
	return &Classifier{rules: defaultRules}
}

// Classify returns the signals matched by ev's content, in rule order.
// Evidence that matches nothing and is linked to neither a person nor a
// context yields a single unlinkedEvidence signal. An empty result is not an
// error; such evidence is simply excluded from aggregation.
func (c *Classifier) Classify(ev *Evidence) []Signal {
	content := strings.TrimSpace(ev.Content)
	if content == "" {
		return nil
	}

	var signals []Signal
	for _, r := range c.rules {
		m := r.pattern.FindString(content)
		if m == "" {
			continue
		}
		signals = append(signals, Signal{
			Kind:       r.kind,
			Confidence: r.confidence,
			Rationale:  fmt.Sprintf("%s (matched %q)", r.rationale, strings.ToLower(m)),
		})
	}

	if len(signals) == 0 && ev.Person == nil && ev.Context == nil {
		signals = append(signals, Signal{
			Kind:       SignalUnlinkedEvidence,
			Confidence: unlinkedConfidence,
			Rationale:  unlinkedRationale,
		})
	}
	return signals
}
