package insight

import "fmt"

// insightKinds maps each signal kind to the insight kind it aggregates into.
// Two signal kinds may share an insight kind; they then share a group key.
var insightKinds = map[SignalKind]Kind{
	SignalComplianceRisk:     KindComplianceWarning,
	SignalDivorce:            KindRelationshipAtRisk,
	SignalComingOfAge:        KindFollowUp,
	SignalUnlinkedEvidence:   KindFollowUp,
	SignalPartnerLeft:        KindOpportunity,
	SignalProductOpportunity: KindOpportunity,
}

// messageTemplates are keyed by signal kind, not insight kind, so signal
// kinds sharing an insight kind still read differently. %s is the target suffix.
var messageTemplates = map[SignalKind]string{
	SignalComplianceRisk:     "Compliance review recommended%s.",
	SignalDivorce:            "Possible relationship change detected%s. Consider a check-in.",
	SignalComingOfAge:        "Coming of age event%s. Review dependent coverage.",
	SignalUnlinkedEvidence:   "Suggested follow-up%s.",
	SignalPartnerLeft:        "Business change detected%s. Review buy-sell agreements.",
	SignalProductOpportunity: "Possible opportunity%s. Consider reviewing options.",
}

// KindOf returns the insight kind a signal kind aggregates into.
func KindOf(sk SignalKind) (Kind, bool) {
	k, ok := insightKinds[sk]
	return k, ok
}

// Message renders the message for a signal kind and target display name.
// An empty target renders the template without a suffix.
func Message(sk SignalKind, target string) string {
	tmpl, ok := messageTemplates[sk]
	if !ok {
		tmpl = "Suggested follow-up%s."
	}
	suffix := ""
	if target != "" {
		suffix = " (" + target + ")"
	}
	return fmt.Sprintf(tmpl, suffix)
}

// Target returns the display name an insight message is personalized with:
// the context if present, else the person, else empty.
func Target(person, context *Ref) string {
	if context != nil {
		return context.DisplayName()
	}
	if person != nil {
		return person.DisplayName()
	}
	return ""
}
