// Package insight provides the business boundary for rapport's
// evidence-to-insight reconciliation. It defines the Classifier and message
// templates, the Store and EvidenceSource interfaces, the Engine (aggregation,
// deduplication, restore; the single writer), the coalescing Scheduler, and
// the Service consumed by the API and CLI.
package insight
