package routing

import "time"

// Decision records why the router produced a given candidate ordering.
// Resolve returns it alongside the candidates; the controller reads its
// MatchedPattern for sticky bookkeeping. Trimmed down
// from the teacher's cost/latency/feature-matrix shape — this router
// never estimates cost or negotiates capabilities, it only orders
// eligible candidates.
type Decision struct {
	RequestedModel string    `json:"requested_model"`
	MatchedPattern string    `json:"matched_pattern"`
	Strategy       string    `json:"strategy"`
	StickyApplied  bool      `json:"sticky_applied"`
	Candidates     []string  `json:"candidates"` // "provider/upstream_model" in attempt order
	Timestamp      time.Time `json:"timestamp"`
}
