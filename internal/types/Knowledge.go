package types

import "time"

// DigestDims is the number of features in a SnapshotDigest.
const DigestDims = 4

// SnapshotDigest is the normalized feature vector of a snapshot:
// net APY, health factor, utilization and validator performance, each in [0, 1].
type SnapshotDigest [DigestDims]float64

// Outcome is back-filled on a pattern once the decision made from it resolves.
type Outcome struct {
	Success       bool      `json:"success"`
	RealizedDelta float64   `json:"realized_delta"` // Relative change in vault total assets
	ResolvedAt    time.Time `json:"resolved_at"`
}

// KnowledgePattern is one entry of the append-only pattern log.
type KnowledgePattern struct {
	ID        string         `json:"id"`
	VenueID   VenueID        `json:"venue_id"`
	Timestamp time.Time      `json:"timestamp"`
	Digest    SnapshotDigest `json:"digest"`
	Outcome   *Outcome       `json:"outcome,omitempty"`
}

// Pending reports whether the pattern's outcome is still unknown.
func (p KnowledgePattern) Pending() bool { return p.Outcome == nil }
