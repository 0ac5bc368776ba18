// Package types contains common read shapes shared across the application
package types

import "time"

// Action is the terminal outcome of resolving one candidate.
type Action string

// Resolution outcomes.
const (
	ActionMerged      Action = "merged"
	ActionCreated     Action = "created"
	ActionNeedsReview Action = "needs_review"
)

// ResolveOutcome is returned to callers of ResolveCandidate.
type ResolveOutcome struct {
	Action         Action  `json:"action"`
	IdentityID     string  `json:"identity_id,omitempty"`
	MergeLineageID string  `json:"merge_lineage_id,omitempty"`
	ReviewItemID   string  `json:"review_item_id,omitempty"`
	Score          float64 `json:"score"`
}

// ReviewItem is emitted for review-band matches. It is never applied
// automatically; a human confirms or rejects it out of band.
type ReviewItem struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	Score     float64   `json:"score"`
	DedupKey  string    `json:"dedup_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchSummary reports the result of a decay recompute pass.
type BatchSummary struct {
	Processed  int       `json:"processed"`
	Updated    int       `json:"updated"`
	Archived   int       `json:"archived"`
	Failed     int       `json:"failed"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	AsOf       time.Time `json:"as_of"`
}
