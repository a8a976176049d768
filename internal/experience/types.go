// Package experience is the append-only log of (decision, outcome, reward)
// triples that feeds policy training. Records are logged pending at selection
// time and closed exactly once when the outcome arrives.
package experience

import (
	"errors"
	"time"
)

// DecisionType tags what kind of choice a decision records.
type DecisionType string

const (
	DecisionRoute      DecisionType = "route"
	DecisionAdaptation DecisionType = "adaptation"
	DecisionSelection  DecisionType = "module_selection"
)

// TaskSnapshot freezes the task fields the decision was made from.
type TaskSnapshot struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	Priority int    `json:"priority"`
	Size     int    `json:"size"`
}

// Decision records one module-selection choice awaiting an outcome.
type Decision struct {
	DecisionID     string       `json:"decision_id"`
	DecisionType   DecisionType `json:"decision_type"`
	State          []float64    `json:"state"`
	Action         int          `json:"action"`
	SelectedModule string       `json:"selected_module"`
	Task           TaskSnapshot `json:"task"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Outcome carries the measured result of acting on a decision.
type Outcome struct {
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
	Quality float64       `json:"quality"`

	// Protocol-specific metrics.
	SchemaCompatibility float64 `json:"schema_compatibility,omitempty"`
	Hops                int     `json:"hops,omitempty"`
	DataLoss            float64 `json:"data_loss,omitempty"`
}

// RewardRecord is the scored outcome for one decision.
type RewardRecord struct {
	DecisionID string    `json:"decision_id"`
	Reward     float64   `json:"reward"`
	ComputedAt time.Time `json:"computed_at"`
}

// Record is one experience log entry. Outcome and Reward are nil while the
// record is pending and set exactly once on close.
type Record struct {
	Decision Decision      `json:"decision"`
	Outcome  *Outcome      `json:"outcome,omitempty"`
	Reward   *RewardRecord `json:"reward,omitempty"`
	ClosedAt time.Time     `json:"closed_at,omitempty"`
}

// Closed reports whether the record has received its outcome.
func (r *Record) Closed() bool { return r.Outcome != nil }

// Filter narrows Replay to a subset of closed records. Zero values match
// everything.
type Filter struct {
	DecisionType DecisionType
	Module       string
	Since        time.Time
	Limit        int
}

// Errors returned by log operations.
var (
	// ErrUnknownDecision is returned when closing a decision id that was
	// never logged.
	ErrUnknownDecision = errors.New("unknown decision")

	// ErrAlreadyClosed is returned when closing a decision a second time.
	// Duplicate outcome submission is an error, never an overwrite.
	ErrAlreadyClosed = errors.New("decision already closed")

	// ErrDuplicateDecision is returned when logging a decision id twice.
	ErrDuplicateDecision = errors.New("decision already logged")
)
