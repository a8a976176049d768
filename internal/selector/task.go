// Package selector implements learned module selection with a cold-start
// fallback. A linear value policy scores candidate modules against a task
// feature vector and improves from dispatch rewards.
package selector

import (
	"hash/fnv"
	"math"

	"github.com/rand/relay/internal/experience"
)

// Task describes one unit of work to route.
type Task struct {
	// Type is the coarse task kind ("transform", "extract", "notify", ...).
	Type string `json:"type"`

	// Subtype refines the type, e.g. a document or payload format.
	Subtype string `json:"subtype,omitempty"`

	// Priority ranges 0 (background) to 10 (urgent).
	Priority int `json:"priority"`

	// Size is the approximate payload size in bytes.
	Size int `json:"size"`
}

// featureDim is the length of the vector Features produces.
const featureDim = 4

// Features encodes the task as a fixed-length numeric vector. The encoding is
// pure: the same task always produces the same vector, across processes and
// runs, so logged decisions replay against the policy exactly as they were
// made.
func (t Task) Features() []float64 {
	return []float64{
		hashFeature(t.Type),
		hashFeature(t.Subtype),
		clamp01(float64(t.Priority) / 10.0),
		sizeFeature(t.Size),
	}
}

// Snapshot freezes the task for the experience log.
func (t Task) Snapshot() experience.TaskSnapshot {
	return experience.TaskSnapshot{
		Type:     t.Type,
		Subtype:  t.Subtype,
		Priority: t.Priority,
		Size:     t.Size,
	}
}

// hashFeature maps a string to a stable value in [0, 1). FNV-1a, not the
// runtime map hash, so the value never varies between processes.
func hashFeature(s string) float64 {
	if s == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(s))
	return float64(h.Sum32()) / float64(math.MaxUint32)
}

// sizeFeature compresses byte counts onto [0, 1] with a log scale; 1 MiB and
// up saturates.
func sizeFeature(size int) float64 {
	if size <= 0 {
		return 0
	}
	return clamp01(math.Log1p(float64(size)) / math.Log1p(1<<20))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
