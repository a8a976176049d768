package experience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps the experience log in memory. Used by tests and by
// short-lived dispatch runs that do not need persistence.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

// NewMemoryStore creates an empty in-memory experience log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Log appends a pending decision.
func (s *MemoryStore) Log(ctx context.Context, decision *Decision) error {
	if decision == nil || decision.DecisionID == "" {
		return fmt.Errorf("log: decision id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[decision.DecisionID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDecision, decision.DecisionID)
	}

	d := *decision
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.records[d.DecisionID] = &Record{Decision: d}
	s.order = append(s.order, d.DecisionID)
	return nil
}

// CloseDecision attaches the outcome and reward to a pending decision.
func (s *MemoryStore) CloseDecision(ctx context.Context, decisionID string, outcome Outcome, reward RewardRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[decisionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDecision, decisionID)
	}
	if rec.Closed() {
		return fmt.Errorf("%w: %s", ErrAlreadyClosed, decisionID)
	}

	o := outcome
	r := reward
	r.DecisionID = decisionID
	if r.ComputedAt.IsZero() {
		r.ComputedAt = time.Now().UTC()
	}

	rec.Outcome = &o
	rec.Reward = &r
	rec.ClosedAt = time.Now().UTC()
	return nil
}

// Get returns the record for a decision id.
func (s *MemoryStore) Get(ctx context.Context, decisionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[decisionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDecision, decisionID)
	}
	cp := *rec
	return &cp, nil
}

// Replay opens a cursor over closed records in log order. The log position
// keys the pages, so records closed behind the cursor mid-pass are simply
// skipped rather than shifting the page boundaries.
func (s *MemoryStore) Replay(ctx context.Context, filter Filter) (*Cursor, error) {
	fetch := func(ctx context.Context, after int64, limit int) ([]keyedRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		var out []keyedRecord
		for i, id := range s.order {
			key := int64(i) + 1
			if key <= after {
				continue
			}
			rec := s.records[id]
			if !filter.matches(rec) {
				continue
			}
			cp := *rec
			out = append(out, keyedRecord{key: key, rec: &cp})
			if len(out) >= limit {
				break
			}
		}
		return out, nil
	}
	return newCursor(fetch, filter.Limit), nil
}

// Stats summarizes the log contents.
func (s *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StoreStats{Total: len(s.records)}
	var sum float64
	for _, rec := range s.records {
		if rec.Closed() {
			stats.Closed++
			sum += rec.Reward.Reward
		} else {
			stats.Pending++
		}
	}
	if stats.Closed > 0 {
		stats.MeanReward = sum / float64(stats.Closed)
	}
	return stats, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
