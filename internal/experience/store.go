package experience

import (
	"context"
)

// Store is the append-only experience log. Log admits a pending decision;
// CloseDecision attaches the outcome and reward exactly once. Closed records
// never change afterward.
type Store interface {
	// Log appends a pending decision. Logging the same decision id twice
	// returns ErrDuplicateDecision.
	Log(ctx context.Context, decision *Decision) error

	// CloseDecision attaches the outcome and reward to a pending decision.
	// Returns ErrUnknownDecision for ids never logged and ErrAlreadyClosed
	// for decisions that already received an outcome.
	CloseDecision(ctx context.Context, decisionID string, outcome Outcome, reward RewardRecord) error

	// Get returns the record for a decision id, pending or closed.
	Get(ctx context.Context, decisionID string) (*Record, error)

	// Replay opens a cursor over closed records matching the filter, in
	// log order. Each call starts a fresh pass; the cursor fetches lazily.
	Replay(ctx context.Context, filter Filter) (*Cursor, error)

	// Stats summarizes the log contents.
	Stats(ctx context.Context) (StoreStats, error)

	// Close releases store resources.
	Close() error
}

// StoreStats summarizes an experience log.
type StoreStats struct {
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	Closed     int     `json:"closed"`
	MeanReward float64 `json:"mean_reward"`
}

// replayBatchSize is how many records a cursor pulls per fetch.
const replayBatchSize = 64

// keyedRecord pairs a record with its log position so the cursor pages by
// key, not offset. Records closed behind the cursor mid-pass shift offsets
// but never keys, so a pass stays duplicate- and skip-free.
type keyedRecord struct {
	key int64
	rec *Record
}

// fetchFunc returns up to limit closed records with log position greater
// than after, in log order.
type fetchFunc func(ctx context.Context, after int64, limit int) ([]keyedRecord, error)

// Cursor iterates closed experience records lazily. Next returns nil at the
// end of the pass; Reset rewinds to the start so training can take several
// passes over the same cursor.
type Cursor struct {
	fetch fetchFunc
	limit int

	buf     []keyedRecord
	bufPos  int
	after   int64
	yielded int
	done    bool
}

func newCursor(fetch fetchFunc, limit int) *Cursor {
	return &Cursor{fetch: fetch, limit: limit}
}

// Next returns the next matching record, or nil when the pass is complete.
func (c *Cursor) Next(ctx context.Context) (*Record, error) {
	if c.done {
		return nil, nil
	}
	if c.limit > 0 && c.yielded >= c.limit {
		c.done = true
		return nil, nil
	}

	if c.bufPos >= len(c.buf) {
		batch, err := c.fetch(ctx, c.after, replayBatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			c.done = true
			return nil, nil
		}
		c.buf = batch
		c.bufPos = 0
	}

	kr := c.buf[c.bufPos]
	c.bufPos++
	c.yielded++
	c.after = kr.key
	return kr.rec, nil
}

// Reset rewinds the cursor to the start of the pass.
func (c *Cursor) Reset() {
	c.buf = nil
	c.bufPos = 0
	c.after = 0
	c.yielded = 0
	c.done = false
}

// matches applies a filter to a closed record.
func (f Filter) matches(rec *Record) bool {
	if !rec.Closed() {
		return false
	}
	if f.DecisionType != "" && rec.Decision.DecisionType != f.DecisionType {
		return false
	}
	if f.Module != "" && rec.Decision.SelectedModule != f.Module {
		return false
	}
	if !f.Since.IsZero() && rec.Decision.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
