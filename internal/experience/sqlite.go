package experience

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore persists the experience log in SQLite so rewards survive
// restarts and replay can train a fresh policy from history.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// SQLiteOptions configures the SQLite store.
type SQLiteOptions struct {
	// Path to the database file. Empty means in-memory.
	Path string

	// CreateIfNotExists creates the parent directory if needed.
	CreateIfNotExists bool
}

// NewSQLiteStore opens (and if necessary initializes) an experience database.
func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	var dsn string
	if opts.Path == "" {
		dsn = "file::memory:?cache=shared"
	} else {
		if opts.CreateIfNotExists {
			if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = "file:" + opts.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, path: opts.Path}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Log appends a pending decision.
func (s *SQLiteStore) Log(ctx context.Context, decision *Decision) error {
	if decision == nil || decision.DecisionID == "" {
		return fmt.Errorf("log: decision id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := *decision
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	state, err := json.Marshal(d.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	task, err := json.Marshal(d.Task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiences (decision_id, decision_type, state, action,
		                         selected_module, task, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.DecisionID, string(d.DecisionType), string(state), d.Action,
		d.SelectedModule, string(task), d.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %s", ErrDuplicateDecision, d.DecisionID)
		}
		return fmt.Errorf("insert experience: %w", err)
	}
	return nil
}

// CloseDecision attaches the outcome and reward to a pending decision. The
// update is conditional on the row still being open, so a concurrent double
// close loses the race and gets ErrAlreadyClosed.
func (s *SQLiteStore) CloseDecision(ctx context.Context, decisionID string, outcome Outcome, reward RewardRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	computedAt := reward.ComputedAt
	if computedAt.IsZero() {
		computedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE experiences
		SET outcome = ?, reward = ?, reward_computed_at = ?, closed_at = ?
		WHERE decision_id = ? AND closed_at IS NULL
	`, string(out), reward.Reward, computedAt, time.Now().UTC(), decisionID)
	if err != nil {
		return fmt.Errorf("close decision: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close decision: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM experiences WHERE decision_id = ?`, decisionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrUnknownDecision, decisionID)
	}
	if err != nil {
		return fmt.Errorf("close decision: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrAlreadyClosed, decisionID)
}

// Get returns the record for a decision id.
func (s *SQLiteStore) Get(ctx context.Context, decisionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT decision_id, decision_type, state, action, selected_module, task,
		       created_at, outcome, reward, reward_computed_at, closed_at
		FROM experiences WHERE decision_id = ?
	`, decisionID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDecision, decisionID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Replay opens a cursor over closed records in insertion order. The filter is
// pushed down into the query and the cursor pages by rowid keyset, so rows
// closed behind the cursor mid-pass never shift the page boundaries.
func (s *SQLiteStore) Replay(ctx context.Context, filter Filter) (*Cursor, error) {
	fetch := func(ctx context.Context, after int64, limit int) ([]keyedRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		query := `
			SELECT rowid, decision_id, decision_type, state, action, selected_module, task,
			       created_at, outcome, reward, reward_computed_at, closed_at
			FROM experiences WHERE closed_at IS NOT NULL AND rowid > ?`
		args := []any{after}

		if filter.DecisionType != "" {
			query += " AND decision_type = ?"
			args = append(args, string(filter.DecisionType))
		}
		if filter.Module != "" {
			query += " AND selected_module = ?"
			args = append(args, filter.Module)
		}
		if !filter.Since.IsZero() {
			query += " AND created_at >= ?"
			args = append(args, filter.Since)
		}
		query += " ORDER BY rowid LIMIT ?"
		args = append(args, limit)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("replay query: %w", err)
		}
		defer rows.Close()

		var out []keyedRecord
		for rows.Next() {
			var key int64
			rec, err := scanRecord(keyedScanner{rows: rows, key: &key})
			if err != nil {
				return nil, err
			}
			out = append(out, keyedRecord{key: key, rec: rec})
		}
		return out, rows.Err()
	}
	return newCursor(fetch, filter.Limit), nil
}

// Stats summarizes the log contents.
func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats StoreStats
	var mean sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(closed_at),
		       AVG(reward)
		FROM experiences
	`).Scan(&stats.Total, &stats.Closed, &mean)
	if err != nil {
		return StoreStats{}, fmt.Errorf("stats: %w", err)
	}
	stats.Pending = stats.Total - stats.Closed
	if mean.Valid {
		stats.MeanReward = mean.Float64
	}
	return stats, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// scanner abstracts sql.Row and sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

// keyedScanner scans a leading rowid column into key before the record
// columns, so scanRecord works for keyset queries too.
type keyedScanner struct {
	rows *sql.Rows
	key  *int64
}

func (k keyedScanner) Scan(dest ...any) error {
	return k.rows.Scan(append([]any{k.key}, dest...)...)
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec          Record
		decisionType string
		stateJSON    string
		taskJSON     string
		outcomeJSON  sql.NullString
		reward       sql.NullFloat64
		computedAt   sql.NullTime
		closedAt     sql.NullTime
	)

	err := row.Scan(&rec.Decision.DecisionID, &decisionType, &stateJSON,
		&rec.Decision.Action, &rec.Decision.SelectedModule, &taskJSON,
		&rec.Decision.CreatedAt, &outcomeJSON, &reward, &computedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	rec.Decision.DecisionType = DecisionType(decisionType)
	if err := json.Unmarshal([]byte(stateJSON), &rec.Decision.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if err := json.Unmarshal([]byte(taskJSON), &rec.Decision.Task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}

	if outcomeJSON.Valid {
		var outcome Outcome
		if err := json.Unmarshal([]byte(outcomeJSON.String), &outcome); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
		rec.Outcome = &outcome
		rec.Reward = &RewardRecord{
			DecisionID: rec.Decision.DecisionID,
			Reward:     reward.Float64,
			ComputedAt: computedAt.Time,
		}
		rec.ClosedAt = closedAt.Time
	}
	return &rec, nil
}
