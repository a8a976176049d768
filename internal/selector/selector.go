package selector

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rand/relay/internal/experience"
)

// Config configures the Selector.
type Config struct {
	// LearningRate controls how much each reward moves the policy (default 0.1).
	LearningRate float64

	// ExplorationRate is the epsilon-greedy exploration probability once the
	// policy is trained (default 0.1). Zero disables exploration.
	ExplorationRate float64

	// Seed fixes the exploration RNG; 0 seeds from the clock.
	Seed int64

	// Logger for selection decisions.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LearningRate:    0.1,
		ExplorationRate: 0.1,
	}
}

// Selector picks a destination module for each task. With a trained policy it
// is epsilon-greedy over learned value estimates; before any training signal
// exists for the candidates it falls back to deterministic round-robin over
// the sorted candidate list.
type Selector struct {
	mu sync.Mutex

	policy *linearPolicy
	rng    *rand.Rand
	cfg    Config
	logger *slog.Logger

	// moduleIndex assigns each module name a stable action index for policy
	// bookkeeping. Indices are first-seen order and never reassigned.
	moduleIndex map[string]int

	// rr is the round-robin cursor for cold-start selection.
	rr int

	totalSelections int64
	coldStarts      int64
	byModule        map[string]int64
}

// New creates a Selector.
func New(cfg Config) *Selector {
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}
	if cfg.ExplorationRate < 0 {
		cfg.ExplorationRate = 0
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Selector{
		policy:      newLinearPolicy(cfg.LearningRate),
		rng:         rand.New(rand.NewSource(seed)),
		cfg:         cfg,
		logger:      logger,
		moduleIndex: make(map[string]int),
		byModule:    make(map[string]int64),
	}
}

// Select chooses one of candidates for the task and returns the decision to
// be logged. The selected module is always a member of candidates.
func (s *Selector) Select(task Task, candidates []string) (*experience.Decision, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("select: no candidate modules")
	}

	state := task.Features()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range candidates {
		s.indexOfLocked(name)
	}

	chosen, coldStart := s.chooseLocked(state, candidates)

	s.totalSelections++
	s.byModule[chosen]++
	if coldStart {
		s.coldStarts++
	}

	decision := &experience.Decision{
		DecisionID:     uuid.NewString(),
		DecisionType:   experience.DecisionSelection,
		State:          state,
		Action:         s.moduleIndex[chosen],
		SelectedModule: chosen,
		Task:           task.Snapshot(),
		CreatedAt:      time.Now().UTC(),
	}

	s.logger.Debug("module selected",
		"decision_id", decision.DecisionID,
		"module", chosen,
		"task_type", task.Type,
		"cold_start", coldStart)

	return decision, nil
}

// chooseLocked picks a candidate. Cold start applies while no candidate's
// action has any training signal: round-robin over the sorted candidate list,
// so the choice is deterministic given the call sequence.
func (s *Selector) chooseLocked(state []float64, candidates []string) (string, bool) {
	trained := false
	for _, name := range candidates {
		if s.policy.trained(s.moduleIndex[name]) {
			trained = true
			break
		}
	}

	if !trained {
		ordered := append([]string(nil), candidates...)
		sort.Strings(ordered)
		chosen := ordered[s.rr%len(ordered)]
		s.rr++
		return chosen, true
	}

	if s.cfg.ExplorationRate > 0 && s.rng.Float64() < s.cfg.ExplorationRate {
		return candidates[s.rng.Intn(len(candidates))], false
	}

	// Greedy: highest estimated value, ties broken by name so repeated
	// selections are stable.
	ordered := append([]string(nil), candidates...)
	sort.Strings(ordered)

	best := ordered[0]
	bestScore := s.policy.score(state, s.moduleIndex[best])
	for _, name := range ordered[1:] {
		if score := s.policy.score(state, s.moduleIndex[name]); score > bestScore {
			best = name
			bestScore = score
		}
	}
	return best, false
}

// Learn feeds a scored decision back into the policy. Called once per closed
// experience record, either immediately after the outcome or during replay.
func (s *Selector) Learn(decision *experience.Decision, reward float64) {
	if decision == nil || len(decision.State) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replay may reference modules this process has not selected yet; keep
	// the name-to-index mapping consistent with the logged action. If a live
	// selection already handed that index to a different module, remap to a
	// free one so two modules never share a weight vector.
	idx, ok := s.moduleIndex[decision.SelectedModule]
	if !ok {
		idx = decision.Action
		if s.actionOwnedLocked(idx) {
			idx = s.nextFreeIndexLocked()
		}
		s.moduleIndex[decision.SelectedModule] = idx
	}

	s.policy.update(decision.State, idx, reward)
}

// actionOwnedLocked reports whether some module already holds the index.
func (s *Selector) actionOwnedLocked(action int) bool {
	for _, idx := range s.moduleIndex {
		if idx == action {
			return true
		}
	}
	return false
}

// nextFreeIndexLocked returns the smallest action index no module holds.
func (s *Selector) nextFreeIndexLocked() int {
	used := make(map[int]bool, len(s.moduleIndex))
	for _, idx := range s.moduleIndex {
		used[idx] = true
	}
	idx := 0
	for used[idx] {
		idx++
	}
	return idx
}

// indexOfLocked returns the stable action index for a module, assigning the
// next free index on first sight. Replayed decisions may have claimed sparse
// indices, so free means unowned, not len(moduleIndex).
func (s *Selector) indexOfLocked(name string) int {
	if idx, ok := s.moduleIndex[name]; ok {
		return idx
	}
	idx := s.nextFreeIndexLocked()
	s.moduleIndex[name] = idx
	return idx
}

// Stats returns selection statistics.
func (s *Selector) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	byModule := make(map[string]int64, len(s.byModule))
	for k, v := range s.byModule {
		byModule[k] = v
	}

	return Stats{
		TotalSelections:    s.totalSelections,
		ColdStarts:         s.coldStarts,
		SelectionsByModule: byModule,
		KnownModules:       len(s.moduleIndex),
	}
}

// Stats contains selection statistics.
type Stats struct {
	TotalSelections    int64            `json:"total_selections"`
	ColdStarts         int64            `json:"cold_starts"`
	SelectionsByModule map[string]int64 `json:"selections_by_module"`
	KnownModules       int              `json:"known_modules"`
}

// ColdStartRate returns the percentage of selections that used the fallback.
func (s Stats) ColdStartRate() float64 {
	if s.TotalSelections == 0 {
		return 0
	}
	return float64(s.ColdStarts) / float64(s.TotalSelections) * 100
}
