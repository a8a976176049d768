package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/relay/internal/experience"
)

func TestTaskFeatures_Deterministic(t *testing.T) {
	task := Task{Type: "transform", Subtype: "csv", Priority: 7, Size: 4096}

	first := task.Features()
	require.Len(t, first, featureDim)

	for i := 0; i < 100; i++ {
		assert.Equal(t, first, task.Features())
	}
}

func TestTaskFeatures_DistinguishTasks(t *testing.T) {
	a := Task{Type: "transform", Subtype: "csv", Priority: 5, Size: 100}
	b := Task{Type: "extract", Subtype: "pdf", Priority: 5, Size: 100}
	assert.NotEqual(t, a.Features(), b.Features())
}

func TestTaskFeatures_Bounded(t *testing.T) {
	tasks := []Task{
		{},
		{Type: "x", Priority: -3, Size: -1},
		{Type: "y", Priority: 100, Size: 1 << 30},
	}
	for _, task := range tasks {
		for _, v := range task.Features() {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	}
}

func TestSelect_AlwaysReturnsCandidate(t *testing.T) {
	s := New(Config{Seed: 1})
	task := Task{Type: "transform", Priority: 5}
	candidates := []string{"alpha", "beta", "gamma"}

	members := map[string]bool{"alpha": true, "beta": true, "gamma": true}
	for i := 0; i < 50; i++ {
		d, err := s.Select(task, candidates)
		require.NoError(t, err)
		assert.True(t, members[d.SelectedModule], "selected %q", d.SelectedModule)
	}
}

func TestSelect_ColdStartRoundRobin(t *testing.T) {
	s := New(Config{Seed: 1})
	task := Task{Type: "transform"}

	// Untrained policy cycles the sorted candidate list deterministically.
	want := []string{"alpha", "beta", "gamma", "alpha", "beta", "gamma"}
	for i, expected := range want {
		d, err := s.Select(task, []string{"gamma", "alpha", "beta"})
		require.NoError(t, err)
		assert.Equal(t, expected, d.SelectedModule, "selection %d", i)
	}

	stats := s.Stats()
	assert.Equal(t, int64(6), stats.ColdStarts)
	assert.Equal(t, float64(100), stats.ColdStartRate())
}

func TestSelect_EmptyCandidates(t *testing.T) {
	s := New(Config{})
	_, err := s.Select(Task{Type: "transform"}, nil)
	assert.Error(t, err)
}

func TestLearn_ShiftsSelectionTowardRewardedModule(t *testing.T) {
	// Exploration off so the greedy choice is observable.
	s := New(Config{ExplorationRate: 0, Seed: 1})
	task := Task{Type: "transform", Subtype: "csv", Priority: 5, Size: 1024}
	candidates := []string{"alpha", "beta"}

	// Train: beta earns high reward, alpha low.
	for i := 0; i < 20; i++ {
		d, err := s.Select(task, candidates)
		require.NoError(t, err)
		reward := -2.0
		if d.SelectedModule == "beta" {
			reward = 7.5
		}
		s.Learn(d, reward)
	}

	for i := 0; i < 10; i++ {
		d, err := s.Select(task, candidates)
		require.NoError(t, err)
		assert.Equal(t, "beta", d.SelectedModule)
	}
}

func TestLearn_ReplayRebuildsModuleIndex(t *testing.T) {
	s := New(Config{ExplorationRate: 0, Seed: 1})

	// A decision logged by an earlier process, replayed into a fresh policy.
	replayed := &experience.Decision{
		DecisionID:     "d-1",
		DecisionType:   experience.DecisionSelection,
		State:          Task{Type: "transform"}.Features(),
		Action:         3,
		SelectedModule: "delta",
	}
	s.Learn(replayed, 5.0)

	stats := s.Stats()
	assert.Equal(t, 1, stats.KnownModules)

	// The replayed module keeps its logged action index.
	d, err := s.Select(Task{Type: "transform"}, []string{"delta"})
	require.NoError(t, err)
	assert.Equal(t, 3, d.Action)
	assert.Equal(t, "delta", d.SelectedModule)
}

func TestLearn_ReplayedActionCollisionRemaps(t *testing.T) {
	s := New(Config{ExplorationRate: 0, Seed: 1})
	task := Task{Type: "transform", Priority: 5}

	// A live selection hands index 0 to alpha and trains it positively.
	d, err := s.Select(task, []string{"alpha"})
	require.NoError(t, err)
	require.Equal(t, 0, d.Action)
	s.Learn(d, 6.0)

	// An earlier process logged a different module under the same action
	// index. Replaying it must not fold its reward into alpha's weights.
	replayed := &experience.Decision{
		DecisionID:     "d-old",
		DecisionType:   experience.DecisionSelection,
		State:          task.Features(),
		Action:         0,
		SelectedModule: "bravo",
	}
	s.Learn(replayed, -5.0)

	// bravo trains under its own index.
	d2, err := s.Select(task, []string{"bravo"})
	require.NoError(t, err)
	assert.NotEqual(t, 0, d2.Action)

	// alpha keeps index 0 and its positive value estimate.
	d3, err := s.Select(task, []string{"alpha", "bravo"})
	require.NoError(t, err)
	assert.Equal(t, "alpha", d3.SelectedModule)
	assert.Equal(t, 0, d3.Action)
}

func TestStableActionIndices(t *testing.T) {
	s := New(Config{Seed: 1})
	task := Task{Type: "notify"}

	d1, err := s.Select(task, []string{"alpha", "beta"})
	require.NoError(t, err)
	d2, err := s.Select(task, []string{"beta", "alpha", "gamma"})
	require.NoError(t, err)

	byModule := map[string]int{d1.SelectedModule: d1.Action, d2.SelectedModule: d2.Action}
	for i := 0; i < 10; i++ {
		d, err := s.Select(task, []string{"alpha", "beta", "gamma"})
		require.NoError(t, err)
		if prev, seen := byModule[d.SelectedModule]; seen {
			assert.Equal(t, prev, d.Action, "index for %s must not move", d.SelectedModule)
		} else {
			byModule[d.SelectedModule] = d.Action
		}
	}
}

func TestSelect_DecisionFieldsPopulated(t *testing.T) {
	s := New(Config{Seed: 1})
	task := Task{Type: "transform", Subtype: "csv", Priority: 2, Size: 10}

	d, err := s.Select(task, []string{"alpha"})
	require.NoError(t, err)

	assert.NotEmpty(t, d.DecisionID)
	assert.Equal(t, experience.DecisionSelection, d.DecisionType)
	assert.Equal(t, task.Features(), d.State)
	assert.Equal(t, "csv", d.Task.Subtype)
	assert.False(t, d.CreatedAt.IsZero())
}
