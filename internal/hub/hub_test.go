package hub

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/relay/internal/conversation"
	"github.com/rand/relay/internal/experience"
	"github.com/rand/relay/internal/observability"
	"github.com/rand/relay/internal/resilience"
	"github.com/rand/relay/internal/selector"
	"github.com/rand/relay/internal/transport"
)

// fakeAdapter is a scripted in-memory transport.
type fakeAdapter struct {
	name  string
	state transport.ConnState

	sendFn func(payload map[string]any) (*transport.SendResult, error)
	sends  atomic.Int64
}

func (f *fakeAdapter) Name() string               { return f.name }
func (f *fakeAdapter) State() transport.ConnState { return f.state }

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.state = transport.StateConnected
	return nil
}

func (f *fakeAdapter) Disconnect() error {
	f.state = transport.StateDisconnected
	return nil
}

func (f *fakeAdapter) Send(ctx context.Context, payload map[string]any) (*transport.SendResult, error) {
	f.sends.Add(1)
	return f.sendFn(payload)
}

func (f *fakeAdapter) Receive(ctx context.Context, timeout time.Duration) (*transport.Event, error) {
	return nil, nil
}

func okAdapter(name string, quality float64) *fakeAdapter {
	return &fakeAdapter{
		name: name,
		sendFn: func(map[string]any) (*transport.SendResult, error) {
			return &transport.SendResult{
				Success: true,
				Latency: 5 * time.Millisecond,
				Payload: map[string]any{"quality": quality},
			}, nil
		},
	}
}

func failingAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name: name,
		sendFn: func(map[string]any) (*transport.SendResult, error) {
			return &transport.SendResult{
				Success: false,
				Latency: 2 * time.Millisecond,
				Error:   "module exploded",
			}, nil
		},
	}
}

func newTestHub(t *testing.T, adapters ...transport.Adapter) (*Hub, experience.Store) {
	t.Helper()

	store := experience.NewMemoryStore()
	sel := selector.New(selector.Config{ExplorationRate: 0, Seed: 1})
	h, err := New(Config{
		Selector: sel,
		Store:    store,
		Events:   observability.NewEventLogger(observability.WithWriter(nil), observability.WithBuffer(100)),
	})
	require.NoError(t, err)

	for _, a := range adapters {
		h.RegisterAdapter(a.Name(), a)
	}
	require.NoError(t, h.ConnectAll(context.Background()))
	t.Cleanup(h.Shutdown)
	return h, store
}

func TestDispatch_Success(t *testing.T) {
	h, store := newTestHub(t, okAdapter("parser", 0.9))
	ctx := context.Background()

	res, err := h.Dispatch(ctx, Request{
		Task:    selector.Task{Type: "transform", Subtype: "csv", Priority: 5, Size: 1024},
		Payload: map[string]any{"doc": "a,b,c"},
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "parser", res.Module)
	assert.Greater(t, res.Reward, 0.0)
	assert.NotEmpty(t, res.DecisionID)
	assert.Equal(t, 0.9, res.Response["quality"])

	// The decision is closed in the experience log.
	rec, err := store.Get(ctx, res.DecisionID)
	require.NoError(t, err)
	require.True(t, rec.Closed())
	assert.True(t, rec.Outcome.Success)
	assert.Equal(t, res.Reward, rec.Reward.Reward)

	// The exchange is threaded as a completed two-turn conversation.
	state := h.Tracker().Conversation(res.ConversationID)
	assert.Equal(t, conversation.StatusCompleted, state.Status)
	assert.Equal(t, 2, state.TurnCount)

	history, err := h.Tracker().History(res.ConversationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hub", history[0].Source)
	assert.Equal(t, "parser", history[1].Source)
	assert.Equal(t, history[0].ID, history[1].InReplyTo)
}

func TestDispatch_ModuleFailure(t *testing.T) {
	h, store := newTestHub(t, failingAdapter("parser"))
	ctx := context.Background()

	res, err := h.Dispatch(ctx, Request{
		Task:    selector.Task{Type: "transform"},
		Payload: map[string]any{},
	})
	require.NoError(t, err, "module failure is a completed dispatch, not a pipeline error")

	assert.False(t, res.Success)
	assert.Equal(t, -3.0, res.Reward)
	assert.Contains(t, res.Error, "module exploded")

	rec, err := store.Get(ctx, res.DecisionID)
	require.NoError(t, err)
	require.True(t, rec.Closed())
	assert.False(t, rec.Outcome.Success)

	state := h.Tracker().Conversation(res.ConversationID)
	assert.Equal(t, conversation.StatusFailed, state.Status)

	// The failure reply is an error-typed turn.
	history, err := h.Tracker().History(res.ConversationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, conversation.TypeError, history[1].Type)
}

func TestDispatch_NoCandidates(t *testing.T) {
	store := experience.NewMemoryStore()
	sel := selector.New(selector.Config{Seed: 1})
	h, err := New(Config{Selector: sel, Store: store})
	require.NoError(t, err)

	_, err = h.Dispatch(context.Background(), Request{Task: selector.Task{Type: "x"}})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestDispatch_UnknownCandidate(t *testing.T) {
	h, _ := newTestHub(t, okAdapter("parser", 1))

	_, err := h.Dispatch(context.Background(), Request{
		Task:       selector.Task{Type: "x"},
		Candidates: []string{"parser", "ghost"},
	})
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestDispatch_LearnsToPreferHealthyModule(t *testing.T) {
	h, _ := newTestHub(t, okAdapter("good", 1.0), failingAdapter("bad"))
	ctx := context.Background()
	task := selector.Task{Type: "transform", Priority: 5}

	for i := 0; i < 20; i++ {
		_, err := h.Dispatch(ctx, Request{Task: task, Payload: map[string]any{}})
		require.NoError(t, err)
	}

	// Once trained, every greedy selection lands on the rewarded module.
	for i := 0; i < 10; i++ {
		res, err := h.Dispatch(ctx, Request{Task: task, Payload: map[string]any{}})
		require.NoError(t, err)
		assert.Equal(t, "good", res.Module)
	}
}

func TestDispatch_BreakerTripsAndFailsFast(t *testing.T) {
	store := experience.NewMemoryStore()
	sel := selector.New(selector.Config{ExplorationRate: 0, Seed: 1})
	h, err := New(Config{
		Selector: sel,
		Store:    store,
		Breaker:  resilience.Config{FailureThreshold: 3, RecoveryTimeout: time.Hour},
		Events:   observability.NewEventLogger(observability.WithWriter(nil)),
	})
	require.NoError(t, err)

	bad := failingAdapter("bad")
	h.RegisterAdapter("bad", bad)
	require.NoError(t, h.ConnectAll(context.Background()))

	ctx := context.Background()
	task := selector.Task{Type: "transform"}

	// Three failures trip the breaker.
	for i := 0; i < 3; i++ {
		res, err := h.Dispatch(ctx, Request{Task: task, Payload: map[string]any{}})
		require.NoError(t, err)
		assert.False(t, res.Success)
	}
	sendsBeforeTrip := bad.sends.Load()

	// Subsequent dispatches fail fast without reaching the adapter.
	res, err := h.Dispatch(ctx, Request{Task: task, Payload: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "circuit breaker")
	assert.Equal(t, sendsBeforeTrip, bad.sends.Load())

	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "open", stats.Breakers["bad"])
}

func TestDispatchAll(t *testing.T) {
	h, store := newTestHub(t, okAdapter("parser", 0.8), okAdapter("converter", 0.8))
	ctx := context.Background()

	reqs := make([]Request, 12)
	for i := range reqs {
		reqs[i] = Request{
			Task:    selector.Task{Type: fmt.Sprintf("type-%d", i%3), Priority: i % 10},
			Payload: map[string]any{"n": i},
		}
	}

	results, err := h.DispatchAll(ctx, reqs)
	require.NoError(t, err)
	require.Len(t, results, 12)

	for i, res := range results {
		require.NotNil(t, res, "result %d", i)
		assert.True(t, res.Success, "result %d", i)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, stats.Closed)
	assert.Equal(t, 0, stats.Pending)
}

func TestTrainer_ReplayRebuildsPolicy(t *testing.T) {
	ctx := context.Background()
	store := experience.NewMemoryStore()

	// First life: dispatch against good and bad modules, logging experience.
	sel1 := selector.New(selector.Config{ExplorationRate: 0, Seed: 1})
	h1, err := New(Config{Selector: sel1, Store: store,
		Events: observability.NewEventLogger(observability.WithWriter(nil))})
	require.NoError(t, err)
	h1.RegisterAdapter("good", okAdapter("good", 1.0))
	h1.RegisterAdapter("bad", failingAdapter("bad"))
	require.NoError(t, h1.ConnectAll(ctx))

	task := selector.Task{Type: "transform", Priority: 5}
	for i := 0; i < 20; i++ {
		_, err := h1.Dispatch(ctx, Request{Task: task, Payload: map[string]any{}})
		require.NoError(t, err)
	}

	// Second life: a fresh selector learns the same preference from replay
	// alone.
	sel2 := selector.New(selector.Config{ExplorationRate: 0, Seed: 1})
	trainer := NewTrainer(store, sel2, nil, nil)

	applied, err := trainer.Replay(ctx, experience.Filter{}, 2)
	require.NoError(t, err)
	assert.Equal(t, 40, applied, "20 records x 2 epochs")

	d, err := sel2.Select(task, []string{"good", "bad"})
	require.NoError(t, err)
	assert.Equal(t, "good", d.SelectedModule)
}

func TestStats(t *testing.T) {
	h, _ := newTestHub(t, okAdapter("parser", 1))
	ctx := context.Background()

	_, err := h.Dispatch(ctx, Request{Task: selector.Task{Type: "x"}, Payload: map[string]any{}})
	require.NoError(t, err)

	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Selector.TotalSelections)
	assert.Equal(t, 1, stats.Store.Closed)
	assert.Equal(t, "closed", stats.Breakers["parser"])
}
