// Package hub wires selection, transport, conversation tracking, and the
// experience log into one dispatch pipeline. Each dispatch picks a module,
// sends the payload through its adapter behind a circuit breaker, threads the
// exchange as a conversation, scores the outcome, and feeds the reward back
// into the selection policy.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/rand/relay/internal/conversation"
	"github.com/rand/relay/internal/experience"
	"github.com/rand/relay/internal/observability"
	"github.com/rand/relay/internal/resilience"
	"github.com/rand/relay/internal/reward"
	"github.com/rand/relay/internal/selector"
	"github.com/rand/relay/internal/transport"
)

// Errors returned by hub operations.
var (
	// ErrNoCandidates is returned when a dispatch has no modules to choose
	// from.
	ErrNoCandidates = errors.New("no candidate modules")

	// ErrUnknownModule is returned when a candidate names a module without a
	// registered adapter.
	ErrUnknownModule = errors.New("unknown module")

	// errModuleFailure marks an unsuccessful send result so the breaker
	// counts it as a failure.
	errModuleFailure = errors.New("module reported failure")
)

// Config configures a Hub.
type Config struct {
	// Selector drives module selection. Required.
	Selector *selector.Selector

	// Store is the experience log. Required.
	Store experience.Store

	// Breaker is the per-module circuit breaker config.
	Breaker resilience.Config

	// MaxConcurrent bounds DispatchAll parallelism (default 4).
	MaxConcurrent int

	// Events receives structured dispatch events.
	Events *observability.EventLogger

	// Logger for operational logging.
	Logger *slog.Logger
}

// Hub routes tasks to destination modules.
type Hub struct {
	selector *selector.Selector
	store    experience.Store
	tracker  *conversation.Tracker
	breakers *resilience.Registry
	events   *observability.HubLogger
	logger   *slog.Logger

	maxConcurrent int

	mu       sync.RWMutex
	adapters map[string]transport.Adapter
}

// New creates a Hub.
func New(cfg Config) (*Hub, error) {
	if cfg.Selector == nil {
		return nil, fmt.Errorf("hub: selector required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("hub: experience store required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		selector:      cfg.Selector,
		store:         cfg.Store,
		tracker:       conversation.NewTracker(),
		breakers:      resilience.NewRegistry(cfg.Breaker),
		events:        observability.NewHubLogger(cfg.Events),
		logger:        logger,
		maxConcurrent: cfg.MaxConcurrent,
		adapters:      make(map[string]transport.Adapter),
	}, nil
}

// RegisterAdapter binds a destination module name to its transport.
func (h *Hub) RegisterAdapter(module string, adapter transport.Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapters[module] = adapter
}

// Modules returns the registered module names, sorted.
func (h *Hub) Modules() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.adapters))
	for name := range h.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tracker exposes the conversation tracker for history queries.
func (h *Hub) Tracker() *conversation.Tracker { return h.tracker }

// ConnectAll connects every registered adapter, in parallel.
func (h *Hub) ConnectAll(ctx context.Context) error {
	h.mu.RLock()
	adapters := make(map[string]transport.Adapter, len(h.adapters))
	for name, a := range h.adapters {
		adapters[name] = a
	}
	h.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for name, adapter := range adapters {
		g.Go(func() error {
			if err := adapter.Connect(ctx); err != nil {
				return fmt.Errorf("connect %s: %w", name, err)
			}
			h.logger.Debug("adapter connected", "module", name)
			return nil
		})
	}
	return g.Wait()
}

// Shutdown disconnects every adapter. Disconnect errors are logged, not
// returned; teardown always completes.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for name, adapter := range h.adapters {
		if err := adapter.Disconnect(); err != nil {
			h.logger.Warn("adapter disconnect", "module", name, "error", err)
		}
	}
}

// Request is one unit of routed work.
type Request struct {
	// Task describes the work for feature extraction.
	Task selector.Task

	// Payload is handed to the chosen adapter.
	Payload map[string]any

	// Candidates restricts the choice to a subset of registered modules.
	// Empty means all registered modules.
	Candidates []string
}

// DispatchResult reports one completed dispatch.
type DispatchResult struct {
	DecisionID     string         `json:"decision_id"`
	Module         string         `json:"module"`
	ConversationID string         `json:"conversation_id"`
	Success        bool           `json:"success"`
	Reward         float64        `json:"reward"`
	Latency        time.Duration  `json:"latency"`
	Response       map[string]any `json:"response,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Dispatch routes one request end to end: select a module, log the pending
// decision, send behind the module's breaker, thread the exchange as a
// conversation, then score the outcome and close the loop into the policy.
//
// A module failure or timeout is a completed dispatch with Success=false and
// a negative reward; Dispatch returns an error only when the pipeline itself
// cannot run.
func (h *Hub) Dispatch(ctx context.Context, req Request) (*DispatchResult, error) {
	candidates := req.Candidates
	if len(candidates) == 0 {
		candidates = h.Modules()
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	h.mu.RLock()
	for _, name := range candidates {
		if _, ok := h.adapters[name]; !ok {
			h.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
		}
	}
	h.mu.RUnlock()

	decision, err := h.selector.Select(req.Task, candidates)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}

	h.events.DispatchStart(decision.DecisionID, req.Task.Type, len(candidates))

	if err := h.store.Log(ctx, decision); err != nil {
		return nil, fmt.Errorf("log decision: %w", err)
	}

	module := decision.SelectedModule
	h.mu.RLock()
	adapter := h.adapters[module]
	h.mu.RUnlock()

	reqMsg, err := h.tracker.Create("hub", module, conversation.TypeRequest, req.Payload, conversation.CreateOptions{
		Context: map[string]string{
			"task_type":   req.Task.Type,
			"decision_id": decision.DecisionID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create request message: %w", err)
	}
	if err := h.tracker.Append(reqMsg.ID); err != nil {
		return nil, fmt.Errorf("append request message: %w", err)
	}

	breaker := h.breakers.Get(module)
	wasOpen := breaker.State() != resilience.StateClosed

	var result *transport.SendResult
	start := time.Now()
	sendErr := breaker.Call(func() error {
		r, err := adapter.Send(ctx, req.Payload)
		if err != nil {
			return err
		}
		result = r
		if !r.Success {
			return fmt.Errorf("%w: %s", errModuleFailure, r.Error)
		}
		return nil
	})
	elapsed := time.Since(start)

	if errors.Is(sendErr, resilience.ErrCircuitOpen) && !wasOpen {
		h.events.BreakerTrip(module)
	}
	if wasOpen && breaker.State() == resilience.StateClosed {
		h.events.BreakerReset(module)
	}
	if errors.Is(sendErr, transport.ErrTimeout) {
		h.events.AdapterTimeout(module, elapsed)
	}

	latency := elapsed
	if result != nil && result.Latency > 0 {
		latency = result.Latency
	}

	success := sendErr == nil && result != nil && result.Success
	h.events.AdapterSend(module, latency, success)

	// Thread the module's answer (or failure) back into the conversation
	// and close it.
	if result != nil {
		content := result.Payload
		typ := conversation.TypeResponse
		if !result.Success {
			typ = conversation.TypeError
			content = map[string]any{"error": result.Error}
		}
		if content == nil {
			content = map[string]any{}
		}
		if reply, err := h.tracker.Reply(reqMsg.ID, module, content, typ, nil); err != nil {
			h.logger.Warn("reply to request", "conversation", reqMsg.ConversationID, "error", err)
		} else if err := h.tracker.Append(reply.ID); err != nil {
			h.logger.Warn("append reply", "conversation", reqMsg.ConversationID, "error", err)
		}
	}
	if success {
		if err := h.tracker.Complete(reqMsg.ConversationID); err != nil {
			h.logger.Warn("complete conversation", "conversation", reqMsg.ConversationID, "error", err)
		}
	} else {
		if err := h.tracker.Fail(reqMsg.ConversationID); err != nil {
			h.logger.Warn("fail conversation", "conversation", reqMsg.ConversationID, "error", err)
		}
	}

	outcome := experience.Outcome{
		Success: success,
		Latency: latency,
		Quality: responseQuality(result, success),
	}
	rewardValue := reward.Selection(reward.SelectionMetrics{
		TaskCompletion:  success,
		EfficiencyScore: outcome.Quality,
		ModulesUsed:     1,
		TotalLatencyMS:  float64(latency.Milliseconds()),
	})

	closeErr := h.store.CloseDecision(ctx, decision.DecisionID, outcome, experience.RewardRecord{
		DecisionID: decision.DecisionID,
		Reward:     rewardValue,
		ComputedAt: time.Now().UTC(),
	})
	if closeErr != nil {
		return nil, fmt.Errorf("close decision: %w", closeErr)
	}
	h.events.ExperienceClosed(decision.DecisionID, rewardValue)

	h.selector.Learn(decision, rewardValue)

	dispatch := &DispatchResult{
		DecisionID:     decision.DecisionID,
		Module:         module,
		ConversationID: reqMsg.ConversationID,
		Success:        success,
		Reward:         rewardValue,
		Latency:        latency,
	}
	if result != nil {
		dispatch.Response = result.Payload
	}
	if sendErr != nil {
		dispatch.Error = sendErr.Error()
	} else if result != nil && !result.Success {
		dispatch.Error = result.Error
	}

	h.events.DispatchEnd(decision.DecisionID, module, latency, rewardValue, sendErr)
	return dispatch, nil
}

// DispatchAll routes a batch of requests with bounded parallelism. Every
// request gets a slot in the returned slice; per-request failures land in
// their result, pipeline errors abort the batch.
func (h *Hub) DispatchAll(ctx context.Context, reqs []Request) ([]*DispatchResult, error) {
	results := make([]*DispatchResult, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(h.maxConcurrent)

	for i, req := range reqs {
		g.Go(func() error {
			res, err := h.Dispatch(ctx, req)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Stats aggregates selector, store, and breaker state.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	storeStats, err := h.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}

	breakers := make(map[string]string)
	for module, m := range h.breakers.AggregateMetrics() {
		breakers[module] = m.State.String()
	}

	return Stats{
		Selector: h.selector.Stats(),
		Store:    storeStats,
		Breakers: breakers,
	}, nil
}

// Stats is a point-in-time snapshot of hub health.
type Stats struct {
	Selector selector.Stats        `json:"selector"`
	Store    experience.StoreStats `json:"store"`
	Breakers map[string]string     `json:"breakers"`
}

// responseQuality pulls a self-reported quality score out of the module's
// response payload, defaulting to 1.0 for a successful exchange that does not
// report one.
func responseQuality(result *transport.SendResult, success bool) float64 {
	if !success {
		return 0
	}
	if result == nil || result.Payload == nil {
		return 1.0
	}
	data, err := json.Marshal(result.Payload)
	if err != nil {
		return 1.0
	}
	if q := gjson.GetBytes(data, "quality"); q.Exists() {
		v := q.Float()
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return 1.0
}
