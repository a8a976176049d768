package hub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rand/relay/internal/experience"
	"github.com/rand/relay/internal/observability"
	"github.com/rand/relay/internal/selector"
)

// Trainer rebuilds a selection policy offline from the experience log. A
// fresh process replays its history at startup so learned preferences survive
// restarts without persisting policy weights.
type Trainer struct {
	store    experience.Store
	selector *selector.Selector
	events   *observability.HubLogger
	logger   *slog.Logger
}

// NewTrainer creates a Trainer.
func NewTrainer(store experience.Store, sel *selector.Selector, events *observability.EventLogger, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		store:    store,
		selector: sel,
		events:   observability.NewHubLogger(events),
		logger:   logger,
	}
}

// Replay streams closed experience records through the policy. Epochs below 1
// are treated as a single pass; each epoch rewinds the cursor and replays the
// same records in log order. Returns the number of records applied across all
// epochs.
func (t *Trainer) Replay(ctx context.Context, filter experience.Filter, epochs int) (int, error) {
	if epochs < 1 {
		epochs = 1
	}

	t.events.ReplayStart(filter.Module)
	start := time.Now()

	cursor, err := t.store.Replay(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("open replay cursor: %w", err)
	}

	applied := 0
	for epoch := 0; epoch < epochs; epoch++ {
		if epoch > 0 {
			cursor.Reset()
		}
		for {
			rec, err := cursor.Next(ctx)
			if err != nil {
				return applied, fmt.Errorf("replay record: %w", err)
			}
			if rec == nil {
				break
			}
			t.selector.Learn(&rec.Decision, rec.Reward.Reward)
			applied++
		}
	}

	duration := time.Since(start)
	t.events.ReplayEnd(applied, duration)
	t.logger.Info("replay complete",
		"records", applied,
		"epochs", epochs,
		"duration_ms", duration.Milliseconds())

	return applied, nil
}
