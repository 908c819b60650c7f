package round

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
	"github.com/roundtable-ai/roundtable-platform/internal/store"
	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
)

// EventPublisher is the live fan-out for round events and changelogs.
// *nats.StreamManager satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e *model.RoundEvent) (uint64, error)
	PublishChangelog(ctx context.Context, c *model.Changelog) (uint64, error)
}

// Sequencer applies configuration changes in a strict order so that a round
// never starts against half-applied config:
//
//  1. set configChangeRoundNumber (blocks the pre-search gate and
//     participant start unconditionally)
//  2. persist the new thread configuration
//  3. set isWaitingForChangelog
//  4. persist + publish the changelog record (generated after step 2, so
//     it describes persisted truth)
//  5. clear both flags together
//
// A submission with no net config delta skips all five steps.
type Sequencer struct {
	store  store.Store
	events EventPublisher
	logger *logger.Logger
}

// NewSequencer creates a config change sequencer.
func NewSequencer(st store.Store, events EventPublisher, log *logger.Logger) *Sequencer {
	return &Sequencer{store: st, events: events, logger: log}
}

// ApplyConfig merges a PATCH request into a thread config and returns the
// merged config plus its diff against the current one.
func ApplyConfig(current model.ThreadConfig, req model.UpdateThreadRequest) (model.ThreadConfig, model.ConfigDiff) {
	next := current
	if req.Mode != nil {
		next.Mode = *req.Mode
	}
	if req.WebSearchEnabled != nil {
		next.WebSearchEnabled = *req.WebSearchEnabled
	}
	if req.Participants != nil {
		next.Participants = *req.Participants
	}
	return next, DiffConfig(current, next)
}

// DiffConfig computes the changelog diff between two configs.
func DiffConfig(old, new model.ThreadConfig) model.ConfigDiff {
	var d model.ConfigDiff

	if old.WebSearchEnabled != new.WebSearchEnabled {
		d.WebSearch = &model.BoolChange{Old: old.WebSearchEnabled, New: new.WebSearchEnabled}
	}
	if old.Mode != new.Mode {
		d.Mode = &model.ModeChange{Old: old.Mode, New: new.Mode}
	}

	oldNames := enabledNames(old)
	newNames := enabledNames(new)
	for name := range newNames {
		if _, ok := oldNames[name]; !ok {
			d.Added = append(d.Added, name)
		}
	}
	for name := range oldNames {
		if _, ok := newNames[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	if len(d.Added) == 0 && len(d.Removed) == 0 && rosterOrderChanged(old, new) {
		d.Reordered = true
	}
	return d
}

func enabledNames(cfg model.ThreadConfig) map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range cfg.Participants {
		if p.Enabled {
			out[p.Name] = struct{}{}
		}
	}
	return out
}

func rosterOrderChanged(old, new model.ThreadConfig) bool {
	a := old.EnabledParticipants()
	b := new.EnabledParticipants()
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return true
		}
	}
	return false
}

// Apply runs the five-step sequence for a round that carries a config delta.
// The returned changelog is nil when the diff is empty (full no-op: no flags
// touched, nothing published).
func (s *Sequencer) Apply(ctx context.Context, thread *model.Thread, next model.ThreadConfig, diff model.ConfigDiff, roundNumber int) (*model.Changelog, error) {
	if diff.Empty() {
		return nil, nil
	}

	// Step 1: block the round before anything else is visible.
	if err := s.store.SetConfigChangeRound(ctx, thread.ID, roundNumber); err != nil {
		return nil, fmt.Errorf("set config change round: %w", err)
	}

	// Step 2: persist the new configuration.
	if err := s.store.UpdateThreadConfig(ctx, thread.ID, thread.Title, next); err != nil {
		return nil, fmt.Errorf("persist config: %w", err)
	}

	// Step 3: mark the changelog as pending.
	if err := s.store.SetWaitingForChangelog(ctx, thread.ID, true); err != nil {
		return nil, fmt.Errorf("set waiting for changelog: %w", err)
	}

	// Step 4: the changelog is generated from the persisted diff and made
	// durable before the round may proceed.
	cl := &model.Changelog{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ThreadID:    thread.ID,
		RoundNumber: roundNumber,
		Diff:        diff,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateChangelog(ctx, cl); err != nil {
		return nil, fmt.Errorf("persist changelog: %w", err)
	}
	if _, err := s.events.PublishChangelog(ctx, cl); err != nil {
		// The durable row exists; the live publish is best-effort.
		s.logger.Warnw("changelog publish failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
	}

	// Step 5: unblock, both flags in one write.
	if err := s.store.ClearConfigFlags(ctx, thread.ID); err != nil {
		return nil, fmt.Errorf("clear config flags: %w", err)
	}

	thread.Config = next
	s.logger.Infow("config change applied",
		"thread_id", thread.ID, "round", roundNumber,
		"added", diff.Added, "removed", diff.Removed, "reordered", diff.Reordered)
	return cl, nil
}
