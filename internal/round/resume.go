package round

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
	"github.com/roundtable-ai/roundtable-platform/internal/store"
)

// Phase recomputes a round's true phase purely from persisted state. It is
// called fresh on every read; in-memory phase flags are never authoritative
// across process or connection boundaries.
func Phase(cfg model.ThreadConfig, messages []model.Message, pre *model.PreSearch, analysis *model.Analysis, roundNumber int, now time.Time) model.RoundPhase {
	st := CompletionStatus(messages, cfg.Participants, roundNumber)

	if st.ExpectedCount == 0 {
		return model.RoundPhase{Kind: model.PhaseComplete}
	}

	if !st.AllComplete {
		// Before any participant output exists the round may still be in
		// its pre-search hold.
		if st.CompletedCount == 0 && noAssistantMessages(messages, roundNumber) &&
			ShouldWaitForPreSearch(cfg.WebSearchEnabled, pre, now) {
			return model.RoundPhase{Kind: model.PhasePreSearch}
		}
		first := st.StreamingIndexes[0]
		return model.RoundPhase{Kind: model.PhaseParticipant, ParticipantIndex: first}
	}

	// Single-participant rounds never get a moderator.
	if st.ExpectedCount == 1 {
		return model.RoundPhase{Kind: model.PhaseComplete}
	}

	if analysis == nil {
		return model.RoundPhase{Kind: model.PhaseModerator}
	}
	if analysis.Status.Terminal() {
		return model.RoundPhase{Kind: model.PhaseComplete}
	}
	// Stuck moderator records are force-advanced rather than pinning the
	// round in_progress forever.
	if now.Sub(analysis.CreatedAt) > AnalysisStuckTimeout {
		return model.RoundPhase{Kind: model.PhaseComplete}
	}
	return model.RoundPhase{Kind: model.PhaseModerator}
}

func noAssistantMessages(messages []model.Message, roundNumber int) bool {
	for i := range messages {
		if messages[i].Role == model.RoleAssistant && messages[i].RoundNumber == roundNumber {
			return false
		}
	}
	return true
}

// Detector resolves a round's phase against the store.
type Detector struct {
	store store.Store
}

// NewDetector creates a resumption detector backed by the given store.
func NewDetector(st store.Store) *Detector {
	return &Detector{store: st}
}

// ComputePhase reads the thread's persisted messages and records and returns
// the recomputed phase for the round.
func (d *Detector) ComputePhase(ctx context.Context, threadID string, roundNumber int) (model.RoundPhase, error) {
	thread, err := d.store.GetThread(ctx, threadID)
	if err != nil {
		return model.RoundPhase{}, fmt.Errorf("get thread: %w", err)
	}

	messages, err := d.store.ListRoundMessages(ctx, threadID, roundNumber)
	if err != nil {
		return model.RoundPhase{}, fmt.Errorf("list round messages: %w", err)
	}

	pre, err := d.store.GetPreSearch(ctx, threadID, roundNumber)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return model.RoundPhase{}, fmt.Errorf("get presearch: %w", err)
	}

	analysis, err := d.store.GetAnalysis(ctx, threadID, roundNumber)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return model.RoundPhase{}, fmt.Errorf("get analysis: %w", err)
	}

	return Phase(thread.Config, messages, pre, analysis, roundNumber, time.Now()), nil
}
