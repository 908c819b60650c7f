package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roundtable-ai/roundtable-platform/internal/credit"
	"github.com/roundtable-ai/roundtable-platform/internal/model"
	"github.com/roundtable-ai/roundtable-platform/internal/round"
	"github.com/roundtable-ai/roundtable-platform/internal/store"
	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
	"github.com/roundtable-ai/roundtable-platform/pkg/metrics"
)

// RoundService opens rounds and hands them to the state machine.
type RoundService struct {
	store     store.Store
	ledger    *credit.Ledger
	sequencer *round.Sequencer
	machine   *round.Machine
	scheduler *round.Scheduler
	detector  *round.Detector
	threads   *ThreadService
	logger    *logger.Logger
}

// NewRoundService creates a new round service.
func NewRoundService(
	st store.Store,
	ledger *credit.Ledger,
	seq *round.Sequencer,
	machine *round.Machine,
	scheduler *round.Scheduler,
	detector *round.Detector,
	threads *ThreadService,
	log *logger.Logger,
) *RoundService {
	return &RoundService{
		store:     st,
		ledger:    ledger,
		sequencer: seq,
		machine:   machine,
		scheduler: scheduler,
		detector:  detector,
		threads:   threads,
		logger:    log,
	}
}

// Submit opens a new round: it checks credits synchronously, persists the
// user message, sequences any config delta the submission carries, and
// schedules round execution as a background task detached from the caller's
// connection. The returned round number is live immediately for status polls.
func (s *RoundService) Submit(ctx context.Context, userID string, plan model.Plan, threadID string, req *model.SubmitRoundRequest, sink round.TokenSink) (int, error) {
	thread, err := s.threads.Get(ctx, userID, threadID)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return 0, fmt.Errorf("message content is required")
	}

	if _, err := s.ledger.EnsureAccount(ctx, userID, plan); err != nil {
		return 0, fmt.Errorf("ensure account: %w", err)
	}

	// Insufficient credits is the one error surfaced before any work begins.
	cfg := thread.Config
	if req.Config != nil {
		cfg, _ = round.ApplyConfig(thread.Config, *req.Config)
	}
	if err := s.ledger.CanStartRound(ctx, userID, credit.EstimateRoundCost(cfg)); err != nil {
		return 0, err
	}

	roundNumber, err := s.store.NextRoundNumber(ctx, threadID)
	if err != nil {
		return 0, fmt.Errorf("next round: %w", err)
	}

	userMsg := &model.Message{
		ID:               uuid.Must(uuid.NewV7()).String(),
		ThreadID:         threadID,
		UserID:           userID,
		Role:             model.RoleUser,
		RoundNumber:      roundNumber,
		ParticipantIndex: model.ModeratorIndex,
		Parts:            []model.MessagePart{{Index: 0, State: model.PartDone, Text: req.Content}},
		CreatedAt:        time.Now(),
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		return 0, fmt.Errorf("persist user message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()

	// A config delta on the submission is sequenced before execution starts,
	// keyed to this round.
	if req.Config != nil {
		next, diff := round.ApplyConfig(thread.Config, *req.Config)
		if _, err := s.sequencer.Apply(ctx, thread, next, diff, roundNumber); err != nil {
			return 0, fmt.Errorf("sequence config change: %w", err)
		}
	}

	s.scheduler.Go(ctx, fmt.Sprintf("round %s/%d", threadID, roundNumber), func(taskCtx context.Context) {
		s.machine.Run(taskCtx, threadID, roundNumber, userID, sink)
	})

	s.logger.Infow("round submitted", "thread_id", threadID, "round", roundNumber, "user_id", userID)
	return roundNumber, nil
}

// Status recomputes a round's phase from persisted state.
func (s *RoundService) Status(ctx context.Context, userID, threadID string, roundNumber int) (*model.RoundStatusResponse, error) {
	if _, err := s.threads.Get(ctx, userID, threadID); err != nil {
		return nil, err
	}
	phase, err := s.detector.ComputePhase(ctx, threadID, roundNumber)
	if err != nil {
		return nil, err
	}
	return &model.RoundStatusResponse{
		Status: phase.StatusString(),
		Phase:  phase.String(),
	}, nil
}
