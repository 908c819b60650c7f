// Package service provides business logic for the roundtable platform.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
	"github.com/roundtable-ai/roundtable-platform/internal/round"
	"github.com/roundtable-ai/roundtable-platform/internal/store"
	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
)

// ErrThreadNotFound is returned when a thread does not exist or does not
// belong to the caller.
var ErrThreadNotFound = errors.New("thread not found")

// ThreadService handles thread operations.
type ThreadService struct {
	store     store.Store
	sequencer *round.Sequencer
	logger    *logger.Logger
}

// NewThreadService creates a new thread service.
func NewThreadService(st store.Store, seq *round.Sequencer, log *logger.Logger) *ThreadService {
	return &ThreadService{store: st, sequencer: seq, logger: log}
}

// Create creates a new thread.
func (s *ThreadService) Create(ctx context.Context, userID string, req *model.CreateThreadRequest) (*model.Thread, error) {
	now := time.Now()

	cfg := req.Config
	if cfg.Mode == "" {
		cfg.Mode = model.ModeDiscussion
	}
	for i := range cfg.Participants {
		cfg.Participants[i].Index = i
		if cfg.Participants[i].Priority == 0 {
			cfg.Participants[i].Priority = i
		}
	}

	thread := &model.Thread{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Title:     req.Title,
		Config:    cfg,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	s.logger.Infow("thread created", "thread_id", thread.ID, "user_id", userID,
		"participants", len(cfg.Participants))
	return thread, nil
}

// Get retrieves a thread owned by the user.
func (s *ThreadService) Get(ctx context.Context, userID, threadID string) (*model.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	if thread.UserID != userID {
		return nil, ErrThreadNotFound
	}
	return thread, nil
}

// List retrieves threads for a user.
func (s *ThreadService) List(ctx context.Context, userID string, limit, offset int) (*model.ListThreadsResponse, error) {
	threads, total, err := s.store.ListThreads(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return &model.ListThreadsResponse{
		Threads: threads,
		Total:   total,
		HasMore: offset+len(threads) < total,
	}, nil
}

// Update applies a PATCH: a title change is written directly; any
// configuration delta runs through the config change sequencer keyed to the
// thread's next round, so the changelog ordering guarantees hold.
func (s *ThreadService) Update(ctx context.Context, userID, threadID string, req *model.UpdateThreadRequest) (*model.Thread, error) {
	thread, err := s.Get(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		thread.Title = *req.Title
	}

	next, diff := round.ApplyConfig(thread.Config, *req)
	if diff.Empty() {
		// Title-only updates do not touch the sequencer.
		if req.Title != nil {
			if err := s.store.UpdateThreadConfig(ctx, threadID, thread.Title, thread.Config); err != nil {
				return nil, fmt.Errorf("update thread: %w", err)
			}
		}
		return thread, nil
	}

	nextRound, err := s.store.NextRoundNumber(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("next round: %w", err)
	}
	if _, err := s.sequencer.Apply(ctx, thread, next, diff, nextRound); err != nil {
		return nil, fmt.Errorf("sequence config change: %w", err)
	}
	return thread, nil
}

// Delete soft deletes a thread.
func (s *ThreadService) Delete(ctx context.Context, userID, threadID string) error {
	if _, err := s.Get(ctx, userID, threadID); err != nil {
		return err
	}
	return s.store.SoftDeleteThread(ctx, threadID)
}

// Messages lists a thread's messages in order.
func (s *ThreadService) Messages(ctx context.Context, userID, threadID string) (*model.ListMessagesResponse, error) {
	if _, err := s.Get(ctx, userID, threadID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	views := make([]model.MessageView, len(msgs))
	for i := range msgs {
		views[i] = model.NewMessageView(msgs[i])
	}
	return &model.ListMessagesResponse{Messages: views, Total: len(msgs)}, nil
}
