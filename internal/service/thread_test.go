package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
	"github.com/roundtable-ai/roundtable-platform/internal/round"
	"github.com/roundtable-ai/roundtable-platform/internal/store"
	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
)

type publishRecorder struct {
	mu         sync.Mutex
	events     []model.RoundEvent
	changelogs []model.Changelog
}

func (r *publishRecorder) PublishEvent(ctx context.Context, e *model.RoundEvent) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return uint64(len(r.events)), nil
}

func (r *publishRecorder) PublishChangelog(ctx context.Context, c *model.Changelog) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changelogs = append(r.changelogs, *c)
	return uint64(len(r.changelogs)), nil
}

func newThreadService(t *testing.T) (*ThreadService, store.Store, *publishRecorder) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := logger.NewNop()
	pub := &publishRecorder{}
	seq := round.NewSequencer(st, pub, log)
	return NewThreadService(st, seq, log), st, pub
}

func twoParticipantRequest(title string) *model.CreateThreadRequest {
	return &model.CreateThreadRequest{
		Title: title,
		Config: model.ThreadConfig{
			Participants: []model.Participant{
				{Name: "Claude", Provider: "anthropic", Model: "claude-3", Enabled: true},
				{Name: "GPT", Provider: "openai", Model: "gpt-4", Enabled: true},
			},
		},
	}
}

func TestThreadCreateAssignsDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, _, _ := newThreadService(t)
	thread, err := svc.Create(ctx, "u1", twoParticipantRequest("my thread"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if thread.Config.Mode != model.ModeDiscussion {
		t.Errorf("expected discussion default, got %s", thread.Config.Mode)
	}
	for i, p := range thread.Config.Participants {
		if p.Index != i {
			t.Errorf("participant %d assigned index %d", i, p.Index)
		}
	}

	got, err := svc.Get(ctx, "u1", thread.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "my thread" {
		t.Errorf("title: %q", got.Title)
	}
}

func TestThreadOwnershipEnforced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, _, _ := newThreadService(t)
	thread, err := svc.Create(ctx, "u1", twoParticipantRequest("mine"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Get(ctx, "u2", thread.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("expected not-found for other user, got %v", err)
	}
	if err := svc.Delete(ctx, "u2", thread.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("expected delete rejection, got %v", err)
	}
	if _, err := svc.Get(ctx, "u1", thread.ID); err != nil {
		t.Errorf("owner lost access: %v", err)
	}
}

func TestThreadUpdateTitleOnlySkipsSequencer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, st, pub := newThreadService(t)
	thread, err := svc.Create(ctx, "u1", twoParticipantRequest("old title"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	title := "new title"
	updated, err := svc.Update(ctx, "u1", thread.ID, &model.UpdateThreadRequest{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "new title" {
		t.Errorf("title: %q", updated.Title)
	}
	if len(pub.changelogs) != 0 {
		t.Errorf("title-only update published a changelog")
	}
	if _, err := st.GetChangelog(ctx, thread.ID, 0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("title-only update persisted a changelog: %v", err)
	}
}

func TestThreadUpdateConfigRunsSequencer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, st, pub := newThreadService(t)
	thread, err := svc.Create(ctx, "u1", twoParticipantRequest("t"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	enabled := true
	if _, err := svc.Update(ctx, "u1", thread.ID, &model.UpdateThreadRequest{WebSearchEnabled: &enabled}); err != nil {
		t.Fatalf("update: %v", err)
	}

	stored, err := st.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if !stored.Config.WebSearchEnabled {
		t.Error("config change not persisted")
	}
	if len(pub.changelogs) != 1 {
		t.Errorf("expected one changelog publish, got %d", len(pub.changelogs))
	}

	// Flags are cleared before Update returns.
	flags, err := st.GetConfigFlags(ctx, thread.ID)
	if err != nil {
		t.Fatalf("get flags: %v", err)
	}
	if !flags.Clear() {
		t.Errorf("flags left set: %+v", flags)
	}
}

func TestThreadMessagesRequiresOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, st, _ := newThreadService(t)
	thread, err := svc.Create(ctx, "u1", twoParticipantRequest("t"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	msg := &model.Message{
		ID:               "m1",
		ThreadID:         thread.ID,
		UserID:           "u1",
		Role:             model.RoleUser,
		RoundNumber:      1,
		ParticipantIndex: model.ModeratorIndex,
		Parts:            []model.MessagePart{{Index: 0, State: model.PartDone, Text: "hi"}},
		CreatedAt:        time.Now(),
	}
	if err := st.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create message: %v", err)
	}

	resp, err := svc.Messages(ctx, "u1", thread.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("expected 1 message, got %d", resp.Total)
	}

	if _, err := svc.Messages(ctx, "u2", thread.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("expected rejection for other user, got %v", err)
	}
}

func TestThreadMessagesCarryMetadataEnvelope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, st, _ := newThreadService(t)
	thread, err := svc.Create(ctx, "u1", twoParticipantRequest("t"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	msg := &model.Message{
		ID:               "m1",
		ThreadID:         thread.ID,
		UserID:           "u1",
		Role:             model.RoleAssistant,
		RoundNumber:      2,
		ParticipantIndex: 1,
		Parts:            []model.MessagePart{{Index: 0, State: model.PartDone, Text: "reply"}},
		FinishReason:     "stop",
		CreatedAt:        time.Now(),
	}
	if err := st.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create message: %v", err)
	}

	resp, err := svc.Messages(ctx, "u1", thread.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(resp.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(resp.Messages))
	}
	view := resp.Messages[0]
	if view.Metadata.RoundNumber != 2 || view.Metadata.ParticipantIndex != 1 {
		t.Errorf("metadata envelope: %+v", view.Metadata)
	}

	// Round addressing appears under metadata with camelCase keys, never as
	// top-level fields.
	raw, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["round_number"]; ok {
		t.Error("round_number leaked as a top-level field")
	}
	if _, ok := decoded["participant_index"]; ok {
		t.Error("participant_index leaked as a top-level field")
	}
	var meta struct {
		RoundNumber      *int `json:"roundNumber"`
		ParticipantIndex *int `json:"participantIndex"`
	}
	if err := json.Unmarshal(decoded["metadata"], &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if meta.RoundNumber == nil || *meta.RoundNumber != 2 {
		t.Errorf("metadata.roundNumber: %v", meta.RoundNumber)
	}
	if meta.ParticipantIndex == nil || *meta.ParticipantIndex != 1 {
		t.Errorf("metadata.participantIndex: %v", meta.ParticipantIndex)
	}
}
