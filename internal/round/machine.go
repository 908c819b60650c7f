package round

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roundtable-ai/roundtable-platform/internal/credit"
	"github.com/roundtable-ai/roundtable-platform/internal/llm"
	"github.com/roundtable-ai/roundtable-platform/internal/model"
	"github.com/roundtable-ai/roundtable-platform/internal/store"
	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
	"github.com/roundtable-ai/roundtable-platform/pkg/metrics"
)

// TokenSink receives live tokens for a connected client. It is advisory: a
// sink error stops forwarding to that client but never aborts the round.
type TokenSink func(participantIndex int, token string, index int) error

// step identifiers used for idempotency markers and credit reservations.
const (
	stepPreSearch     = "presearch"
	stepModerator     = "moderator"
	stepRoundComplete = "round_complete"
)

func stepParticipant(i int) string {
	return fmt.Sprintf("participant:%d", i)
}

// Machine walks a round through its phases: pre-search hold, participants
// in priority order, moderator, complete. Every transition re-reads the
// store; nothing trusts a previously-held value, because a concurrent client
// or another process may have advanced the round in between.
type Machine struct {
	store  store.Store
	events EventPublisher
	llms   *llm.Registry
	ledger *credit.Ledger
	sched  *Scheduler
	logger *logger.Logger

	// pollInterval is how often start gates are re-read while blocked.
	pollInterval time.Duration
}

// NewMachine creates the round state machine.
func NewMachine(st store.Store, events EventPublisher, llms *llm.Registry, ledger *credit.Ledger, sched *Scheduler, log *logger.Logger) *Machine {
	return &Machine{
		store:        st,
		events:       events,
		llms:         llms,
		ledger:       ledger,
		sched:        sched,
		logger:       log,
		pollInterval: 200 * time.Millisecond,
	}
}

// SetPollInterval overrides the gate polling interval. Used by tests.
func (m *Machine) SetPollInterval(d time.Duration) {
	m.pollInterval = d
}

// Run executes a round from its beginning. The user message for the round
// must already be persisted and any config delta already sequenced. Run is
// expected to be invoked on the scheduler's detached context so the round
// survives client disconnection.
func (m *Machine) Run(ctx context.Context, threadID string, roundNumber int, userID string, sink TokenSink) {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		m.logger.Errorw("round aborted, thread unavailable", "thread_id", threadID, "round", roundNumber, "error", err)
		return
	}

	m.publish(ctx, thread.ID, roundNumber, model.EventRoundStarted, "", nil)
	roundStart := time.Now()

	if thread.Config.WebSearchEnabled {
		m.runPreSearch(ctx, thread, roundNumber, userID)
	}

	if err := m.waitForStartGates(ctx, thread.ID, roundNumber); err != nil {
		m.logger.Errorw("round aborted waiting on start gates", "thread_id", threadID, "round", roundNumber, "error", err)
		return
	}

	// Re-read config after the gates: a sequenced change may have landed.
	thread, err = m.store.GetThread(ctx, threadID)
	if err != nil {
		m.logger.Errorw("round aborted, thread unavailable", "thread_id", threadID, "round", roundNumber, "error", err)
		return
	}

	enabled := thread.Config.EnabledParticipants()
	if len(enabled) == 0 {
		m.logger.Warnw("round has no enabled participants", "thread_id", threadID, "round", roundNumber)
		return
	}

	m.runParticipant(ctx, thread, roundNumber, userID, enabled[0].Index, sink, roundStart)
}

// waitForStartGates blocks until the config change flags are clear and the
// pre-search gate releases. Both are re-read from the store on every poll.
func (m *Machine) waitForStartGates(ctx context.Context, threadID string, roundNumber int) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		flags, err := m.store.GetConfigFlags(ctx, threadID)
		if err != nil {
			return fmt.Errorf("get config flags: %w", err)
		}
		if flags.Clear() {
			thread, err := m.store.GetThread(ctx, threadID)
			if err != nil {
				return fmt.Errorf("get thread: %w", err)
			}
			pre, err := m.store.GetPreSearch(ctx, threadID, roundNumber)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("get presearch: %w", err)
			}
			if !ShouldWaitForPreSearch(thread.Config.WebSearchEnabled, pre, time.Now()) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runPreSearch executes the round's web-search step if this caller claims
// it. Failure marks the record failed and the round proceeds without search
// context.
func (m *Machine) runPreSearch(ctx context.Context, thread *model.Thread, roundNumber int, userID string) {
	claimed, err := m.store.ClaimStep(ctx, thread.ID, roundNumber, stepPreSearch)
	if err != nil {
		m.logger.Errorw("presearch claim failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
		return
	}
	if !claimed {
		return
	}

	now := time.Now()
	query := m.roundUserContent(ctx, thread.ID, roundNumber)
	if _, err := m.store.CreatePreSearch(ctx, &model.PreSearch{
		ThreadID:    thread.ID,
		RoundNumber: roundNumber,
		Status:      model.StatusPending,
		Query:       query,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		m.logger.Errorw("presearch create failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
		return
	}
	m.publish(ctx, thread.ID, roundNumber, model.EventPreSearchStarted, "", nil)

	res, err := m.ledger.Reserve(ctx, userID, thread.ID, roundNumber, stepPreSearch, credit.PreSearchCost)
	if err != nil {
		m.failPreSearch(ctx, thread.ID, roundNumber, err)
		return
	}

	if err := m.store.UpdatePreSearch(ctx, thread.ID, roundNumber, model.StatusStreaming, ""); err != nil {
		m.logger.Errorw("presearch update failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
	}

	client, err := m.llms.For("")
	if err != nil {
		m.settle(ctx, res, 0)
		m.failPreSearch(ctx, thread.ID, roundNumber, err)
		return
	}

	resp, err := client.Complete(ctx, &llm.CompletionRequest{
		System:    "Summarize the current public context relevant to the user's question, as briefing notes for a panel of AI participants.",
		Messages:  []llm.ChatMessage{{Role: "user", Content: query}},
		MaxTokens: 1024,
	})
	if err != nil {
		m.settle(ctx, res, 0)
		m.failPreSearch(ctx, thread.ID, roundNumber, err)
		return
	}

	if err := m.store.UpdatePreSearch(ctx, thread.ID, roundNumber, model.StatusComplete, resp.Content); err != nil {
		m.logger.Errorw("presearch complete write failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
	}
	m.settle(ctx, res, credit.PreSearchCost)
	m.publish(ctx, thread.ID, roundNumber, model.EventPreSearchComplete, "", nil)
}

func (m *Machine) failPreSearch(ctx context.Context, threadID string, roundNumber int, cause error) {
	m.logger.Warnw("presearch failed, round proceeds without search context",
		"thread_id", threadID, "round", roundNumber, "error", cause)
	if err := m.store.UpdatePreSearch(ctx, threadID, roundNumber, model.StatusFailed, ""); err != nil {
		m.logger.Errorw("presearch fail write failed", "thread_id", threadID, "round", roundNumber, "error", err)
	}
	m.publish(ctx, threadID, roundNumber, model.EventPreSearchComplete, "failed", nil)
}

// runParticipant streams one participant's response, then hands off to the
// continuation logic. The per-step marker makes starting a participant
// idempotent across a live client request and a background continuation.
func (m *Machine) runParticipant(ctx context.Context, thread *model.Thread, roundNumber int, userID string, index int, sink TokenSink, roundStart time.Time) {
	claimed, err := m.store.ClaimStep(ctx, thread.ID, roundNumber, stepParticipant(index))
	if err != nil {
		m.logger.Errorw("participant claim failed", "thread_id", thread.ID, "round", roundNumber, "participant", index, "error", err)
		return
	}
	if !claimed {
		// First starter wins. If that earlier starter already finished the
		// participant (e.g. this is a resumed round), push the continuation;
		// otherwise its own completion hook will.
		messages, err := m.store.ListRoundMessages(ctx, thread.ID, roundNumber)
		if err == nil && ParticipantComplete(messages, index, roundNumber) {
			m.continueRound(ctx, thread, roundNumber, userID, sink, roundStart)
		}
		return
	}

	participant, ok := participantAt(thread.Config, index)
	if !ok {
		m.logger.Errorw("participant missing from roster", "thread_id", thread.ID, "round", roundNumber, "participant", index)
		return
	}

	m.publish(ctx, thread.ID, roundNumber, model.EventParticipantStarted, "", map[string]any{"participant": index})

	reservation, err := m.ledger.Reserve(ctx, userID, thread.ID, roundNumber, stepParticipant(index), credit.ParticipantCost)
	if err != nil {
		// Mid-round exhaustion is absorbed as a failed unit so the gate
		// still accounts for every participant.
		m.writeFailedMessage(ctx, thread, roundNumber, userID, index, err)
		m.continueRound(ctx, thread, roundNumber, userID, sink, roundStart)
		return
	}

	msg := &model.Message{
		ID:               uuid.Must(uuid.NewV7()).String(),
		ThreadID:         thread.ID,
		UserID:           userID,
		Role:             model.RoleAssistant,
		RoundNumber:      roundNumber,
		ParticipantIndex: index,
		Parts:            []model.MessagePart{{Index: 0, State: model.PartStreaming}},
		CreatedAt:        time.Now(),
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		m.settle(ctx, reservation, 0)
		m.logger.Errorw("participant message create failed", "thread_id", thread.ID, "round", roundNumber, "participant", index, "error", err)
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()

	client, err := m.llms.For(participant.Provider)
	if err != nil {
		m.settle(ctx, reservation, 0)
		m.finishWithError(ctx, msg.ID, err)
		m.continueRound(ctx, thread, roundNumber, userID, sink, roundStart)
		return
	}

	prompt := m.buildParticipantPrompt(ctx, thread, roundNumber, participant)

	streamStart := time.Now()
	var buffered string
	forward := sink
	resp, err := client.CompleteStream(ctx, prompt, func(token string, i int) error {
		buffered += token
		if err := m.store.UpdateMessagePart(ctx, msg.ID, model.MessagePart{
			Index: 0,
			State: model.PartStreaming,
			Text:  buffered,
		}); err != nil {
			return err
		}
		if forward != nil {
			if err := forward(index, token, i); err != nil {
				// Client gone; stop forwarding but keep streaming.
				forward = nil
			}
		}
		return nil
	})

	if err != nil {
		// Upstream failure is recorded as complete-with-error so the round
		// is not blocked; the moderator gate still sees this participant
		// accounted for.
		m.settle(ctx, reservation, 0)
		m.finishWithError(ctx, msg.ID, err)
		metrics.RecordParticipantStream(participant.Model, "error", time.Since(streamStart).Seconds(), 0, 0)
		m.publish(ctx, thread.ID, roundNumber, model.EventError, err.Error(), map[string]any{"participant": index})
	} else {
		finish := resp.StopReason
		if finish == "" {
			finish = "stop"
		}
		if err := m.store.FinishMessage(ctx, msg.ID, store.FinishMessageParams{
			FinishReason: finish,
			Model:        &resp.Model,
			TokensIn:     &resp.TokensIn,
			TokensOut:    &resp.TokensOut,
			LatencyMs:    &resp.LatencyMs,
		}); err != nil {
			m.logger.Errorw("participant finish write failed", "thread_id", thread.ID, "round", roundNumber, "participant", index, "error", err)
		}
		m.settle(ctx, reservation, credit.ParticipantCost)
		metrics.RecordParticipantStream(resp.Model, "success", time.Since(streamStart).Seconds(), resp.TokensIn, resp.TokensOut)
	}

	m.publish(ctx, thread.ID, roundNumber, model.EventParticipantComplete, "", map[string]any{"participant": index})
	m.continueRound(ctx, thread, roundNumber, userID, sink, roundStart)
}

// continueRound is the background continuation hook invoked when a unit of
// work finishes: it re-reads the round from the store and schedules the next
// participant, the moderator, or round completion as a detached task.
func (m *Machine) continueRound(ctx context.Context, thread *model.Thread, roundNumber int, userID string, sink TokenSink, roundStart time.Time) {
	messages, err := m.store.ListRoundMessages(ctx, thread.ID, roundNumber)
	if err != nil {
		m.logger.Errorw("continuation read failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
		return
	}

	st := CompletionStatus(messages, thread.Config.Participants, roundNumber)

	if !st.AllComplete {
		next := st.StreamingIndexes[0]
		m.sched.Go(ctx, fmt.Sprintf("round %s/%d participant %d", thread.ID, roundNumber, next), func(taskCtx context.Context) {
			m.runParticipant(taskCtx, thread, roundNumber, userID, next, sink, roundStart)
		})
		return
	}

	// Single-participant rounds skip the moderator entirely.
	if st.ExpectedCount < 2 {
		m.finalizeRound(ctx, thread, roundNumber, userID, roundStart)
		return
	}

	m.sched.Go(ctx, fmt.Sprintf("round %s/%d moderator", thread.ID, roundNumber), func(taskCtx context.Context) {
		m.runModerator(taskCtx, thread, roundNumber, userID, sink, roundStart)
	})
}

// runModerator produces the moderator summary once all participants are
// complete. Creation is idempotent: the round-keyed marker ensures that
// concurrent evaluators of the completion gate create at most one analysis.
func (m *Machine) runModerator(ctx context.Context, thread *model.Thread, roundNumber int, userID string, sink TokenSink, roundStart time.Time) {
	claimed, err := m.store.ClaimStep(ctx, thread.ID, roundNumber, stepModerator)
	if err != nil {
		m.logger.Errorw("moderator claim failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
		return
	}
	if !claimed {
		return
	}

	// The gate is re-checked against fresh state; the marker alone is not
	// authority to run.
	messages, err := m.store.ListRoundMessages(ctx, thread.ID, roundNumber)
	if err != nil {
		m.logger.Errorw("moderator read failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
		return
	}
	st := CompletionStatus(messages, thread.Config.Participants, roundNumber)
	if !st.AllComplete {
		m.logger.Warnw("moderator trigger raced an incomplete round", "thread_id", thread.ID, "round", roundNumber)
		return
	}

	now := time.Now()
	if _, err := m.store.CreateAnalysis(ctx, &model.Analysis{
		ThreadID:    thread.ID,
		RoundNumber: roundNumber,
		Status:      model.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		m.logger.Errorw("analysis create failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
		return
	}
	m.publish(ctx, thread.ID, roundNumber, model.EventModeratorStarted, "", nil)

	reservation, err := m.ledger.Reserve(ctx, userID, thread.ID, roundNumber, stepModerator, credit.ModeratorCost)
	if err != nil {
		m.failAnalysis(ctx, thread, roundNumber, userID, err, roundStart)
		return
	}

	if err := m.store.UpdateAnalysis(ctx, thread.ID, roundNumber, model.StatusStreaming, ""); err != nil {
		m.logger.Errorw("analysis update failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
	}

	msg := &model.Message{
		ID:               uuid.Must(uuid.NewV7()).String(),
		ThreadID:         thread.ID,
		UserID:           userID,
		Role:             model.RoleModerator,
		RoundNumber:      roundNumber,
		ParticipantIndex: model.ModeratorIndex,
		Parts:            []model.MessagePart{{Index: 0, State: model.PartStreaming}},
		CreatedAt:        time.Now(),
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		m.settle(ctx, reservation, 0)
		m.failAnalysis(ctx, thread, roundNumber, userID, err, roundStart)
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleModerator)).Inc()

	client, err := m.llms.For("")
	if err != nil {
		m.settle(ctx, reservation, 0)
		m.finishWithError(ctx, msg.ID, err)
		m.failAnalysis(ctx, thread, roundNumber, userID, err, roundStart)
		return
	}

	var buffered string
	forward := sink
	resp, err := client.CompleteStream(ctx, m.buildModeratorPrompt(thread, messages, roundNumber), func(token string, i int) error {
		buffered += token
		if err := m.store.UpdateMessagePart(ctx, msg.ID, model.MessagePart{
			Index: 0,
			State: model.PartStreaming,
			Text:  buffered,
		}); err != nil {
			return err
		}
		if forward != nil {
			if err := forward(model.ModeratorIndex, token, i); err != nil {
				forward = nil
			}
		}
		return nil
	})
	if err != nil {
		m.settle(ctx, reservation, 0)
		m.finishWithError(ctx, msg.ID, err)
		m.failAnalysis(ctx, thread, roundNumber, userID, err, roundStart)
		return
	}

	finish := resp.StopReason
	if finish == "" {
		finish = "stop"
	}
	if err := m.store.FinishMessage(ctx, msg.ID, store.FinishMessageParams{
		FinishReason: finish,
		Model:        &resp.Model,
		TokensIn:     &resp.TokensIn,
		TokensOut:    &resp.TokensOut,
		LatencyMs:    &resp.LatencyMs,
	}); err != nil {
		m.logger.Errorw("moderator finish write failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
	}
	if err := m.store.UpdateAnalysis(ctx, thread.ID, roundNumber, model.StatusComplete, resp.Content); err != nil {
		m.logger.Errorw("analysis complete write failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
	}
	m.settle(ctx, reservation, credit.ModeratorCost)

	m.finalizeRound(ctx, thread, roundNumber, userID, roundStart)
}

// failAnalysis marks the moderator record failed and still completes the
// round; a broken summary never strands an otherwise finished round.
func (m *Machine) failAnalysis(ctx context.Context, thread *model.Thread, roundNumber int, userID string, cause error, roundStart time.Time) {
	m.logger.Warnw("moderator failed, completing round without summary",
		"thread_id", thread.ID, "round", roundNumber, "error", cause)
	if err := m.store.UpdateAnalysis(ctx, thread.ID, roundNumber, model.StatusFailed, ""); err != nil {
		m.logger.Errorw("analysis fail write failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
	}
	m.finalizeRound(ctx, thread, roundNumber, userID, roundStart)
}

// finalizeRound closes the round once; free-tier exhaustion is gated on the
// completion gate's AllComplete, never on per-participant signals.
func (m *Machine) finalizeRound(ctx context.Context, thread *model.Thread, roundNumber int, userID string, roundStart time.Time) {
	claimed, err := m.store.ClaimStep(ctx, thread.ID, roundNumber, stepRoundComplete)
	if err != nil {
		m.logger.Errorw("round complete claim failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
		return
	}
	if !claimed {
		return
	}

	messages, err := m.store.ListRoundMessages(ctx, thread.ID, roundNumber)
	if err != nil {
		m.logger.Errorw("finalize read failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
		return
	}
	st := CompletionStatus(messages, thread.Config.Participants, roundNumber)
	if st.AllComplete {
		if _, err := m.ledger.ZeroOutFreeRound(ctx, userID, thread.ID, roundNumber); err != nil {
			m.logger.Errorw("free round zeroing failed", "thread_id", thread.ID, "round", roundNumber, "error", err)
		}
	}

	metrics.RoundsTotal.WithLabelValues("completed").Inc()
	metrics.RoundDuration.Observe(time.Since(roundStart).Seconds())
	m.publish(ctx, thread.ID, roundNumber, model.EventRoundComplete, "", nil)
	m.logger.Infow("round complete", "thread_id", thread.ID, "round", roundNumber, "duration", time.Since(roundStart))
}

// --- prompt assembly ---

func (m *Machine) roundUserContent(ctx context.Context, threadID string, roundNumber int) string {
	messages, err := m.store.ListRoundMessages(ctx, threadID, roundNumber)
	if err != nil {
		return ""
	}
	for i := range messages {
		if messages[i].Role == model.RoleUser {
			return messages[i].Content()
		}
	}
	return ""
}

func (m *Machine) buildParticipantPrompt(ctx context.Context, thread *model.Thread, roundNumber int, p model.Participant) *llm.CompletionRequest {
	history, err := m.store.ListMessages(ctx, thread.ID)
	if err != nil {
		m.logger.Warnw("history read failed, prompting with round only", "thread_id", thread.ID, "error", err)
	}

	var chat []llm.ChatMessage
	for i := range history {
		msg := &history[i]
		if msg.RoundNumber > roundNumber {
			continue
		}
		content := msg.Content()
		if content == "" {
			continue
		}
		role := "user"
		if msg.Role == model.RoleAssistant && msg.ParticipantIndex == p.Index {
			role = "assistant"
		} else if msg.Role != model.RoleUser {
			content = fmt.Sprintf("[%s] %s", speakerLabel(thread.Config, msg), content)
		}
		chat = append(chat, llm.ChatMessage{Role: role, Content: content})
	}

	if pre, err := m.store.GetPreSearch(ctx, thread.ID, roundNumber); err == nil &&
		pre.Status == model.StatusComplete && pre.Summary != "" && len(chat) > 0 {
		last := &chat[len(chat)-1]
		last.Content = "Web context:\n" + pre.Summary + "\n\n" + last.Content
	}

	system := p.SystemPrompt
	if system == "" {
		system = fmt.Sprintf("You are %s, one voice in a %s among several AI participants. Respond in your own perspective.", p.Name, thread.Config.Mode)
	}

	return &llm.CompletionRequest{
		Model:       p.Model,
		System:      system,
		Messages:    chat,
		MaxTokens:   4096,
		Temperature: p.Temperature,
	}
}

func (m *Machine) buildModeratorPrompt(thread *model.Thread, messages []model.Message, roundNumber int) *llm.CompletionRequest {
	var chat []llm.ChatMessage
	for i := range messages {
		msg := &messages[i]
		if msg.RoundNumber != roundNumber {
			continue
		}
		content := msg.Content()
		if content == "" {
			continue
		}
		if msg.Role == model.RoleAssistant {
			content = fmt.Sprintf("[%s] %s", speakerLabel(thread.Config, msg), content)
		}
		chat = append(chat, llm.ChatMessage{Role: "user", Content: content})
	}
	chat = append(chat, llm.ChatMessage{
		Role:    "user",
		Content: "Summarize the round above: points of agreement, disagreement, and the strongest takeaways.",
	})

	return &llm.CompletionRequest{
		System:    "You are the moderator of a multi-participant AI round. Synthesize, do not take sides.",
		Messages:  chat,
		MaxTokens: 2048,
	}
}

func speakerLabel(cfg model.ThreadConfig, msg *model.Message) string {
	if msg.Role == model.RoleModerator {
		return "moderator"
	}
	if p, ok := participantAt(cfg, msg.ParticipantIndex); ok {
		return p.Name
	}
	return fmt.Sprintf("participant %d", msg.ParticipantIndex)
}

func participantAt(cfg model.ThreadConfig, index int) (model.Participant, bool) {
	for _, p := range cfg.Participants {
		if p.Index == index {
			return p, true
		}
	}
	return model.Participant{}, false
}

// --- small helpers ---

func (m *Machine) finishWithError(ctx context.Context, messageID string, cause error) {
	m.logger.Warnw("stream failed, marking message complete-with-error", "message_id", messageID, "error", cause)
	if err := m.store.FinishMessage(ctx, messageID, store.FinishMessageParams{FinishReason: "error"}); err != nil {
		m.logger.Errorw("error finish write failed", "message_id", messageID, "error", err)
	}
}

// writeFailedMessage records a complete-with-error message for a participant
// that never got to stream, keeping the round's accounting whole.
func (m *Machine) writeFailedMessage(ctx context.Context, thread *model.Thread, roundNumber int, userID string, index int, cause error) {
	m.logger.Warnw("participant failed before streaming",
		"thread_id", thread.ID, "round", roundNumber, "participant", index, "error", cause)
	msg := &model.Message{
		ID:               uuid.Must(uuid.NewV7()).String(),
		ThreadID:         thread.ID,
		UserID:           userID,
		Role:             model.RoleAssistant,
		RoundNumber:      roundNumber,
		ParticipantIndex: index,
		Parts:            []model.MessagePart{{Index: 0, State: model.PartDone}},
		FinishReason:     "error",
		CreatedAt:        time.Now(),
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		m.logger.Errorw("failed message write failed", "thread_id", thread.ID, "round", roundNumber, "participant", index, "error", err)
	}
}

func (m *Machine) settle(ctx context.Context, r *model.Reservation, actual int64) {
	if r == nil {
		return
	}
	if err := m.ledger.Settle(ctx, r, actual); err != nil {
		m.logger.Errorw("reservation settle failed", "reservation_id", r.ID, "error", err)
	}
}

func (m *Machine) publish(ctx context.Context, threadID string, roundNumber int, t model.EventType, reason string, meta map[string]any) {
	if m.events == nil {
		return
	}
	_, err := m.events.PublishEvent(ctx, &model.RoundEvent{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ThreadID:    threadID,
		RoundNumber: roundNumber,
		Type:        t,
		Reason:      reason,
		Metadata:    meta,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		m.logger.Warnw("event publish failed", "thread_id", threadID, "round", roundNumber, "type", t, "error", err)
	}
}
