package round

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roundtable-ai/roundtable-platform/internal/credit"
	"github.com/roundtable-ai/roundtable-platform/internal/llm"
	"github.com/roundtable-ai/roundtable-platform/internal/model"
	"github.com/roundtable-ai/roundtable-platform/internal/store"
	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeLLM streams a canned reply token by token. Stream call numbers listed
// in failOn return an upstream error instead.
type fakeLLM struct {
	mu          sync.Mutex
	streamCalls int
	failOn      map[int]bool
	reply       string
}

func newFakeLLM(reply string) *fakeLLM {
	return &fakeLLM{reply: reply, failOn: map[int]bool{}}
}

func (f *fakeLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{
		Content:    f.reply,
		Model:      "fake-model",
		TokensIn:   10,
		TokensOut:  20,
		StopReason: "stop",
	}, nil
}

func (f *fakeLLM) CompleteStream(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.streamCalls++
	n := f.streamCalls
	f.mu.Unlock()

	if f.failOn[n] {
		return nil, errors.New("upstream unavailable")
	}

	for i, word := range strings.SplitAfter(f.reply, " ") {
		if err := cb(word, i); err != nil {
			return nil, err
		}
	}
	return &llm.CompletionResponse{
		Content:    f.reply,
		Model:      "fake-model",
		TokensIn:   10,
		TokensOut:  20,
		StopReason: "stop",
	}, nil
}

func (f *fakeLLM) Name() string     { return "fake" }
func (f *fakeLLM) Models() []string { return []string{"fake-model"} }

// eventRecorder captures publishes in order. onEvent, when set, observes
// every event outside the recorder's lock.
type eventRecorder struct {
	mu         sync.Mutex
	events     []model.RoundEvent
	changelogs []model.Changelog
	log        *opLog
	onEvent    func(ctx context.Context, e *model.RoundEvent)
}

func (r *eventRecorder) PublishEvent(ctx context.Context, e *model.RoundEvent) (uint64, error) {
	if r.onEvent != nil {
		r.onEvent(ctx, e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	if r.log != nil {
		r.log.add("publish_event:" + string(e.Type))
	}
	return uint64(len(r.events)), nil
}

func (r *eventRecorder) PublishChangelog(ctx context.Context, c *model.Changelog) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changelogs = append(r.changelogs, *c)
	if r.log != nil {
		r.log.add("publish_changelog")
	}
	return uint64(len(r.changelogs)), nil
}

// participantStarts returns the participant indexes of participant_started
// events in publish order.
func (r *eventRecorder) participantStarts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, e := range r.events {
		if e.Type != model.EventParticipantStarted {
			continue
		}
		if idx, ok := e.Metadata["participant"].(int); ok {
			out = append(out, idx)
		}
	}
	return out
}

func (r *eventRecorder) count(t model.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// opLog is an ordered record of side effects shared across fakes.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type machineFixture struct {
	store   *store.SQLiteStore
	events  *eventRecorder
	client  *fakeLLM
	ledger  *credit.Ledger
	sched   *Scheduler
	machine *Machine
	thread  *model.Thread
}

func newMachineFixture(t *testing.T, cfg model.ThreadConfig, plan model.Plan) *machineFixture {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNop()

	st := newTestStore(t)
	events := &eventRecorder{}
	client := newFakeLLM("this is a canned reply")

	reg := llm.NewRegistry(llm.ProviderAnthropic)
	reg.Register(llm.ProviderAnthropic, client)

	ledger := credit.NewLedger(st, log)
	sched := NewScheduler(log)
	m := NewMachine(st, events, reg, ledger, sched, log)
	m.SetPollInterval(5 * time.Millisecond)

	thread := &model.Thread{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    "u1",
		Title:     "test thread",
		Config:    cfg,
		Status:    "active",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := st.CreateThread(ctx, thread); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := ledger.EnsureAccount(ctx, "u1", plan); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	return &machineFixture{
		store:   st,
		events:  events,
		client:  client,
		ledger:  ledger,
		sched:   sched,
		machine: m,
		thread:  thread,
	}
}

func (f *machineFixture) submitUserMessage(t *testing.T, round int, content string) {
	t.Helper()
	msg := &model.Message{
		ID:               uuid.Must(uuid.NewV7()).String(),
		ThreadID:         f.thread.ID,
		UserID:           "u1",
		Role:             model.RoleUser,
		RoundNumber:      round,
		ParticipantIndex: model.ModeratorIndex,
		Parts:            []model.MessagePart{{Index: 0, State: model.PartDone, Text: content}},
		CreatedAt:        time.Now(),
	}
	if err := f.store.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("create user message: %v", err)
	}
}

// runRound executes a round to completion, waiting out every background
// continuation the scheduler picked up.
func (f *machineFixture) runRound(t *testing.T, round int, sink TokenSink) {
	t.Helper()
	f.machine.Run(context.Background(), f.thread.ID, round, "u1", sink)

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.sched.Shutdown(waitCtx); err != nil {
		t.Fatalf("round did not finish: %v", err)
	}
}

func countRoles(msgs []model.Message) map[model.Role]int {
	out := map[model.Role]int{}
	for i := range msgs {
		out[msgs[i].Role]++
	}
	return out
}

func TestMachineTwoParticipantRound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newMachineFixture(t, cfgWith(2, false), model.PlanFree)
	f.submitUserMessage(t, 1, "what should we build")
	f.runRound(t, 1, nil)

	msgs, err := f.store.ListRoundMessages(ctx, f.thread.ID, 1)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	roles := countRoles(msgs)
	if roles[model.RoleAssistant] != 2 {
		t.Errorf("expected 2 assistant messages, got %d", roles[model.RoleAssistant])
	}
	if roles[model.RoleModerator] != 1 {
		t.Errorf("expected 1 moderator message, got %d", roles[model.RoleModerator])
	}
	for i := range msgs {
		if msgs[i].Role != model.RoleUser && !msgs[i].Complete() {
			t.Errorf("message %s (%s) not complete", msgs[i].ID, msgs[i].Role)
		}
	}

	analysis, err := f.store.GetAnalysis(ctx, f.thread.ID, 1)
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if analysis.Status != model.StatusComplete {
		t.Errorf("expected analysis complete, got %s", analysis.Status)
	}
	if analysis.Summary == "" {
		t.Error("expected a non-empty summary")
	}

	// Free plan: the one included round zeroes the remainder, exactly once.
	account, err := f.store.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Balance != 0 {
		t.Errorf("expected zeroed balance, got %d", account.Balance)
	}
	exhausted, err := f.store.HasTransaction(ctx, "u1", model.TxnFreeRoundExhausted)
	if err != nil || !exhausted {
		t.Errorf("expected free_round_exhausted transaction, got %v %v", exhausted, err)
	}

	if n := f.events.count(model.EventRoundComplete); n != 1 {
		t.Errorf("expected exactly one round_complete event, got %d", n)
	}

	// Every step marker is consumed.
	for _, step := range []string{"participant:0", "participant:1", "moderator", "round_complete"} {
		claimed, err := f.store.ClaimStep(ctx, f.thread.ID, 1, step)
		if err != nil {
			t.Fatalf("claim %s: %v", step, err)
		}
		if claimed {
			t.Errorf("step %s was never claimed during the round", step)
		}
	}
}

func TestMachineWalksParticipantsInPriorityOrder(t *testing.T) {
	t.Parallel()

	// Roster declaration order deliberately disagrees with priority order.
	cfg := model.ThreadConfig{
		Mode: model.ModeDiscussion,
		Participants: []model.Participant{
			{Index: 0, Name: "A", Priority: 2, Enabled: true},
			{Index: 1, Name: "B", Priority: 0, Enabled: true},
			{Index: 2, Name: "C", Priority: 1, Enabled: true},
		},
	}

	f := newMachineFixture(t, cfg, model.PlanPro)
	f.submitUserMessage(t, 1, "order matters")
	f.runRound(t, 1, nil)

	got := f.events.participantStarts()
	want := []int{1, 2, 0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("participants started in order %v, want priority order %v", got, want)
	}
}

func TestMachineFreePlanZeroesOnlyAfterLastParticipant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newMachineFixture(t, cfgWith(3, false), model.PlanFree)

	// Snapshot the balance at every participant-complete boundary.
	var mu sync.Mutex
	var balances []int64
	f.events.onEvent = func(evCtx context.Context, e *model.RoundEvent) {
		if e.Type != model.EventParticipantComplete {
			return
		}
		account, err := f.store.GetAccount(evCtx, "u1")
		if err != nil {
			t.Errorf("get account: %v", err)
			return
		}
		mu.Lock()
		balances = append(balances, account.Balance)
		mu.Unlock()
	}

	f.submitUserMessage(t, 1, "hello panel")
	f.runRound(t, 1, nil)

	mu.Lock()
	defer mu.Unlock()
	if len(balances) != 3 {
		t.Fatalf("expected 3 participant-complete snapshots, got %d", len(balances))
	}
	for i, b := range balances {
		if want := credit.FreeAllowance - int64(i+1)*credit.ParticipantCost; b != want {
			t.Errorf("balance after participant %d: got %d, want %d", i, b, want)
		}
		if b == 0 {
			t.Errorf("balance zeroed after participant %d, before the round completed", i)
		}
	}

	// Only the completed round zeroes the remainder.
	account, err := f.store.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Balance != 0 {
		t.Errorf("expected zeroed balance after the round, got %d", account.Balance)
	}
}

func TestMachineSingleParticipantSkipsModerator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newMachineFixture(t, cfgWith(1, false), model.PlanPro)
	f.submitUserMessage(t, 1, "hello")
	f.runRound(t, 1, nil)

	if _, err := f.store.GetAnalysis(ctx, f.thread.ID, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no analysis record, got err=%v", err)
	}

	msgs, _ := f.store.ListRoundMessages(ctx, f.thread.ID, 1)
	if roles := countRoles(msgs); roles[model.RoleModerator] != 0 {
		t.Errorf("expected no moderator message, got %d", roles[model.RoleModerator])
	}

	if n := f.events.count(model.EventRoundComplete); n != 1 {
		t.Errorf("expected one round_complete event, got %d", n)
	}

	// Pro plan deducts actual cost only: one participant, no moderator.
	account, _ := f.store.GetAccount(ctx, "u1")
	if want := credit.ProAllowance - credit.ParticipantCost; account.Balance != want {
		t.Errorf("expected balance %d, got %d", want, account.Balance)
	}
}

func TestMachineParticipantFailureStillCompletesRound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newMachineFixture(t, cfgWith(2, false), model.PlanPro)
	f.client.failOn[1] = true // first participant's stream fails
	f.submitUserMessage(t, 1, "hello")
	f.runRound(t, 1, nil)

	msgs, err := f.store.ListRoundMessages(ctx, f.thread.ID, 1)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}

	var failed *model.Message
	for i := range msgs {
		if msgs[i].Role == model.RoleAssistant && msgs[i].ParticipantIndex == 0 {
			failed = &msgs[i]
		}
	}
	if failed == nil {
		t.Fatal("participant 0 left no message")
	}
	if !failed.Complete() {
		t.Error("failed participant must still be complete")
	}
	if failed.FinishReason != "error" {
		t.Errorf("expected finish reason error, got %q", failed.FinishReason)
	}

	// The failed unit settles at zero; only participant 1 and the moderator
	// are charged.
	account, _ := f.store.GetAccount(ctx, "u1")
	if want := credit.ProAllowance - credit.ParticipantCost - credit.ModeratorCost; account.Balance != want {
		t.Errorf("expected balance %d, got %d", want, account.Balance)
	}

	if n := f.events.count(model.EventRoundComplete); n != 1 {
		t.Errorf("expected one round_complete event, got %d", n)
	}
}

func TestMachinePreSearchRunsBeforeParticipants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newMachineFixture(t, cfgWith(2, true), model.PlanPro)
	f.submitUserMessage(t, 1, "what changed this week")
	f.runRound(t, 1, nil)

	pre, err := f.store.GetPreSearch(ctx, f.thread.ID, 1)
	if err != nil {
		t.Fatalf("get presearch: %v", err)
	}
	if pre.Status != model.StatusComplete {
		t.Errorf("expected presearch complete, got %s", pre.Status)
	}
	if pre.Summary == "" {
		t.Error("expected presearch summary")
	}

	account, _ := f.store.GetAccount(ctx, "u1")
	want := credit.ProAllowance - credit.PreSearchCost - 2*credit.ParticipantCost - credit.ModeratorCost
	if account.Balance != want {
		t.Errorf("expected balance %d, got %d", want, account.Balance)
	}

	if n := f.events.count(model.EventPreSearchComplete); n != 1 {
		t.Errorf("expected one presearch_complete event, got %d", n)
	}
}

func TestMachineProPlanNeverZeroed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newMachineFixture(t, cfgWith(2, false), model.PlanPro)
	f.submitUserMessage(t, 1, "hello")
	f.runRound(t, 1, nil)

	exhausted, err := f.store.HasTransaction(ctx, "u1", model.TxnFreeRoundExhausted)
	if err != nil {
		t.Fatalf("has transaction: %v", err)
	}
	if exhausted {
		t.Error("pro accounts must never be zeroed")
	}
}

func TestMachineSinkFailureDoesNotAbortRound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newMachineFixture(t, cfgWith(2, false), model.PlanPro)
	f.submitUserMessage(t, 1, "hello")

	// The sink dies after the first token, as a disconnecting client would.
	var delivered int
	var mu sync.Mutex
	sink := func(participantIndex int, token string, index int) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		if delivered > 1 {
			return errors.New("client gone")
		}
		return nil
	}
	f.runRound(t, 1, sink)

	msgs, err := f.store.ListRoundMessages(ctx, f.thread.ID, 1)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	for i := range msgs {
		if msgs[i].Role == model.RoleAssistant {
			if !msgs[i].Complete() {
				t.Errorf("participant %d not complete after sink failure", msgs[i].ParticipantIndex)
			}
			if msgs[i].Content() == "" {
				t.Errorf("participant %d lost its content", msgs[i].ParticipantIndex)
			}
		}
	}

	if n := f.events.count(model.EventRoundComplete); n != 1 {
		t.Errorf("expected one round_complete event, got %d", n)
	}
}

func TestMachineModeratorClaimIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newMachineFixture(t, cfgWith(2, false), model.PlanPro)
	f.submitUserMessage(t, 1, "hello")
	f.runRound(t, 1, nil)

	before, _ := f.store.ListRoundMessages(ctx, f.thread.ID, 1)

	// A second evaluator of the completion gate triggers the moderator
	// again; the consumed step marker makes it a no-op.
	f.machine.runModerator(ctx, f.thread, 1, "u1", nil, time.Now())

	after, _ := f.store.ListRoundMessages(ctx, f.thread.ID, 1)
	if len(after) != len(before) {
		t.Errorf("duplicate moderator run created messages: %d -> %d", len(before), len(after))
	}
}

func TestMachineResumesAfterPartialRound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newMachineFixture(t, cfgWith(3, false), model.PlanPro)
	f.submitUserMessage(t, 1, "hello")

	// Simulate a prior process that finished participant 0 and then died:
	// the step marker is consumed and a complete message exists.
	if _, err := f.store.ClaimStep(ctx, f.thread.ID, 1, "participant:0"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	pre := &model.Message{
		ID:               uuid.Must(uuid.NewV7()).String(),
		ThreadID:         f.thread.ID,
		UserID:           "u1",
		Role:             model.RoleAssistant,
		RoundNumber:      1,
		ParticipantIndex: 0,
		Parts:            []model.MessagePart{{Index: 0, State: model.PartDone, Text: "done before crash"}},
		FinishReason:     "stop",
		CreatedAt:        time.Now(),
	}
	if err := f.store.CreateMessage(ctx, pre); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	f.runRound(t, 1, nil)

	msgs, err := f.store.ListRoundMessages(ctx, f.thread.ID, 1)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	roles := countRoles(msgs)
	if roles[model.RoleAssistant] != 3 {
		t.Errorf("expected 3 assistant messages, got %d", roles[model.RoleAssistant])
	}
	if roles[model.RoleModerator] != 1 {
		t.Errorf("expected 1 moderator message, got %d", roles[model.RoleModerator])
	}

	// Participant 0 must not be re-run or re-charged.
	var p0 int
	for i := range msgs {
		if msgs[i].Role == model.RoleAssistant && msgs[i].ParticipantIndex == 0 {
			p0++
			if msgs[i].Content() != "done before crash" {
				t.Errorf("participant 0 message rewritten: %q", msgs[i].Content())
			}
		}
	}
	if p0 != 1 {
		t.Errorf("expected exactly one participant 0 message, got %d", p0)
	}

	account, _ := f.store.GetAccount(ctx, "u1")
	want := credit.ProAllowance - 2*credit.ParticipantCost - credit.ModeratorCost
	if account.Balance != want {
		t.Errorf("expected balance %d, got %d", want, account.Balance)
	}
}

func TestSchedulerRejectsAfterShutdown(t *testing.T) {
	t.Parallel()

	sched := NewScheduler(logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ran := make(chan struct{})
	if ok := sched.Go(ctx, "task", func(context.Context) { close(ran) }); !ok {
		t.Fatal("expected task to be accepted")
	}
	select {
	case <-ran:
	case <-ctx.Done():
		t.Fatal("task never ran")
	}

	if err := sched.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ok := sched.Go(ctx, "late", func(context.Context) {}); ok {
		t.Error("expected task rejection after shutdown")
	}
}

func TestSchedulerSurvivesPanics(t *testing.T) {
	t.Parallel()

	sched := NewScheduler(logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sched.Go(ctx, "panicking", func(context.Context) { panic("boom") })
	if err := sched.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown after panic: %v", err)
	}
}
