package credit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
	"github.com/roundtable-ai/roundtable-platform/internal/store"
	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
)

func newTestLedger(t *testing.T) (*Ledger, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewLedger(st, logger.NewNop()), st
}

func TestEstimateRoundCost(t *testing.T) {
	t.Parallel()

	cfg := model.ThreadConfig{
		Participants: []model.Participant{
			{Index: 0, Name: "A", Enabled: true},
			{Index: 1, Name: "B", Enabled: true},
			{Index: 2, Name: "C", Enabled: false},
		},
	}

	// Two participants plus moderator.
	if got, want := EstimateRoundCost(cfg), 2*ParticipantCost+ModeratorCost; got != want {
		t.Errorf("EstimateRoundCost = %d, want %d", got, want)
	}

	cfg.WebSearchEnabled = true
	if got, want := EstimateRoundCost(cfg), 2*ParticipantCost+ModeratorCost+PreSearchCost; got != want {
		t.Errorf("EstimateRoundCost with search = %d, want %d", got, want)
	}

	// Single participant: no moderator charge.
	single := model.ThreadConfig{Participants: []model.Participant{{Index: 0, Name: "A", Enabled: true}}}
	if got := EstimateRoundCost(single); got != ParticipantCost {
		t.Errorf("EstimateRoundCost single = %d, want %d", got, ParticipantCost)
	}
}

func TestReserveRespectsAvailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ledger, _ := newTestLedger(t)
	if _, err := ledger.EnsureAccount(ctx, "u1", model.PlanFree); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	if _, err := ledger.Reserve(ctx, "u1", "t1", 1, "participant:0", 900); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	// Available is balance minus active reservations, not raw balance.
	if _, err := ledger.Reserve(ctx, "u1", "t1", 1, "participant:1", 200); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("expected ErrInsufficientCredits, got %v", err)
	}

	bal, err := ledger.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Balance != FreeAllowance || bal.Reserved != 900 || bal.Available != 100 {
		t.Errorf("unexpected balance view: %+v", bal)
	}
}

func TestSettleReleasesExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ledger, st := newTestLedger(t)
	if _, err := ledger.EnsureAccount(ctx, "u1", model.PlanFree); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	r, err := ledger.Reserve(ctx, "u1", "t1", 1, "participant:0", ParticipantCost)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := ledger.Settle(ctx, r, ParticipantCost); err != nil {
		t.Fatalf("settle: %v", err)
	}
	account, _ := st.GetAccount(ctx, "u1")
	if account.Balance != FreeAllowance-ParticipantCost {
		t.Errorf("expected balance %d, got %d", FreeAllowance-ParticipantCost, account.Balance)
	}

	// A duplicate settle must not deduct again.
	if err := ledger.Settle(ctx, r, ParticipantCost); err != nil {
		t.Fatalf("duplicate settle: %v", err)
	}
	account, _ = st.GetAccount(ctx, "u1")
	if account.Balance != FreeAllowance-ParticipantCost {
		t.Errorf("duplicate settle changed balance to %d", account.Balance)
	}

	reserved, _ := st.SumActiveReservations(ctx, "u1")
	if reserved != 0 {
		t.Errorf("expected no active reservations, got %d", reserved)
	}
}

func TestSettleZeroReturnsHoldWithoutCharge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ledger, st := newTestLedger(t)
	if _, err := ledger.EnsureAccount(ctx, "u1", model.PlanFree); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	r, err := ledger.Reserve(ctx, "u1", "t1", 1, "presearch", PreSearchCost)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := ledger.Settle(ctx, r, 0); err != nil {
		t.Fatalf("settle zero: %v", err)
	}

	account, _ := st.GetAccount(ctx, "u1")
	if account.Balance != FreeAllowance {
		t.Errorf("failed unit was charged: balance %d", account.Balance)
	}
	reserved, _ := st.SumActiveReservations(ctx, "u1")
	if reserved != 0 {
		t.Errorf("hold not returned: %d", reserved)
	}
}

func TestSettleClampsToBalance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ledger, st := newTestLedger(t)
	if _, err := ledger.EnsureAccount(ctx, "u1", model.PlanFree); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	// Drain the balance to 50 directly.
	if _, err := st.ApplyTransaction(ctx, &model.CreditTransaction{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    "u1",
		Type:      model.TxnDeduction,
		Amount:    -(FreeAllowance - 50),
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("drain: %v", err)
	}

	r, err := ledger.Reserve(ctx, "u1", "t1", 1, "participant:0", 50)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// The actual charge exceeds the remaining balance; it clamps to zero
	// rather than failing or going negative.
	if err := ledger.Settle(ctx, r, ParticipantCost); err != nil {
		t.Fatalf("settle: %v", err)
	}
	account, _ := st.GetAccount(ctx, "u1")
	if account.Balance != 0 {
		t.Errorf("expected clamped balance 0, got %d", account.Balance)
	}
}

func TestZeroOutFreeRound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ledger, st := newTestLedger(t)
	if _, err := ledger.EnsureAccount(ctx, "u1", model.PlanFree); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	zeroed, err := ledger.ZeroOutFreeRound(ctx, "u1", "t1", 1)
	if err != nil {
		t.Fatalf("zero out: %v", err)
	}
	if !zeroed {
		t.Fatal("expected first zero-out to apply")
	}

	account, _ := st.GetAccount(ctx, "u1")
	if account.Balance != 0 {
		t.Errorf("expected balance 0, got %d", account.Balance)
	}

	// At most once per account, even across later rounds.
	zeroed, err = ledger.ZeroOutFreeRound(ctx, "u1", "t2", 5)
	if err != nil {
		t.Fatalf("second zero out: %v", err)
	}
	if zeroed {
		t.Error("second zero-out must be a no-op")
	}
}

func TestZeroOutSkipsProPlan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ledger, st := newTestLedger(t)
	if _, err := ledger.EnsureAccount(ctx, "u1", model.PlanPro); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	zeroed, err := ledger.ZeroOutFreeRound(ctx, "u1", "t1", 1)
	if err != nil {
		t.Fatalf("zero out: %v", err)
	}
	if zeroed {
		t.Error("pro plan must not be zeroed")
	}

	account, _ := st.GetAccount(ctx, "u1")
	if account.Balance != ProAllowance {
		t.Errorf("pro balance changed: %d", account.Balance)
	}
}

func TestCanStartRound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ledger, _ := newTestLedger(t)
	if _, err := ledger.EnsureAccount(ctx, "u1", model.PlanFree); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	if err := ledger.CanStartRound(ctx, "u1", FreeAllowance); err != nil {
		t.Errorf("exact-fit estimate rejected: %v", err)
	}
	if err := ledger.CanStartRound(ctx, "u1", FreeAllowance+1); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("expected ErrInsufficientCredits, got %v", err)
	}
}
