// Package credit meters round cost against per-user balances: estimated cost
// is reserved before each chargeable unit, settled when the unit finishes,
// and a free account's remaining balance is zeroed after its first fully
// completed round.
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
	"github.com/roundtable-ai/roundtable-platform/internal/store"
	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
	"github.com/roundtable-ai/roundtable-platform/pkg/metrics"
)

// ErrInsufficientCredits rejects a round before any work begins.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Unit cost estimates, in credits.
const (
	ParticipantCost int64 = 100
	PreSearchCost   int64 = 50
	ModeratorCost   int64 = 100
)

// Plan allowances, in credits.
const (
	FreeAllowance int64 = 1000
	ProAllowance  int64 = 100000
)

// Balance status thresholds, as fraction of the plan allowance remaining.
const (
	warningFraction  = 0.25
	criticalFraction = 0.10
)

// Ledger applies credit policy on top of the store's append-only
// transaction log. Invariant: available = balance - reserved.
type Ledger struct {
	store  store.Store
	logger *logger.Logger
}

// NewLedger creates a credit ledger.
func NewLedger(st store.Store, log *logger.Logger) *Ledger {
	return &Ledger{store: st, logger: log}
}

// EnsureAccount creates the account with its plan allowance if missing.
func (l *Ledger) EnsureAccount(ctx context.Context, userID string, plan model.Plan) (*model.CreditAccount, error) {
	return l.store.EnsureAccount(ctx, userID, plan, allowance(plan))
}

func allowance(plan model.Plan) int64 {
	if plan == model.PlanPro {
		return ProAllowance
	}
	return FreeAllowance
}

// EstimateRoundCost is the synchronous up-front estimate for one round.
func EstimateRoundCost(cfg model.ThreadConfig) int64 {
	var cost int64
	enabled := cfg.EnabledParticipants()
	cost += int64(len(enabled)) * ParticipantCost
	if cfg.WebSearchEnabled {
		cost += PreSearchCost
	}
	if len(enabled) >= 2 {
		cost += ModeratorCost
	}
	return cost
}

// CanStartRound rejects a round synchronously when the available balance
// cannot cover its estimate. A free account whose balance has been zeroed is
// blocked until upgraded.
func (l *Ledger) CanStartRound(ctx context.Context, userID string, estimate int64) error {
	account, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	reserved, err := l.store.SumActiveReservations(ctx, userID)
	if err != nil {
		return fmt.Errorf("sum reservations: %w", err)
	}
	available := account.Balance - reserved
	if available < estimate {
		return ErrInsufficientCredits
	}
	return nil
}

// Reserve holds the estimated cost of one chargeable unit.
func (l *Ledger) Reserve(ctx context.Context, userID, threadID string, round int, step string, amount int64) (*model.Reservation, error) {
	account, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	reserved, err := l.store.SumActiveReservations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("sum reservations: %w", err)
	}
	if account.Balance-reserved < amount {
		return nil, ErrInsufficientCredits
	}

	r := &model.Reservation{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UserID:      userID,
		ThreadID:    threadID,
		RoundNumber: round,
		Step:        step,
		Amount:      amount,
		CreatedAt:   time.Now(),
	}
	if err := l.store.CreateReservation(ctx, r); err != nil {
		return nil, fmt.Errorf("create reservation: %w", err)
	}
	metrics.CreditsReservedTotal.WithLabelValues(step).Add(float64(amount))
	return r, nil
}

// Settle releases the reservation and applies the actual deduction. The
// release happens exactly once regardless of how often Settle is called;
// a failed unit settles with actual = 0 and simply returns the hold. The
// deduction is clamped so balance never goes negative.
func (l *Ledger) Settle(ctx context.Context, r *model.Reservation, actual int64) error {
	released, err := l.store.ReleaseReservation(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	if !released {
		// Another caller settled this unit already.
		return nil
	}
	if actual <= 0 {
		return nil
	}

	account, err := l.store.GetAccount(ctx, r.UserID)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if actual > account.Balance {
		actual = account.Balance
	}
	if actual == 0 {
		return nil
	}

	txn := &model.CreditTransaction{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UserID:      r.UserID,
		Type:        model.TxnDeduction,
		Amount:      -actual,
		ThreadID:    r.ThreadID,
		RoundNumber: r.RoundNumber,
		Step:        r.Step,
		CreatedAt:   time.Now(),
	}
	if _, err := l.store.ApplyTransaction(ctx, txn); err != nil {
		return fmt.Errorf("apply deduction: %w", err)
	}
	metrics.CreditsDeductedTotal.WithLabelValues(r.Step).Add(float64(actual))
	return nil
}

// ZeroOutFreeRound consumes a free account's one included round: the
// remaining balance is irreversibly zeroed, at most once per account, via a
// dedicated free_round_exhausted transaction. Callers must only invoke this
// once the completion gate reports the whole round complete.
func (l *Ledger) ZeroOutFreeRound(ctx context.Context, userID, threadID string, round int) (bool, error) {
	account, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get account: %w", err)
	}
	if account.Plan != model.PlanFree {
		return false, nil
	}
	zeroed, err := l.store.ZeroOutBalance(ctx, userID, threadID, round)
	if err != nil {
		return false, fmt.Errorf("zero out balance: %w", err)
	}
	if zeroed {
		l.logger.Infow("free round consumed", "user_id", userID, "thread_id", threadID, "round", round)
	}
	return zeroed, nil
}

// Balance assembles the balance view exposed over the API.
func (l *Ledger) Balance(ctx context.Context, userID string) (*model.BalanceResponse, error) {
	account, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	reserved, err := l.store.SumActiveReservations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("sum reservations: %w", err)
	}

	available := account.Balance - reserved
	total := allowance(account.Plan)
	fraction := float64(available) / float64(total)

	status := "default"
	switch {
	case fraction <= criticalFraction:
		status = "critical"
	case fraction <= warningFraction:
		status = "warning"
	}

	return &model.BalanceResponse{
		Balance:    account.Balance,
		Reserved:   reserved,
		Available:  available,
		Status:     status,
		Percentage: fraction * 100,
		Plan:       account.Plan,
	}, nil
}
