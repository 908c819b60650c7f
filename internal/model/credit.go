package model

import (
	"time"
)

// Plan is a billing plan tier.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// TransactionType classifies an append-only balance mutation.
type TransactionType string

const (
	TxnGrant              TransactionType = "grant"
	TxnDeduction          TransactionType = "deduction"
	TxnFreeRoundExhausted TransactionType = "free_round_exhausted"
)

// CreditAccount is a user's metered balance.
type CreditAccount struct {
	UserID    string    `json:"user_id"`
	Plan      Plan      `json:"plan"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditTransaction is one append-only balance mutation. BalanceAfter is the
// resulting balance and must never be negative.
type CreditTransaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Type         TransactionType `json:"type"`
	Amount       int64           `json:"amount"`
	BalanceAfter int64           `json:"balance_after"`
	ThreadID     string          `json:"thread_id,omitempty"`
	RoundNumber  int             `json:"round_number"`
	Step         string          `json:"step,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Reservation is a hold of estimated cost against a user's balance for one
// chargeable unit of work. It is released exactly once.
type Reservation struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ThreadID    string    `json:"thread_id"`
	RoundNumber int       `json:"round_number"`
	Step        string    `json:"step"`
	Amount      int64     `json:"amount"`
	Released    bool      `json:"released"`
	CreatedAt   time.Time `json:"created_at"`
}

// BalanceResponse is the payload of GET /credits/balance.
// Invariant: Available = Balance - Reserved.
type BalanceResponse struct {
	Balance    int64   `json:"balance"`
	Reserved   int64   `json:"reserved"`
	Available  int64   `json:"available"`
	Status     string  `json:"status"`
	Percentage float64 `json:"percentage"`
	Plan       Plan    `json:"plan"`
}
