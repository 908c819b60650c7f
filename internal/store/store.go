// Package store provides durable persistence for threads, rounds and credits.
//
// All mutating transitions the engine depends on (step markers, reservation
// release, flag clearing, balance mutation) are conditional writes so that
// multiple processes can race safely without in-process locks.
package store

import (
	"context"
	"errors"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientBalance is returned when a deduction would drive the
	// balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// FinishMessageParams carries the terminal metadata applied when a message's
// stream ends.
type FinishMessageParams struct {
	FinishReason string
	Model        *string
	TokensIn     *int
	TokensOut    *int
	LatencyMs    *int64
}

// Store is the persistence contract consumed by the round engine.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Threads
	CreateThread(ctx context.Context, t *model.Thread) error
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	ListThreads(ctx context.Context, userID string, limit, offset int) ([]model.Thread, int, error)
	UpdateThreadConfig(ctx context.Context, threadID, title string, cfg model.ThreadConfig) error
	SoftDeleteThread(ctx context.Context, threadID string) error

	// Config change flags. ClearConfigFlags resets both flags in a single
	// statement so one is never observed cleared without the other.
	SetConfigChangeRound(ctx context.Context, threadID string, round int) error
	SetWaitingForChangelog(ctx context.Context, threadID string, waiting bool) error
	ClearConfigFlags(ctx context.Context, threadID string) error
	GetConfigFlags(ctx context.Context, threadID string) (model.ConfigFlags, error)

	// Changelogs
	CreateChangelog(ctx context.Context, c *model.Changelog) error
	GetChangelog(ctx context.Context, threadID string, round int) (*model.Changelog, error)

	// Messages
	CreateMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	UpdateMessagePart(ctx context.Context, messageID string, part model.MessagePart) error
	FinishMessage(ctx context.Context, messageID string, p FinishMessageParams) error
	ListMessages(ctx context.Context, threadID string) ([]model.Message, error)
	ListRoundMessages(ctx context.Context, threadID string, round int) ([]model.Message, error)
	NextRoundNumber(ctx context.Context, threadID string) (int, error)

	// PreSearch records, at most one per (thread, round). Create reports
	// false when the record already existed.
	CreatePreSearch(ctx context.Context, p *model.PreSearch) (bool, error)
	GetPreSearch(ctx context.Context, threadID string, round int) (*model.PreSearch, error)
	UpdatePreSearch(ctx context.Context, threadID string, round int, status model.RecordStatus, summary string) error

	// Analysis records, at most one per (thread, round).
	CreateAnalysis(ctx context.Context, a *model.Analysis) (bool, error)
	GetAnalysis(ctx context.Context, threadID string, round int) (*model.Analysis, error)
	UpdateAnalysis(ctx context.Context, threadID string, round int, status model.RecordStatus, summary string) error

	// ClaimStep atomically claims the (thread, round, step) idempotency
	// marker. The first caller gets true; every later caller gets false.
	ClaimStep(ctx context.Context, threadID string, round int, step string) (bool, error)

	// Credits
	EnsureAccount(ctx context.Context, userID string, plan model.Plan, initialBalance int64) (*model.CreditAccount, error)
	GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error)
	ApplyTransaction(ctx context.Context, txn *model.CreditTransaction) (int64, error)
	CreateReservation(ctx context.Context, r *model.Reservation) error
	ReleaseReservation(ctx context.Context, reservationID string) (bool, error)
	SumActiveReservations(ctx context.Context, userID string) (int64, error)
	HasTransaction(ctx context.Context, userID string, t model.TransactionType) (bool, error)
	ZeroOutBalance(ctx context.Context, userID, threadID string, round int) (bool, error)
}
