package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
)

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite-backed store at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode so concurrent readers (status polls, SSE replay) do not
	// block the writer driving the round.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		config_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		config_change_round INTEGER,
		waiting_for_changelog INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id) WHERE deleted = 0;

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		round_number INTEGER NOT NULL,
		participant_index INTEGER NOT NULL,
		finish_reason TEXT NOT NULL DEFAULT '',
		model TEXT,
		tokens_in INTEGER,
		tokens_out INTEGER,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread_round ON messages(thread_id, round_number);

	CREATE TABLE IF NOT EXISTS message_parts (
		message_id TEXT NOT NULL,
		part_index INTEGER NOT NULL,
		state TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (message_id, part_index)
	);

	CREATE TABLE IF NOT EXISTS presearches (
		thread_id TEXT NOT NULL,
		round_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		query TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, round_number)
	);

	CREATE TABLE IF NOT EXISTS analyses (
		thread_id TEXT NOT NULL,
		round_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, round_number)
	);

	CREATE TABLE IF NOT EXISTS step_markers (
		thread_id TEXT NOT NULL,
		round_number INTEGER NOT NULL,
		step TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, round_number, step)
	);

	CREATE TABLE IF NOT EXISTS changelogs (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		round_number INTEGER NOT NULL,
		diff_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (thread_id, round_number)
	);

	CREATE TABLE IF NOT EXISTS credit_accounts (
		user_id TEXT PRIMARY KEY,
		plan TEXT NOT NULL,
		balance INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		round_number INTEGER NOT NULL DEFAULT 0,
		step TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_txn_user_type ON credit_transactions(user_id, type);

	CREATE TABLE IF NOT EXISTS credit_reservations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		round_number INTEGER NOT NULL,
		step TEXT NOT NULL,
		amount INTEGER NOT NULL,
		released INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_res_user_active ON credit_reservations(user_id) WHERE released = 0;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Threads ---

func (s *SQLiteStore) CreateThread(ctx context.Context, t *model.Thread) error {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, user_id, title, config_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, string(cfg), t.Status,
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, config_json, status, deleted, created_at, updated_at
		FROM threads WHERE id = ? AND deleted = 0`, id)

	var t model.Thread
	var cfgJSON string
	var deleted int
	var createdAt, updatedAt int64

	err := row.Scan(&t.ID, &t.UserID, &t.Title, &cfgJSON, &t.Status, &deleted, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	if err := json.Unmarshal([]byte(cfgJSON), &t.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	t.Deleted = deleted != 0
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, userID string, limit, offset int) ([]model.Thread, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM threads WHERE user_id = ? AND deleted = 0`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count threads: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, config_json, status, created_at, updated_at
		FROM threads WHERE user_id = ? AND deleted = 0
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		var t model.Thread
		var cfgJSON string
		var createdAt, updatedAt int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &cfgJSON, &t.Status, &createdAt, &updatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan thread: %w", err)
		}
		if err := json.Unmarshal([]byte(cfgJSON), &t.Config); err != nil {
			return nil, 0, fmt.Errorf("unmarshal config: %w", err)
		}
		t.CreatedAt = time.UnixMilli(createdAt)
		t.UpdatedAt = time.UnixMilli(updatedAt)
		threads = append(threads, t)
	}
	return threads, total, rows.Err()
}

func (s *SQLiteStore) UpdateThreadConfig(ctx context.Context, threadID, title string, cfg model.ThreadConfig) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET title = ?, config_json = ?, updated_at = ?
		WHERE id = ? AND deleted = 0`,
		title, string(cfgJSON), time.Now().UnixMilli(), threadID)
	if err != nil {
		return fmt.Errorf("update thread config: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SoftDeleteThread(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
		time.Now().UnixMilli(), threadID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return requireRow(res)
}

// --- Config change flags ---

func (s *SQLiteStore) SetConfigChangeRound(ctx context.Context, threadID string, round int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET config_change_round = ? WHERE id = ?`, round, threadID)
	if err != nil {
		return fmt.Errorf("set config change round: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetWaitingForChangelog(ctx context.Context, threadID string, waiting bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET waiting_for_changelog = ? WHERE id = ?`, boolInt(waiting), threadID)
	if err != nil {
		return fmt.Errorf("set waiting for changelog: %w", err)
	}
	return requireRow(res)
}

// ClearConfigFlags resets both blocking flags in one statement so readers
// never observe one cleared without the other.
func (s *SQLiteStore) ClearConfigFlags(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET config_change_round = NULL, waiting_for_changelog = 0 WHERE id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("clear config flags: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) GetConfigFlags(ctx context.Context, threadID string) (model.ConfigFlags, error) {
	var flags model.ConfigFlags
	var round sql.NullInt64
	var waiting int
	err := s.db.QueryRowContext(ctx,
		`SELECT config_change_round, waiting_for_changelog FROM threads WHERE id = ?`, threadID).
		Scan(&round, &waiting)
	if err == sql.ErrNoRows {
		return flags, ErrNotFound
	}
	if err != nil {
		return flags, fmt.Errorf("scan config flags: %w", err)
	}
	if round.Valid {
		r := int(round.Int64)
		flags.ConfigChangeRoundNumber = &r
	}
	flags.IsWaitingForChangelog = waiting != 0
	return flags, nil
}

// --- Changelogs ---

func (s *SQLiteStore) CreateChangelog(ctx context.Context, c *model.Changelog) error {
	diff, err := json.Marshal(c.Diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO changelogs (id, thread_id, round_number, diff_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.ThreadID, c.RoundNumber, string(diff), c.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert changelog: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChangelog(ctx context.Context, threadID string, round int) (*model.Changelog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, round_number, diff_json, created_at
		FROM changelogs WHERE thread_id = ? AND round_number = ?`, threadID, round)

	var c model.Changelog
	var diffJSON string
	var createdAt int64
	err := row.Scan(&c.ID, &c.ThreadID, &c.RoundNumber, &diffJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan changelog: %w", err)
	}
	if err := json.Unmarshal([]byte(diffJSON), &c.Diff); err != nil {
		return nil, fmt.Errorf("unmarshal diff: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	return &c, nil
}

// --- Messages ---

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, user_id, role, round_number, participant_index,
			finish_reason, model, tokens_in, tokens_out, latency_ms, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.UserID, string(m.Role), m.RoundNumber, m.ParticipantIndex,
		m.FinishReason, m.Model, m.TokensIn, m.TokensOut, m.LatencyMs,
		m.CreatedAt.UnixMilli(), unixMilliPtr(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for _, p := range m.Parts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_parts (message_id, part_index, state, text)
			VALUES (?, ?, ?, ?)`, m.ID, p.Index, string(p.State), p.Text); err != nil {
			return fmt.Errorf("insert part: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, messageSelect+` WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadParts(ctx, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) UpdateMessagePart(ctx context.Context, messageID string, part model.MessagePart) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_parts (message_id, part_index, state, text)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, part_index) DO UPDATE SET state = excluded.state, text = excluded.text`,
		messageID, part.Index, string(part.State), part.Text)
	if err != nil {
		return fmt.Errorf("upsert part: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishMessage(ctx context.Context, messageID string, p FinishMessageParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE message_parts SET state = ? WHERE message_id = ?`,
		string(model.PartDone), messageID); err != nil {
		return fmt.Errorf("finish parts: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET finish_reason = ?, model = COALESCE(?, model),
			tokens_in = COALESCE(?, tokens_in), tokens_out = COALESCE(?, tokens_out),
			latency_ms = COALESCE(?, latency_ms), completed_at = ?
		WHERE id = ?`,
		p.FinishReason, p.Model, p.TokensIn, p.TokensOut, p.LatencyMs,
		time.Now().UnixMilli(), messageID)
	if err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

const messageSelect = `
	SELECT id, thread_id, user_id, role, round_number, participant_index,
		finish_reason, model, tokens_in, tokens_out, latency_ms, created_at, completed_at
	FROM messages`

func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	return s.queryMessages(ctx, messageSelect+` WHERE thread_id = ? ORDER BY created_at, participant_index`, threadID)
}

func (s *SQLiteStore) ListRoundMessages(ctx context.Context, threadID string, round int) ([]model.Message, error) {
	return s.queryMessages(ctx,
		messageSelect+` WHERE thread_id = ? AND round_number = ? ORDER BY created_at, participant_index`,
		threadID, round)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	var ptrs []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range msgs {
		ptrs = append(ptrs, &msgs[i])
	}
	if err := s.loadParts(ctx, ptrs); err != nil {
		return nil, err
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	var role string
	var createdAt int64
	var completedAt sql.NullInt64
	err := row.Scan(&m.ID, &m.ThreadID, &m.UserID, &role, &m.RoundNumber, &m.ParticipantIndex,
		&m.FinishReason, &m.Model, &m.TokensIn, &m.TokensOut, &m.LatencyMs, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Role = model.Role(role)
	m.CreatedAt = time.UnixMilli(createdAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		m.CompletedAt = &t
	}
	return &m, nil
}

func (s *SQLiteStore) loadParts(ctx context.Context, msgs []*model.Message) error {
	for _, m := range msgs {
		rows, err := s.db.QueryContext(ctx, `
			SELECT part_index, state, text FROM message_parts
			WHERE message_id = ? ORDER BY part_index`, m.ID)
		if err != nil {
			return fmt.Errorf("query parts: %w", err)
		}
		for rows.Next() {
			var p model.MessagePart
			var state string
			if err := rows.Scan(&p.Index, &state, &p.Text); err != nil {
				rows.Close()
				return fmt.Errorf("scan part: %w", err)
			}
			p.State = model.PartState(state)
			m.Parts = append(m.Parts, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

// NextRoundNumber returns the round number the next user message should open.
// Rounds are zero-based: a thread's first round is round 0.
func (s *SQLiteStore) NextRoundNumber(ctx context.Context, threadID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(round_number) FROM messages WHERE thread_id = ?`, threadID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max round: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// --- PreSearch ---

func (s *SQLiteStore) CreatePreSearch(ctx context.Context, p *model.PreSearch) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO presearches (thread_id, round_number, status, query, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ThreadID, p.RoundNumber, string(p.Status), p.Query, p.Summary,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert presearch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetPreSearch(ctx context.Context, threadID string, round int) (*model.PreSearch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, round_number, status, query, summary, created_at, updated_at
		FROM presearches WHERE thread_id = ? AND round_number = ?`, threadID, round)

	var p model.PreSearch
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&p.ThreadID, &p.RoundNumber, &status, &p.Query, &p.Summary, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan presearch: %w", err)
	}
	p.Status = model.RecordStatus(status)
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

func (s *SQLiteStore) UpdatePreSearch(ctx context.Context, threadID string, round int, status model.RecordStatus, summary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE presearches SET status = ?, summary = ?, updated_at = ?
		WHERE thread_id = ? AND round_number = ?`,
		string(status), summary, time.Now().UnixMilli(), threadID, round)
	if err != nil {
		return fmt.Errorf("update presearch: %w", err)
	}
	return requireRow(res)
}

// --- Analysis ---

func (s *SQLiteStore) CreateAnalysis(ctx context.Context, a *model.Analysis) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO analyses (thread_id, round_number, status, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ThreadID, a.RoundNumber, string(a.Status), a.Summary,
		a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert analysis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, threadID string, round int) (*model.Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, round_number, status, summary, created_at, updated_at
		FROM analyses WHERE thread_id = ? AND round_number = ?`, threadID, round)

	var a model.Analysis
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&a.ThreadID, &a.RoundNumber, &status, &a.Summary, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis: %w", err)
	}
	a.Status = model.RecordStatus(status)
	a.CreatedAt = time.UnixMilli(createdAt)
	a.UpdatedAt = time.UnixMilli(updatedAt)
	return &a, nil
}

func (s *SQLiteStore) UpdateAnalysis(ctx context.Context, threadID string, round int, status model.RecordStatus, summary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE analyses SET status = ?, summary = ?, updated_at = ?
		WHERE thread_id = ? AND round_number = ?`,
		string(status), summary, time.Now().UnixMilli(), threadID, round)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	return requireRow(res)
}

// --- Step markers ---

func (s *SQLiteStore) ClaimStep(ctx context.Context, threadID string, round int, step string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO step_markers (thread_id, round_number, step, created_at)
		VALUES (?, ?, ?, ?)`, threadID, round, step, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Credits ---

func (s *SQLiteStore) EnsureAccount(ctx context.Context, userID string, plan model.Plan, initialBalance int64) (*model.CreditAccount, error) {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO credit_accounts (user_id, plan, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, userID, string(plan), initialBalance, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return s.GetAccount(ctx, userID)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, plan, balance, created_at, updated_at
		FROM credit_accounts WHERE user_id = ?`, userID)

	var a model.CreditAccount
	var plan string
	var createdAt, updatedAt int64
	err := row.Scan(&a.UserID, &plan, &a.Balance, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.Plan = model.Plan(plan)
	a.CreatedAt = time.UnixMilli(createdAt)
	a.UpdatedAt = time.UnixMilli(updatedAt)
	return &a, nil
}

// ApplyTransaction appends one balance mutation and returns the resulting
// balance. The read-compute-write runs in one transaction; a deduction that
// would drive the balance negative fails with ErrInsufficientBalance.
func (s *SQLiteStore) ApplyTransaction(ctx context.Context, txn *model.CreditTransaction) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE user_id = ?`, txn.UserID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("scan balance: %w", err)
	}

	after := balance + txn.Amount
	if after < 0 {
		return 0, ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, type, amount, balance_after, thread_id, round_number, step, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.UserID, string(txn.Type), txn.Amount, after,
		txn.ThreadID, txn.RoundNumber, txn.Step, txn.CreatedAt.UnixMilli()); err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts SET balance = ?, updated_at = ? WHERE user_id = ?`,
		after, time.Now().UnixMilli(), txn.UserID); err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	txn.BalanceAfter = after
	return after, nil
}

func (s *SQLiteStore) CreateReservation(ctx context.Context, r *model.Reservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_reservations (id, user_id, thread_id, round_number, step, amount, released, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		r.ID, r.UserID, r.ThreadID, r.RoundNumber, r.Step, r.Amount, r.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// ReleaseReservation flips released from 0 to 1 and reports whether this
// call performed the flip. A reservation is released exactly once.
func (s *SQLiteStore) ReleaseReservation(ctx context.Context, reservationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credit_reservations SET released = 1 WHERE id = ? AND released = 0`, reservationID)
	if err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) SumActiveReservations(ctx context.Context, userID string) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM credit_reservations WHERE user_id = ? AND released = 0`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum reservations: %w", err)
	}
	return sum.Int64, nil
}

func (s *SQLiteStore) HasTransaction(ctx context.Context, userID string, t model.TransactionType) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM credit_transactions WHERE user_id = ? AND type = ?`,
		userID, string(t)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count transactions: %w", err)
	}
	return n > 0, nil
}

// ZeroOutBalance consumes the free round: it records a dedicated
// free_round_exhausted transaction and zeroes the balance, at most once per
// account. Returns whether this call performed the zeroing.
func (s *SQLiteStore) ZeroOutBalance(ctx context.Context, userID, threadID string, round int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM credit_transactions WHERE user_id = ? AND type = ?`,
		userID, string(model.TxnFreeRoundExhausted)).Scan(&n); err != nil {
		return false, fmt.Errorf("count exhaustion: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("scan balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, type, amount, balance_after, thread_id, round_number, step, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, '', ?)`,
		newID(), userID, string(model.TxnFreeRoundExhausted), -balance,
		threadID, round, time.Now().UnixMilli()); err != nil {
		return false, fmt.Errorf("insert exhaustion: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts SET balance = 0, updated_at = ? WHERE user_id = ?`,
		time.Now().UnixMilli(), userID); err != nil {
		return false, fmt.Errorf("zero balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// --- helpers ---

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixMilliPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
