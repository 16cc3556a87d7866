package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the durable persistence collaborator for bots, wallets,
// positions, key blobs, audit records and alerts.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets the dashboard read while the supervisor appends audit rows
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("store_initialized", "path", path)
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bots (
		id TEXT PRIMARY KEY,
		pool_id TEXT NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL,
		threshold TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		trade_amount TEXT NOT NULL,
		slippage_bps INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		last_price TEXT NOT NULL DEFAULT '0',
		last_decision TEXT NOT NULL DEFAULT '',
		last_evaluated_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bots_state ON bots(state);
	CREATE INDEX IF NOT EXISTS idx_bots_wallet ON bots(wallet_id);

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		key_ref TEXT NOT NULL,
		status INTEGER NOT NULL,
		main_wallet_id TEXT NOT NULL DEFAULT '',
		archived INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS key_blobs (
		key_ref TEXT PRIMARY KEY,
		blob BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		pool_id TEXT NOT NULL,
		tick_lower INTEGER NOT NULL,
		tick_upper INTEGER NOT NULL,
		liquidity TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		bot_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		direction TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL DEFAULT '',
		amount_in TEXT NOT NULL,
		amount_out TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		wallet_status INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		steps_done INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_wallet ON audit_records(wallet_id, created_at);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		severity TEXT NOT NULL,
		source TEXT NOT NULL,
		message TEXT NOT NULL,
		sent_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveBot inserts or replaces a bot.
func (s *SQLite) SaveBot(ctx context.Context, b Bot) error {
	now := s.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (id, pool_id, symbol, mode, threshold, wallet_id, trade_amount, slippage_bps, state,
			last_price, last_decision, last_evaluated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET pool_id = excluded.pool_id, symbol = excluded.symbol, mode = excluded.mode,
			threshold = excluded.threshold, wallet_id = excluded.wallet_id, trade_amount = excluded.trade_amount,
			slippage_bps = excluded.slippage_bps, state = excluded.state, updated_at = excluded.updated_at`,
		b.ID, b.PoolID, b.Symbol, string(b.Mode), b.Threshold, b.WalletID, b.TradeAmount, b.SlippageBps,
		string(b.State), b.LastPrice, string(b.LastDecision), nullTime(b.LastEvaluatedAt), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save bot %s: %w", b.ID, err)
	}
	return nil
}

const botColumns = `id, pool_id, symbol, mode, threshold, wallet_id, trade_amount, slippage_bps, state,
	last_price, last_decision, last_evaluated_at, created_at, updated_at`

// GetBot returns a bot by id.
func (s *SQLite) GetBot(ctx context.Context, id string) (Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Bot{}, ErrNotFound
	}
	return b, err
}

// ActiveBots returns every bot in the active state.
func (s *SQLite) ActiveBots(ctx context.Context) ([]Bot, error) {
	return s.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE state = ? ORDER BY created_at`, string(BotActive))
}

// BotsByWallet returns the non-archived bots bound to a wallet.
func (s *SQLite) BotsByWallet(ctx context.Context, walletID string) ([]Bot, error) {
	return s.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE wallet_id = ? AND state != ? ORDER BY created_at`,
		walletID, string(BotArchived))
}

func (s *SQLite) queryBots(ctx context.Context, query string, args ...any) ([]Bot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBot(row scanner) (Bot, error) {
	var (
		b                     Bot
		mode, state, decision string
		lastEval              sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.PoolID, &b.Symbol, &mode, &b.Threshold, &b.WalletID, &b.TradeAmount,
		&b.SlippageBps, &state, &b.LastPrice, &decision, &lastEval, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return Bot{}, err
	}
	b.Mode = TradeMode(mode)
	b.State = BotState(state)
	b.LastDecision = Decision(decision)
	if lastEval.Valid {
		b.LastEvaluatedAt = lastEval.Time
	}
	return b, nil
}

// RecordEvaluation stores the scheduler's per-tick bookkeeping for a bot.
func (s *SQLite) RecordEvaluation(ctx context.Context, botID string, price decimal.Decimal, decision Decision, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET last_price = ?, last_decision = ?, last_evaluated_at = ?, updated_at = ? WHERE id = ?`,
		price, string(decision), at, s.now(), botID)
	if err != nil {
		return fmt.Errorf("record evaluation %s: %w", botID, err)
	}
	return requireRow(res)
}

// SetBotState changes a bot's lifecycle flag.
func (s *SQLite) SetBotState(ctx context.Context, botID string, state BotState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bots SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), s.now(), botID)
	if err != nil {
		return fmt.Errorf("set bot state %s: %w", botID, err)
	}
	return requireRow(res)
}

// SaveWallet inserts or replaces a wallet record.
func (s *SQLite) SaveWallet(ctx context.Context, w WalletRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, public_key, key_ref, status, main_wallet_id, archived, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET public_key = excluded.public_key, key_ref = excluded.key_ref,
			status = excluded.status, main_wallet_id = excluded.main_wallet_id, archived = excluded.archived,
			updated_at = excluded.updated_at`,
		w.ID, w.PublicKey, w.KeyRef, int(w.Status), w.MainWalletID, w.Archived, s.now(),
	)
	if err != nil {
		return fmt.Errorf("save wallet %s: %w", w.ID, err)
	}
	return nil
}

// GetWallet returns a wallet by id.
func (s *SQLite) GetWallet(ctx context.Context, id string) (WalletRecord, error) {
	var (
		w      WalletRecord
		status int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, public_key, key_ref, status, main_wallet_id, archived, updated_at FROM wallets WHERE id = ?`, id,
	).Scan(&w.ID, &w.PublicKey, &w.KeyRef, &status, &w.MainWalletID, &w.Archived, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WalletRecord{}, ErrNotFound
	}
	if err != nil {
		return WalletRecord{}, err
	}
	w.Status = WalletStatus(status)
	return w, nil
}

// UpdateWalletStatus persists a lifecycle transition.
func (s *SQLite) UpdateWalletStatus(ctx context.Context, id string, status WalletStatus, archived bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE wallets SET status = ?, archived = ?, updated_at = ? WHERE id = ?`,
		int(status), archived, s.now(), id)
	if err != nil {
		return fmt.Errorf("update wallet status %s: %w", id, err)
	}
	return requireRow(res)
}

// PutKeyBlob stores an encrypted key blob under ref.
func (s *SQLite) PutKeyBlob(ctx context.Context, ref string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_blobs (key_ref, blob, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key_ref) DO UPDATE SET blob = excluded.blob`,
		ref, blob, s.now())
	if err != nil {
		return fmt.Errorf("put key blob: %w", err)
	}
	return nil
}

// KeyBlob loads an encrypted key blob.
func (s *SQLite) KeyBlob(ctx context.Context, ref string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM key_blobs WHERE key_ref = ?`, ref).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return blob, err
}

// SavePosition inserts or replaces a CLMM position.
func (s *SQLite) SavePosition(ctx context.Context, p Position) error {
	if p.State == "" {
		p.State = PositionOpen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (id, wallet_id, pool_id, tick_lower, tick_upper, liquidity, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET wallet_id = excluded.wallet_id, pool_id = excluded.pool_id,
			tick_lower = excluded.tick_lower, tick_upper = excluded.tick_upper, liquidity = excluded.liquidity,
			state = excluded.state, updated_at = excluded.updated_at`,
		p.ID, p.WalletID, p.PoolID, p.TickLower, p.TickUpper, p.Liquidity, string(p.State), s.now(),
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.ID, err)
	}
	return nil
}

const positionColumns = `id, wallet_id, pool_id, tick_lower, tick_upper, liquidity, state, updated_at`

// GetPosition returns a position by id.
func (s *SQLite) GetPosition(ctx context.Context, id string) (Position, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	return p, err
}

// Positions returns every tracked position.
func (s *SQLite) Positions(ctx context.Context) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(row scanner) (Position, error) {
	var (
		p     Position
		state string
	)
	if err := row.Scan(&p.ID, &p.WalletID, &p.PoolID, &p.TickLower, &p.TickUpper, &p.Liquidity, &state, &p.UpdatedAt); err != nil {
		return Position{}, err
	}
	p.State = PositionState(state)
	return p, nil
}

// SetPositionState updates the automation state of a position.
func (s *SQLite) SetPositionState(ctx context.Context, id string, state PositionState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE positions SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), s.now(), id)
	if err != nil {
		return fmt.Errorf("set position state %s: %w", id, err)
	}
	return requireRow(res)
}

// AppendAudit appends an immutable audit record.
func (s *SQLite) AppendAudit(ctx context.Context, r AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, job_id, wallet_id, bot_id, kind, direction, reference, amount_in, amount_out,
			status, error, wallet_status, attempts, steps_done, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.WalletID, r.BotID, string(r.Kind), string(r.Direction), r.Reference, r.AmountIn, r.AmountOut,
		string(r.Status), r.Error, int(r.WalletStatus), r.Attempts, r.StepsDone, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", r.JobID, err)
	}
	return nil
}

// AuditByWallet returns a wallet's audit trail, oldest first.
func (s *SQLite) AuditByWallet(ctx context.Context, walletID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, wallet_id, bot_id, kind, direction, reference, amount_in, amount_out, status, error,
			wallet_status, attempts, steps_done, created_at
		FROM audit_records WHERE wallet_id = ? ORDER BY created_at, rowid`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			r                       AuditRecord
			kind, direction, status string
			walletStatus            int
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.WalletID, &r.BotID, &kind, &direction, &r.Reference, &r.AmountIn,
			&r.AmountOut, &status, &r.Error, &walletStatus, &r.Attempts, &r.StepsDone, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Kind = JobKind(kind)
		r.Direction = Direction(direction)
		r.Status = JobState(status)
		r.WalletStatus = WalletStatus(walletStatus)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogAlert persists an operator alert.
func (s *SQLite) LogAlert(ctx context.Context, a Alert) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO alerts (id, severity, source, message, sent_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Severity, a.Source, a.Message, a.SentAt)
	return err
}

// RecentAlerts returns the newest alerts first.
func (s *SQLite) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, severity, source, message, sent_at FROM alerts ORDER BY sent_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.Severity, &a.Source, &a.Message, &a.SentAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

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

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
