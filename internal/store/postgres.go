package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/model"
)

// pgxConn is the subset of pgxpool.Pool and pgx.Tx the queries need, so
// the same methods serve both pooled and transactional execution.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   pgxConn
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// WithTx runs fn against a store view bound to one transaction. Postgres
// serialization failures surface as ErrConcurrencyConflict so callers
// can retry.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; nest flatly.
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure / deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
	}
	return err
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts (id, parent_id, retained_share_percent, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		a.ID, a.ParentID, a.RetainedSharePercent.String(), a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var pct string

	err := s.db.QueryRow(ctx,
		`SELECT id, parent_id, retained_share_percent::TEXT, created_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.ParentID, &pct, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}

	a.RetainedSharePercent, _ = decimal.NewFromString(pct)
	return &a, nil
}

// --- Wallets ---

func (s *PostgresStore) GetWallet(ctx context.Context, accountID string) (*model.Wallet, error) {
	var w model.Wallet
	var balance, locked string

	err := s.db.QueryRow(ctx,
		`SELECT account_id, balance::TEXT, locked_exposure::TEXT, updated_at
		 FROM wallets WHERE account_id = $1`, accountID).
		Scan(&w.AccountID, &balance, &locked, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wallet %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", accountID, err)
	}

	w.Balance, _ = decimal.NewFromString(balance)
	w.LockedExposure, _ = decimal.NewFromString(locked)
	return &w, nil
}

func (s *PostgresStore) PutWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO wallets (account_id, balance, locked_exposure, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (account_id) DO UPDATE
		 SET balance = EXCLUDED.balance,
		     locked_exposure = EXCLUDED.locked_exposure,
		     updated_at = EXCLUDED.updated_at`,
		w.AccountID, w.Balance.String(), w.LockedExposure.String(), w.UpdatedAt,
	)
	return err
}

// --- Wagers ---

const wagerColumns = `id, account_id, scope, selection, selections, line::TEXT, side,
       stake::TEXT, price::TEXT, status, pnl::TEXT, settlement_key, created_at`

func (s *PostgresStore) InsertWager(ctx context.Context, w *model.Wager) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO wagers (id, account_id, scope, selection, selections, line, side, stake, price, status, pnl, settlement_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11::NUMERIC, $12, $13)`,
		w.ID, w.AccountID, w.Scope, w.Selection, w.Selections, w.Line.String(), w.Side,
		w.Stake.String(), w.Price.String(), w.Status, w.PnL.String(),
		w.SettlementKey, w.CreatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateWager(ctx context.Context, w *model.Wager) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE wagers
		 SET status = $2, pnl = $3::NUMERIC, settlement_key = $4
		 WHERE id = $1`,
		w.ID, w.Status, w.PnL.String(), w.SettlementKey,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wager %s: %w", w.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetWager(ctx context.Context, id string) (*model.Wager, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+wagerColumns+` FROM wagers WHERE id = $1`, id)

	w, err := scanWager(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	return w, err
}

func (s *PostgresStore) OpenWagersByScope(ctx context.Context, scope string) ([]model.Wager, error) {
	return s.queryWagers(ctx,
		`SELECT `+wagerColumns+` FROM wagers
		 WHERE scope = $1 AND status = 'OPEN' ORDER BY created_at`, scope)
}

func (s *PostgresStore) OpenWagersByAccountScope(ctx context.Context, accountID, scope string) ([]model.Wager, error) {
	return s.queryWagers(ctx,
		`SELECT `+wagerColumns+` FROM wagers
		 WHERE account_id = $1 AND scope = $2 AND status = 'OPEN' ORDER BY created_at`,
		accountID, scope)
}

func (s *PostgresStore) OpenWagersByAccount(ctx context.Context, accountID string) ([]model.Wager, error) {
	return s.queryWagers(ctx,
		`SELECT `+wagerColumns+` FROM wagers
		 WHERE account_id = $1 AND status = 'OPEN' ORDER BY created_at`, accountID)
}

func (s *PostgresStore) WagersByAccount(ctx context.Context, accountID string) ([]model.Wager, error) {
	return s.queryWagers(ctx,
		`SELECT `+wagerColumns+` FROM wagers
		 WHERE account_id = $1 ORDER BY created_at`, accountID)
}

func (s *PostgresStore) queryWagers(ctx context.Context, sql string, args ...any) ([]model.Wager, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wagers []model.Wager
	for rows.Next() {
		w, err := scanWager(rows)
		if err != nil {
			return nil, err
		}
		wagers = append(wagers, *w)
	}
	return wagers, rows.Err()
}

// scanWager reads one wager row from a pgx.Row or pgx.Rows.
func scanWager(row pgx.Row) (*model.Wager, error) {
	var w model.Wager
	var line, stake, price, pnl string

	if err := row.Scan(&w.ID, &w.AccountID, &w.Scope, &w.Selection, &w.Selections, &line, &w.Side,
		&stake, &price, &w.Status, &pnl, &w.SettlementKey, &w.CreatedAt); err != nil {
		return nil, err
	}

	w.Line, _ = decimal.NewFromString(line)
	w.Stake, _ = decimal.NewFromString(stake)
	w.Price, _ = decimal.NewFromString(price)
	w.PnL, _ = decimal.NewFromString(pnl)
	return &w, nil
}

// --- Settlement records ---

func (s *PostgresStore) InsertSettlement(ctx context.Context, rec *model.SettlementRecord) error {
	wagerIDs, err := json.Marshal(rec.WagerIDs)
	if err != nil {
		return err
	}
	deltas, err := json.Marshal(rec.WalletDeltas)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO settlements (id, key, winner, decision_value, voided, actor, is_reversed, wager_ids, wallet_deltas, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8::JSONB, $9::JSONB, $10)`,
		rec.ID, rec.Key, rec.Winner, rec.DecisionValue.String(), rec.Voided,
		rec.Actor, rec.IsReversed, wagerIDs, deltas, rec.CreatedAt,
	)
	return err
}

func (s *PostgresStore) LatestSettlement(ctx context.Context, key string) (*model.SettlementRecord, error) {
	var rec model.SettlementRecord
	var decision string
	var wagerIDs, deltas []byte

	err := s.db.QueryRow(ctx,
		`SELECT id, key, winner, decision_value::TEXT, voided, actor, is_reversed, wager_ids, wallet_deltas, created_at
		 FROM settlements WHERE key = $1
		 ORDER BY seq DESC LIMIT 1`, key).
		Scan(&rec.ID, &rec.Key, &rec.Winner, &decision, &rec.Voided,
			&rec.Actor, &rec.IsReversed, &wagerIDs, &deltas, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("settlement %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", key, err)
	}

	rec.DecisionValue, _ = decimal.NewFromString(decision)
	if err := json.Unmarshal(wagerIDs, &rec.WagerIDs); err != nil {
		return nil, fmt.Errorf("settlement %s wager ids: %w", key, err)
	}
	if err := json.Unmarshal(deltas, &rec.WalletDeltas); err != nil {
		return nil, fmt.Errorf("settlement %s wallet deltas: %w", key, err)
	}
	return &rec, nil
}

func (s *PostgresStore) MarkSettlementReversed(ctx context.Context, recordID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE settlements SET is_reversed = TRUE WHERE id = $1`, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement record %s: %w", recordID, ErrNotFound)
	}
	return nil
}

// --- Hierarchy transfers ---

func (s *PostgresStore) InsertTransfer(ctx context.Context, t *model.HierarchyTransfer) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO hierarchy_transfers (id, from_account_id, to_account_id, amount, percent, event_ref, settlement_key, reversal, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)`,
		t.ID, t.FromAccountID, t.ToAccountID, t.Amount.String(), t.Percent.String(),
		t.EventRef, t.SettlementKey, t.Reversal, t.CreatedAt,
	)
	return err
}

const transferColumns = `id, from_account_id, to_account_id, amount::TEXT,
       percent::TEXT, event_ref, settlement_key, reversal, created_at`

func (s *PostgresStore) TransfersByAccount(ctx context.Context, accountID string) ([]model.HierarchyTransfer, error) {
	return s.queryTransfers(ctx,
		`SELECT `+transferColumns+` FROM hierarchy_transfers
		 WHERE from_account_id = $1 OR to_account_id = $1 ORDER BY created_at`, accountID)
}

func (s *PostgresStore) TransfersBySettlementKey(ctx context.Context, key string) ([]model.HierarchyTransfer, error) {
	return s.queryTransfers(ctx,
		`SELECT `+transferColumns+` FROM hierarchy_transfers
		 WHERE settlement_key = $1 ORDER BY created_at`, key)
}

func (s *PostgresStore) queryTransfers(ctx context.Context, sql string, args ...any) ([]model.HierarchyTransfer, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []model.HierarchyTransfer
	for rows.Next() {
		var t model.HierarchyTransfer
		var amount, percent string

		if err := rows.Scan(&t.ID, &t.FromAccountID, &t.ToAccountID, &amount,
			&percent, &t.EventRef, &t.SettlementKey, &t.Reversal, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		t.Percent, _ = decimal.NewFromString(percent)
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// --- Distribution idempotency marks ---

func (s *PostgresStore) IsDistributionProcessed(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM distribution_marks WHERE key = $1)`, key).
		Scan(&exists)
	return exists, err
}

func (s *PostgresStore) MarkDistributionProcessed(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO distribution_marks (key, created_at) VALUES ($1, NOW())
		 ON CONFLICT (key) DO NOTHING`, key)
	return err
}
