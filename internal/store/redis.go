package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wagerx/risk-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for wallets and open-wager scope snapshots. Writes go to the
// primary store; write paths invalidate via the Invalidator hooks after
// their transaction commits.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context, accountID string) (*model.Wallet, error) {
	data, err := s.rdb.Get(ctx, walletKey(accountID)).Bytes()
	if err == nil {
		var w model.Wallet
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	w, err := s.primary.GetWallet(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(w); err == nil {
		s.rdb.Set(ctx, walletKey(accountID), data, s.ttl)
	}
	return w, nil
}

func (s *CachedStore) OpenWagersByScope(ctx context.Context, scope string) ([]model.Wager, error) {
	data, err := s.rdb.Get(ctx, scopeKey(scope)).Bytes()
	if err == nil {
		var wagers []model.Wager
		if json.Unmarshal(data, &wagers) == nil {
			return wagers, nil
		}
	}

	wagers, err := s.primary.OpenWagersByScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(wagers); err == nil {
		s.rdb.Set(ctx, scopeKey(scope), data, s.ttl)
	}
	return wagers, nil
}

// --- Invalidation hooks (Invalidator) ---

func (s *CachedStore) InvalidateWallet(ctx context.Context, accountID string) {
	s.rdb.Del(ctx, walletKey(accountID))
}

func (s *CachedStore) InvalidateScope(ctx context.Context, scope string) {
	s.rdb.Del(ctx, scopeKey(scope))
}

// --- Write and transactional passthrough ---

// WithTx runs against the primary store. fn sees the uncached
// transactional view; the owner invalidates after commit.
func (s *CachedStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return s.primary.WithTx(ctx, fn)
}

func (s *CachedStore) PutWallet(ctx context.Context, w *model.Wallet) error {
	if err := s.primary.PutWallet(ctx, w); err != nil {
		return err
	}
	s.InvalidateWallet(ctx, w.AccountID)
	return nil
}

func (s *CachedStore) InsertWager(ctx context.Context, w *model.Wager) error {
	if err := s.primary.InsertWager(ctx, w); err != nil {
		return err
	}
	s.InvalidateScope(ctx, w.Scope)
	return nil
}

func (s *CachedStore) UpdateWager(ctx context.Context, w *model.Wager) error {
	if err := s.primary.UpdateWager(ctx, w); err != nil {
		return err
	}
	s.InvalidateScope(ctx, w.Scope)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) GetWager(ctx context.Context, id string) (*model.Wager, error) {
	return s.primary.GetWager(ctx, id)
}

func (s *CachedStore) OpenWagersByAccountScope(ctx context.Context, accountID, scope string) ([]model.Wager, error) {
	return s.primary.OpenWagersByAccountScope(ctx, accountID, scope)
}

func (s *CachedStore) OpenWagersByAccount(ctx context.Context, accountID string) ([]model.Wager, error) {
	return s.primary.OpenWagersByAccount(ctx, accountID)
}

func (s *CachedStore) WagersByAccount(ctx context.Context, accountID string) ([]model.Wager, error) {
	return s.primary.WagersByAccount(ctx, accountID)
}

func (s *CachedStore) InsertSettlement(ctx context.Context, rec *model.SettlementRecord) error {
	return s.primary.InsertSettlement(ctx, rec)
}

func (s *CachedStore) LatestSettlement(ctx context.Context, key string) (*model.SettlementRecord, error) {
	return s.primary.LatestSettlement(ctx, key)
}

func (s *CachedStore) MarkSettlementReversed(ctx context.Context, recordID string) error {
	return s.primary.MarkSettlementReversed(ctx, recordID)
}

func (s *CachedStore) InsertTransfer(ctx context.Context, t *model.HierarchyTransfer) error {
	return s.primary.InsertTransfer(ctx, t)
}

func (s *CachedStore) TransfersByAccount(ctx context.Context, accountID string) ([]model.HierarchyTransfer, error) {
	return s.primary.TransfersByAccount(ctx, accountID)
}

func (s *CachedStore) TransfersBySettlementKey(ctx context.Context, key string) ([]model.HierarchyTransfer, error) {
	return s.primary.TransfersBySettlementKey(ctx, key)
}

func (s *CachedStore) IsDistributionProcessed(ctx context.Context, key string) (bool, error) {
	return s.primary.IsDistributionProcessed(ctx, key)
}

func (s *CachedStore) MarkDistributionProcessed(ctx context.Context, key string) error {
	return s.primary.MarkDistributionProcessed(ctx, key)
}

// --- Cache keys ---

func walletKey(accountID string) string { return fmt.Sprintf("wallet:%s", accountID) }
func scopeKey(scope string) string      { return fmt.Sprintf("scope:%s", scope) }
