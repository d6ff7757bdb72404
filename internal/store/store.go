// Package store defines the persistence interface for the risk engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/wagerx/risk-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConcurrencyConflict is returned when a transactional unit lost a
	// serialization race and should be retried by the caller.
	ErrConcurrencyConflict = errors.New("store: concurrency conflict, retry")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for hot wallet and wager reads.
type Store interface {
	// --- Accounts (ownership tree) ---

	// CreateAccount persists a new account node.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// --- Wallets ---

	// GetWallet retrieves an account's wallet.
	GetWallet(ctx context.Context, accountID string) (*model.Wallet, error)

	// PutWallet upserts a wallet snapshot.
	PutWallet(ctx context.Context, w *model.Wallet) error

	// --- Wagers ---

	// InsertWager persists a new wager.
	InsertWager(ctx context.Context, w *model.Wager) error

	// UpdateWager rewrites a wager's mutable fields (status, pnl,
	// settlement key).
	UpdateWager(ctx context.Context, w *model.Wager) error

	// GetWager retrieves a wager by ID.
	GetWager(ctx context.Context, id string) (*model.Wager, error)

	// OpenWagersByScope returns every OPEN wager under a market scope.
	OpenWagersByScope(ctx context.Context, scope string) ([]model.Wager, error)

	// OpenWagersByAccountScope returns one account's OPEN wagers under a scope.
	OpenWagersByAccountScope(ctx context.Context, accountID, scope string) ([]model.Wager, error)

	// OpenWagersByAccount returns all of an account's OPEN wagers.
	OpenWagersByAccount(ctx context.Context, accountID string) ([]model.Wager, error)

	// WagersByAccount returns all of an account's wagers, any status.
	WagersByAccount(ctx context.Context, accountID string) ([]model.Wager, error)

	// --- Settlement records ---

	// InsertSettlement appends a settlement record.
	InsertSettlement(ctx context.Context, rec *model.SettlementRecord) error

	// LatestSettlement returns the most recent settlement record for a
	// key, reversed or not, or ErrNotFound when the key was never settled.
	LatestSettlement(ctx context.Context, key string) (*model.SettlementRecord, error)

	// MarkSettlementReversed flags one settlement record as reversed.
	MarkSettlementReversed(ctx context.Context, recordID string) error

	// --- Hierarchy transfers (append-only) ---

	// InsertTransfer appends one cascade edge.
	InsertTransfer(ctx context.Context, t *model.HierarchyTransfer) error

	// TransfersByAccount returns every transfer touching an account.
	TransfersByAccount(ctx context.Context, accountID string) ([]model.HierarchyTransfer, error)

	// TransfersBySettlementKey returns the transfers generated for a key.
	TransfersBySettlementKey(ctx context.Context, key string) ([]model.HierarchyTransfer, error)

	// --- Distribution idempotency marks ---

	// IsDistributionProcessed reports whether a distribution task key has
	// already been applied.
	IsDistributionProcessed(ctx context.Context, key string) (bool, error)

	// MarkDistributionProcessed records a distribution task key as applied.
	MarkDistributionProcessed(ctx context.Context, key string) error

	// --- Atomic unit ---

	// WithTx runs fn against a transactional view of the store. All writes
	// inside fn commit together or not at all.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Invalidator is implemented by cache-wrapping stores. Owners of a write
// path call these hooks after their transaction commits.
type Invalidator interface {
	InvalidateWallet(ctx context.Context, accountID string)
	InvalidateScope(ctx context.Context, scope string)
}

// Invalidate calls the cache invalidation hooks when st supports them.
func Invalidate(ctx context.Context, st Store, accountIDs []string, scope string) {
	inv, ok := st.(Invalidator)
	if !ok {
		return
	}
	for _, id := range accountIDs {
		inv.InvalidateWallet(ctx, id)
	}
	if scope != "" {
		inv.InvalidateScope(ctx, scope)
	}
}
