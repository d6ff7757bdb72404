// Package wallet enforces the fund invariants and per-account
// serialization for the only component allowed to mutate money.
//
// Invariants on every wallet, before and after every mutation:
//
//	balance - lockedExposure >= 0
//	lockedExposure >= 0
//
// Mutations are pure functions over a *model.Wallet snapshot; callers
// hold the account's lock (AccountLocks) around the read-mutate-write
// sequence so the check-then-act is effectively atomic.
package wallet

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/model"
)

// ErrInsufficientFunds is returned when locking additional exposure would
// push available balance below zero. No partial effect is applied.
var ErrInsufficientFunds = errors.New("wallet: insufficient funds for required exposure")

// LockAdditional reserves delta more exposure against the wallet.
// Positive deltas require available funds; negative deltas release
// reservation (a hedging wager reduces pressure) and are floored so
// lockedExposure never goes negative.
func LockAdditional(w *model.Wallet, delta decimal.Decimal) error {
	if delta.IsPositive() && w.Available().LessThan(delta) {
		return ErrInsufficientFunds
	}

	locked := w.LockedExposure.Add(delta)
	if locked.IsNegative() {
		locked = decimal.Zero
	}
	w.LockedExposure = locked
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplySettlement releases previously reserved exposure and credits the
// realized profit/loss in one step.
func ApplySettlement(w *model.Wallet, pnl, exposureReleased decimal.Decimal) {
	locked := w.LockedExposure.Sub(exposureReleased)
	if locked.IsNegative() {
		locked = decimal.Zero
	}
	w.LockedExposure = locked
	w.Balance = w.Balance.Add(pnl)
	w.UpdatedAt = time.Now().UTC()
}

// ReverseSettlement is the exact inverse of ApplySettlement: it subtracts
// the applied P/L and restores the released reservation.
func ReverseSettlement(w *model.Wallet, pnl, exposureReleased decimal.Decimal) {
	w.Balance = w.Balance.Sub(pnl)
	w.LockedExposure = w.LockedExposure.Add(exposureReleased)
	w.UpdatedAt = time.Now().UTC()
}

// Credit adds a hierarchy retained share to the wallet balance. Upline
// bookkeeping is settlement-side money, not bettor stake, so it bypasses
// the available-funds gate; a downline win debits the upline book.
func Credit(w *model.Wallet, amount decimal.Decimal) {
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = time.Now().UTC()
}

// lockShards fixes the stripe count. Power of two keeps the modulo cheap.
const lockShards = 64

// AccountLocks serializes wallet mutation per account with striped
// mutexes. Two accounts may share a stripe; that only costs contention,
// never correctness.
type AccountLocks struct {
	shards [lockShards]sync.Mutex
}

// NewAccountLocks creates the striped lock set.
func NewAccountLocks() *AccountLocks {
	return &AccountLocks{}
}

func shardIndex(accountID string) int {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return int(h.Sum32() % lockShards)
}

// Lock acquires the account's stripe and returns the unlock function.
func (l *AccountLocks) Lock(accountID string) func() {
	idx := shardIndex(accountID)
	l.shards[idx].Lock()
	return l.shards[idx].Unlock
}

// LockAll acquires the stripes covering every listed account in a fixed
// global order, so concurrent settlements touching overlapping account
// sets cannot deadlock. Returns the unlock function.
func (l *AccountLocks) LockAll(accountIDs []string) func() {
	seen := make(map[int]bool, len(accountIDs))
	var indices []int
	for _, id := range accountIDs {
		idx := shardIndex(id)
		if !seen[idx] {
			seen[idx] = true
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	for _, idx := range indices {
		l.shards[idx].Lock()
	}
	return func() {
		for i := len(indices) - 1; i >= 0; i-- {
			l.shards[indices[i]].Unlock()
		}
	}
}
