// Package hierarchy cascades settled profit/loss up the ownership tree.
//
// Each level keeps its configured retained share of what reaches it and
// forwards the remainder to its parent; the root absorbs whatever is
// left. Distribution is aggregated per account per event batch, applied
// idempotently, and recorded as append-only transfer edges so the cascade
// can be reconstructed and reversed.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/model"
	"github.com/wagerx/risk-engine/internal/store"
	"github.com/wagerx/risk-engine/internal/wallet"
)

var hundred = decimal.NewFromInt(100)

// maxChainDepth bounds the upline walk; a deeper chain indicates a
// corrupted directory rather than a legitimate tree.
const maxChainDepth = 64

// Task is one distribution unit: the house-side amount of a bettor's net
// settled P/L for one event batch. Tasks are safe to re-run; RecordID
// ties the task to one settlement generation so a key settled again after
// reversal distributes again.
type Task struct {
	AccountID     string          `json:"account_id"` // bettor whose P/L settled
	Amount        decimal.Decimal `json:"amount"`     // house side: -1 * bettor net
	EventRef      string          `json:"event_ref"`  // {sport}:{kind}:{eventID}
	SettlementKey string          `json:"settlement_key"`
	RecordID      string          `json:"record_id"`
	Reversal      bool            `json:"reversal"`
}

// IdempotencyKey identifies one application of this task.
func (t Task) IdempotencyKey() string {
	suffix := ""
	if t.Reversal {
		suffix = "|rev"
	}
	return fmt.Sprintf("%s|%s|%s%s", t.AccountID, t.EventRef, t.RecordID, suffix)
}

// Distributor applies distribution tasks against the store.
type Distributor struct {
	store store.Store
	locks *wallet.AccountLocks
}

// NewDistributor creates a distributor sharing the engine's account locks.
func NewDistributor(st store.Store, locks *wallet.AccountLocks) *Distributor {
	return &Distributor{store: st, locks: locks}
}

// chainStep is one resolved level of the upline walk.
type chainStep struct {
	account *model.Account
	keep    decimal.Decimal
	forward decimal.Decimal
}

// Distribute applies one task. Returns false without error when the task
// was already applied (idempotent re-run). The walk is resolved read-only
// first, then every touched wallet is locked and the credits, transfers,
// and idempotency mark commit as one transaction.
func (d *Distributor) Distribute(ctx context.Context, t Task) (bool, error) {
	chain, err := d.resolveChain(ctx, t)
	if err != nil {
		return false, err
	}

	ids := make([]string, len(chain))
	for i, step := range chain {
		ids[i] = step.account.ID
	}
	unlock := d.locks.LockAll(ids)
	defer unlock()

	applied := false
	err = d.store.WithTx(ctx, func(tx store.Store) error {
		done, err := tx.IsDistributionProcessed(ctx, t.IdempotencyKey())
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		now := time.Now().UTC()
		for i, step := range chain {
			if err := d.credit(ctx, tx, step.account.ID, step.keep, now); err != nil {
				return err
			}
			if i+1 < len(chain) {
				transfer := &model.HierarchyTransfer{
					ID:            uuid.New().String(),
					FromAccountID: step.account.ID,
					ToAccountID:   chain[i+1].account.ID,
					Amount:        step.forward,
					Percent:       step.account.RetainedSharePercent,
					EventRef:      t.EventRef,
					SettlementKey: t.SettlementKey,
					Reversal:      t.Reversal,
					CreatedAt:     now,
				}
				if err := tx.InsertTransfer(ctx, transfer); err != nil {
					return err
				}
			}
		}

		applied = true
		return tx.MarkDistributionProcessed(ctx, t.IdempotencyKey())
	})
	if err != nil {
		return false, err
	}

	if applied {
		for _, id := range ids {
			store.Invalidate(ctx, d.store, []string{id}, "")
		}
	}
	return applied, nil
}

// resolveChain walks the ownership tree from the bettor to the root and
// splits the amount level by level. Iterative with a visited set; a cycle
// or over-deep chain terminates the walk at the current node, which then
// absorbs the remainder like a root.
func (d *Distributor) resolveChain(ctx context.Context, t Task) ([]chainStep, error) {
	var chain []chainStep
	visited := make(map[string]bool)
	remaining := t.Amount
	currentID := t.AccountID

	for depth := 0; ; depth++ {
		acct, err := d.store.GetAccount(ctx, currentID)
		if err != nil {
			return nil, fmt.Errorf("resolve upline of %s: %w", t.AccountID, err)
		}
		visited[currentID] = true

		terminal := acct.ParentID == nil ||
			visited[*acct.ParentID] ||
			depth >= maxChainDepth
		if terminal {
			if acct.ParentID != nil {
				slog.Warn("upline walk terminated early",
					"account", acct.ID, "parent", *acct.ParentID, "depth", depth)
			}
			// Root (or forced terminal) absorbs everything that reached it.
			chain = append(chain, chainStep{account: acct, keep: remaining, forward: decimal.Zero})
			return chain, nil
		}

		// Keep the retained share rounded to cents; forward the exact
		// remainder so the cascade conserves the original amount.
		keep := remaining.Mul(acct.RetainedSharePercent).Div(hundred).Round(2)
		forward := remaining.Sub(keep)

		chain = append(chain, chainStep{account: acct, keep: keep, forward: forward})
		remaining = forward
		currentID = *acct.ParentID
	}
}

// credit applies a retained share to an account's wallet, creating the
// wallet lazily for upline accounts that never placed a wager.
func (d *Distributor) credit(ctx context.Context, tx store.Store, accountID string, amount decimal.Decimal, now time.Time) error {
	w, err := tx.GetWallet(ctx, accountID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		w = &model.Wallet{AccountID: accountID}
	}
	wallet.Credit(w, amount)
	w.UpdatedAt = now
	return tx.PutWallet(ctx, w)
}
