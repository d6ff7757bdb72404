// Package settlement resolves open wagers against a declared outcome,
// applies the wallet effects atomically, and supports exact reversal.
//
// A settlement key is the market scope key being resolved. At most one
// non-reversed settlement record exists per key; settling again requires
// reversing first. All monetary values use shopspring/decimal.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/exposure"
	"github.com/wagerx/risk-engine/internal/feed"
	"github.com/wagerx/risk-engine/internal/hierarchy"
	"github.com/wagerx/risk-engine/internal/market"
	"github.com/wagerx/risk-engine/internal/metrics"
	"github.com/wagerx/risk-engine/internal/model"
	"github.com/wagerx/risk-engine/internal/store"
	"github.com/wagerx/risk-engine/internal/wallet"
)

var (
	// ErrSettlementExists is returned when a non-reversed settlement
	// record already exists for the key.
	ErrSettlementExists = errors.New("settlement: active settlement already exists for key")

	// ErrSettlementNotFound is returned when reversing a key that was
	// never settled.
	ErrSettlementNotFound = errors.New("settlement: no settlement found for key")

	// ErrAlreadyReversed is returned when reversing a settlement twice.
	ErrAlreadyReversed = errors.New("settlement: settlement already reversed")

	// ErrInvalidCommand is returned for malformed settlement input.
	ErrInvalidCommand = errors.New("settlement: invalid command")
)

var one = decimal.NewFromInt(1)

// Command describes one settlement of a key.
type Command struct {
	Key           string          `json:"key"` // market scope key
	Winner        string          `json:"winner,omitempty"`
	DecisionValue decimal.Decimal `json:"decision_value"`
	Voided        bool            `json:"voided"`
	Actor         string          `json:"actor"`
	WagerIDs      []string        `json:"wager_ids,omitempty"` // optional subset
}

// WagerOutcome is one wager's result within a settlement.
type WagerOutcome struct {
	WagerID   string          `json:"wager_id"`
	AccountID string          `json:"account_id"`
	Status    string          `json:"status"`
	PnL       decimal.Decimal `json:"pnl"`
}

// SkippedWager reports a wager isolated out of a batch settlement.
type SkippedWager struct {
	WagerID string `json:"wager_id"`
	Reason  string `json:"reason"`
}

// Result is the complete settlement (or reversal) payload.
type Result struct {
	Record   model.SettlementRecord `json:"record"`
	Outcomes []WagerOutcome         `json:"outcomes"`
	Skipped  []SkippedWager         `json:"skipped,omitempty"`
}

// Enqueuer hands per-account net P/L batches to the hierarchy distributor.
type Enqueuer interface {
	Enqueue(t hierarchy.Task)
}

// Engine applies settlements and reversals. A single mutex serializes
// them: settlements span many accounts, and reversal must be guarded
// against concurrent double-reversal of the same key.
type Engine struct {
	store store.Store
	locks *wallet.AccountLocks
	queue Enqueuer  // optional; nil disables hierarchy distribution
	feed  *feed.Hub // optional
	mu    sync.Mutex
}

// NewEngine creates a settlement engine sharing the placement path's
// account locks.
func NewEngine(st store.Store, locks *wallet.AccountLocks, queue Enqueuer, hub *feed.Hub) *Engine {
	return &Engine{
		store: st,
		locks: locks,
		queue: queue,
		feed:  hub,
	}
}

// Settle resolves the open wagers under cmd.Key against the declared
// outcome (or voids them). Wagers that cannot be priced are skipped and
// reported; everything else commits as one transaction.
func (e *Engine) Settle(ctx context.Context, cmd Command) (*Result, error) {
	scope, err := market.ParseScope(cmd.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if !cmd.Voided && scope.Kind == market.KindMatch && cmd.Winner == "" {
		return nil, fmt.Errorf("%w: winner is required for MATCH settlement", ErrInvalidCommand)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if latest, err := e.store.LatestSettlement(ctx, cmd.Key); err == nil {
		if !latest.IsReversed {
			return nil, ErrSettlementExists
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	open, err := e.store.OpenWagersByScope(ctx, cmd.Key)
	if err != nil {
		return nil, err
	}

	targets, err := selectTargets(open, cmd.WagerIDs)
	if err != nil {
		return nil, err
	}

	// Price every targeted wager; isolate the unpriceable ones instead of
	// aborting the whole market.
	var outcomes []WagerOutcome
	var skipped []SkippedWager
	skippedIDs := make(map[string]bool)
	for _, wg := range targets {
		status, pnl, err := wagerOutcome(scope.Kind, wg, cmd)
		if err != nil {
			slog.Warn("skipping unpriceable wager",
				"wager_id", wg.ID, "scope", cmd.Key, "err", err)
			skipped = append(skipped, SkippedWager{WagerID: wg.ID, Reason: err.Error()})
			skippedIDs[wg.ID] = true
			metrics.SettlementSkippedWagers.Inc()
			continue
		}
		outcomes = append(outcomes, WagerOutcome{
			WagerID:   wg.ID,
			AccountID: wg.AccountID,
			Status:    status,
			PnL:       pnl,
		})
	}

	// The release computation needs the same outcome universe placement
	// priced against: every selection seen anywhere in the scope plus the
	// declared winner.
	selections := scopeSelections(open, cmd.Winner)

	deltas, err := e.walletDeltas(scope.Kind, selections, open, outcomes, skippedIDs)
	if err != nil {
		return nil, err
	}

	rec := model.SettlementRecord{
		ID:            uuid.New().String(),
		Key:           cmd.Key,
		Winner:        cmd.Winner,
		DecisionValue: cmd.DecisionValue,
		Voided:        cmd.Voided,
		Actor:         cmd.Actor,
		WalletDeltas:  deltas,
		CreatedAt:     time.Now().UTC(),
	}
	for _, o := range outcomes {
		rec.WagerIDs = append(rec.WagerIDs, o.WagerID)
	}

	accountIDs := make([]string, len(deltas))
	for i, d := range deltas {
		accountIDs[i] = d.AccountID
	}
	unlock := e.locks.LockAll(accountIDs)
	defer unlock()

	err = e.store.WithTx(ctx, func(tx store.Store) error {
		for _, d := range deltas {
			wlt, err := tx.GetWallet(ctx, d.AccountID)
			if err != nil {
				return err
			}
			wallet.ApplySettlement(wlt, d.PnLApplied, d.ExposureReleased)
			if err := tx.PutWallet(ctx, wlt); err != nil {
				return err
			}
		}
		for _, o := range outcomes {
			wg, err := tx.GetWager(ctx, o.WagerID)
			if err != nil {
				return err
			}
			wg.Status = o.Status
			wg.PnL = o.PnL
			key := cmd.Key
			wg.SettlementKey = &key
			if err := tx.UpdateWager(ctx, wg); err != nil {
				return err
			}
		}
		return tx.InsertSettlement(ctx, &rec)
	})
	if err != nil {
		return nil, err
	}

	store.Invalidate(ctx, e.store, accountIDs, cmd.Key)

	result := "settled"
	if cmd.Voided {
		result = "voided"
	}
	metrics.Settlements.WithLabelValues(result).Inc()
	for _, o := range outcomes {
		metrics.WagersSettled.WithLabelValues(o.Status).Inc()
	}

	slog.Info("market settled",
		"key", cmd.Key,
		"record_id", rec.ID,
		"winner", cmd.Winner,
		"voided", cmd.Voided,
		"wagers", len(outcomes),
		"skipped", len(skipped),
		"actor", cmd.Actor,
	)

	e.enqueueDistribution(scope, &rec, deltas, false)
	e.broadcastSettled(cmd, &rec)

	return &Result{Record: rec, Outcomes: outcomes, Skipped: skipped}, nil
}

// Reverse undoes the active settlement of a key: wallet deltas are
// subtracted exactly, each settled wager returns to OPEN with zero P/L,
// and the reversing hierarchy distribution is enqueued.
func (e *Engine) Reverse(ctx context.Context, key, actor string) (*Result, error) {
	scope, err := market.ParseScope(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.LatestSettlement(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.IsReversed {
		return nil, ErrAlreadyReversed
	}

	accountIDs := make([]string, len(rec.WalletDeltas))
	for i, d := range rec.WalletDeltas {
		accountIDs[i] = d.AccountID
	}
	unlock := e.locks.LockAll(accountIDs)
	defer unlock()

	var outcomes []WagerOutcome
	err = e.store.WithTx(ctx, func(tx store.Store) error {
		for _, d := range rec.WalletDeltas {
			wlt, err := tx.GetWallet(ctx, d.AccountID)
			if err != nil {
				return err
			}
			wallet.ReverseSettlement(wlt, d.PnLApplied, d.ExposureReleased)
			if err := tx.PutWallet(ctx, wlt); err != nil {
				return err
			}
		}
		for _, id := range rec.WagerIDs {
			wg, err := tx.GetWager(ctx, id)
			if err != nil {
				return err
			}
			wg.Status = model.StatusOpen
			wg.PnL = decimal.Zero
			wg.SettlementKey = nil
			if err := tx.UpdateWager(ctx, wg); err != nil {
				return err
			}
			outcomes = append(outcomes, WagerOutcome{
				WagerID:   wg.ID,
				AccountID: wg.AccountID,
				Status:    model.StatusOpen,
				PnL:       decimal.Zero,
			})
		}
		return tx.MarkSettlementReversed(ctx, rec.ID)
	})
	if err != nil {
		return nil, err
	}

	store.Invalidate(ctx, e.store, accountIDs, key)
	metrics.Settlements.WithLabelValues("reversed").Inc()

	slog.Info("settlement reversed",
		"key", key,
		"record_id", rec.ID,
		"wagers", len(rec.WagerIDs),
		"actor", actor,
	)

	e.enqueueDistribution(scope, rec, rec.WalletDeltas, true)
	e.broadcastReversed(key)

	reversed := *rec
	reversed.IsReversed = true
	return &Result{Record: reversed, Outcomes: outcomes}, nil
}

// selectTargets restricts open wagers to the requested subset, rejecting
// ids that are unknown or not open under the key.
func selectTargets(open []model.Wager, wagerIDs []string) ([]model.Wager, error) {
	if len(wagerIDs) == 0 {
		return open, nil
	}

	byID := make(map[string]model.Wager, len(open))
	for _, wg := range open {
		byID[wg.ID] = wg
	}

	targets := make([]model.Wager, 0, len(wagerIDs))
	for _, id := range wagerIDs {
		wg, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: wager %s is not open under key", ErrInvalidCommand, id)
		}
		targets = append(targets, wg)
	}
	return targets, nil
}

// wagerOutcome computes one wager's settled status and realized P/L.
func wagerOutcome(kind string, wg model.Wager, cmd Command) (string, decimal.Decimal, error) {
	if cmd.Voided {
		return model.StatusVoid, decimal.Zero, nil
	}

	switch kind {
	case market.KindMatch:
		winGain := wg.Stake.Mul(wg.Price.Sub(one))
		switch wg.Side {
		case model.SideBack:
			if wg.Selection == cmd.Winner {
				return model.StatusWon, winGain, nil
			}
			return model.StatusLost, wg.Stake.Neg(), nil
		case model.SideLay:
			if wg.Selection != cmd.Winner {
				return model.StatusWon, wg.Stake, nil
			}
			return model.StatusLost, winGain.Neg(), nil
		default:
			return "", decimal.Zero, fmt.Errorf("%w: %q on MATCH market", exposure.ErrUnknownSide, wg.Side)
		}

	case market.KindSession:
		if wg.Side != model.SideYes && wg.Side != model.SideNo {
			return "", decimal.Zero, fmt.Errorf("%w: %q on SESSION market", exposure.ErrUnknownSide, wg.Side)
		}
		// Flat-stake payout, same comparison the exposure model uses.
		if exposure.RangeSideWins(wg.Side, wg.Line, cmd.DecisionValue) {
			return model.StatusWon, wg.Stake, nil
		}
		return model.StatusLost, wg.Stake.Neg(), nil

	default:
		return "", decimal.Zero, fmt.Errorf("%w: %q", exposure.ErrUnknownMarketKind, kind)
	}
}

// walletDeltas aggregates per-account P/L and computes how much reserved
// exposure each account releases: the difference between the exposure of
// all its open wagers in scope and the exposure of whatever stays open
// after this settlement (zero when the whole scope closes).
func (e *Engine) walletDeltas(kind string, selections []string, open []model.Wager, outcomes []WagerOutcome, skippedIDs map[string]bool) ([]model.WalletDelta, error) {
	settledIDs := make(map[string]bool, len(outcomes))
	netPnL := make(map[string]decimal.Decimal)
	for _, o := range outcomes {
		settledIDs[o.WagerID] = true
		netPnL[o.AccountID] = netPnL[o.AccountID].Add(o.PnL)
	}

	byAccount := make(map[string][]model.Wager)
	for _, wg := range open {
		if skippedIDs[wg.ID] {
			// Unpriceable wagers are excluded from both sides of the
			// release computation; they stay open and keep their lock.
			continue
		}
		byAccount[wg.AccountID] = append(byAccount[wg.AccountID], wg)
	}

	accountIDs := make([]string, 0, len(byAccount))
	for id := range byAccount {
		accountIDs = append(accountIDs, id)
	}
	sort.Strings(accountIDs)

	var deltas []model.WalletDelta
	for _, accountID := range accountIDs {
		wagers := byAccount[accountID]

		before, err := exposure.Compute(kind, selections, wagers)
		if err != nil {
			return nil, err
		}

		var remaining []model.Wager
		for _, wg := range wagers {
			if !settledIDs[wg.ID] {
				remaining = append(remaining, wg)
			}
		}
		after, err := exposure.Compute(kind, selections, remaining)
		if err != nil {
			return nil, err
		}

		released := before.Sub(after)
		pnl := netPnL[accountID]
		if released.IsZero() && pnl.IsZero() {
			continue
		}
		deltas = append(deltas, model.WalletDelta{
			AccountID:        accountID,
			PnLApplied:       pnl,
			ExposureReleased: released,
		})
	}
	return deltas, nil
}

// scopeSelections unions the selection lists snapshotted on the open
// wagers, the selections wagered on, and the declared winner, so the
// release computation enumerates the same outcomes placement priced
// against.
func scopeSelections(open []model.Wager, winner string) []string {
	seen := make(map[string]bool)
	var selections []string
	add := func(sel string) {
		if sel != "" && !seen[sel] {
			seen[sel] = true
			selections = append(selections, sel)
		}
	}
	for _, wg := range open {
		for _, sel := range wg.Selections {
			add(sel)
		}
		add(wg.Selection)
	}
	add(winner)
	return selections
}

// enqueueDistribution hands each account's settled net P/L to the
// hierarchy distributor. The queued amount is the house side (-1 * bettor
// net); reversal negates it again.
func (e *Engine) enqueueDistribution(scope *market.Scope, rec *model.SettlementRecord, deltas []model.WalletDelta, reversal bool) {
	if e.queue == nil {
		return
	}
	for _, d := range deltas {
		if d.PnLApplied.IsZero() {
			continue
		}
		amount := d.PnLApplied.Neg()
		if reversal {
			amount = d.PnLApplied
		}
		e.queue.Enqueue(hierarchy.Task{
			AccountID:     d.AccountID,
			Amount:        amount,
			EventRef:      scope.EventRef(),
			SettlementKey: rec.Key,
			RecordID:      rec.ID,
			Reversal:      reversal,
		})
	}
}

func (e *Engine) broadcastSettled(cmd Command, rec *model.SettlementRecord) {
	if e.feed == nil {
		return
	}
	e.feed.Broadcast(feed.Message{
		Type:          "market_settled",
		Scope:         rec.Key,
		SettlementKey: rec.Key,
		Winner:        cmd.Winner,
	})
}

func (e *Engine) broadcastReversed(key string) {
	if e.feed == nil {
		return
	}
	e.feed.Broadcast(feed.Message{
		Type:          "settlement_reversed",
		Scope:         key,
		SettlementKey: key,
	})
}
