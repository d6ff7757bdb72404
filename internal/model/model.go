// Package model defines the core domain types shared across the risk engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wager sides. MATCH markets use BACK/LAY; SESSION markets use YES/NO.
const (
	SideBack = "BACK"
	SideLay  = "LAY"
	SideYes  = "YES"
	SideNo   = "NO"
)

// Wager lifecycle states. A wager is born OPEN, moves to exactly one of
// WON/LOST/VOID on settlement, and may only return to OPEN via reversal
// of the same settlement key. Wagers are never deleted.
const (
	StatusOpen = "OPEN"
	StatusWon  = "WON"
	StatusLost = "LOST"
	StatusVoid = "VOID"
)

// Account is a node in the ownership tree. RetainedSharePercent is the
// fraction (0–100) of downline P/L this account keeps before forwarding
// the remainder to its parent. Root accounts have no parent and absorb
// whatever reaches them.
type Account struct {
	ID                   string          `json:"id" db:"id"`
	ParentID             *string         `json:"parent_id,omitempty" db:"parent_id"`
	RetainedSharePercent decimal.Decimal `json:"retained_share_percent" db:"retained_share_percent"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// Wallet holds one account's funds. Invariants, enforced by the ledger:
// Balance - LockedExposure >= 0 and LockedExposure >= 0.
type Wallet struct {
	AccountID      string          `json:"account_id" db:"account_id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	LockedExposure decimal.Decimal `json:"locked_exposure" db:"locked_exposure"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Available returns the balance not reserved against open wagers.
func (w Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.LockedExposure)
}

// Wager is a single position on a market scope. Only the settlement
// engine mutates Status/PnL/SettlementKey after placement.
type Wager struct {
	ID            string          `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	Scope         string          `json:"scope" db:"scope"` // {sport}:{kind}:{event}:{market}
	Selection     string          `json:"selection,omitempty" db:"selection"`
	Selections    []string        `json:"selections,omitempty" db:"selections"` // market's selection list at placement
	Line          decimal.Decimal `json:"line" db:"line"`                       // SESSION markets only
	Side          string          `json:"side" db:"side"`
	Stake         decimal.Decimal `json:"stake" db:"stake"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Status        string          `json:"status" db:"status"`
	PnL           decimal.Decimal `json:"pnl" db:"pnl"` // zero while OPEN
	SettlementKey *string         `json:"settlement_key,omitempty" db:"settlement_key"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// WalletDelta records the exact wallet mutation a settlement applied to
// one account. Stored alongside the settlement record so reversal can
// subtract precisely what was added.
type WalletDelta struct {
	AccountID        string          `json:"account_id" db:"account_id"`
	PnLApplied       decimal.Decimal `json:"pnl_applied" db:"pnl_applied"`
	ExposureReleased decimal.Decimal `json:"exposure_released" db:"exposure_released"`
}

// SettlementRecord captures one settlement of a key (the market scope
// being resolved). At most one non-reversed record may exist per key at
// any time; ID distinguishes generations when a key is settled again
// after reversal.
type SettlementRecord struct {
	ID            string          `json:"id" db:"id"`
	Key           string          `json:"key" db:"key"`
	Winner        string          `json:"winner,omitempty" db:"winner"`
	DecisionValue decimal.Decimal `json:"decision_value" db:"decision_value"`
	Voided        bool            `json:"voided" db:"voided"`
	Actor         string          `json:"actor" db:"actor"`
	IsReversed    bool            `json:"is_reversed" db:"is_reversed"`
	WagerIDs      []string        `json:"wager_ids" db:"wager_ids"`
	WalletDeltas  []WalletDelta   `json:"wallet_deltas" db:"wallet_deltas"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// HierarchyTransfer is one append-only edge of a P/L cascade: FromAccountID
// forwarded Amount upward after keeping Percent of what reached it.
// Reversal entries carry Reversal=true and negated amounts.
type HierarchyTransfer struct {
	ID            string          `json:"id" db:"id"`
	FromAccountID string          `json:"from_account_id" db:"from_account_id"`
	ToAccountID   string          `json:"to_account_id" db:"to_account_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Percent       decimal.Decimal `json:"percent" db:"percent"`
	EventRef      string          `json:"event_ref" db:"event_ref"`
	SettlementKey string          `json:"settlement_key" db:"settlement_key"`
	Reversal      bool            `json:"reversal" db:"reversal"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
