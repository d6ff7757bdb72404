// Package exposure computes the worst-case loss across all realizable
// outcomes for the open wagers of one account in one market scope.
//
// Two outcome models, selected by market kind:
//   - MATCH (binary/handicap): per-selection net positions, each real
//     selection simulated as the winner in turn.
//   - SESSION (range/line): every integer outcome in a bounded domain
//     derived from the observed lines is evaluated with flat-stake payouts.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Exposure is always non-negative; the delta form prices a candidate
// wager and may be negative when the candidate hedges existing risk.
package exposure

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/market"
	"github.com/wagerx/risk-engine/internal/model"
)

var (
	// ErrUnknownMarketKind is returned when a wager set carries a market
	// kind no outcome model exists for.
	ErrUnknownMarketKind = errors.New("exposure: unknown market kind")

	// ErrUnknownSide is returned when a wager carries a side that is not
	// valid for its market kind.
	ErrUnknownSide = errors.New("exposure: unknown wager side")
)

// Bounds of the universal outcome domain for SESSION markets. Observed
// lines are clamped into this window before enumeration.
var (
	RangeDomainMin = int64(0)
	RangeDomainMax = int64(1000)
)

// rangeBufferRatio expands the enumerated domain proportionally around
// the min/max observed lines; rangeBufferFloor is the smallest expansion
// applied regardless of line spread.
var (
	rangeBufferRatio = decimal.NewFromFloat(0.25)
	rangeBufferFloor = decimal.NewFromInt(10)
)

var one = decimal.NewFromInt(1)

// Compute returns the worst-case loss for the given open wagers, all of
// which must share one market scope of the given kind. selections lists
// the market's real selections; selections observed only on wagers are
// included automatically, so the slice may be nil for SESSION markets
// and for MATCH markets where every selection carries at least one wager.
func Compute(kind string, selections []string, wagers []model.Wager) (decimal.Decimal, error) {
	switch kind {
	case market.KindMatch:
		return binaryExposure(selections, wagers)
	case market.KindSession:
		return rangeExposure(wagers)
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownMarketKind, kind)
	}
}

// Delta prices a candidate wager against an existing open set: the
// marginal liability is exposure(existing+candidate) - exposure(existing).
// Negative deltas mean the candidate hedges existing exposure.
func Delta(kind string, selections []string, existing []model.Wager, candidate model.Wager) (decimal.Decimal, error) {
	// The candidate's selection joins the outcome universe of both
	// computations so a first wager on a fresh selection is priced
	// against the same enumeration.
	universe := selections
	if candidate.Selection != "" {
		universe = append(append([]string{}, selections...), candidate.Selection)
	}

	before, err := Compute(kind, universe, existing)
	if err != nil {
		return decimal.Zero, err
	}

	after, err := Compute(kind, universe, append(append([]model.Wager{}, existing...), candidate))
	if err != nil {
		return decimal.Zero, err
	}

	return after.Sub(before), nil
}

// binaryExposure folds every wager into a per-selection net position:
// a BACK on S gains stake*(price-1) when S wins and loses the stake when
// any other selection wins; a LAY is the exact mirror. Each bucket then
// holds the account's total P/L for the outcome "that selection wins".
// Only real selections are simulated — there is no everyone-loses outcome.
func binaryExposure(selections []string, wagers []model.Wager) (decimal.Decimal, error) {
	buckets := make(map[string]decimal.Decimal, len(selections))

	// Selections without wagers still participate in outcome enumeration.
	for _, sel := range selections {
		buckets[sel] = decimal.Zero
	}
	for _, w := range wagers {
		if _, ok := buckets[w.Selection]; !ok {
			buckets[w.Selection] = decimal.Zero
		}
	}

	for _, w := range wagers {
		winGain := w.Stake.Mul(w.Price.Sub(one)) // stake*(price-1)

		switch w.Side {
		case model.SideBack:
			for sel := range buckets {
				if sel == w.Selection {
					buckets[sel] = buckets[sel].Add(winGain)
				} else {
					buckets[sel] = buckets[sel].Sub(w.Stake)
				}
			}
		case model.SideLay:
			for sel := range buckets {
				if sel == w.Selection {
					buckets[sel] = buckets[sel].Sub(winGain)
				} else {
					buckets[sel] = buckets[sel].Add(w.Stake)
				}
			}
		default:
			return decimal.Zero, fmt.Errorf("%w: %q on MATCH market", ErrUnknownSide, w.Side)
		}
	}

	worst := decimal.Zero
	for _, total := range buckets {
		if total.LessThan(worst) {
			worst = total
		}
	}
	return worst.Neg(), nil
}

// rangeExposure enumerates every integer outcome of a bounded domain and
// evaluates each wager's flat-stake payout: the winner gains the stake,
// the loser loses it. The domain spans the observed lines expanded by a
// proportional buffer, clamped to [RangeDomainMin, RangeDomainMax].
func rangeExposure(wagers []model.Wager) (decimal.Decimal, error) {
	if len(wagers) == 0 {
		return decimal.Zero, nil
	}

	minLine := wagers[0].Line
	maxLine := wagers[0].Line
	for _, w := range wagers {
		if w.Side != model.SideYes && w.Side != model.SideNo {
			return decimal.Zero, fmt.Errorf("%w: %q on SESSION market", ErrUnknownSide, w.Side)
		}
		if w.Line.LessThan(minLine) {
			minLine = w.Line
		}
		if w.Line.GreaterThan(maxLine) {
			maxLine = w.Line
		}
	}

	buffer := maxLine.Sub(minLine).Mul(rangeBufferRatio).Ceil()
	if buffer.LessThan(rangeBufferFloor) {
		buffer = rangeBufferFloor
	}

	lo := minLine.Sub(buffer).Floor().IntPart()
	hi := maxLine.Add(buffer).Ceil().IntPart()
	if lo < RangeDomainMin {
		lo = RangeDomainMin
	}
	if hi > RangeDomainMax {
		hi = RangeDomainMax
	}

	worst := decimal.Zero
	for o := lo; o <= hi; o++ {
		outcome := decimal.NewFromInt(o)
		total := decimal.Zero
		for _, w := range wagers {
			if RangeSideWins(w.Side, w.Line, outcome) {
				total = total.Add(w.Stake)
			} else {
				total = total.Sub(w.Stake)
			}
		}
		if total.LessThan(worst) {
			worst = total
		}
	}
	return worst.Neg(), nil
}

// RangeSideWins reports whether a SESSION wager wins for a given outcome
// value: YES wins strictly below its line, NO wins at or above it. The
// settlement engine uses the same comparison against the declared
// decision value so pricing and settlement can never disagree.
func RangeSideWins(side string, line, outcome decimal.Decimal) bool {
	if side == model.SideYes {
		return outcome.LessThan(line)
	}
	return outcome.GreaterThanOrEqual(line)
}
