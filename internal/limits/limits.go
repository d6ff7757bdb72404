// Package limits enforces per-account exposure caps beyond the wallet's
// available-funds gate.
//
// A bettor spreading wagers across every market of one event carries
// correlated risk: the markets resolve off the same fixture. This package
// caps both the exposure in a single market scope and the aggregate
// exposure across all scopes sharing the {sport}:{kind}:{eventID} prefix.
package limits

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/market"
)

var (
	// ErrScopeLimitExceeded is returned when a wager would push one
	// market scope's exposure beyond the per-scope maximum.
	ErrScopeLimitExceeded = errors.New("limits: per-market exposure limit exceeded")

	// ErrEventLimitExceeded is returned when a wager would push the
	// aggregate exposure across one event's markets beyond the event
	// maximum.
	ErrEventLimitExceeded = errors.New("limits: per-event exposure limit exceeded")
)

// ExposureLimiter caps exposure per market scope and per event.
// Zero-valued caps disable the corresponding check.
type ExposureLimiter struct {
	// MaxPerScope is the maximum exposure in any single market scope.
	MaxPerScope decimal.Decimal

	// MaxPerEvent is the maximum aggregate exposure across all scopes
	// that belong to the same event and market kind.
	MaxPerEvent decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given caps.
func NewExposureLimiter(maxPerScope, maxPerEvent decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerScope: maxPerScope,
		MaxPerEvent: maxPerEvent,
	}
}

// Check validates a placement against the caps.
//
// Parameters:
//   - target: the scope being wagered on
//   - newScopeExposure: the target scope's exposure if the wager commits
//   - existingExposures: map of scope key → current exposure for this account
//
// Returns nil if within limits, or an error describing the violation.
func (l *ExposureLimiter) Check(
	target *market.Scope,
	newScopeExposure decimal.Decimal,
	existingExposures map[string]decimal.Decimal,
) error {
	if l.MaxPerScope.IsPositive() && newScopeExposure.GreaterThan(l.MaxPerScope) {
		return ErrScopeLimitExceeded
	}

	if !l.MaxPerEvent.IsPositive() {
		return nil
	}

	// Aggregate exposure across the event's other scopes.
	eventPrefix := target.EventRef() + ":"
	totalEvent := newScopeExposure

	for scopeKey, exp := range existingExposures {
		if scopeKey == target.Key {
			continue // already counted via newScopeExposure above
		}
		if strings.HasPrefix(scopeKey, eventPrefix) {
			totalEvent = totalEvent.Add(exp)
		}
	}

	if totalEvent.GreaterThan(l.MaxPerEvent) {
		return ErrEventLimitExceeded
	}
	return nil
}
