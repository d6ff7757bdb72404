package limits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/market"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func mustScope(t *testing.T, key string) *market.Scope {
	t.Helper()
	s, err := market.ParseScope(key)
	if err != nil {
		t.Fatalf("invalid scope %q: %v", key, err)
	}
	return s
}

func TestCheck_WithinLimits(t *testing.T) {
	l := NewExposureLimiter(d(1000), d(5000))
	target := mustScope(t, "cricket:MATCH:evt-1:match_odds")

	err := l.Check(target, d(800), map[string]decimal.Decimal{
		"cricket:MATCH:evt-1:tied_match": d(3000),
	})
	if err != nil {
		t.Errorf("expected placement within limits, got %v", err)
	}
}

func TestCheck_ScopeLimitExceeded(t *testing.T) {
	l := NewExposureLimiter(d(1000), decimal.Zero)
	target := mustScope(t, "cricket:MATCH:evt-1:match_odds")

	err := l.Check(target, d(1001), nil)
	if !errors.Is(err, ErrScopeLimitExceeded) {
		t.Errorf("expected ErrScopeLimitExceeded, got %v", err)
	}
}

func TestCheck_EventLimitAggregatesScopes(t *testing.T) {
	l := NewExposureLimiter(decimal.Zero, d(5000))
	target := mustScope(t, "cricket:MATCH:evt-1:match_odds")

	err := l.Check(target, d(2000), map[string]decimal.Decimal{
		"cricket:MATCH:evt-1:tied_match": d(3500),
	})
	if !errors.Is(err, ErrEventLimitExceeded) {
		t.Errorf("expected ErrEventLimitExceeded, got %v", err)
	}
}

func TestCheck_OtherEventsDoNotCount(t *testing.T) {
	l := NewExposureLimiter(decimal.Zero, d(5000))
	target := mustScope(t, "cricket:MATCH:evt-1:match_odds")

	err := l.Check(target, d(2000), map[string]decimal.Decimal{
		"cricket:MATCH:evt-2:match_odds":   d(4000),
		"cricket:SESSION:evt-1:session_10": d(4000), // different kind
	})
	if err != nil {
		t.Errorf("unrelated scopes must not count toward the event cap, got %v", err)
	}
}

func TestCheck_TargetScopeNotDoubleCounted(t *testing.T) {
	l := NewExposureLimiter(decimal.Zero, d(5000))
	target := mustScope(t, "cricket:MATCH:evt-1:match_odds")

	// The target's existing exposure is superseded by newScopeExposure.
	err := l.Check(target, d(3000), map[string]decimal.Decimal{
		"cricket:MATCH:evt-1:match_odds": d(2800),
	})
	if err != nil {
		t.Errorf("target scope must only count once, got %v", err)
	}
}

func TestCheck_ZeroCapsDisableChecks(t *testing.T) {
	l := NewExposureLimiter(decimal.Zero, decimal.Zero)
	target := mustScope(t, "cricket:MATCH:evt-1:match_odds")

	if err := l.Check(target, d(1_000_000), nil); err != nil {
		t.Errorf("zero caps must disable limit checks, got %v", err)
	}
}
