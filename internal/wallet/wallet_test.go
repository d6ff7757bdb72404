package wallet

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testWallet(balance, locked float64) *model.Wallet {
	return &model.Wallet{
		AccountID:      "acct-1",
		Balance:        d(balance),
		LockedExposure: d(locked),
	}
}

func TestLockAdditional_Reserves(t *testing.T) {
	w := testWallet(1000, 200)
	if err := LockAdditional(w, d(300)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.LockedExposure.Equal(d(500)) {
		t.Errorf("expected locked 500, got %s", w.LockedExposure)
	}
	if !w.Available().Equal(d(500)) {
		t.Errorf("expected available 500, got %s", w.Available())
	}
}

func TestLockAdditional_InsufficientFunds(t *testing.T) {
	w := testWallet(1000, 800)
	err := LockAdditional(w, d(300))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	// No partial effect.
	if !w.LockedExposure.Equal(d(800)) {
		t.Errorf("locked exposure changed on failed lock: %s", w.LockedExposure)
	}
}

func TestLockAdditional_ExactAvailable(t *testing.T) {
	w := testWallet(1000, 600)
	if err := LockAdditional(w, d(400)); err != nil {
		t.Fatalf("locking exactly the available balance must succeed: %v", err)
	}
	if !w.Available().IsZero() {
		t.Errorf("expected available 0, got %s", w.Available())
	}
}

func TestLockAdditional_NegativeDeltaReleases(t *testing.T) {
	w := testWallet(1000, 500)
	if err := LockAdditional(w, d(-200)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.LockedExposure.Equal(d(300)) {
		t.Errorf("expected locked 300, got %s", w.LockedExposure)
	}
}

func TestLockAdditional_ReleaseFloorsAtZero(t *testing.T) {
	w := testWallet(1000, 100)
	if err := LockAdditional(w, d(-250)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.LockedExposure.IsZero() {
		t.Errorf("locked exposure must floor at zero, got %s", w.LockedExposure)
	}
}

func TestApplyThenReverseSettlementRoundTrips(t *testing.T) {
	w := testWallet(1000, 650)
	balance := w.Balance
	locked := w.LockedExposure

	ApplySettlement(w, d(-650), d(650))
	if !w.Balance.Equal(d(350)) {
		t.Errorf("expected balance 350 after loss, got %s", w.Balance)
	}
	if !w.LockedExposure.IsZero() {
		t.Errorf("expected locked 0 after release, got %s", w.LockedExposure)
	}

	ReverseSettlement(w, d(-650), d(650))
	if !w.Balance.Equal(balance) {
		t.Errorf("reversal must restore balance %s, got %s", balance, w.Balance)
	}
	if !w.LockedExposure.Equal(locked) {
		t.Errorf("reversal must restore locked %s, got %s", locked, w.LockedExposure)
	}
}

func TestApplySettlement_WinCreditsBalance(t *testing.T) {
	w := testWallet(1000, 1000)
	ApplySettlement(w, d(1500), d(1000))
	if !w.Balance.Equal(d(2500)) {
		t.Errorf("expected balance 2500, got %s", w.Balance)
	}
	if !w.LockedExposure.IsZero() {
		t.Errorf("expected locked 0, got %s", w.LockedExposure)
	}
}

func TestCredit_BypassesFundsGate(t *testing.T) {
	// Upline books may go negative when a downline wins.
	w := testWallet(0, 0)
	Credit(w, d(-140))
	if !w.Balance.Equal(d(-140)) {
		t.Errorf("expected balance -140, got %s", w.Balance)
	}
}

func TestAccountLocks_SerializesSameAccount(t *testing.T) {
	locks := NewAccountLocks()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("acct-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected 100 serialized increments, got %d", counter)
	}
}

func TestAccountLocks_LockAllOverlappingSets(t *testing.T) {
	locks := NewAccountLocks()
	counter := 0

	sets := [][]string{
		{"a", "b", "c"},
		{"c", "a"},
		{"b", "c", "a"},
	}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		set := sets[i%len(sets)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.LockAll(set)
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 60 {
		t.Errorf("expected 60 serialized increments, got %d", counter)
	}
}
