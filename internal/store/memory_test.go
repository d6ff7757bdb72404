package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/model"
)

func seedWallet(t *testing.T, s *MemoryStore, id string, balance int64) {
	t.Helper()
	w := &model.Wallet{AccountID: id, Balance: decimal.NewFromInt(balance)}
	if err := s.PutWallet(context.Background(), w); err != nil {
		t.Fatalf("failed to seed wallet: %v", err)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "acct-1", 100)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Store) error {
		w, err := tx.GetWallet(ctx, "acct-1")
		if err != nil {
			return err
		}
		w.Balance = decimal.NewFromInt(999)
		if err := tx.PutWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.InsertWager(ctx, &model.Wager{
			ID:        "w-1",
			AccountID: "acct-1",
			Scope:     "cricket:MATCH:evt-1:match_odds",
			Status:    model.StatusOpen,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the inner error back, got %v", err)
	}

	w, err := s.GetWallet(ctx, "acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("failed tx must leave no trace, balance %s", w.Balance)
	}
	if _, err := s.GetWager(ctx, "w-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed tx must not persist wagers, got %v", err)
	}
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "acct-1", 100)

	err := s.WithTx(ctx, func(tx Store) error {
		w, err := tx.GetWallet(ctx, "acct-1")
		if err != nil {
			return err
		}
		w.Balance = decimal.NewFromInt(250)
		return tx.PutWallet(ctx, w)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w, _ := s.GetWallet(ctx, "acct-1")
	if !w.Balance.Equal(decimal.NewFromInt(250)) {
		t.Errorf("expected committed balance 250, got %s", w.Balance)
	}
}

func TestGetWallet_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "acct-1", 100)

	w1, _ := s.GetWallet(ctx, "acct-1")
	w1.Balance = decimal.NewFromInt(0)

	w2, _ := s.GetWallet(ctx, "acct-1")
	if !w2.Balance.Equal(decimal.NewFromInt(100)) {
		t.Error("mutating a returned wallet must not affect the store")
	}
}

func TestLatestSettlement_PicksNewestForKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := "cricket:MATCH:evt-1:match_odds"

	first := &model.SettlementRecord{ID: "rec-1", Key: key, CreatedAt: time.Now().UTC()}
	if err := s.InsertSettlement(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSettlementReversed(ctx, "rec-1"); err != nil {
		t.Fatal(err)
	}
	second := &model.SettlementRecord{ID: "rec-2", Key: key, CreatedAt: time.Now().UTC()}
	if err := s.InsertSettlement(ctx, second); err != nil {
		t.Fatal(err)
	}

	rec, err := s.LatestSettlement(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != "rec-2" || rec.IsReversed {
		t.Errorf("expected the newest non-reversed record, got %+v", rec)
	}
}

func TestLatestSettlement_InsertOrderBreaksTimestampTies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := "cricket:MATCH:evt-1:match_odds"
	at := time.Now().UTC()

	// A reversal and a re-settlement can land in the same timestamp tick;
	// insertion order decides which record is latest.
	first := &model.SettlementRecord{ID: "rec-1", Key: key, IsReversed: true, CreatedAt: at}
	if err := s.InsertSettlement(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &model.SettlementRecord{ID: "rec-2", Key: key, CreatedAt: at}
	if err := s.InsertSettlement(ctx, second); err != nil {
		t.Fatal(err)
	}

	rec, err := s.LatestSettlement(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != "rec-2" {
		t.Errorf("expected rec-2 to win the tie, got %s", rec.ID)
	}
}

func TestMarkDistributionProcessed_Idempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	done, err := s.IsDistributionProcessed(ctx, "client|evt|rec-1")
	if err != nil || done {
		t.Fatalf("fresh key must be unprocessed, got %v %v", done, err)
	}
	if err := s.MarkDistributionProcessed(ctx, "client|evt|rec-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDistributionProcessed(ctx, "client|evt|rec-1"); err != nil {
		t.Fatalf("re-marking must not fail: %v", err)
	}
	done, _ = s.IsDistributionProcessed(ctx, "client|evt|rec-1")
	if !done {
		t.Error("marked key must read processed")
	}
}
