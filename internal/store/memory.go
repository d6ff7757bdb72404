package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/wagerx/risk-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	txMu      sync.Mutex
	accounts  map[string]*model.Account
	wallets   map[string]*model.Wallet
	wagers    map[string]*model.Wager
	wagerIDs  []string // insertion order, for deterministic listings
	records   []model.SettlementRecord
	transfers []model.HierarchyTransfer
	distMarks map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		wallets:   make(map[string]*model.Wallet),
		wagers:    make(map[string]*model.Wager),
		distMarks: make(map[string]bool),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, accountID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[accountID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", accountID, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) PutWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *w
	s.wallets[w.AccountID] = &copy
	return nil
}

func (s *MemoryStore) InsertWager(_ context.Context, w *model.Wager) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wagers[w.ID]; ok {
		return fmt.Errorf("wager %s already exists", w.ID)
	}
	copy := *w
	s.wagers[w.ID] = &copy
	s.wagerIDs = append(s.wagerIDs, w.ID)
	return nil
}

func (s *MemoryStore) UpdateWager(_ context.Context, w *model.Wager) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wagers[w.ID]; !ok {
		return fmt.Errorf("wager %s: %w", w.ID, ErrNotFound)
	}
	copy := *w
	s.wagers[w.ID] = &copy
	return nil
}

func (s *MemoryStore) GetWager(_ context.Context, id string) (*model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wagers[id]
	if !ok {
		return nil, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) OpenWagersByScope(_ context.Context, scope string) ([]model.Wager, error) {
	return s.filterWagers(func(w *model.Wager) bool {
		return w.Scope == scope && w.Status == model.StatusOpen
	}), nil
}

func (s *MemoryStore) OpenWagersByAccountScope(_ context.Context, accountID, scope string) ([]model.Wager, error) {
	return s.filterWagers(func(w *model.Wager) bool {
		return w.AccountID == accountID && w.Scope == scope && w.Status == model.StatusOpen
	}), nil
}

func (s *MemoryStore) OpenWagersByAccount(_ context.Context, accountID string) ([]model.Wager, error) {
	return s.filterWagers(func(w *model.Wager) bool {
		return w.AccountID == accountID && w.Status == model.StatusOpen
	}), nil
}

func (s *MemoryStore) WagersByAccount(_ context.Context, accountID string) ([]model.Wager, error) {
	return s.filterWagers(func(w *model.Wager) bool {
		return w.AccountID == accountID
	}), nil
}

func (s *MemoryStore) filterWagers(keep func(*model.Wager) bool) []model.Wager {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Wager
	for _, id := range s.wagerIDs {
		if w := s.wagers[id]; keep(w) {
			result = append(result, *w)
		}
	}
	return result
}

func (s *MemoryStore) InsertSettlement(_ context.Context, rec *model.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, *rec)
	return nil
}

func (s *MemoryStore) LatestSettlement(_ context.Context, key string) (*model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Key == key {
			copy := s.records[i]
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("settlement %s: %w", key, ErrNotFound)
}

func (s *MemoryStore) MarkSettlementReversed(_ context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].ID == recordID {
			s.records[i].IsReversed = true
			return nil
		}
	}
	return fmt.Errorf("settlement record %s: %w", recordID, ErrNotFound)
}

func (s *MemoryStore) InsertTransfer(_ context.Context, t *model.HierarchyTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transfers = append(s.transfers, *t)
	return nil
}

func (s *MemoryStore) TransfersByAccount(_ context.Context, accountID string) ([]model.HierarchyTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HierarchyTransfer
	for _, t := range s.transfers {
		if t.FromAccountID == accountID || t.ToAccountID == accountID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) TransfersBySettlementKey(_ context.Context, key string) ([]model.HierarchyTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HierarchyTransfer
	for _, t := range s.transfers {
		if t.SettlementKey == key {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) IsDistributionProcessed(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.distMarks[key], nil
}

func (s *MemoryStore) MarkDistributionProcessed(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distMarks[key] = true
	return nil
}

// WithTx serializes the whole unit and rolls the store back to a snapshot
// if fn fails. Good enough for the single-process test store; Postgres
// provides real transactions.
func (s *MemoryStore) WithTx(_ context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	accounts  map[string]*model.Account
	wallets   map[string]*model.Wallet
	wagers    map[string]*model.Wager
	wagerIDs  []string
	records   []model.SettlementRecord
	transfers []model.HierarchyTransfer
	distMarks map[string]bool
}

func (s *MemoryStore) snapshot() memSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := memSnapshot{
		accounts:  make(map[string]*model.Account, len(s.accounts)),
		wallets:   make(map[string]*model.Wallet, len(s.wallets)),
		wagers:    make(map[string]*model.Wager, len(s.wagers)),
		wagerIDs:  append([]string{}, s.wagerIDs...),
		records:   append([]model.SettlementRecord{}, s.records...),
		transfers: append([]model.HierarchyTransfer{}, s.transfers...),
		distMarks: make(map[string]bool, len(s.distMarks)),
	}
	for k, v := range s.accounts {
		copy := *v
		snap.accounts[k] = &copy
	}
	for k, v := range s.wallets {
		copy := *v
		snap.wallets[k] = &copy
	}
	for k, v := range s.wagers {
		copy := *v
		snap.wagers[k] = &copy
	}
	for k := range s.distMarks {
		snap.distMarks[k] = true
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = snap.accounts
	s.wallets = snap.wallets
	s.wagers = snap.wagers
	s.wagerIDs = snap.wagerIDs
	s.records = snap.records
	s.transfers = snap.transfers
	s.distMarks = snap.distMarks
}
