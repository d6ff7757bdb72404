package hierarchy

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/model"
	"github.com/wagerx/risk-engine/internal/store"
)

// Service exposes account administration over HTTP: creating accounts
// with their place in the commission chain and querying them.
type Service struct {
	store store.Store
}

// NewService creates the account admin service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// createAccountRequest is the JSON body for POST /api/v1/accounts.
type createAccountRequest struct {
	ID                   string          `json:"id"`
	ParentID             *string         `json:"parent_id,omitempty"`
	RetainedSharePercent decimal.Decimal `json:"retained_share_percent"`
	InitialBalance       decimal.Decimal `json:"initial_balance"`
}

// accountResponse pairs an account with its wallet.
type accountResponse struct {
	Account model.Account `json:"account"`
	Wallet  model.Wallet  `json:"wallet"`
}

// CreateAccount handles POST /api/v1/accounts.
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		writeError(w, "account id is required", http.StatusBadRequest)
		return
	}
	if req.RetainedSharePercent.IsNegative() || req.RetainedSharePercent.GreaterThan(hundred) {
		writeError(w, "retained_share_percent must be within [0, 100]", http.StatusBadRequest)
		return
	}
	if req.InitialBalance.IsNegative() {
		writeError(w, "initial_balance must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if req.ParentID != nil {
		if _, err := s.store.GetAccount(ctx, *req.ParentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, "parent account not found", http.StatusBadRequest)
				return
			}
			writeError(w, "failed to load parent account", http.StatusInternalServerError)
			return
		}
	}

	if _, err := s.store.GetAccount(ctx, req.ID); err == nil {
		writeError(w, "account already exists", http.StatusConflict)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, "failed to check account", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	acct := model.Account{
		ID:                   req.ID,
		ParentID:             req.ParentID,
		RetainedSharePercent: req.RetainedSharePercent,
		CreatedAt:            now,
	}
	wlt := model.Wallet{
		AccountID: req.ID,
		Balance:   req.InitialBalance,
		UpdatedAt: now,
	}

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateAccount(ctx, &acct); err != nil {
			return err
		}
		return tx.PutWallet(ctx, &wlt)
	})
	if err != nil {
		writeError(w, "failed to create account", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, accountResponse{Account: acct, Wallet: wlt})
}

// GetAccount handles GET /api/v1/accounts/{id}.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	acct, err := s.store.GetAccount(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}

	wlt, err := s.store.GetWallet(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		wlt = &model.Wallet{AccountID: id}
	} else if err != nil {
		writeError(w, "failed to load wallet", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{Account: *acct, Wallet: *wlt})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
