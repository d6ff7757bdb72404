package settlement

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wagerx/risk-engine/internal/exposure"
	"github.com/wagerx/risk-engine/internal/model"
	"github.com/wagerx/risk-engine/internal/store"
)

// Service exposes the settlement engine over HTTP.
type Service struct {
	engine *Engine
	store  store.Store
}

// NewService creates the settlement HTTP service.
func NewService(engine *Engine, st store.Store) *Service {
	return &Service{engine: engine, store: st}
}

// reverseRequest is the JSON body for POST /api/v1/settlements/{key}/reversal.
type reverseRequest struct {
	Actor string `json:"actor"`
}

// settlementDetail is returned from GET /api/v1/settlements/{key}.
type settlementDetail struct {
	Record    model.SettlementRecord    `json:"record"`
	Transfers []model.HierarchyTransfer `json:"transfers"`
}

// SettleMarket handles POST /api/v1/settlements.
func (s *Service) SettleMarket(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.engine.Settle(r.Context(), cmd)
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReverseSettlement handles POST /api/v1/settlements/{key}/reversal.
func (s *Service) ReverseSettlement(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	// Body is optional; a bare POST reverses with no actor recorded.
	var req reverseRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	result, err := s.engine.Reverse(r.Context(), key, req.Actor)
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetSettlement handles GET /api/v1/settlements/{key}: the latest record
// for the key plus the hierarchy transfers it produced.
func (s *Service) GetSettlement(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	rec, err := s.store.LatestSettlement(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no settlement for key", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load settlement", http.StatusInternalServerError)
		return
	}

	transfers, err := s.store.TransfersBySettlementKey(r.Context(), key)
	if err != nil {
		slog.Error("loading settlement transfers", "key", key, "err", err)
		writeError(w, "failed to load transfers", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, settlementDetail{Record: *rec, Transfers: transfers})
}

// ListTransfers handles GET /api/v1/accounts/{id}/transfers.
func (s *Service) ListTransfers(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	transfers, err := s.store.TransfersByAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to list transfers", http.StatusInternalServerError)
		return
	}
	if transfers == nil {
		transfers = []model.HierarchyTransfer{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

// writeSettlementError maps engine errors onto HTTP statuses.
func writeSettlementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSettlementExists), errors.Is(err, ErrAlreadyReversed):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrSettlementNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidCommand),
		errors.Is(err, exposure.ErrUnknownMarketKind),
		errors.Is(err, exposure.ErrUnknownSide):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrConcurrencyConflict):
		writeError(w, "settlement lost a concurrent update, retry", http.StatusConflict)
	default:
		slog.Error("settlement failed", "err", err)
		writeError(w, "settlement failed", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
