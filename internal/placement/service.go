// Package placement validates and atomically commits new wagers: it prices
// the marginal liability with the exposure calculator, gates it against the
// wallet ledger, and persists the wager — all as one unit.
package placement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/exposure"
	"github.com/wagerx/risk-engine/internal/feed"
	"github.com/wagerx/risk-engine/internal/limits"
	"github.com/wagerx/risk-engine/internal/market"
	"github.com/wagerx/risk-engine/internal/metrics"
	"github.com/wagerx/risk-engine/internal/model"
	"github.com/wagerx/risk-engine/internal/store"
	"github.com/wagerx/risk-engine/internal/wallet"
)

var one = decimal.NewFromInt(1)

// ErrScopeSettled is returned when a wager targets a scope whose
// settlement key already carries a non-reversed settlement record. A
// wager accepted here could never be settled until that record is
// reversed, stranding its locked exposure.
var ErrScopeSettled = errors.New("placement: scope already settled")

// Service coordinates wager placement. Per-account serialization comes
// from the shared AccountLocks; the wager insert and wallet update commit
// as one store transaction.
type Service struct {
	store   store.Store
	locks   *wallet.AccountLocks
	limiter *limits.ExposureLimiter
	feed    *feed.Hub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a placement service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, locks *wallet.AccountLocks, limiter *limits.ExposureLimiter, hub *feed.Hub) *Service {
	return &Service{
		store:   st,
		locks:   locks,
		limiter: limiter,
		feed:    hub,
	}
}

// --- Request/Response types ---

// PlaceWagerRequest is the JSON body for POST /api/v1/wagers.
type PlaceWagerRequest struct {
	AccountID  string          `json:"account_id"`
	Scope      string          `json:"scope"`               // {sport}:{kind}:{event}:{market}
	Selection  string          `json:"selection,omitempty"` // MATCH markets
	Line       decimal.Decimal `json:"line"`                // SESSION markets
	Side       string          `json:"side"`                // BACK/LAY or YES/NO
	Stake      decimal.Decimal `json:"stake"`
	Price      decimal.Decimal `json:"price"`                // odds; ignored for SESSION
	Selections []string        `json:"selections,omitempty"` // market's full selection list
}

// PlaceWagerResponse is returned on successful placement.
type PlaceWagerResponse struct {
	Wager         model.Wager     `json:"wager"`
	ExposureDelta decimal.Decimal `json:"exposure_delta"`
	Wallet        model.Wallet    `json:"wallet"`
}

// ExposureResponse is returned from GET .../exposure.
type ExposureResponse struct {
	AccountID string          `json:"account_id"`
	Scope     string          `json:"scope"`
	Exposure  decimal.Decimal `json:"exposure"`
}

// --- HTTP Handlers ---

// PlaceWager handles POST /api/v1/wagers.
func (s *Service) PlaceWager(w http.ResponseWriter, r *http.Request) {
	var req PlaceWagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	scope, err := s.validate(&req)
	if err != nil {
		metrics.PlacementRejections.WithLabelValues("validation").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	candidate := model.Wager{
		ID:         uuid.New().String(),
		AccountID:  req.AccountID,
		Scope:      scope.Key,
		Selection:  req.Selection,
		Selections: req.Selections,
		Line:       req.Line,
		Side:       req.Side,
		Stake:      req.Stake,
		Price:      req.Price,
		Status:     model.StatusOpen,
		CreatedAt:  time.Now().UTC(),
	}

	ctx := r.Context()

	// Serialize all wallet mutation for this account.
	unlock := s.locks.Lock(req.AccountID)
	defer unlock()

	var resp PlaceWagerResponse
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		// A settled scope accepts no new wagers until the settlement is
		// reversed; checked inside the transaction so a settlement
		// committing concurrently cannot slip past.
		if rec, err := tx.LatestSettlement(ctx, scope.Key); err == nil {
			if !rec.IsReversed {
				return ErrScopeSettled
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		existing, err := tx.OpenWagersByAccountScope(ctx, req.AccountID, scope.Key)
		if err != nil {
			return err
		}

		// Price against every selection seen on the book plus the
		// request's own list, so repeat wagers and hedges enumerate the
		// same outcome universe as the originals.
		universe := unionSelections(append(append([]model.Wager{}, existing...), candidate))

		start := time.Now()
		before, err := exposure.Compute(scope.Kind, universe, existing)
		if err != nil {
			return err
		}
		delta, err := exposure.Delta(scope.Kind, universe, existing, candidate)
		if err != nil {
			return err
		}
		metrics.ExposureComputeLatency.WithLabelValues(scope.Kind).
			Observe(time.Since(start).Seconds())

		byScope, err := s.scopeExposures(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if err := s.limiter.Check(scope, before.Add(delta), byScope); err != nil {
			return err
		}

		wlt, err := tx.GetWallet(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if err := wallet.LockAdditional(wlt, delta); err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, wlt); err != nil {
			return err
		}
		if err := tx.InsertWager(ctx, &candidate); err != nil {
			return err
		}

		resp = PlaceWagerResponse{
			Wager:         candidate,
			ExposureDelta: delta,
			Wallet:        *wlt,
		}
		return nil
	})
	if err != nil {
		writePlacementError(w, err)
		return
	}

	store.Invalidate(ctx, s.store, []string{req.AccountID}, scope.Key)
	metrics.WagersPlaced.WithLabelValues(scope.Kind).Inc()

	slog.Info("wager placed",
		"wager_id", candidate.ID,
		"account", req.AccountID,
		"scope", scope.Key,
		"side", req.Side,
		"stake", req.Stake.String(),
		"exposure_delta", resp.ExposureDelta.String(),
	)

	if s.feed != nil {
		s.feed.Broadcast(feed.Message{
			Type:      "wager_placed",
			Scope:     scope.Key,
			AccountID: req.AccountID,
			WagerID:   candidate.ID,
			Amount:    req.Stake.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// GetWallet handles GET /api/v1/accounts/{id}/wallet.
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	wlt, err := s.store.GetWallet(r.Context(), accountID)
	if err != nil {
		writeError(w, "wallet not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wlt)
}

// ListWagers handles GET /api/v1/accounts/{id}/wagers.
// Returns all wagers, optionally filtered by ?status=OPEN.
func (s *Service) ListWagers(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	wagers, err := s.store.WagersByAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to list wagers", http.StatusInternalServerError)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		var filtered []model.Wager
		for _, wg := range wagers {
			if wg.Status == status {
				filtered = append(filtered, wg)
			}
		}
		wagers = filtered
	}
	if wagers == nil {
		wagers = []model.Wager{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wagers)
}

// GetExposure handles GET /api/v1/accounts/{id}/exposure?scope=...
func (s *Service) GetExposure(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	scopeKey := r.URL.Query().Get("scope")

	scope, err := market.ParseScope(scopeKey)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	wagers, err := s.store.OpenWagersByAccountScope(ctx, accountID, scope.Key)
	if err != nil {
		writeError(w, "failed to load wagers", http.StatusInternalServerError)
		return
	}

	start := time.Now()
	exp, err := exposure.Compute(scope.Kind, unionSelections(wagers), wagers)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	metrics.ExposureComputeLatency.WithLabelValues(scope.Kind).
		Observe(time.Since(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ExposureResponse{
		AccountID: accountID,
		Scope:     scope.Key,
		Exposure:  exp,
	})
}

// --- Internals ---

// validate rejects malformed input before any money is touched.
func (s *Service) validate(req *PlaceWagerRequest) (*market.Scope, error) {
	if req.AccountID == "" {
		return nil, errors.New("account_id is required")
	}
	if !req.Stake.IsPositive() {
		return nil, errors.New("stake must be positive")
	}

	scope, err := market.ParseScope(req.Scope)
	if err != nil {
		return nil, err
	}

	switch scope.Kind {
	case market.KindMatch:
		if req.Side != model.SideBack && req.Side != model.SideLay {
			return nil, errors.New("side must be BACK or LAY for MATCH markets")
		}
		if req.Selection == "" {
			return nil, errors.New("selection is required for MATCH markets")
		}
		if req.Price.LessThanOrEqual(one) {
			return nil, errors.New("price must be greater than 1")
		}
	case market.KindSession:
		if req.Side != model.SideYes && req.Side != model.SideNo {
			return nil, errors.New("side must be YES or NO for SESSION markets")
		}
		if !req.Line.IsPositive() {
			return nil, errors.New("line must be positive")
		}
	}
	return scope, nil
}

// scopeExposures computes the account's current exposure per open scope,
// used by the event-level limit check.
func (s *Service) scopeExposures(ctx context.Context, tx store.Store, accountID string) (map[string]decimal.Decimal, error) {
	open, err := tx.OpenWagersByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]model.Wager)
	for _, wg := range open {
		grouped[wg.Scope] = append(grouped[wg.Scope], wg)
	}

	result := make(map[string]decimal.Decimal, len(grouped))
	for scopeKey, wagers := range grouped {
		kind, err := market.KindOf(scopeKey)
		if err != nil {
			// A stored wager with an unknown scope must not block new
			// placements on healthy scopes.
			slog.Warn("skipping scope with unknown kind", "scope", scopeKey, "err", err)
			continue
		}
		exp, err := exposure.Compute(kind, unionSelections(wagers), wagers)
		if err != nil {
			return nil, err
		}
		result[scopeKey] = exp
	}
	return result, nil
}

// unionSelections merges the selection lists snapshotted on a scope's
// wagers so recomputed exposure enumerates the outcomes the wagers were
// originally priced against.
func unionSelections(wagers []model.Wager) []string {
	seen := make(map[string]bool)
	var selections []string
	add := func(sel string) {
		if sel != "" && !seen[sel] {
			seen[sel] = true
			selections = append(selections, sel)
		}
	}
	for _, wg := range wagers {
		for _, sel := range wg.Selections {
			add(sel)
		}
		add(wg.Selection)
	}
	return selections
}

// writePlacementError maps domain errors onto HTTP statuses.
func writePlacementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		metrics.PlacementRejections.WithLabelValues("insufficient_funds").Inc()
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrScopeSettled):
		metrics.PlacementRejections.WithLabelValues("scope_settled").Inc()
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, limits.ErrScopeLimitExceeded), errors.Is(err, limits.ErrEventLimitExceeded):
		metrics.PlacementRejections.WithLabelValues("limit").Inc()
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrConcurrencyConflict):
		metrics.PlacementRejections.WithLabelValues("conflict").Inc()
		writeError(w, "placement lost a concurrent update, retry", http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, exposure.ErrUnknownMarketKind), errors.Is(err, exposure.ErrUnknownSide):
		metrics.PlacementRejections.WithLabelValues("validation").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, "placement failed", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
