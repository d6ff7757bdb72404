package hierarchy_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/hierarchy"
	"github.com/wagerx/risk-engine/internal/model"
	"github.com/wagerx/risk-engine/internal/store"
	"github.com/wagerx/risk-engine/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// seedAccount creates an account with an empty wallet directly in the store.
func seedAccount(t *testing.T, ms *store.MemoryStore, id string, parentID *string, sharePct float64) {
	t.Helper()
	ctx := context.Background()
	acct := &model.Account{
		ID:                   id,
		ParentID:             parentID,
		RetainedSharePercent: d(sharePct),
		CreatedAt:            time.Now().UTC(),
	}
	if err := ms.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("failed to seed account %s: %v", id, err)
	}
	if err := ms.PutWallet(ctx, &model.Wallet{AccountID: id}); err != nil {
		t.Fatalf("failed to seed wallet %s: %v", id, err)
	}
}

// seedChain builds house <- agent(70%) <- client(0%).
func seedChain(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	house := "house"
	agent := "agent"
	seedAccount(t, ms, house, nil, 100)
	seedAccount(t, ms, agent, &house, 70)
	seedAccount(t, ms, "client", &agent, 0)
}

func balance(t *testing.T, ms *store.MemoryStore, id string) decimal.Decimal {
	t.Helper()
	w, err := ms.GetWallet(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load wallet %s: %v", id, err)
	}
	return w.Balance
}

func clientLossTask(amount float64) hierarchy.Task {
	return hierarchy.Task{
		AccountID:     "client",
		Amount:        d(amount),
		EventRef:      "cricket:MATCH:evt-1",
		SettlementKey: "cricket:MATCH:evt-1:match_odds",
		RecordID:      "rec-1",
	}
}

func TestDistribute_RetainAndForward(t *testing.T) {
	ms := store.NewMemoryStore()
	seedChain(t, ms)
	dist := hierarchy.NewDistributor(ms, wallet.NewAccountLocks())

	// Client lost 200, so the house side gains 200: the agent retains
	// 70% = 140 and forwards 60 upward.
	applied, err := dist.Distribute(context.Background(), clientLossTask(200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatal("expected first distribution to apply")
	}

	if got := balance(t, ms, "client"); !got.IsZero() {
		t.Errorf("client retains 0%%, balance should be 0, got %s", got)
	}
	if got := balance(t, ms, "agent"); !got.Equal(d(140)) {
		t.Errorf("expected agent balance 140, got %s", got)
	}
	if got := balance(t, ms, "house"); !got.Equal(d(60)) {
		t.Errorf("expected house balance 60, got %s", got)
	}
}

func TestDistribute_RecordsTransferEdges(t *testing.T) {
	ms := store.NewMemoryStore()
	seedChain(t, ms)
	dist := hierarchy.NewDistributor(ms, wallet.NewAccountLocks())

	if _, err := dist.Distribute(context.Background(), clientLossTask(200)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	transfers, err := ms.TransfersByAccount(context.Background(), "agent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfer edges touching agent, got %d", len(transfers))
	}

	var clientToAgent, agentToHouse bool
	for _, tr := range transfers {
		if tr.FromAccountID == "client" && tr.ToAccountID == "agent" && tr.Amount.Equal(d(200)) {
			clientToAgent = true
		}
		if tr.FromAccountID == "agent" && tr.ToAccountID == "house" && tr.Amount.Equal(d(60)) {
			agentToHouse = true
		}
	}
	if !clientToAgent || !agentToHouse {
		t.Errorf("missing expected transfer edges: %+v", transfers)
	}
}

func TestDistribute_IdempotentRerun(t *testing.T) {
	ms := store.NewMemoryStore()
	seedChain(t, ms)
	dist := hierarchy.NewDistributor(ms, wallet.NewAccountLocks())

	task := clientLossTask(200)
	if _, err := dist.Distribute(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	applied, err := dist.Distribute(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Error("re-running an applied task must be a no-op")
	}
	if got := balance(t, ms, "agent"); !got.Equal(d(140)) {
		t.Errorf("re-run changed agent balance: %s", got)
	}
}

func TestDistribute_ReversalRestoresBalances(t *testing.T) {
	ms := store.NewMemoryStore()
	seedChain(t, ms)
	dist := hierarchy.NewDistributor(ms, wallet.NewAccountLocks())

	if _, err := dist.Distribute(context.Background(), clientLossTask(200)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rev := clientLossTask(-200)
	rev.Reversal = true
	applied, err := dist.Distribute(context.Background(), rev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatal("reversal carries its own idempotency key and must apply")
	}

	for _, id := range []string{"client", "agent", "house"} {
		if got := balance(t, ms, id); !got.IsZero() {
			t.Errorf("expected %s balance restored to 0, got %s", id, got)
		}
	}
}

func TestDistribute_ConservesAmountUnderRounding(t *testing.T) {
	ms := store.NewMemoryStore()
	house := "house"
	agent := "agent"
	seedAccount(t, ms, house, nil, 100)
	seedAccount(t, ms, agent, &house, 33.33)
	seedAccount(t, ms, "client", &agent, 0)
	dist := hierarchy.NewDistributor(ms, wallet.NewAccountLocks())

	if _, err := dist.Distribute(context.Background(), clientLossTask(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	total := balance(t, ms, "client").
		Add(balance(t, ms, "agent")).
		Add(balance(t, ms, "house"))
	if !total.Equal(d(100)) {
		t.Errorf("distribution must conserve the amount exactly, got total %s", total)
	}
}

func TestDistribute_CycleTerminates(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	a, b := "acct-a", "acct-b"
	// a and b point at each other; the walk must stop, not spin.
	if err := ms.CreateAccount(ctx, &model.Account{ID: a, ParentID: &b, RetainedSharePercent: d(50)}); err != nil {
		t.Fatal(err)
	}
	if err := ms.CreateAccount(ctx, &model.Account{ID: b, ParentID: &a, RetainedSharePercent: d(50)}); err != nil {
		t.Fatal(err)
	}
	dist := hierarchy.NewDistributor(ms, wallet.NewAccountLocks())

	task := hierarchy.Task{
		AccountID: a,
		Amount:    d(100),
		EventRef:  "cricket:MATCH:evt-1",
		RecordID:  "rec-1",
	}
	if _, err := dist.Distribute(ctx, task); err != nil {
		t.Fatalf("cyclic chain must terminate cleanly: %v", err)
	}

	total := balance(t, ms, a).Add(balance(t, ms, b))
	if !total.Equal(d(100)) {
		t.Errorf("cycle termination must still conserve the amount, got %s", total)
	}
}

func TestTask_IdempotencyKeyDistinguishesReversal(t *testing.T) {
	task := clientLossTask(200)
	rev := task
	rev.Reversal = true
	if task.IdempotencyKey() == rev.IdempotencyKey() {
		t.Error("reversal must carry a distinct idempotency key")
	}
}

// --- Account admin HTTP ---

func newAccountRouter(ms *store.MemoryStore) chi.Router {
	svc := hierarchy.NewService(ms)
	r := chi.NewRouter()
	r.Post("/api/v1/accounts", svc.CreateAccount)
	r.Get("/api/v1/accounts/{id}", svc.GetAccount)
	return r
}

func TestCreateAccount_HTTP(t *testing.T) {
	ms := store.NewMemoryStore()
	router := newAccountRouter(ms)

	body, _ := json.Marshal(map[string]any{
		"id":                     "house",
		"retained_share_percent": "100",
		"initial_balance":        "0",
	})
	req := httptest.NewRequest("POST", "/api/v1/accounts", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest("GET", "/api/v1/accounts/house", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateAccount_UnknownParentRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	router := newAccountRouter(ms)

	body, _ := json.Marshal(map[string]any{
		"id":                     "agent",
		"parent_id":              "nope",
		"retained_share_percent": "70",
	})
	req := httptest.NewRequest("POST", "/api/v1/accounts", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown parent, got %d", w.Code)
	}
}

func TestCreateAccount_InvalidShareRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	router := newAccountRouter(ms)

	body, _ := json.Marshal(map[string]any{
		"id":                     "agent",
		"retained_share_percent": "120",
	})
	req := httptest.NewRequest("POST", "/api/v1/accounts", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for share > 100, got %d", w.Code)
	}
}
