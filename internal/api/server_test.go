package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"infonomy/internal/agent"
	"infonomy/internal/auth"
	"infonomy/internal/config"
	"infonomy/internal/db"
	"infonomy/internal/engine"
	"infonomy/internal/jobs"
	"infonomy/internal/ledger"
	"infonomy/internal/matcher"
)

// stubAgent either buys everything it is shown or stops immediately.
// Good enough for exercising the HTTP surface end to end.
type stubAgent struct {
	mu     sync.Mutex
	buyAll bool
	calls  int
}

func (a *stubAgent) Decide(ctx context.Context, req *agent.DecisionRequest) (*agent.DecisionResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if !a.buyAll {
		return &agent.DecisionResponse{}, nil
	}
	ids := make([]int64, 0, len(req.Offers))
	for _, o := range req.Offers {
		ids = append(ids, o.ID)
	}
	return &agent.DecisionResponse{BuyOfferIDs: ids}, nil
}

func (a *stubAgent) GenerateOffer(ctx context.Context, req *agent.OfferRequest) (*agent.OfferDraft, error) {
	return nil, agent.ErrAgent
}

type testServer struct {
	srv   *Server
	store *db.DB
	agent *stubAgent
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "api_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.BotFastPollS = 1
	cfg.BotSlowPollS = 1
	cfg.BotFastWindowS = 1
	cfg.BotDeadlineS = 1

	keeper := ledger.New(store)
	sessions := auth.NewSessionStore(store, time.Hour)
	ix := matcher.New(store)
	runner := jobs.NewRunner(2)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		runner.Shutdown(sctx)
	})
	ag := &stubAgent{}
	keyFor := func(keys map[string]string) string { return keys["openai"] }
	eng := engine.New(store, keeper, ix, ag, keyFor, runner, cfg)
	return &testServer{
		srv:   NewServer(cfg, store, keeper, sessions, ix, eng),
		store: store,
		agent: ag,
	}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// register creates an account and logs it in, returning the bearer token
// and user id.
func (ts *testServer) register(t *testing.T, email string) (string, int64) {
	t.Helper()
	rec := ts.do(t, "POST", "/api/auth/register", "", map[string]string{
		"email": email, "password": "notsecret1",
	})
	if rec.Code != 201 {
		t.Fatalf("register %s: status %d: %s", email, rec.Code, rec.Body.String())
	}
	rec = ts.do(t, "POST", "/api/auth/login", "", map[string]string{
		"email": email, "password": "notsecret1",
	})
	if rec.Code != 200 {
		t.Fatalf("login %s: status %d: %s", email, rec.Code, rec.Body.String())
	}
	var out struct {
		Token string  `json:"token"`
		User  db.User `json:"user"`
	}
	decodeInto(t, rec, &out)
	return out.Token, out.User.ID
}

func (ts *testServer) asBuyer(t *testing.T, email string) (string, int64) {
	t.Helper()
	token, id := ts.register(t, email)
	rec := ts.do(t, "POST", "/api/users/me/buyer-profile", token, map[string]interface{}{
		"agent_model": "gpt-4o-mini", "agent_prompt": "decide carefully", "default_max_budget": 50,
	})
	if rec.Code != 201 {
		t.Fatalf("buyer profile for %s: status %d: %s", email, rec.Code, rec.Body.String())
	}
	return token, id
}

func (ts *testServer) asSeller(t *testing.T, email string) (string, int64) {
	t.Helper()
	token, id := ts.register(t, email)
	rec := ts.do(t, "POST", "/api/users/me/seller-profile", token, nil)
	if rec.Code != 201 {
		t.Fatalf("seller profile for %s: status %d: %s", email, rec.Code, rec.Body.String())
	}
	return token, id
}

func (ts *testServer) me(t *testing.T, token string) db.User {
	t.Helper()
	rec := ts.do(t, "GET", "/api/users/me", token, nil)
	if rec.Code != 200 {
		t.Fatalf("GET /users/me: status %d: %s", rec.Code, rec.Body.String())
	}
	var u db.User
	decodeInto(t, rec, &u)
	return u
}

func TestRegisterLoginLogout(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/auth/register", "", map[string]string{
		"email": "Ada@Example.com", "password": "notsecret1",
	})
	if rec.Code != 201 {
		t.Fatalf("register status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var u db.User
	decodeInto(t, rec, &u)
	if u.Email != "ada@example.com" {
		t.Errorf("email = %q, want normalized lowercase", u.Email)
	}
	if u.TotalBalance != 100 || u.AvailableBalance != 100 {
		t.Errorf("starting balances = %.1f/%.1f, want 100/100", u.TotalBalance, u.AvailableBalance)
	}

	if rec := ts.do(t, "POST", "/api/auth/register", "", map[string]string{
		"email": "ada@example.com", "password": "notsecret1",
	}); rec.Code != 409 {
		t.Errorf("duplicate register status = %d, want 409", rec.Code)
	}
	if rec := ts.do(t, "POST", "/api/auth/register", "", map[string]string{
		"email": "not-an-address", "password": "notsecret1",
	}); rec.Code != 400 {
		t.Errorf("bad email status = %d, want 400", rec.Code)
	}
	if rec := ts.do(t, "POST", "/api/auth/register", "", map[string]string{
		"email": "bob@example.com", "password": "short",
	}); rec.Code != 400 {
		t.Errorf("short password status = %d, want 400", rec.Code)
	}

	if rec := ts.do(t, "POST", "/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "wrong password",
	}); rec.Code != 401 {
		t.Errorf("wrong password status = %d, want 401", rec.Code)
	}

	rec = ts.do(t, "POST", "/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "notsecret1",
	})
	if rec.Code != 200 {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var session struct {
		Token string `json:"token"`
	}
	decodeInto(t, rec, &session)
	if session.Token == "" {
		t.Fatal("login returned empty token")
	}

	if rec := ts.do(t, "GET", "/api/users/me", "", nil); rec.Code != 401 {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}
	if rec := ts.do(t, "GET", "/api/users/me", "garbage", nil); rec.Code != 401 {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}
	if got := ts.me(t, session.Token); got.Email != "ada@example.com" {
		t.Errorf("me email = %q", got.Email)
	}

	if rec := ts.do(t, "POST", "/api/auth/logout", session.Token, nil); rec.Code != 204 {
		t.Errorf("logout status = %d, want 204", rec.Code)
	}
	if rec := ts.do(t, "GET", "/api/users/me", session.Token, nil); rec.Code != 401 {
		t.Errorf("revoked token status = %d, want 401", rec.Code)
	}
}

func TestStatusIsPublic(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "GET", "/api/status", "", nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out struct {
		Status string `json:"status"`
		DB     string `json:"db"`
	}
	decodeInto(t, rec, &out)
	if out.Status != "ok" || out.DB != "ok" {
		t.Errorf("status body = %+v", out)
	}
}

func TestAPIKeysNeverLeaveServer(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.register(t, "keys@example.com")

	rec := ts.do(t, "PUT", "/api/users/me/api-keys", token, map[string]interface{}{
		"keys": map[string]string{"openai": "sk-test-secret-123", "anthropic": "ak-test"},
	})
	if rec.Code != 200 {
		t.Fatalf("put keys status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Providers []string `json:"providers"`
	}
	decodeInto(t, rec, &out)
	if len(out.Providers) != 2 || out.Providers[0] != "anthropic" || out.Providers[1] != "openai" {
		t.Errorf("providers = %v, want sorted names", out.Providers)
	}

	rec = ts.do(t, "GET", "/api/users/me/api-keys", token, nil)
	if rec.Code != 200 {
		t.Fatalf("get keys status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sk-test-secret-123") {
		t.Error("key value leaked through GET /users/me/api-keys")
	}

	rec = ts.do(t, "GET", "/api/users/me", token, nil)
	if strings.Contains(rec.Body.String(), "sk-test-secret-123") {
		t.Error("key value leaked through GET /users/me")
	}
	var me struct {
		APIKeyNames []string `json:"api_key_names"`
	}
	decodeInto(t, rec, &me)
	if len(me.APIKeyNames) != 2 {
		t.Errorf("api_key_names = %v, want both providers", me.APIKeyNames)
	}
}

func TestBuyerProfileLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.register(t, "buyer@example.com")

	if rec := ts.do(t, "GET", "/api/users/me/buyer-profile", token, nil); rec.Code != 404 {
		t.Errorf("missing profile status = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, "POST", "/api/users/me/buyer-profile", token, map[string]interface{}{
		"agent_prompt": "x", "default_max_budget": 10,
	}); rec.Code != 400 {
		t.Errorf("missing model status = %d, want 400", rec.Code)
	}
	if rec := ts.do(t, "POST", "/api/users/me/buyer-profile", token, map[string]interface{}{
		"agent_model": "gpt-4o-mini", "default_max_budget": 0,
	}); rec.Code != 400 {
		t.Errorf("zero budget status = %d, want 400", rec.Code)
	}

	rec := ts.do(t, "POST", "/api/users/me/buyer-profile", token, map[string]interface{}{
		"agent_model": "gpt-4o-mini", "agent_prompt": "decide carefully", "default_max_budget": 50,
	})
	if rec.Code != 201 {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var view struct {
		AgentModel       string  `json:"agent_model"`
		DefaultMaxBudget float64 `json:"default_max_budget"`
	}
	decodeInto(t, rec, &view)
	if view.AgentModel != "gpt-4o-mini" || view.DefaultMaxBudget != 50 {
		t.Errorf("created profile = %+v", view)
	}

	if rec := ts.do(t, "POST", "/api/users/me/buyer-profile", token, map[string]interface{}{
		"agent_model": "gpt-4o-mini", "default_max_budget": 50,
	}); rec.Code != 409 {
		t.Errorf("duplicate profile status = %d, want 409", rec.Code)
	}

	rec = ts.do(t, "PATCH", "/api/users/me/buyer-profile", token, map[string]interface{}{
		"default_max_budget": 75,
	})
	if rec.Code != 200 {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &view)
	if view.DefaultMaxBudget != 75 || view.AgentModel != "gpt-4o-mini" {
		t.Errorf("patched profile = %+v, want budget 75 and model kept", view)
	}

	if rec := ts.do(t, "PATCH", "/api/users/me/buyer-profile", token, map[string]interface{}{
		"agent_model": "",
	}); rec.Code != 400 {
		t.Errorf("empty model patch status = %d, want 400", rec.Code)
	}
}

func TestBotSellerCRUD(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.register(t, "owner@example.com")

	if rec := ts.do(t, "POST", "/api/users/me/bot-sellers", token, map[string]interface{}{
		"info": "facts", "price": 5,
	}); rec.Code != 400 {
		t.Errorf("nameless bot status = %d, want 400", rec.Code)
	}
	if rec := ts.do(t, "POST", "/api/users/me/bot-sellers", token, map[string]interface{}{
		"name": "broken", "info": "facts", "price": 5, "llm_model": "gpt-4o-mini", "llm_prompt": "sell",
	}); rec.Code != 400 {
		t.Errorf("both modes status = %d, want 400", rec.Code)
	}
	if rec := ts.do(t, "POST", "/api/users/me/bot-sellers", token, map[string]interface{}{
		"name": "empty",
	}); rec.Code != 400 {
		t.Errorf("neither mode status = %d, want 400", rec.Code)
	}

	rec := ts.do(t, "POST", "/api/users/me/bot-sellers", token, map[string]interface{}{
		"name": "oracle", "info": "the schedule is on page 4", "price": 5,
	})
	if rec.Code != 201 {
		t.Fatalf("create bot status = %d: %s", rec.Code, rec.Body.String())
	}
	var bot db.BotSeller
	decodeInto(t, rec, &bot)
	if !bot.IsFixed() || bot.Name != "oracle" {
		t.Errorf("created bot = %+v, want fixed-mode oracle", bot)
	}

	var list struct {
		BotSellers []db.BotSeller `json:"bot_sellers"`
	}
	rec = ts.do(t, "GET", "/api/users/me/bot-sellers", token, nil)
	decodeInto(t, rec, &list)
	if len(list.BotSellers) != 1 {
		t.Fatalf("bot list length = %d, want 1", len(list.BotSellers))
	}

	otherToken, _ := ts.register(t, "other@example.com")
	if rec := ts.do(t, "GET", botPath(bot.ID), otherToken, nil); rec.Code != 404 {
		t.Errorf("foreign bot read status = %d, want 404", rec.Code)
	}

	rec = ts.do(t, "PATCH", botPath(bot.ID), token, map[string]interface{}{
		"llm_model": "gpt-4o-mini", "llm_prompt": "answer from the wiki",
	})
	if rec.Code != 200 {
		t.Fatalf("mode switch status = %d: %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &bot)
	if !bot.IsLLM() || bot.Info != nil || bot.Price != nil {
		t.Errorf("after switch bot = %+v, want llm mode with fixed fields cleared", bot)
	}

	if rec := ts.do(t, "PATCH", botPath(bot.ID), token, map[string]interface{}{
		"price": -1,
	}); rec.Code != 400 {
		t.Errorf("negative price status = %d, want 400", rec.Code)
	}

	if rec := ts.do(t, "DELETE", botPath(bot.ID), token, nil); rec.Code != 204 {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	if rec := ts.do(t, "GET", botPath(bot.ID), token, nil); rec.Code != 404 {
		t.Errorf("deleted bot read status = %d, want 404", rec.Code)
	}
}

func botPath(id int64) string {
	return "/api/users/me/bot-sellers/" + strconv.FormatInt(id, 10)
}

func TestDailyBonusClaim(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.register(t, "bonus@example.com")

	rec := ts.do(t, "GET", "/api/users/me/daily-bonus", token, nil)
	var status ledger.BonusStatus
	decodeInto(t, rec, &status)
	if !status.Available || status.Amount != 10 {
		t.Errorf("bonus status = %+v, want available with amount 10", status)
	}

	rec = ts.do(t, "POST", "/api/users/me/daily-bonus", token, nil)
	var claim struct {
		Claimed bool    `json:"claimed"`
		Amount  float64 `json:"amount"`
	}
	decodeInto(t, rec, &claim)
	if !claim.Claimed || claim.Amount != 10 {
		t.Errorf("claim = %+v, want claimed 10", claim)
	}
	if me := ts.me(t, token); me.TotalBalance != 110 || me.AvailableBalance != 110 {
		t.Errorf("after claim balances = %.1f/%.1f, want 110/110", me.TotalBalance, me.AvailableBalance)
	}

	rec = ts.do(t, "POST", "/api/users/me/daily-bonus", token, nil)
	decodeInto(t, rec, &claim)
	if claim.Claimed {
		t.Error("second claim on the same day succeeded")
	}
	if me := ts.me(t, token); me.TotalBalance != 110 {
		t.Errorf("after re-claim total = %.1f, want 110", me.TotalBalance)
	}
}

func TestTransactionsListAndNet(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.register(t, "ledger@example.com")
	ts.do(t, "POST", "/api/users/me/daily-bonus", token, nil)

	rec := ts.do(t, "GET", "/api/users/me/transactions", token, nil)
	if rec.Code != 200 {
		t.Fatalf("transactions status = %d", rec.Code)
	}
	var out struct {
		Entries   []db.LedgerEntry `json:"entries"`
		NetAmount float64          `json:"net_amount"`
	}
	decodeInto(t, rec, &out)
	if len(out.Entries) != 1 {
		t.Fatalf("entries = %d, want the bonus entry", len(out.Entries))
	}
	if out.Entries[0].Kind != db.LedgerDailyBonus || out.Entries[0].Amount != 10 {
		t.Errorf("entry = %+v, want daily_bonus +10", out.Entries[0])
	}
	if out.NetAmount != 10 {
		t.Errorf("net_amount = %.1f, want 10", out.NetAmount)
	}
}

func TestPublicUserView(t *testing.T) {
	ts := newTestServer(t)
	_, buyerID := ts.asBuyer(t, "public-buyer@example.com")
	viewerToken, _ := ts.register(t, "viewer@example.com")

	rec := ts.do(t, "GET", "/api/users/"+strconv.FormatInt(buyerID, 10), viewerToken, nil)
	if rec.Code != 200 {
		t.Fatalf("public view status = %d", rec.Code)
	}
	var view map[string]interface{}
	decodeInto(t, rec, &view)
	if view["is_buyer"] != true || view["is_seller"] != false {
		t.Errorf("roles = buyer:%v seller:%v, want buyer only", view["is_buyer"], view["is_seller"])
	}
	if _, ok := view["total_balance"]; ok {
		t.Error("public view exposes balances")
	}

	if rec := ts.do(t, "GET", "/api/users/99999", viewerToken, nil); rec.Code != 404 {
		t.Errorf("unknown user status = %d, want 404", rec.Code)
	}
}
