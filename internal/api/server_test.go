package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"phimarket/internal/auth"
	"phimarket/internal/config"
	"phimarket/internal/exchange"
	"phimarket/internal/store/memory"
)

// fakeIdP accepts tokens of the form "tok-<id>" and maps them to
// <id>@phi.test.
type fakeIdP struct{}

func (fakeIdP) SignUp(_ context.Context, email, _ string) (auth.Session, error) {
	id := strings.SplitN(email, "@", 2)[0]
	return auth.Session{AccessToken: "tok-" + id, User: auth.SupabaseUser{ID: id, Email: email}}, nil
}

func (f fakeIdP) Login(ctx context.Context, email, password string) (auth.Session, error) {
	if password != "secret" {
		return auth.Session{}, errors.New("invalid login credentials")
	}
	return f.SignUp(ctx, email, password)
}

func (fakeIdP) Refresh(context.Context, string) (auth.Session, error) {
	return auth.Session{}, errors.New("not supported")
}

func (fakeIdP) Verify(_ context.Context, token string) (exchange.Principal, error) {
	id, ok := strings.CutPrefix(token, "tok-")
	if !ok || id == "" {
		return exchange.Principal{}, errors.New("bad token")
	}
	return exchange.Principal{AccountID: id, Email: id + "@phi.test"}, nil
}

type testServer struct {
	t   *testing.T
	svc *exchange.Service
	srv *Server
}

func newTestServer(t *testing.T, mutate func(*config.APIConfig)) *testServer {
	t.Helper()
	cfg := config.APIConfig{
		RateLimitRPS:    1000,
		RateLimitBurst:  1000,
		BootstrapAdmins: []string{"boss@phi.test"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc := exchange.NewService(memory.New(), nil, exchange.Options{PublishDebounce: time.Hour})
	t.Cleanup(svc.Close)
	ctx := context.Background()
	_, err := svc.AddCharacter(ctx, exchange.CharacterInput{Name: "Daniel Park", BasePrice: 100, Gender: exchange.GenderMale})
	require.NoError(t, err)
	_, err = svc.AddCharacter(ctx, exchange.CharacterInput{Name: "Mira Kim", BasePrice: 50, Gender: exchange.GenderFemale})
	require.NoError(t, err)
	_, err = svc.SetTradingEnabled(ctx, true)
	require.NoError(t, err)
	return &testServer{t: t, svc: svc, srv: New(cfg, nil, fakeIdP{}, svc)}
}

func (ts *testServer) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind"`
}

func TestHealthAndAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/v1/me", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/v1/me", "garbage", nil).Code)

	rec := ts.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "phimarket_http_requests_total")
}

func TestSignupCreatesAccount(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email": "zack@phi.test", "password": "secret", "username": "ZackLee",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	acct, err := ts.svc.Account(context.Background(), "zack")
	require.NoError(t, err)
	require.Equal(t, "ZackLee", acct.Username)
	require.Equal(t, exchange.StarterCash, acct.Cash)

	rec = ts.do(http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email": "j@phi.test", "password": "secret", "username": "jo",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_input", decode[errorBody](t, rec).Code)

	rec = ts.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "zack@phi.test", "password": "nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOrderFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	tok := "tok-u1"

	rec := ts.do(http.MethodPost, "/v1/orders", tok,
		map[string]any{"character_id": "daniel-park", "side": "buy", "qty": 10},
		"Idempotency-Key", "order-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[exchange.TradeReceipt](t, rec)
	require.Equal(t, int64(4000), receipt.Cash)
	require.Equal(t, int64(10), receipt.Shares)

	rec = ts.do(http.MethodPost, "/v1/orders", tok,
		map[string]any{"character_id": "daniel-park", "side": "buy", "qty": 1},
		"Idempotency-Key", "order-1")
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	require.Equal(t, "duplicate_request", body.Code)
	require.Equal(t, "conflict", body.Kind)

	rec = ts.do(http.MethodGet, "/v1/me", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pf := decode[exchange.Portfolio](t, rec)
	require.Equal(t, int64(5000), pf.NetWorth)
	require.Len(t, pf.Positions, 1)

	rec = ts.do(http.MethodGet, "/v1/trades", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trades := decode[struct {
		Trades []exchange.Trade `json:"trades"`
	}](t, rec)
	require.Len(t, trades.Trades, 1)

	rec = ts.do(http.MethodGet, "/v1/trades?limit=abc", tok, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDomainErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	tok := "tok-u1"
	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"bad qty", map[string]any{"character_id": "daniel-park", "side": "BUY", "qty": 0}, http.StatusBadRequest, "invalid_quantity"},
		{"bad side", map[string]any{"character_id": "daniel-park", "side": "HOLD", "qty": 1}, http.StatusBadRequest, "invalid_side"},
		{"unknown", map[string]any{"character_id": "nobody", "side": "BUY", "qty": 1}, http.StatusNotFound, "asset_not_found"},
		{"funds", map[string]any{"character_id": "daniel-park", "side": "BUY", "qty": 51}, http.StatusBadRequest, "insufficient_funds"},
		{"holdings", map[string]any{"character_id": "mira-kim", "side": "SELL", "qty": 1}, http.StatusBadRequest, "insufficient_holdings"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/v1/orders", tok, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, tc.code, decode[errorBody](t, rec).Code)
		})
	}

	_, err := ts.svc.SetCooldownSeconds(context.Background(), 30)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/v1/orders", tok,
		map[string]any{"character_id": "mira-kim", "side": "BUY", "qty": 1}).Code)
	rec := ts.do(http.MethodPost, "/v1/orders", tok, map[string]any{"character_id": "mira-kim", "side": "BUY", "qty": 1})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "state", decode[errorBody](t, rec).Kind)

	_, err = ts.svc.SetTradingEnabled(context.Background(), false)
	require.NoError(t, err)
	rec = ts.do(http.MethodPost, "/v1/orders", "tok-u2", map[string]any{"character_id": "mira-kim", "side": "BUY", "qty": 1})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "market_closed", decode[errorBody](t, rec).Code)
}

func TestSyncReplay(t *testing.T) {
	ts := newTestServer(t, nil)
	body := map[string]any{"orders": []map[string]any{
		{"idempotency_key": "q1", "character_id": "daniel-park", "side": "BUY", "qty": 2},
		{"idempotency_key": "q1", "character_id": "daniel-park", "side": "BUY", "qty": 2},
		{"idempotency_key": "", "character_id": "daniel-park", "side": "BUY", "qty": 2},
		{"idempotency_key": "q2", "character_id": "daniel-park", "side": "SELL", "qty": 5},
	}}
	rec := ts.do(http.MethodPost, "/v1/sync/replay", "tok-u1", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[struct {
		Results []replayResult `json:"results"`
	}](t, rec)
	require.Len(t, out.Results, 4)
	require.True(t, out.Results[0].Applied)
	require.Equal(t, "duplicate_request", out.Results[1].Code)
	require.Equal(t, "invalid_input", out.Results[2].Code)
	require.Equal(t, "insufficient_holdings", out.Results[3].Code)
}

func TestVoteAndLeaderboard(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	_, err := ts.svc.SetVotingEnabled(ctx, "popularity", true)
	require.NoError(t, err)

	vote := map[string]any{"character_id": "mira-kim", "category": "popularity"}
	rec := ts.do(http.MethodPost, "/v1/votes", "tok-u1", vote)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, int64(1), decode[exchange.VoteReceipt](t, rec).Votes)

	rec = ts.do(http.MethodPost, "/v1/votes", "tok-u1", vote)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already_voted", decode[errorBody](t, rec).Code)

	rec = ts.do(http.MethodPost, "/v1/votes", "tok-u1", map[string]any{"character_id": "daniel-park", "category": "strength"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "voting_disabled", decode[errorBody](t, rec).Code)

	_, err = ts.svc.RevalueAll(ctx)
	require.NoError(t, err)
	rec = ts.do(http.MethodGet, "/v1/leaderboard?limit=10", "tok-u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[struct {
		Rows []exchange.LeaderboardRow `json:"rows"`
	}](t, rec)
	require.Len(t, rows.Rows, 1)
	require.Equal(t, int64(exchange.StarterCash), rows.Rows[0].NetWorth)
}

func TestAdminCapabilities(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPut, "/v1/admin/settings/trading", "tok-u1", map[string]any{"enabled": false})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "forbidden", decode[errorBody](t, rec).Code)

	// boss@phi.test is promoted on first request.
	rec = ts.do(http.MethodPut, "/v1/admin/settings/trading", "tok-boss", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.False(t, decode[exchange.Settings](t, rec).TradingEnabled)

	rec = ts.do(http.MethodPut, "/v1/admin/accounts/u1/role", "tok-boss", map[string]any{"role": "worker"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/v1/admin/accounts", "tok-u1", nil).Code)
	require.Equal(t, http.StatusForbidden, ts.do(http.MethodPost, "/v1/admin/accounts/u1/cash", "tok-u1", map[string]any{"delta": 100}).Code)

	rec = ts.do(http.MethodPut, "/v1/admin/characters/daniel-park/price", "tok-boss", map[string]any{"mode": "delta", "value": 25})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, int64(125), decode[exchange.Character](t, rec).BasePrice)

	rec = ts.do(http.MethodPost, "/v1/admin/freeze/daniel-park", "tok-boss", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode[map[string]any](t, rec)["frozen"])

	rec = ts.do(http.MethodPost, "/v1/admin/event", "tok-boss", map[string]any{"name": "Gen 0 Reunion", "multiplier": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(http.MethodGet, "/v1/market/mira-kim", "tok-u1", nil)
	require.Equal(t, int64(100), decode[exchange.MarketView](t, rec).EffectivePrice)

	rec = ts.do(http.MethodPut, "/v1/admin/accounts/boss/ban", "tok-boss", map[string]any{"banned": true})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/admin/jobs/reset-popularity", "tok-boss", map[string]any{"bucket": "robots"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_bucket", decode[errorBody](t, rec).Code)

	rec = ts.do(http.MethodPost, "/v1/admin/jobs/snapshot-ranks", "tok-boss", map[string]any{"category": "strength"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[struct {
		Result exchange.BulkResult `json:"result"`
	}](t, rec)
	require.Equal(t, 2, res.Result.Updated)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.APIConfig) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 2
	})
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/v1/settings", "tok-u1", nil).Code)
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/v1/settings", "tok-u1", nil).Code)
	rec := ts.do(http.MethodGet, "/v1/settings", "tok-u1", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/v1/settings", "tok-u2", nil).Code, "limits are per account")
}

func TestChangesHidePrivateEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/v1/orders", "tok-u1",
		map[string]any{"character_id": "mira-kim", "side": "BUY", "qty": 1}).Code)

	rec := ts.do(http.MethodGet, "/v1/changes?since=0", "tok-u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[struct {
		Changes []exchange.Change `json:"changes"`
		Latest  uint64            `json:"latest"`
	}](t, rec)
	require.NotZero(t, out.Latest)
	var sawTrade bool
	for _, ch := range out.Changes {
		require.False(t, ch.AccountID == "u1" && (ch.Kind == exchange.ChangeAccount || ch.Kind == exchange.ChangeHolding))
		sawTrade = sawTrade || ch.Kind == exchange.ChangeTrade
	}
	require.True(t, sawTrade)

	require.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/v1/changes?since=-1", "tok-u2", nil).Code)
}

func TestStreamDeliversChanges(t *testing.T) {
	ts := newTestServer(t, nil)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer tok-u1"}})
	require.NoError(t, err)
	defer conn.Close()

	var hello streamHello
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "hello", hello.Type)

	_, err = ts.svc.ToggleFreeze(context.Background(), "mira-kim")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string              `json:"type"`
		Kind exchange.ChangeKind `json:"kind"`
		Seq  uint64              `json:"seq"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "change", msg.Type)
	require.Equal(t, exchange.ChangeSettings, msg.Kind)
	require.Greater(t, msg.Seq, hello.Latest)

	_, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err, fmt.Sprintf("unauthenticated dial to %s must fail", url))
}
