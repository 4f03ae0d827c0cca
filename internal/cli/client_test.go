package cli

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"phimarket/internal/api"
	"phimarket/internal/auth"
	"phimarket/internal/config"
	"phimarket/internal/exchange"
	"phimarket/internal/store/memory"
	"phimarket/internal/syncq"
)

type tokenIdP struct{}

func (tokenIdP) SignUp(_ context.Context, email, _ string) (auth.Session, error) {
	id := strings.SplitN(email, "@", 2)[0]
	return auth.Session{AccessToken: "tok-" + id, User: auth.SupabaseUser{ID: id, Email: email}}, nil
}

func (p tokenIdP) Login(ctx context.Context, email, password string) (auth.Session, error) {
	return p.SignUp(ctx, email, password)
}

func (tokenIdP) Refresh(context.Context, string) (auth.Session, error) {
	return auth.Session{}, errors.New("unsupported")
}

func (tokenIdP) Verify(_ context.Context, token string) (exchange.Principal, error) {
	id, ok := strings.CutPrefix(token, "tok-")
	if !ok {
		return exchange.Principal{}, errors.New("bad token")
	}
	return exchange.Principal{AccountID: id, Email: id + "@phi.test"}, nil
}

func newClient(t *testing.T) (*Client, *exchange.Service) {
	t.Helper()
	svc := exchange.NewService(memory.New(), nil, exchange.Options{PublishDebounce: time.Hour})
	t.Cleanup(svc.Close)
	ctx := context.Background()
	_, err := svc.AddCharacter(ctx, exchange.CharacterInput{Name: "Gun Park", BasePrice: 500, Gender: exchange.GenderMale})
	require.NoError(t, err)
	_, err = svc.SetTradingEnabled(ctx, true)
	require.NoError(t, err)

	srv := httptest.NewServer(api.New(config.APIConfig{RateLimitRPS: 1000, RateLimitBurst: 1000}, nil, tokenIdP{}, svc).Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL + "/"), svc
}

func TestClientTradeRoundTrip(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	sess, err := c.Login(ctx, "gitae@phi.test", "pw")
	require.NoError(t, err)

	r, err := c.PlaceOrder(ctx, sess.AccessToken, "gun-park", "BUY", "k-1", 4)
	require.NoError(t, err)
	require.Equal(t, int64(3000), r.Cash)

	_, err = c.PlaceOrder(ctx, sess.AccessToken, "gun-park", "BUY", "k-1", 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.Status)
	require.Equal(t, "duplicate_request", apiErr.Code)
	require.False(t, IsTransport(err))

	pf, err := c.Portfolio(ctx, sess.AccessToken)
	require.NoError(t, err)
	require.Equal(t, int64(5000), pf.NetWorth)

	snap, err := c.Market(ctx, sess.AccessToken)
	require.NoError(t, err)
	require.True(t, snap.Settings.TradingEnabled)
	require.Len(t, snap.Characters, 1)

	trades, err := c.Trades(ctx, sess.AccessToken, "gun-park", false, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
}

func TestClientReplay(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()
	res, err := c.SyncReplay(ctx, "tok-jake", []syncq.Order{
		{IdempotencyKey: "o1", CharacterID: "gun-park", Side: "BUY", Qty: 1},
		{IdempotencyKey: "o2", CharacterID: "gun-park", Side: "SELL", Qty: 5},
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.True(t, res[0].Applied)
	require.Equal(t, "insufficient_holdings", res[1].Code)
}

func TestTransportErrors(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.Portfolio(context.Background(), "tok-x")
	require.Error(t, err)
	require.True(t, IsTransport(err))
	require.False(t, IsTransport(nil))
}

func TestStream(t *testing.T) {
	c, svc := newClient(t)
	ctx := context.Background()
	conn, err := c.Stream(ctx, "tok-jake")
	require.NoError(t, err)
	defer conn.Close()

	var hello StreamMessage
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "hello", hello.Type)

	_, err = svc.StartEvent(ctx, "Festival", "", 1.5)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, exchange.ChangeSettings, msg.Kind)

	_, err = c.Stream(ctx, "nope")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestSessionRoundTrip(t *testing.T) {
	t.Setenv("PHX_HOME", t.TempDir())
	_, err := LoadSession()
	require.ErrorContains(t, err, "not logged in")

	require.NoError(t, SaveSession(Session{AccessToken: "a", RefreshToken: "r", Email: "e@phi.test", UserID: "u"}))
	s, err := LoadSession()
	require.NoError(t, err)
	require.Equal(t, "a", s.AccessToken)

	require.NoError(t, ClearSession())
	require.NoError(t, ClearSession())
	_, err = LoadSession()
	require.Error(t, err)
}
