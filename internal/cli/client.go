package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"phimarket/internal/auth"
	"phimarket/internal/exchange"
	"phimarket/internal/syncq"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer from the server. Anything else returned by
// the client is a transport failure.
type APIError struct {
	Status  int
	Message string `json:"error"`
	Code    string `json:"code"`
	Kind    string `json:"kind"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// IsTransport reports whether err means the request may never have reached
// the server.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}

func (c *Client) Signup(ctx context.Context, email, password, username string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":    email,
		"password": password,
		"username": username,
	}, &out, "")
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out, "")
	return out, err
}

func (c *Client) Portfolio(ctx context.Context, accessToken string) (exchange.Portfolio, error) {
	var out exchange.Portfolio
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/me", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) SetUsername(ctx context.Context, accessToken, username string) (exchange.Account, error) {
	var out exchange.Account
	err := c.jsonRequest(ctx, http.MethodPut, "/v1/me/username", accessToken, map[string]any{"username": username}, &out, "")
	return out, err
}

type MarketSnapshot struct {
	Characters []exchange.MarketView `json:"characters"`
	Settings   exchange.Settings     `json:"settings"`
}

func (c *Client) Market(ctx context.Context, accessToken string) (MarketSnapshot, error) {
	var out MarketSnapshot
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/market", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) MarketCharacter(ctx context.Context, accessToken, id string) (exchange.MarketView, error) {
	var out exchange.MarketView
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/market/"+url.PathEscape(id), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) PlaceOrder(ctx context.Context, accessToken, characterID, side, idem string, qty int64) (exchange.TradeReceipt, error) {
	var out exchange.TradeReceipt
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/orders", accessToken, map[string]any{
		"character_id": characterID,
		"side":         side,
		"qty":          qty,
	}, &out, idem)
	return out, err
}

type ReplayResult struct {
	IdempotencyKey string                 `json:"idempotency_key"`
	Applied        bool                   `json:"applied"`
	Receipt        *exchange.TradeReceipt `json:"receipt,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Code           string                 `json:"code,omitempty"`
}

func (c *Client) SyncReplay(ctx context.Context, accessToken string, orders []syncq.Order) ([]ReplayResult, error) {
	var out struct {
		Results []ReplayResult `json:"results"`
	}
	payload := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		payload = append(payload, map[string]any{
			"idempotency_key": o.IdempotencyKey,
			"character_id":    o.CharacterID,
			"side":            o.Side,
			"qty":             o.Qty,
		})
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/sync/replay", accessToken, map[string]any{"orders": payload}, &out, "")
	return out.Results, err
}

func (c *Client) Vote(ctx context.Context, accessToken, characterID, category string) (exchange.VoteReceipt, error) {
	var out exchange.VoteReceipt
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/votes", accessToken, map[string]any{
		"character_id": characterID,
		"category":     category,
	}, &out, "")
	return out, err
}

func (c *Client) Leaderboard(ctx context.Context, accessToken string, limit int) ([]exchange.LeaderboardRow, error) {
	var out struct {
		Rows []exchange.LeaderboardRow `json:"rows"`
	}
	path := "/v1/leaderboard"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out, "")
	return out.Rows, err
}

func (c *Client) Trades(ctx context.Context, accessToken, characterID string, market bool, limit int) ([]exchange.Trade, error) {
	var out struct {
		Trades []exchange.Trade `json:"trades"`
	}
	q := url.Values{}
	if characterID != "" {
		q.Set("character_id", characterID)
	}
	if market {
		q.Set("scope", "market")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/trades"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out, "")
	return out.Trades, err
}

// Admin sends an admin request and decodes the answer generically; the admin
// surface is wide and phx only prints it.
func (c *Client) Admin(ctx context.Context, accessToken, method, path string, body map[string]any) (map[string]any, error) {
	var out map[string]any
	var in any
	if body != nil {
		in = body
	}
	err := c.jsonRequest(ctx, method, "/v1/admin"+path, accessToken, in, &out, "")
	return out, err
}

// StreamMessage is one frame of /v1/stream: a hello or a change.
type StreamMessage struct {
	Type   string `json:"type"`
	Latest uint64 `json:"latest,omitempty"`
	exchange.Change
}

// Stream dials the change stream. The caller owns the connection.
func (c *Client) Stream(ctx context.Context, accessToken string) (*websocket.Conn, error) {
	u, err := url.Parse(c.BaseURL + "/v1/stream")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{"Authorization": {"Bearer " + accessToken}})
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: "stream handshake rejected"}
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
