package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"phimarket/internal/exchange"
)

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	username := strings.TrimSpace(in.Username)
	if username != "" {
		if _, err := exchange.ValidateUsername(username); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	session, err := s.idp.SignUp(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Projects with email confirmation return no user until confirmed.
	if session.User.ID != "" {
		acct, err := s.svc.EnsureAccount(r.Context(), session.User.Principal())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if username != "" {
			if _, err := s.svc.SetUsername(r.Context(), acct.ID, username); err != nil {
				writeDomainError(w, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.idp.Login(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if _, err := s.svc.EnsureAccount(r.Context(), session.User.Principal()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.idp.Refresh(r.Context(), strings.TrimSpace(in.RefreshToken))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.svc.Portfolio(r.Context(), acct.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNetWorth(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.svc.ComputeNetWorth(r.Context(), acct.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetUsername(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.SetUsername(r.Context(), acct.ID, in.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	items, settings, err := s.svc.Market(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"characters": items, "settings": settings})
}

func (s *Server) handleMarketCharacter(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.MarketCharacter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Settings(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type orderRequest struct {
	CharacterID string `json:"character_id"`
	Side        string `json:"side"`
	Qty         int64  `json:"qty"`
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in orderRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.svc.ExecuteTrade(r.Context(), exchange.OrderInput{
		AccountID:      acct.ID,
		CharacterID:    in.CharacterID,
		Side:           in.Side,
		Qty:            in.Qty,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type replayResult struct {
	IdempotencyKey string                 `json:"idempotency_key"`
	Applied        bool                   `json:"applied"`
	Receipt        *exchange.TradeReceipt `json:"receipt,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Code           string                 `json:"code,omitempty"`
}

// handleSyncReplay applies queued offline orders in order. A key that was
// already claimed reports code duplicate_request so the client can drop it.
func (s *Server) handleSyncReplay(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Orders []struct {
			orderRequest
			IdempotencyKey string `json:"idempotency_key"`
		} `json:"orders"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := make([]replayResult, 0, len(in.Orders))
	for _, o := range in.Orders {
		res := replayResult{IdempotencyKey: o.IdempotencyKey}
		if strings.TrimSpace(o.IdempotencyKey) == "" {
			res.Error, res.Code = "idempotency_key is required", exchange.ErrInvalidInput.Code
			out = append(out, res)
			continue
		}
		receipt, err := s.svc.ExecuteTrade(r.Context(), exchange.OrderInput{
			AccountID:      acct.ID,
			CharacterID:    o.CharacterID,
			Side:           o.Side,
			Qty:            o.Qty,
			IdempotencyKey: o.IdempotencyKey,
		})
		if err != nil {
			res.Error, res.Code = err.Error(), exchange.CodeOf(err)
			if exchange.KindOf(err) == exchange.KindInternal {
				writeDomainError(w, err)
				return
			}
		} else {
			res.Applied = true
			res.Receipt = &receipt
		}
		out = append(out, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	q := r.URL.Query()
	filter := exchange.TradeFilter{
		AccountID:   acct.ID,
		CharacterID: strings.TrimSpace(q.Get("character_id")),
	}
	if q.Get("scope") == "market" {
		filter.AccountID = ""
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	out, err := s.svc.Trades(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": out})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		CharacterID string `json:"character_id"`
		Category    string `json:"category"`
		Bucket      string `json:"bucket"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.CastVote(r.Context(), exchange.VoteInput{
		AccountID:   acct.ID,
		CharacterID: in.CharacterID,
		Bucket:      in.Bucket,
		Category:    in.Category,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	out, err := s.svc.Leaderboard(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": out})
}
