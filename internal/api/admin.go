package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"phimarket/internal/catalog"
	"phimarket/internal/exchange"
)

func (s *Server) adminRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.requireCapability(exchange.CapManagePolicy))
		r.Put("/settings/trading", s.handleAdminTrading)
		r.Put("/settings/message", s.handleAdminText(s.svc.SetMarketMessage))
		r.Put("/settings/ticker", s.handleAdminText(s.svc.SetTickerText))
		r.Put("/settings/banner", s.handleAdminText(s.svc.SetBannerImageURL))
		r.Put("/settings/cooldown", s.handleAdminNumber(s.svc.SetCooldownSeconds))
		r.Put("/settings/max-shares", s.handleAdminNumber(s.svc.SetMaxSharesPerUser))
		r.Put("/settings/voting", s.handleAdminVoting)
		r.Post("/freeze/{id}", s.handleAdminFreeze)
		r.Post("/event", s.handleAdminStartEvent)
		r.Delete("/event", s.handleAdminStopEvent)
		r.Post("/profiles/revalue", s.handleAdminRevalue)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireCapability(exchange.CapManageCatalog))
		r.Post("/characters", s.handleAdminAddCharacter)
		r.Patch("/characters/{id}", s.handleAdminUpdateCharacter)
		r.Put("/characters/{id}/price", s.handleAdminSetPrice)
		r.Delete("/characters/{id}", s.handleAdminDeleteCharacter)
		r.Post("/catalog/seed", s.handleAdminSeedCatalog)
		r.Post("/jobs/reset-popularity", s.handleAdminResetPopularity)
		r.Post("/jobs/reset-strength", s.handleAdminResetStrength)
		r.Post("/jobs/snapshot-ranks", s.handleAdminSnapshotRanks)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireCapability(exchange.CapViewAccounts))
		r.Get("/accounts", s.handleAdminListAccounts)
		r.Get("/accounts/{id}", s.handleAdminAccountDetail)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireCapability(exchange.CapManageAccount))
		r.Post("/accounts/{id}/cash", s.handleAdminAdjustCash)
		r.Put("/accounts/{id}/ban", s.handleAdminBan)
		r.Put("/accounts/{id}/role", s.handleAdminRole)
	})
}

func (s *Server) handleAdminTrading(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.SetTradingEnabled(r.Context(), in.Enabled)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type settingsSetter[T any] func(ctx context.Context, v T) (exchange.Settings, error)

func (s *Server) handleAdminText(set settingsSetter[string]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Value string `json:"value"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out, err := set(r.Context(), in.Value)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleAdminNumber(set settingsSetter[int64]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Value int64 `json:"value"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out, err := set(r.Context(), in.Value)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleAdminVoting(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Category string `json:"category"`
		Enabled  bool   `json:"enabled"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.SetVotingEnabled(r.Context(), in.Category, in.Enabled)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminFreeze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	frozen, err := s.svc.ToggleFreeze(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"character_id": id, "frozen": frozen})
}

func (s *Server) handleAdminStartEvent(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Multiplier  float64 `json:"multiplier"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.StartEvent(r.Context(), in.Name, in.Description, in.Multiplier)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminStopEvent(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.StopEvent(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminRevalue(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RevalueAll(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"published": n})
}

func (s *Server) handleAdminAddCharacter(w http.ResponseWriter, r *http.Request) {
	var in exchange.CharacterInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.AddCharacter(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleAdminUpdateCharacter(w http.ResponseWriter, r *http.Request) {
	var in exchange.CharacterDetails
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.UpdateCharacterDetails(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminSetPrice(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Mode  exchange.PriceMode `json:"mode"`
		Value int64              `json:"value"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.SetPrice(r.Context(), chi.URLParam(r, "id"), in.Mode, in.Value)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteCharacter(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminSeedCatalog seeds an empty catalog from the request roster, or
// from the embedded default roster when the body lists no characters.
func (s *Server) handleAdminSeedCatalog(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Characters []exchange.CharacterInput `json:"characters"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	roster := in.Characters
	if len(roster) == 0 {
		var err error
		if roster, err = catalog.Default(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else if err := catalog.Validate(roster); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.svc.SeedCatalog(r.Context(), roster)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": n})
}

func (s *Server) writeBulk(w http.ResponseWriter, res exchange.BulkResult, err error) {
	if err != nil && res.Chunks == 0 {
		writeDomainError(w, err)
		return
	}
	payload := map[string]any{"result": res}
	status := http.StatusOK
	if err != nil {
		payload["error"] = err.Error()
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleAdminResetPopularity(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Bucket string `json:"bucket"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Bulk().ResetPopularityVotes(r.Context(), in.Bucket)
	s.writeBulk(w, res, err)
}

func (s *Server) handleAdminResetStrength(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Bulk().ResetStrengthVotes(r.Context())
	s.writeBulk(w, res, err)
}

func (s *Server) handleAdminSnapshotRanks(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Category string `json:"category"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Bulk().SnapshotRanks(r.Context(), in.Category)
	s.writeBulk(w, res, err)
}

func (s *Server) handleAdminListAccounts(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ListAccounts(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) handleAdminAccountDetail(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.AccountDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminAdjustCash(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Delta int64 `json:"delta"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.AdjustCash(r.Context(), chi.URLParam(r, "id"), in.Delta)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminBan(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Banned bool `json:"banned"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.SetBanned(r.Context(), chi.URLParam(r, "id"), in.Banned)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminRole(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := exchange.ParseRole(in.Role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out, err := s.svc.SetRole(r.Context(), chi.URLParam(r, "id"), role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
