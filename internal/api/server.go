package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"phimarket/internal/auth"
	"phimarket/internal/config"
	"phimarket/internal/exchange"
	"phimarket/internal/metrics"
)

type contextKey string

const accountContextKey contextKey = "account"

// IdentityProvider issues and verifies access tokens. *auth.SupabaseClient
// satisfies it.
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password string) (auth.Session, error)
	Login(ctx context.Context, email, password string) (auth.Session, error)
	Refresh(ctx context.Context, refreshToken string) (auth.Session, error)
	Verify(ctx context.Context, accessToken string) (exchange.Principal, error)
}

type Server struct {
	cfg     config.APIConfig
	log     *slog.Logger
	idp     IdentityProvider
	svc     *exchange.Service
	limiter *rateLimiter
	mux     *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, idp IdentityProvider, svc *exchange.Service) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		idp:     idp,
		svc:     svc,
		limiter: newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		mux:     chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// The stream outlives any request timeout.
		r.With(s.authMiddleware).Get("/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Post("/auth/signup", s.handleSignup)
			r.Post("/auth/login", s.handleLogin)
			r.Post("/auth/refresh", s.handleRefresh)

			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)
				r.Use(s.limiter.Handler)

				r.Get("/me", s.handlePortfolio)
				r.Get("/me/networth", s.handleNetWorth)
				r.Put("/me/username", s.handleSetUsername)
				r.Get("/market", s.handleMarket)
				r.Get("/market/{id}", s.handleMarketCharacter)
				r.Get("/settings", s.handleSettings)
				r.Post("/orders", s.handleOrder)
				r.Post("/sync/replay", s.handleSyncReplay)
				r.Get("/trades", s.handleTrades)
				r.Post("/votes", s.handleVote)
				r.Get("/leaderboard", s.handleLeaderboard)
				r.Get("/changes", s.handleChanges)

				r.Route("/admin", s.adminRoutes)
			})
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := s.idp.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		acct, err := s.svc.EnsureAccount(r.Context(), principal)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if acct.Role != exchange.RoleAdmin && slices.Contains(s.cfg.BootstrapAdmins, strings.ToLower(acct.Email)) {
			acct, err = s.svc.SetRole(r.Context(), acct.ID, exchange.RoleAdmin)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			s.log.Info("bootstrap admin promoted", "account_id", acct.ID)
		}
		ctx := context.WithValue(r.Context(), accountContextKey, acct)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireCapability re-reads the role so a demotion applies on the next
// request.
func (s *Server) requireCapability(cap exchange.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acct, err := accountFromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if _, err := s.svc.Authorize(r.Context(), acct.ID, cap); err != nil {
				s.log.Warn("capability denied", "account_id", acct.ID, "capability", string(cap))
				writeDomainError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func accountFromContext(ctx context.Context) (exchange.Account, error) {
	acct, ok := ctx.Value(accountContextKey).(exchange.Account)
	if !ok || acct.ID == "" {
		return exchange.Account{}, errors.New("missing auth context")
	}
	return acct, nil
}

func writeDomainError(w http.ResponseWriter, err error) {
	kind := exchange.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case exchange.KindValidation, exchange.KindResource:
		status = http.StatusBadRequest
	case exchange.KindState:
		status = http.StatusConflict
		if errors.Is(err, exchange.ErrCooldownActive) {
			status = http.StatusTooManyRequests
		}
	case exchange.KindNotFound:
		status = http.StatusNotFound
	case exchange.KindConflict:
		status = http.StatusConflict
	case exchange.KindForbidden:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]any{
		"error": strings.TrimSpace(err.Error()),
		"code":  exchange.CodeOf(err),
		"kind":  string(kind),
	})
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
