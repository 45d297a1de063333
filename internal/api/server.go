// Package api is the HTTP surface of the information market: buyer and
// seller resources, inspections, jobs, and account plumbing. Handlers
// validate and authorize, then delegate to the store, ledger, matcher,
// and engine.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"infonomy/internal/auth"
	"infonomy/internal/config"
	"infonomy/internal/db"
	"infonomy/internal/engine"
	"infonomy/internal/ledger"
	"infonomy/internal/logger"
	"infonomy/internal/matcher"
)

// Server wires the HTTP handlers to the rest of the system.
type Server struct {
	cfg      *config.Config
	store    *db.DB
	keeper   *ledger.Keeper
	sessions *auth.SessionStore
	index    *matcher.Index
	engine   *engine.Engine
	started  time.Time
}

func NewServer(cfg *config.Config, store *db.DB, keeper *ledger.Keeper, sessions *auth.SessionStore, ix *matcher.Index, eng *engine.Engine) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		keeper:   keeper,
		sessions: sessions,
		index:    ix,
		engine:   eng,
		started:  time.Now(),
	}
}

// Handler returns the full route table with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	// Accounts and sessions
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.authed(s.handleLogout))
	mux.HandleFunc("GET /api/users/me", s.authed(s.handleMe))
	mux.HandleFunc("GET /api/users/{id}", s.authed(s.handleGetUser))
	mux.HandleFunc("PUT /api/users/me/api-keys", s.authed(s.handleSetAPIKeys))
	mux.HandleFunc("GET /api/users/me/api-keys", s.authed(s.handleGetAPIKeys))
	mux.HandleFunc("GET /api/users/me/daily-bonus", s.authed(s.handleBonusStatus))
	mux.HandleFunc("POST /api/users/me/daily-bonus", s.authed(s.handleClaimBonus))
	mux.HandleFunc("GET /api/users/me/transactions", s.authed(s.handleTransactions))
	// Profiles
	mux.HandleFunc("POST /api/users/me/buyer-profile", s.authed(s.handleCreateBuyerProfile))
	mux.HandleFunc("GET /api/users/me/buyer-profile", s.authed(s.handleGetBuyerProfile))
	mux.HandleFunc("PATCH /api/users/me/buyer-profile", s.authed(s.handleUpdateBuyerProfile))
	mux.HandleFunc("POST /api/users/me/seller-profile", s.authed(s.handleCreateSellerProfile))
	mux.HandleFunc("GET /api/users/me/seller-profile", s.authed(s.handleGetSellerProfile))
	mux.HandleFunc("POST /api/users/me/bot-sellers", s.authed(s.handleCreateBotSeller))
	mux.HandleFunc("GET /api/users/me/bot-sellers", s.authed(s.handleListBotSellers))
	mux.HandleFunc("GET /api/users/me/bot-sellers/{id}", s.authed(s.handleGetBotSeller))
	mux.HandleFunc("PATCH /api/users/me/bot-sellers/{id}", s.authed(s.handleUpdateBotSeller))
	mux.HandleFunc("DELETE /api/users/me/bot-sellers/{id}", s.authed(s.handleDeleteBotSeller))
	// Decision contexts
	mux.HandleFunc("POST /api/contexts", s.authed(s.handleCreateContext))
	mux.HandleFunc("GET /api/contexts", s.authed(s.handleListContexts))
	mux.HandleFunc("GET /api/contexts/{id}", s.authed(s.handleGetContext))
	mux.HandleFunc("PATCH /api/contexts/{id}", s.authed(s.handleUpdateContext))
	mux.HandleFunc("DELETE /api/contexts/{id}", s.authed(s.handleDeleteContext))
	// Offers
	mux.HandleFunc("POST /api/contexts/{cid}/offers", s.authed(s.handleCreateOffer))
	mux.HandleFunc("GET /api/contexts/{cid}/offers", s.authed(s.handleListOffers))
	mux.HandleFunc("GET /api/contexts/{cid}/offers/{oid}", s.authed(s.handleGetOffer))
	mux.HandleFunc("PATCH /api/contexts/{cid}/offers/{oid}", s.authed(s.handleUpdateOffer))
	mux.HandleFunc("DELETE /api/contexts/{cid}/offers/{oid}", s.authed(s.handleDeleteOffer))
	mux.HandleFunc("GET /api/users/me/purchases", s.authed(s.handlePurchases))
	mux.HandleFunc("GET /api/users/me/sales", s.authed(s.handleSales))
	// Subscriptions and inboxes
	mux.HandleFunc("POST /api/sellers/me/subscriptions", s.authed(s.handleCreateSubscription))
	mux.HandleFunc("GET /api/sellers/me/subscriptions", s.authed(s.handleListSubscriptions))
	mux.HandleFunc("PATCH /api/sellers/me/subscriptions/{id}", s.authed(s.handleUpdateSubscription))
	mux.HandleFunc("DELETE /api/sellers/me/subscriptions/{id}", s.authed(s.handleDeleteSubscription))
	mux.HandleFunc("GET /api/subscriptions/{id}/inbox", s.authed(s.handleInbox))
	mux.HandleFunc("PATCH /api/subscriptions/{id}/inbox/{cid}", s.authed(s.handleSetInboxStatus))
	// Inspections and jobs
	mux.HandleFunc("POST /api/contexts/{id}/inspections", s.authed(s.handleStartInspection))
	mux.HandleFunc("GET /api/contexts/{id}/inspections", s.authed(s.handleListInspections))
	mux.HandleFunc("GET /api/jobs/{id}", s.authed(s.handleGetJob))
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeStatusJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// fail maps domain errors onto the HTTP taxonomy. Anything unclassified
// is a 500 and logged with its cause; the body stays generic.
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, 400, err.Error())
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, 400, err.Error())
	case db.IsNotFound(err):
		writeError(w, 404, "not found")
	case db.IsConflict(err):
		writeError(w, 409, err.Error())
	default:
		logger.Error("API", fmt.Sprintf("Internal error: %v", err))
		writeError(w, 500, "internal error")
	}
}

// authedHandler is a handler that runs with a resolved user.
type authedHandler func(w http.ResponseWriter, r *http.Request, user *db.User)

// authed resolves the bearer token before the handler runs. 401 when the
// header is missing or the session is unknown or expired.
func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		user, err := s.sessions.UserForToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrNoSession) {
				writeError(w, 401, "authentication required")
				return
			}
			fail(w, err)
			return
		}
		h(w, r, user)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid json")
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dbState := "ok"
	if err := s.store.Ping(); err != nil {
		dbState = "down"
	}
	writeJSON(w, map[string]interface{}{
		"status":   "ok",
		"db":       dbState,
		"uptime_s": int(time.Since(s.started).Seconds()),
	})
}
