// Package trade provides the HTTP handlers and business logic for
// browsing properties, executing buy/sell orders, and querying
// portfolios.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/brickshare/market-engine/internal/auth"
	"github.com/brickshare/market-engine/internal/ledger"
	"github.com/brickshare/market-engine/internal/market"
	"github.com/brickshare/market-engine/internal/metrics"
	"github.com/brickshare/market-engine/internal/model"
	"github.com/brickshare/market-engine/internal/pricing"
)

// Service handles property and portfolio operations. Uses a mutex for
// serialized trade execution (single-instance). For horizontal
// scaling, replace with distributed locking or database-level
// optimistic concurrency.
type Service struct {
	sim    *market.Simulator
	ledger *ledger.Service
	auth   *auth.Manager
	mu     sync.Mutex
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(sim *market.Simulator, led *ledger.Service, am *auth.Manager, hub *WSHub) *Service {
	return &Service{
		sim:    sim,
		ledger: led,
		auth:   am,
		wsHub:  hub,
	}
}

// --- Request/Response types ---

// CredentialsRequest is the JSON body for sign-up and sign-in.
type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInResponse is returned from POST /auth/signin.
type SignInResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	PropertyID int    `json:"property_id"`
	Side       string `json:"side"`   // "BUY" or "SELL"
	Shares     int64  `json:"shares"` // always positive
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	PropertyID  int             `json:"property_id"`
	Side        string          `json:"side"`
	Shares      int64           `json:"shares"`
	TradePrice  decimal.Decimal `json:"trade_price"` // price the order filled at
	NewPrice    decimal.Decimal `json:"new_price"`   // share price after impact
	Direction   model.Direction `json:"direction"`
	Holding     HoldingSummary  `json:"holding"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// HoldingSummary is the holding snapshot included in trade responses.
// Zero shares means the position was fully closed.
type HoldingSummary struct {
	SharesOwned           int64           `json:"shares_owned"`
	PurchasePricePerShare decimal.Decimal `json:"purchase_price_per_share"`
}

// --- Auth handlers ---

// SignUp handles POST /api/v1/auth/signup
func (s *Service) SignUp(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, err := s.auth.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailTaken):
			writeError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrPasswordTooWeak):
			writeError(w, err.Error(), http.StatusBadRequest)
		default:
			writeError(w, "failed to create account", http.StatusInternalServerError)
		}
		return
	}

	slog.Info("account created", "user", u.ID, "email", u.Email)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(u)
}

// SignIn handles POST /api/v1/auth/signin
func (s *Service) SignIn(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, u, err := s.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		writeError(w, "sign-in failed", http.StatusInternalServerError)
		return
	}

	slog.Info("user signed in", "user", u.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SignInResponse{Token: token, User: u})
}

// SignOut handles POST /api/v1/auth/signout
func (s *Service) SignOut(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	email, _ := auth.Email(r.Context())

	s.auth.SignOut(userID, email)
	slog.Info("user signed out", "user", userID)

	w.WriteHeader(http.StatusNoContent)
}

// --- Property handlers ---

// ListProperties handles GET /api/v1/properties
func (s *Service) ListProperties(w http.ResponseWriter, r *http.Request) {
	props := s.sim.List()
	if props == nil {
		props = []model.Property{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(props)
}

// GetProperty handles GET /api/v1/properties/{propertyID}
func (s *Service) GetProperty(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "propertyID"))
	if err != nil {
		writeError(w, "invalid property id", http.StatusBadRequest)
		return
	}

	prop, err := s.sim.Get(id)
	if err != nil {
		writeError(w, "property not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(prop)
}

// GetPriceHistory handles GET /api/v1/properties/{propertyID}/history
func (s *Service) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "propertyID"))
	if err != nil {
		writeError(w, "invalid property id", http.StatusBadRequest)
		return
	}

	prop, err := s.sim.Get(id)
	if err != nil {
		writeError(w, "property not found", http.StatusNotFound)
		return
	}
	history := prop.PriceHistory
	if history == nil {
		history = []model.PricePoint{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(history)
}

// --- Trade handler ---

// ExecuteTrade handles POST /api/v1/trade
// Applies price impact to the market and updates the caller's holdings.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Side != "BUY" && req.Side != "SELL" {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.Shares <= 0 {
		metrics.TradeRejections.WithLabelValues("invalid_quantity").Inc()
		writeError(w, "shares must be positive", http.StatusBadRequest)
		return
	}

	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "not signed in", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()

	// Serialize trade execution.
	s.mu.Lock()
	defer s.mu.Unlock()

	// The order fills at the quoted price; impact moves the price for
	// everyone after the fill.
	prop, err := s.sim.Get(req.PropertyID)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("not_found").Inc()
		writeError(w, "property not found", http.StatusNotFound)
		return
	}
	tradePrice := prop.CurrentSharePrice

	// Feasibility checks before any state moves: the ledger must hold
	// enough shares for a sell, and the impact must not breach the
	// price floor.
	if req.Side == "SELL" {
		record, err := s.ledger.Record(ctx, userID)
		if err != nil {
			writeError(w, "failed to load portfolio", http.StatusInternalServerError)
			return
		}
		h, owned := record.Holding(req.PropertyID)
		if !owned || h.SharesOwned < req.Shares {
			metrics.TradeRejections.WithLabelValues("insufficient_shares").Inc()
			writeError(w, "insufficient shares", http.StatusConflict)
			return
		}
		if err := s.sim.PreviewSell(req.PropertyID, req.Shares); err != nil {
			metrics.TradeRejections.WithLabelValues("price_floor").Inc()
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
	}

	// Apply market impact.
	if req.Side == "BUY" {
		prop, err = s.sim.Buy(ctx, req.PropertyID, req.Shares)
	} else {
		prop, err = s.sim.Sell(ctx, req.PropertyID, req.Shares)
	}
	if err != nil {
		switch {
		case errors.Is(err, market.ErrPropertyNotFound):
			writeError(w, "property not found", http.StatusNotFound)
		case errors.Is(err, pricing.ErrInvalidQuantity):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, pricing.ErrPriceFloorBreached):
			metrics.TradeRejections.WithLabelValues("price_floor").Inc()
			writeError(w, err.Error(), http.StatusConflict)
		default:
			writeError(w, "trade failed", http.StatusInternalServerError)
		}
		return
	}

	sharesDelta := req.Shares
	if req.Side == "SELL" {
		sharesDelta = -req.Shares
	}

	record, err := s.ledger.UpdateHolding(ctx, userID, req.PropertyID, sharesDelta, tradePrice)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientShares):
			// Feasibility was checked above; only a concurrent change
			// to the same portfolio can land here.
			metrics.TradeRejections.WithLabelValues("insufficient_shares").Inc()
			writeError(w, "insufficient shares", http.StatusConflict)
		case errors.Is(err, ledger.ErrPersistFailed):
			slog.Error("trade executed but ledger persist failed",
				"user", userID, "property", req.PropertyID, "err", err)
			writeError(w, "trade not recorded, try again", http.StatusBadGateway)
		default:
			writeError(w, "failed to update holdings", http.StatusInternalServerError)
		}
		return
	}

	side := req.Side
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeVolume.WithLabelValues(strconv.Itoa(req.PropertyID), side).Add(float64(req.Shares))
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	var holding HoldingSummary
	if h, ok := record.Holding(req.PropertyID); ok {
		holding = HoldingSummary{
			SharesOwned:           h.SharesOwned,
			PurchasePricePerShare: h.PurchasePricePerShare,
		}
	}

	resp := TradeResponse{
		PropertyID:  req.PropertyID,
		Side:        side,
		Shares:      req.Shares,
		TradePrice:  tradePrice,
		NewPrice:    prop.CurrentSharePrice,
		Direction:   prop.Direction,
		Holding:     holding,
		RealizedPnL: record.RealizedProfitLoss,
	}

	slog.Info("trade executed",
		"user", userID,
		"property", req.PropertyID,
		"side", side,
		"shares", req.Shares,
		"trade_price", tradePrice.String(),
		"new_price", prop.CurrentSharePrice.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// --- Portfolio handler ---

// GetPortfolio handles GET /api/v1/portfolio
// Returns holdings valued at current prices, realized and unrealized
// P&L, and the merged portfolio-value history.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	snap, err := s.ledger.Snapshot(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
