// Package server exposes the conduit operations, views, and rate queries
// over HTTP/JSON. Callers identify themselves with the X-Conduit-Caller
// header; admin routes additionally require the configured bearer token.
package server

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"conduit/internal/conduit"
	"conduit/internal/event"
	"conduit/internal/observability"
	"conduit/internal/rates"
	"conduit/internal/ray"
)

const callerHeader = "X-Conduit-Caller"

// BufferAdmin registers or replaces a domain's buffer account.
type BufferAdmin interface {
	SetBuffer(domain, buffer string) error
}

type Server struct {
	controller *conduit.Controller
	strategies map[string]*rates.Strategy
	buffers    BufferAdmin
	adminToken string
	metrics    *observability.Metrics
	log        zerolog.Logger
}

func New(
	controller *conduit.Controller,
	strategies map[string]*rates.Strategy,
	buffers BufferAdmin,
	adminToken string,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		controller: controller,
		strategies: strategies,
		buffers:    buffers,
		adminToken: adminToken,
		metrics:    metrics,
		log:        log,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/assets/{asset}", func(r chi.Router) {
			r.Post("/deposit", s.handleDeposit)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/request-funds", s.handleRequestFunds)
			r.Post("/cancel-request", s.handleCancelRequest)
			r.Post("/withdraw-and-request", s.handleWithdrawAndRequest)
			r.Get("/positions/{domain}", s.handlePosition)
			r.Get("/totals", s.handleTotals)
		})

		r.Route("/rates/{asset}", func(r chi.Router) {
			r.Get("/", s.handleRates)
			r.Post("/recompute", s.handleRecompute)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/assets/{asset}/enable", s.handleEnableAsset)
			r.Post("/assets/{asset}/disable", s.handleDisableAsset)
			r.Post("/assets/{asset}/subsidy", s.handleSetSubsidy)
			r.Post("/rates/{asset}/spread", s.handleSetSpread)
			r.Post("/domains/{domain}/buffer", s.handleSetBuffer)
		})
	})

	return r
}

// --- operation handlers ---

type opRequest struct {
	Domain    string `json:"domain"`
	Amount    string `json:"amount,omitempty"`
	MaxAmount string `json:"max_amount,omitempty"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	caller, req, amount, ok := s.decodeOp(w, r, "amount")
	if !ok {
		return
	}

	shares, err := s.controller.Deposit(r.Context(), caller, asset, req.Domain, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"shares": shares.String(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	caller, req, maxAmount, ok := s.decodeOp(w, r, "max_amount")
	if !ok {
		return
	}

	withdrawn, err := s.controller.Withdraw(r.Context(), caller, asset, req.Domain, maxAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"withdrawn": withdrawn.String(),
	})
}

func (s *Server) handleRequestFunds(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	caller, req, amount, ok := s.decodeOp(w, r, "amount")
	if !ok {
		return
	}

	requested, err := s.controller.RequestFunds(r.Context(), caller, asset, req.Domain, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"requested": requested.String(),
	})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	caller := r.Header.Get(callerHeader)
	if caller == "" {
		s.writeStatus(w, http.StatusUnauthorized, "missing "+callerHeader+" header")
		return
	}
	var req opRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		s.writeStatus(w, http.StatusBadRequest, "domain is required")
		return
	}

	if err := s.controller.CancelFundRequest(r.Context(), caller, asset, req.Domain); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleWithdrawAndRequest(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	caller, req, amount, ok := s.decodeOp(w, r, "amount")
	if !ok {
		return
	}

	withdrawn, requested, err := s.controller.WithdrawAndRequestFunds(r.Context(), caller, asset, req.Domain, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"withdrawn": withdrawn.String(),
		"requested": requested.String(),
	})
}

// --- view handlers ---

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	domain := chi.URLParam(r, "domain")

	deposits, err := s.controller.Deposits(r.Context(), asset, domain)
	if err != nil {
		s.writeError(w, err)
		return
	}
	requested, err := s.controller.RequestedFunds(r.Context(), asset, domain)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"asset":            asset,
		"domain":           domain,
		"deposits":         deposits.String(),
		"requested_funds":  requested.String(),
		"shares":           s.controller.Shares(asset, domain).String(),
		"requested_shares": s.controller.RequestedShares(asset, domain).String(),
	})
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	total, err := s.controller.TotalDeposits(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	requested, err := s.controller.TotalRequestedFunds(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	liquidity, err := s.controller.AvailableLiquidity(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"asset":                 asset,
		"total_deposits":        total.String(),
		"total_requested_funds": requested.String(),
		"available_liquidity":   liquidity.String(),
	})
}

// --- rate handlers ---

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	strategy, ok := s.strategies[asset]
	if !ok {
		s.writeStatus(w, http.StatusNotFound, "no rate strategy for asset")
		return
	}

	borrowed, ok := parseQueryAmount(r, "borrowed")
	if !ok {
		s.writeStatus(w, http.StatusBadRequest, "malformed borrowed")
		return
	}
	liquidity, ok := parseQueryAmount(r, "liquidity")
	if !ok {
		s.writeStatus(w, http.StatusBadRequest, "malformed liquidity")
		return
	}

	borrowRate, supplyRate := strategy.CalculateInterestRates(borrowed, liquidity)
	slot := strategy.Slot0()

	s.writeJSON(w, http.StatusOK, map[string]string{
		"asset":            asset,
		"borrow_rate":      borrowRate.String(),
		"supply_rate":      supplyRate.String(),
		"debt_ratio":       slot.DebtRatio.String(),
		"base_borrow_rate": slot.BaseBorrowRate.String(),
		"updated_at":       slot.UpdatedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	strategy, ok := s.strategies[asset]
	if !ok {
		s.writeStatus(w, http.StatusNotFound, "no rate strategy for asset")
		return
	}

	if err := strategy.Recompute(r.Context()); err != nil {
		s.writeStatus(w, http.StatusBadGateway, err.Error())
		return
	}
	slot := strategy.Slot0()
	s.writeJSON(w, http.StatusOK, map[string]string{
		"debt_ratio":       slot.DebtRatio.String(),
		"base_borrow_rate": slot.BaseBorrowRate.String(),
		"updated_at":       slot.UpdatedAt.Format(time.RFC3339Nano),
	})
}

// --- admin handlers ---

func (s *Server) handleEnableAsset(w http.ResponseWriter, r *http.Request) {
	s.controller.EnableAsset(chi.URLParam(r, "asset"))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) handleDisableAsset(w http.ResponseWriter, r *http.Request) {
	s.controller.DisableAsset(chi.URLParam(r, "asset"))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) handleSetSubsidy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RateBPS uint64 `json:"rate_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "malformed body")
		return
	}
	rate := ray.BPSToRay(req.RateBPS)
	s.controller.SetSubsidyRate(chi.URLParam(r, "asset"), rate)
	s.writeJSON(w, http.StatusOK, map[string]string{"subsidy_rate": rate.String()})
}

func (s *Server) handleSetSpread(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	strategy, ok := s.strategies[asset]
	if !ok {
		s.writeStatus(w, http.StatusNotFound, "no rate strategy for asset")
		return
	}

	var req struct {
		RateBPS uint64 `json:"rate_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "malformed body")
		return
	}

	rate := ray.BPSToRay(req.RateBPS)
	if err := strategy.SetSpread(rate); err != nil {
		s.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	s.controller.RecordAdminEvent(event.EventTypeSpreadSet, asset, "", rate)
	s.writeJSON(w, http.StatusOK, map[string]string{"spread": rate.String()})
}

func (s *Server) handleSetBuffer(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")

	var req struct {
		Buffer string `json:"buffer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Buffer) == "" {
		s.writeStatus(w, http.StatusBadRequest, "buffer is required")
		return
	}

	if err := s.buffers.SetBuffer(domain, strings.TrimSpace(req.Buffer)); err != nil {
		s.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	s.controller.RecordAdminEvent(event.EventTypeBufferSet, "", domain, nil)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"domain": domain,
		"buffer": strings.TrimSpace(req.Buffer),
	})
}

// --- middleware and helpers ---

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			s.writeStatus(w, http.StatusForbidden, "admin API disabled: no token configured")
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.adminToken {
			s.writeStatus(w, http.StatusForbidden, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.metrics != nil {
			endpoint := r.Method + " " + routePattern(r)
			s.metrics.APIRequests.WithLabelValues(endpoint, http.StatusText(ww.Status())).Inc()
			s.metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// decodeOp pulls the caller header, decodes the body, and parses the named
// amount field.
func (s *Server) decodeOp(w http.ResponseWriter, r *http.Request, amountField string) (string, opRequest, *big.Int, bool) {
	caller := r.Header.Get(callerHeader)
	if caller == "" {
		s.writeStatus(w, http.StatusUnauthorized, "missing "+callerHeader+" header")
		return "", opRequest{}, nil, false
	}

	var req opRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "malformed body")
		return "", opRequest{}, nil, false
	}
	if req.Domain == "" {
		s.writeStatus(w, http.StatusBadRequest, "domain is required")
		return "", opRequest{}, nil, false
	}

	raw := req.Amount
	if amountField == "max_amount" {
		raw = req.MaxAmount
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		s.writeStatus(w, http.StatusBadRequest, amountField+" must be a decimal integer")
		return "", opRequest{}, nil, false
	}
	return caller, req, amount, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, conduit.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, conduit.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, conduit.ErrNoBuffer):
		status = http.StatusNotFound
	case errors.Is(err, conduit.ErrAssetDisabled),
		errors.Is(err, conduit.ErrPendingRequest),
		errors.Is(err, conduit.ErrLiquidityAvailable),
		errors.Is(err, conduit.ErrNoActiveRequest):
		status = http.StatusConflict
	default:
		status = http.StatusBadGateway
	}
	s.writeStatus(w, status, err.Error())
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("write response")
	}
}

func parseQueryAmount(r *http.Request, key string) (*big.Int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return new(big.Int), true
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, false
	}
	return v, true
}
