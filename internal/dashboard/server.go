// Package dashboard serves a read-only JSON view of open condors, reserved
// risk and closed history, plus the Prometheus metrics endpoint.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_condor/internal/condor"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/eddiefleurent/scranton_condor/internal/storage"
)

// PortfolioSource reports the account value the risk cap is applied to.
type PortfolioSource interface {
	PortfolioValue(ctx context.Context) (decimal.Decimal, error)
}

// Server is the reporting HTTP server.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	storage     storage.Interface
	portfolio   PortfolioSource
	logger      *logrus.Logger
	now         func() time.Time
	capFraction decimal.Decimal
	multiplier  int
	port        int
	authToken   string
}

// Config configures the reporting server.
type Config struct {
	Port        int
	AuthToken   string
	CapFraction decimal.Decimal
	Multiplier  int
	Now         func() time.Time
}

// PositionView is the JSON shape of one position.
type PositionView struct {
	ID           string           `json:"id"`
	Symbol       string           `json:"symbol"`
	State        string           `json:"state"`
	Condor       string           `json:"condor"`
	Expiry       string           `json:"expiry"`
	DTE          int              `json:"dte"`
	Quantity     int              `json:"quantity"`
	EntryCredit  decimal.Decimal  `json:"entry_credit"`
	RiskReserved decimal.Decimal  `json:"risk_reserved"`
	EntryDate    time.Time        `json:"entry_date"`
	ExitDate     *time.Time       `json:"exit_date,omitempty"`
	ExitReason   string           `json:"exit_reason,omitempty"`
	ExitCost     *decimal.Decimal `json:"exit_cost,omitempty"`
	RealizedPnL  *decimal.Decimal `json:"realized_pnl,omitempty"`
}

// RiskView summarizes the risk budget.
type RiskView struct {
	PortfolioValue *decimal.Decimal `json:"portfolio_value,omitempty"`
	Budget         *decimal.Decimal `json:"budget,omitempty"`
	Room           *decimal.Decimal `json:"room,omitempty"`
	RiskInUse      decimal.Decimal  `json:"risk_in_use"`
	CapFraction    decimal.Decimal  `json:"cap_fraction"`
	OpenPositions  int              `json:"open_positions"`
	Error          string           `json:"error,omitempty"`
}

// HistoryView is the closed history with its statistics.
type HistoryView struct {
	Positions  []PositionView      `json:"positions"`
	Statistics *storage.Statistics `json:"statistics"`
}

// NewServer builds the router. portfolio may be nil, in which case /api/risk
// reports only the reserved risk.
func NewServer(cfg Config, store storage.Interface, portfolio PortfolioSource, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = models.DefaultMultiplier
	}
	s := &Server{
		router:      chi.NewRouter(),
		storage:     store,
		portfolio:   portfolio,
		logger:      logger,
		now:         now,
		capFraction: cfg.CapFraction,
		multiplier:  multiplier,
		port:        cfg.Port,
		authToken:   cfg.AuthToken,
	}

	s.setupRoutes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/positions/{id}", s.handleGetPosition)
	s.router.Get("/api/risk", s.handleGetRisk)
	s.router.Get("/api/history", s.handleGetHistory)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Infof("Starting dashboard server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, _ *http.Request) {
	open := s.storage.GetOpenPositions()
	s.writeJSON(w, http.StatusOK, s.convertPositionsToViews(open))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if pos, found := s.storage.GetPosition(id); found {
		s.writeJSON(w, http.StatusOK, s.convertPositionToView(pos))
		return
	}
	for _, pos := range s.storage.GetHistory() {
		if pos.ID == id {
			s.writeJSON(w, http.StatusOK, s.convertPositionToView(&pos))
			return
		}
	}
	s.logger.WithField("position_id", id).Debug("Position not found")
	http.Error(w, "Not Found", http.StatusNotFound)
}

func (s *Server) handleGetRisk(w http.ResponseWriter, r *http.Request) {
	open := s.storage.GetOpenPositions()
	view := RiskView{
		RiskInUse:     condor.RiskInUse(open),
		CapFraction:   s.capFraction,
		OpenPositions: len(open),
	}

	if s.portfolio != nil {
		value, err := s.portfolio.PortfolioValue(r.Context())
		if err != nil {
			s.logger.WithError(err).Warn("Failed to get portfolio value")
			view.Error = "portfolio value unavailable"
		} else {
			ledger := condor.Ledger{CapFraction: s.capFraction}
			budget := ledger.Budget(value)
			room := budget.Sub(view.RiskInUse)
			view.PortfolioValue = &value
			view.Budget = &budget
			view.Room = &room
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HistoryView{
		Positions:  s.convertPositionsToViews(s.storage.GetHistory()),
		Statistics: s.storage.GetStatistics(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) convertPositionsToViews(positions []models.Position) []PositionView {
	views := make([]PositionView, 0, len(positions))
	for i := range positions {
		views = append(views, s.convertPositionToView(&positions[i]))
	}
	return views
}

func (s *Server) convertPositionToView(pos *models.Position) PositionView {
	view := PositionView{
		ID:           pos.ID,
		Symbol:       pos.Symbol,
		State:        string(pos.State),
		Condor:       pos.Spec.String(),
		Expiry:       pos.Expiry.Format(models.ExpiryLayout),
		DTE:          pos.DaysToExpiry(s.now()),
		Quantity:     pos.Quantity,
		EntryCredit:  pos.EntryCredit,
		RiskReserved: pos.RiskReserved,
		EntryDate:    pos.EntryDate,
	}
	if !pos.IsOpen() {
		exitDate := pos.ExitDate
		exitCost := pos.ExitCost
		pnl := pos.RealizedPnL(s.multiplier)
		view.ExitDate = &exitDate
		view.ExitReason = string(pos.ExitReason)
		view.ExitCost = &exitCost
		view.RealizedPnL = &pnl
	}
	return view
}
