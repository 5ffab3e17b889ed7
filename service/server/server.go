package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sargo-finance/sargo/service/access"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/sargo-finance/sargo/service/ledger"
	"github.com/sargo-finance/sargo/service/metrics"
)

// Deps are the components the HTTP server exposes. Engine, Ledger, Guard and
// Fees are required; the rest switch optional endpoints on.
type Deps struct {
	Engine *escrow.Engine
	Ledger *ledger.Memory
	Guard  *access.Guard
	Fees   *fee.Policy

	// Store enables /api/v1/store endpoints.
	Store StoreReader
	// Events enables the SSE endpoints.
	Events EventSource
	// Metrics enables /metrics and request instrumentation.
	Metrics *metrics.Metrics
}

// Server represents the HTTP server for the escrow service.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(addr string, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		deps:   deps,
		logger: logger,
	}
}

// Handler builds the router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	d := s.deps
	logger := s.logger
	escrowID := d.Engine.Config().Escrow

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	if d.Metrics != nil {
		r.Use(metrics.HTTPMetricsMiddleware(d.Metrics))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
		logger.Info("Prometheus metrics endpoint enabled")
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Orders
		r.Method(http.MethodPost, "/deposits", handleInitiateDeposit(d.Engine, logger))
		r.Method(http.MethodPost, "/deposits/{id}/accept", handleAcceptDeposit(d.Engine, logger))
		r.Method(http.MethodPost, "/withdrawals", handleInitiateWithdrawal(d.Engine, logger))
		r.Method(http.MethodPost, "/withdrawals/{id}/accept", handleAcceptWithdrawal(d.Engine, logger))

		// Lifecycle
		r.Method(http.MethodGet, "/transactions/{id}", handleGetTransaction(d.Engine, logger))
		r.Method(http.MethodPost, "/transactions/{id}/confirm/client", handleConfirm(d.Engine, d.Engine.ClientConfirmPayment, logger))
		r.Method(http.MethodPost, "/transactions/{id}/confirm/agent", handleConfirm(d.Engine, d.Engine.AgentConfirmPayment, logger))
		r.Method(http.MethodPost, "/transactions/{id}/cancel", handleNote(d.Engine, d.Engine.CancelTransaction, false, logger))
		r.Method(http.MethodPost, "/transactions/{id}/dispute", handleNote(d.Engine, d.Engine.DisputeTransaction, false, logger))
		r.Method(http.MethodPost, "/transactions/{id}/claim", handleNote(d.Engine, d.Engine.ClaimTransaction, true, logger))
		r.Method(http.MethodPost, "/transactions/{id}/void", handleNote(d.Engine, d.Engine.VoidTransaction, true, logger))
		r.Method(http.MethodPost, "/transactions/{id}/refund", handleRefund(d.Engine, logger))

		// Transfers
		r.Method(http.MethodPost, "/transfers/send", handleTransfer(d.Engine.Send, logger))
		r.Method(http.MethodPost, "/transfers/credit", handleTransfer(d.Engine.Credit, logger))

		// Reads
		r.Method(http.MethodGet, "/requests", handleListRequests(d.Engine, logger))
		r.Method(http.MethodGet, "/accounts/{identity}/history", handleListHistory(d.Engine, logger))
		r.Method(http.MethodGet, "/accounts/{identity}/earnings", handleGetEarnings(d.Engine, logger))
		r.Method(http.MethodGet, "/earnings", handleListEarnings(d.Engine))
		r.Method(http.MethodGet, "/summary", handleSummary(d.Engine))

		// Fees
		r.Method(http.MethodGet, "/fees", handleGetFees(d.Fees))
		r.Method(http.MethodPut, "/fees", handleSetFees(d.Fees, logger))
		r.Method(http.MethodGet, "/fees/quote", handleQuote(d.Fees, logger))

		// Ledger
		r.Method(http.MethodPost, "/ledger/mint", handleMint(d.Ledger, d.Guard, logger))
		r.Method(http.MethodPost, "/ledger/burn", handleBurn(d.Ledger, logger))
		r.Method(http.MethodPost, "/ledger/approve", handleApprove(d.Ledger, escrowID, logger))
		r.Method(http.MethodGet, "/ledger/balances", handleListBalances(d.Ledger))
		r.Method(http.MethodGet, "/ledger/balances/{identity}", handleGetBalance(d.Ledger, escrowID, logger))

		// Access
		r.Method(http.MethodPost, "/admin/pause", handlePause(d.Guard, d.Guard.Pause, logger))
		r.Method(http.MethodPost, "/admin/unpause", handlePause(d.Guard, d.Guard.Unpause, logger))
		r.Method(http.MethodPost, "/admin/roles/grant", handleRoleChange(d.Guard, d.Guard.Grant, logger))
		r.Method(http.MethodPost, "/admin/roles/revoke", handleRoleChange(d.Guard, d.Guard.Revoke, logger))
		r.Method(http.MethodGet, "/admin/roles/{identity}", handleGetRoles(d.Guard, logger))

		if d.Store != nil {
			r.Method(http.MethodGet, "/store/stats", handleStoreStats(d.Store, logger))
			r.Method(http.MethodGet, "/store/transactions", handleStoreTransactions(d.Store, logger))
		}

		if d.Events != nil {
			r.Method(http.MethodGet, "/stream/events", handleStreamEvents(d.Events, d.Metrics, logger))
			r.Method(http.MethodGet, "/stream/transactions/{id}", handleStreamEvents(d.Events, d.Metrics, logger))
			logger.Info("SSE streaming endpoints enabled")
		} else {
			logger.Warn("event source not configured, streaming endpoints disabled")
		}
	})

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// SSE responses are long-lived, so no WriteTimeout.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+IdentityHeader)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
