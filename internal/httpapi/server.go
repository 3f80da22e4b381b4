package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BrandonDHaskell/vguard/internal/vguard/audit"
	"github.com/BrandonDHaskell/vguard/internal/vguard/service"
)

type Dependencies struct {
	Logger       *slog.Logger
	Addr         string
	GateService  *service.GateService
	VisitService *service.VisitService
	Audit        *audit.Recorder
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	router     chi.Router
	gate       *service.GateService
	visits     *service.VisitService
	audit      *audit.Recorder
}

func NewServer(d Dependencies) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger: logger,
		router: chi.NewRouter(),
		gate:   d.GateService,
		visits: d.VisitService,
		audit:  d.Audit,
	}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/gate/scan", s.handleScan)

		r.Post("/visitors", s.handleRegisterVisitor)
		r.Route("/visitors/{visitorID}", func(r chi.Router) {
			r.Get("/", s.handleGetVisitor)
			r.Put("/blacklist", s.handleSetBlacklist)
			r.Get("/visits", s.handleListVisits)
			r.Post("/visits", s.handleCreateVisit)

			r.Route("/visits/{visitID}", func(r chi.Router) {
				r.Get("/", s.handleGetVisit)
				r.Get("/qr.png", s.handleQRImage)
				r.Post("/qr/reissue", s.handleReissueQR)
				r.Post("/approve", s.handleApprove)
				r.Post("/reject", s.handleReject)
				r.Post("/reschedule", s.handleReschedule)
				r.Get("/scans", s.handleScanLog)
				r.Get("/transactions", s.handleTransactions)
			})
		})

		r.Get("/alerts", s.handleAlerts)
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
