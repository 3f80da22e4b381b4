package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

const defaultAlertLimit = 100

func (s *Server) handleScanLog(w http.ResponseWriter, r *http.Request) {
	visitorID, visitID := chi.URLParam(r, "visitorID"), chi.URLParam(r, "visitID")
	if _, err := s.visits.Visit(r.Context(), visitorID, visitID); err != nil {
		s.writeServiceError(w, r, "scan log", err)
		return
	}
	entries, err := s.audit.ScanLog(r.Context(), visitorID, visitID)
	if err != nil {
		s.writeServiceError(w, r, "scan log", err)
		return
	}
	if entries == nil {
		entries = []types.ScanLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	visitorID, visitID := chi.URLParam(r, "visitorID"), chi.URLParam(r, "visitID")
	if _, err := s.visits.Visit(r.Context(), visitorID, visitID); err != nil {
		s.writeServiceError(w, r, "transactions", err)
		return
	}
	txs, err := s.audit.Transactions(r.Context(), visitorID, visitID)
	if err != nil {
		s.writeServiceError(w, r, "transactions", err)
		return
	}
	if txs == nil {
		txs = []types.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	alerts, err := s.audit.Alerts(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []types.SecurityAlert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}
