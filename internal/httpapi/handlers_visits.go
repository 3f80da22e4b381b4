package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/vguard/internal/vguard/service"
)

func (s *Server) handleRegisterVisitor(w http.ResponseWriter, r *http.Request) {
	var in service.RegisterVisitorInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	v, err := s.visits.RegisterVisitor(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, "register visitor", err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetVisitor(w http.ResponseWriter, r *http.Request) {
	v, err := s.visits.Visitor(r.Context(), chi.URLParam(r, "visitorID"))
	if err != nil {
		s.writeServiceError(w, r, "get visitor", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type blacklistRequest struct {
	Blacklisted bool   `json:"blacklisted"`
	Reason      string `json:"reason"`
}

func (s *Server) handleSetBlacklist(w http.ResponseWriter, r *http.Request) {
	var in blacklistRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	v, err := s.visits.SetBlacklist(r.Context(), chi.URLParam(r, "visitorID"), in.Blacklisted, in.Reason)
	if err != nil {
		s.writeServiceError(w, r, "set blacklist", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListVisits(w http.ResponseWriter, r *http.Request) {
	list, err := s.visits.Visits(r.Context(), chi.URLParam(r, "visitorID"))
	if err != nil {
		s.writeServiceError(w, r, "list visits", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateVisit(w http.ResponseWriter, r *http.Request) {
	var in service.CreateVisitInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	in.VisitorID = chi.URLParam(r, "visitorID")

	v, err := s.visits.CreateVisit(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, "create visit", err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetVisit(w http.ResponseWriter, r *http.Request) {
	v, err := s.visits.Visit(r.Context(), chi.URLParam(r, "visitorID"), chi.URLParam(r, "visitID"))
	if err != nil {
		s.writeServiceError(w, r, "get visit", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	size := 256
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 || n > 2048 {
			writeError(w, http.StatusBadRequest, "invalid_size", "size must be between 64 and 2048")
			return
		}
		size = n
	}

	img, err := s.visits.QRImage(r.Context(), chi.URLParam(r, "visitorID"), chi.URLParam(r, "visitID"), size)
	if err != nil {
		s.writeServiceError(w, r, "qr image", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	v, err := s.visits.Approve(r.Context(), chi.URLParam(r, "visitorID"), chi.URLParam(r, "visitID"))
	if err != nil {
		s.writeServiceError(w, r, "approve visit", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleReissueQR(w http.ResponseWriter, r *http.Request) {
	v, err := s.visits.ReissueQR(r.Context(), chi.URLParam(r, "visitorID"), chi.URLParam(r, "visitID"))
	if err != nil {
		s.writeServiceError(w, r, "reissue qr", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var in rejectRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	v, err := s.visits.Reject(r.Context(), chi.URLParam(r, "visitorID"), chi.URLParam(r, "visitID"), in.Reason)
	if err != nil {
		s.writeServiceError(w, r, "reject visit", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type rescheduleRequest struct {
	VisitDate string `json:"visit_date"`
	Reason    string `json:"reason"`
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var in rescheduleRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	v, err := s.visits.Reschedule(r.Context(), chi.URLParam(r, "visitorID"), chi.URLParam(r, "visitID"), in.VisitDate, in.Reason)
	if err != nil {
		s.writeServiceError(w, r, "reschedule visit", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
