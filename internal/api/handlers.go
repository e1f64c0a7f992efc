package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sells-group/jobcost/internal/estimate"
	"github.com/sells-group/jobcost/internal/model"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.svc.Store != nil {
		if err := s.svc.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) phaseSummary(w http.ResponseWriter, r *http.Request) {
	phases, err := s.svc.Rollup.ComputePhaseSummary(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, phases)
}

func (s *Server) projectTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.svc.Rollup.ComputeProjectTotals(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Rollup.ComputeDashboardStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listEstimates(w http.ResponseWriter, r *http.Request) {
	ests, err := s.svc.Estimates.ListCurrent(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ests)
}

func (s *Server) estimateHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := model.EstimateKey{
		ProjectID: chi.URLParam(r, "projectID"),
		PhaseID:   optionalString(q.Get("phase_id")),
		Kind:      model.EstimateKind(q.Get("kind")),
	}
	ests, err := s.svc.Estimates.History(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ests)
}

func (s *Server) getEstimate(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Estimates.Get(r.Context(), chi.URLParam(r, "estimateID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type createEstimateRequest struct {
	PhaseID      *string            `json:"phase_id"`
	Kind         model.EstimateKind `json:"kind"`
	Amount       decimal.Decimal    `json:"amount"`
	EstimateDate string             `json:"estimate_date"`
	Confidence   *int               `json:"confidence"`
	Notes        string             `json:"notes"`
}

func (s *Server) createEstimate(w http.ResponseWriter, r *http.Request) {
	var req createEstimateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in := estimate.CreateInput{
		ProjectID:  chi.URLParam(r, "projectID"),
		PhaseID:    req.PhaseID,
		Kind:       req.Kind,
		Amount:     req.Amount,
		Confidence: req.Confidence,
		Notes:      req.Notes,
	}
	if req.EstimateDate != "" {
		d, err := parseDate("estimate_date", req.EstimateDate)
		if err != nil {
			writeError(w, r, err)
			return
		}
		in.EstimateDate = d
	}

	e, err := s.svc.Estimates.Create(r.Context(), in, ActorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

type updateEstimateRequest struct {
	Kind         *model.EstimateKind `json:"kind"`
	Amount       *decimal.Decimal    `json:"amount"`
	EstimateDate *string             `json:"estimate_date"`
	Confidence   *int                `json:"confidence"`
	Notes        *string             `json:"notes"`
}

func (s *Server) updateEstimate(w http.ResponseWriter, r *http.Request) {
	var req updateEstimateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in := estimate.UpdateInput{
		Kind:       req.Kind,
		Amount:     req.Amount,
		Confidence: req.Confidence,
		Notes:      req.Notes,
	}
	if req.EstimateDate != nil {
		d, err := parseDate("estimate_date", *req.EstimateDate)
		if err != nil {
			writeError(w, r, err)
			return
		}
		in.EstimateDate = &d
	}

	e, err := s.svc.Estimates.Update(r.Context(), chi.URLParam(r, "estimateID"), in, ActorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) deleteEstimate(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Estimates.Delete(r.Context(), chi.URLParam(r, "estimateID"), ActorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) listProgress(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.Progress.ListProgress(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Progress.GetProgress(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "phaseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type setProgressRequest struct {
	Percent *int `json:"percent"`
}

func (s *Server) setProgress(w http.ResponseWriter, r *http.Request) {
	var req setProgressRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Percent == nil {
		writeError(w, r, model.NewValidationError("percent", "is required"))
		return
	}
	p, err := s.svc.Progress.SetProgress(r.Context(),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "phaseID"), *req.Percent, ActorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type assignPhaseRequest struct {
	PhaseID *string `json:"phase_id"`
}

func (s *Server) assignPhase(kind model.ActualKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req assignPhaseRequest
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		ref := model.ActualRef{Kind: kind, ID: chi.URLParam(r, "actualID")}
		if err := s.svc.Ledger.AssignPhase(r.Context(), ref, req.PhaseID, ActorFrom(r.Context())); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"kind": ref.Kind, "id": ref.ID, "phase_id": req.PhaseID})
	}
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) setProjectActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Active == nil {
		writeError(w, r, model.NewValidationError("active", "is required"))
		return
	}
	p, err := s.svc.Ledger.SetProjectActive(r.Context(), chi.URLParam(r, "projectID"), *req.Active, ActorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.AuditFilter{
		EntityID:  q.Get("entity_id"),
		EventType: model.AuditEventType(q.Get("event_type")),
		Actor:     q.Get("actor"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, model.NewValidationError("since", "must be an RFC 3339 timestamp"))
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, model.NewValidationError("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	entries, err := s.svc.Audit.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseDate(field, s string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, model.NewValidationError(field, "must be a YYYY-MM-DD date")
	}
	return d, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
