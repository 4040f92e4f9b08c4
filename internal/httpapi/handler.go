package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adimStrong/csr-breaktime/internal/breaktypes"
	"github.com/adimStrong/csr-breaktime/internal/engine"
	"github.com/adimStrong/csr-breaktime/internal/models"
	"github.com/adimStrong/csr-breaktime/internal/store"
)

// Engine is the lifecycle surface the handler needs from the tracker.
type Engine interface {
	StartBreak(ctx context.Context, input engine.StartBreakInput) (models.ActiveSession, error)
	EndBreak(ctx context.Context, input engine.EndBreakInput) (models.BreakEvent, error)
	ActiveBreaks(ctx context.Context) []models.ActiveBreak
}

// Reporter is the aggregation surface used by the reporting endpoints.
type Reporter interface {
	RollupTeam(ctx context.Context, date string) (models.TeamDailySummary, error)
	EndOfDay(ctx context.Context, date string, open []models.ActiveBreak, now time.Time) error
	RebuildDate(ctx context.Context, date string) error
}

type Handler struct {
	engine   Engine
	reporter Reporter
	store    store.Store
	registry *breaktypes.Registry
	loc      *time.Location
	now      func() time.Time
}

type Options struct {
	Location *time.Location
	Now      func() time.Time
}

func NewHandler(eng Engine, reporter Reporter, st store.Store, registry *breaktypes.Registry, options Options) *Handler {
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().In(loc) }
	}
	return &Handler{engine: eng, reporter: reporter, store: st, registry: registry, loc: loc, now: now}
}

type startBreakRequest struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	BreakType   string `json:"break_type"`
	Reason      string `json:"reason"`
}

type endBreakRequest struct {
	AgentID string `json:"agent_id"`
}

type dateRequest struct {
	Date string `json:"date"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/breaks/out", h.handleStartBreak)
	mux.HandleFunc("/api/breaks/back", h.handleEndBreak)
	mux.HandleFunc("/api/breaks/active", h.handleActiveBreaks)
	mux.HandleFunc("/api/break-types", h.handleBreakTypes)
	mux.HandleFunc("/api/summary/daily", h.handleDailySummary)
	mux.HandleFunc("/api/summary/team", h.handleTeamSummary)
	mux.HandleFunc("/api/metrics/hourly", h.handleHourly)
	mux.HandleFunc("/api/alerts", h.handleAlerts)
	mux.HandleFunc("/api/reports/daily", h.handleDailyReport)
	mux.HandleFunc("/api/admin/rebuild", h.handleRebuild)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleStartBreak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req startBreakRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.AgentID = strings.TrimSpace(req.AgentID)
	req.BreakType = strings.TrimSpace(req.BreakType)
	if req.AgentID == "" || req.BreakType == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id and break_type are required")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.AgentID
	}

	session, err := h.engine.StartBreak(r.Context(), engine.StartBreakInput{
		AgentID:     req.AgentID,
		DisplayName: req.DisplayName,
		BreakType:   req.BreakType,
		Reason:      req.Reason,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleEndBreak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req endBreakRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}

	event, err := h.engine.EndBreak(r.Context(), engine.EndBreakInput{AgentID: req.AgentID})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) handleActiveBreaks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.ActiveBreaks(r.Context()))
}

func (h *Handler) handleBreakTypes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.registry.All())
}

func (h *Handler) handleDailySummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}

	summary, found, err := h.store.GetDailySummary(r.Context(), agentID, date)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "summary store unavailable")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no summary for that agent and date")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleTeamSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}

	summary, found, err := h.store.GetTeamSummary(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "summary store unavailable")
		return
	}
	if !found {
		// Roll up on demand; the stored row is only a cache of the fold.
		summary, err = h.reporter.RollupTeam(r.Context(), date)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "team rollup failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleHourly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	metrics, err := h.store.ListHourly(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "metric store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	alerts, err := h.store.ListAlertsForDate(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "alert store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	date, ok := h.dateBody(w, r)
	if !ok {
		return
	}
	if err := h.reporter.EndOfDay(r.Context(), date, h.engine.ActiveBreaks(r.Context()), h.now()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "daily report failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	date, ok := h.dateBody(w, r)
	if !ok {
		return
	}
	if err := h.reporter.RebuildDate(r.Context(), date); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "rebuild failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) dateParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		return models.DateOf(h.now(), h.loc), true
	}
	if _, err := time.Parse(models.DateFormat, date); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return "", false
	}
	return date, true
}

func (h *Handler) dateBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req dateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return "", false
	}
	if req.Date == "" {
		return models.DateOf(h.now(), h.loc), true
	}
	if _, err := time.Parse(models.DateFormat, req.Date); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return "", false
	}
	return req.Date, true
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrAlreadyOnBreak):
		writeError(w, http.StatusConflict, "already_on_break", "agent already has an active break")
	case errors.Is(err, engine.ErrNotOnBreak):
		writeError(w, http.StatusConflict, "not_on_break", "agent has no active break")
	case errors.Is(err, engine.ErrUnknownBreakType):
		writeError(w, http.StatusBadRequest, "unknown_break_type", "break type is not in the catalog")
	case errors.Is(err, engine.ErrReasonRequired):
		writeError(w, http.StatusBadRequest, "reason_required", "this break type requires a reason")
	case errors.Is(err, engine.ErrInvalidTiming):
		writeError(w, http.StatusBadRequest, "invalid_timing", "break end precedes its start")
	case errors.Is(err, engine.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "event store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
