package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/anstrom/portsweep/internal/api/middleware"
	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/report"
	"github.com/anstrom/portsweep/internal/scanning"
	"github.com/anstrom/portsweep/internal/services"
)

// ScanService runs and tracks scans.
type ScanService interface {
	Start(ctx context.Context, req services.ScanRequest) (string, error)
	Get(id string) (services.ScanJob, error)
	List() []services.ScanJob
	Cancel(id string) error
}

// HistoryStore reads and deletes persisted scans.
type HistoryStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.ScanRecord, error)
	List(ctx context.Context, filters db.ScanFilters) ([]*db.ScanRecord, int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ScanHandler handles scan endpoints.
type ScanHandler struct {
	scans          ScanService
	history        HistoryStore
	validator      *validator.Validate
	maxRequestSize int64
	logger         *logging.Logger
}

// NewScanHandler creates a new scan handler. history may be nil when no
// database is configured.
func NewScanHandler(scans ScanService, history HistoryStore, maxRequestSize int64, logger *logging.Logger) *ScanHandler {
	return &ScanHandler{
		scans:          scans,
		history:        history,
		validator:      newValidator(),
		maxRequestSize: maxRequestSize,
		logger:         logger.WithComponent("scans"),
	}
}

// ScanAccepted is returned when a scan was queued.
type ScanAccepted struct {
	ID        string             `json:"id"`
	State     services.ScanState `json:"state"`
	Target    string             `json:"target"`
	StatusURL string             `json:"status_url"`
}

// CreateScan handles POST /api/v1/scans.
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	var req services.ScanRequest
	if err := parseJSON(w, r, &req, h.maxRequestSize); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validateStruct(h.validator, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	req.Source = "api"

	id, err := h.scans.Start(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err, "start scan", h.logger)
		return
	}

	h.logger.Info("Scan accepted", "request_id", requestID, "scan_id", id, "target", req.Target)
	w.Header().Set("Location", "/api/v1/scans/"+id)
	writeJSON(w, r, http.StatusAccepted, ScanAccepted{
		ID:        id,
		State:     services.StateQueued,
		Target:    strings.TrimSpace(req.Target),
		StatusURL: "/api/v1/scans/" + id,
	})
}

// ListScans handles GET /api/v1/scans. It lists scans tracked in memory,
// optionally filtered by ?state= and ?target=.
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	state := services.ScanState(r.URL.Query().Get("state"))
	target := r.URL.Query().Get("target")

	jobs := h.scans.List()
	out := make([]services.ScanJob, 0, len(jobs))
	for _, job := range jobs {
		if state != "" && job.State != state {
			continue
		}
		if target != "" && job.Target != target {
			continue
		}
		// results are served by GetScan
		job.Result = nil
		out = append(out, job)
	}
	writeJSON(w, r, http.StatusOK, ListResponse{Data: out, Total: int64(len(out))})
}

// GetScan handles GET /api/v1/scans/{id}. Scans no longer tracked in
// memory are looked up in the history store when one is configured.
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	job, err := h.lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleServiceError(w, r, err, "get scan", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// CancelScan handles DELETE /api/v1/scans/{id}. Cancellation is
// cooperative: the scan finishes with state cancelled and a partial result.
func (h *ScanHandler) CancelScan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.scans.Cancel(id); err != nil {
		handleServiceError(w, r, err, "cancel scan", h.logger)
		return
	}
	h.logger.Info("Scan cancellation requested", "request_id", middleware.GetRequestID(r), "scan_id", id)
	writeJSON(w, r, http.StatusAccepted, map[string]string{"id": id, "state": "cancelling"})
}

// GetScanReport handles GET /api/v1/scans/{id}/report?format=json|html|xml.
func (h *ScanHandler) GetScanReport(w http.ResponseWriter, r *http.Request) {
	format := report.FormatJSON
	if raw := r.URL.Query().Get("format"); raw != "" {
		f, err := report.ParseFormat(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		format = f
	}

	job, err := h.lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleServiceError(w, r, err, "get scan report", h.logger)
		return
	}
	if job.Result == nil {
		writeError(w, r, http.StatusConflict,
			errors.NewScanError(errors.CodeConflict, "scan has no result yet: "+string(job.State)))
		return
	}

	var write func(io.Writer, *scanning.ScanResult) error
	switch format {
	case report.FormatHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		write = report.WriteHTML
	case report.FormatXML:
		w.Header().Set("Content-Type", "application/xml")
		write = report.WriteXML
	default:
		w.Header().Set("Content-Type", "application/json")
		write = report.WriteJSON
	}
	w.WriteHeader(http.StatusOK)
	if err := write(w, job.Result); err != nil {
		h.logger.Error("Failed to render report", "scan_id", job.ID, "format", format, "error", err)
	}
}

// ListHistory handles GET /api/v1/history with ?target, ?status, ?since
// (RFC 3339), ?limit and ?offset.
func (h *ScanHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, r, http.StatusServiceUnavailable,
			errors.NewScanError(errors.CodeServiceUnavailable, "scan history requires a database"))
		return
	}

	filters, err := historyFilters(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	records, total, err := h.history.List(r.Context(), filters)
	if err != nil {
		handleServiceError(w, r, err, "list scan history", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, ListResponse{Data: records, Total: total})
}

// DeleteHistory handles DELETE /api/v1/history/{id}.
func (h *ScanHandler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, r, http.StatusServiceUnavailable,
			errors.NewScanError(errors.CodeServiceUnavailable, "scan history requires a database"))
		return
	}

	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.NewValidationError("id", raw, "invalid scan id"))
		return
	}
	if err := h.history.Delete(r.Context(), id); err != nil {
		handleServiceError(w, r, err, "delete stored scan", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ScanHandler) lookup(ctx context.Context, id string) (services.ScanJob, error) {
	job, err := h.scans.Get(id)
	if err == nil || h.history == nil || !errors.IsCode(err, errors.CodeNotFound) {
		return job, err
	}

	parsed, perr := uuid.Parse(id)
	if perr != nil {
		return services.ScanJob{}, err
	}
	rec, herr := h.history.GetByID(ctx, parsed)
	if herr != nil {
		return services.ScanJob{}, herr
	}
	return jobFromRecord(rec), nil
}

func jobFromRecord(rec *db.ScanRecord) services.ScanJob {
	result := rec.ToResult()
	state := services.StateCompleted
	if rec.Cancelled {
		state = services.StateCancelled
	}
	started, finished := rec.StartTime, rec.EndTime
	return services.ScanJob{
		ID:         rec.ID.String(),
		Target:     rec.Host,
		Profile:    rec.Profile,
		Source:     "history",
		State:      state,
		Completed:  rec.ScannedPorts,
		Total:      rec.TotalPorts,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  &started,
		FinishedAt: &finished,
		Result:     result,
	}
}

func historyFilters(r *http.Request) (db.ScanFilters, error) {
	q := r.URL.Query()
	f := db.ScanFilters{
		Target: q.Get("target"),
		Status: q.Get("status"),
	}

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return db.ScanFilters{}, errors.NewValidationError("since", raw, "must be an RFC 3339 timestamp")
		}
		f.Since = since
	}

	var err error
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		return db.ScanFilters{}, err
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		return db.ScanFilters{}, err
	}
	return f, nil
}
