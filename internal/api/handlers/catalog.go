package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/ports"
	"github.com/anstrom/portsweep/internal/scanning"
)

const resolveTimeout = 5 * time.Second

// CatalogHandler serves port lookups and target validation.
type CatalogHandler struct {
	resolver       scanning.TargetResolver
	validator      *validator.Validate
	maxRequestSize int64
	logger         *logging.Logger
}

// NewCatalogHandler creates a new catalog handler.
func NewCatalogHandler(resolver scanning.TargetResolver, maxRequestSize int64, logger *logging.Logger) *CatalogHandler {
	return &CatalogHandler{
		resolver:       resolver,
		validator:      newValidator(),
		maxRequestSize: maxRequestSize,
		logger:         logger.WithComponent("catalog"),
	}
}

// ListPorts handles GET /api/v1/ports and returns the common port catalog.
func (h *CatalogHandler) ListPorts(w http.ResponseWriter, r *http.Request) {
	common := ports.CommonPorts()
	out := make([]ports.Info, 0, len(common))
	for _, p := range common {
		out = append(out, ports.PortInfo(p))
	}
	writeJSON(w, r, http.StatusOK, ListResponse{Data: out, Total: int64(len(out))})
}

// GetPort handles GET /api/v1/ports/{port}.
func (h *CatalogHandler) GetPort(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["port"]
	port, err := strconv.Atoi(raw)
	if err != nil || port < ports.MinPort || port > ports.MaxPort {
		writeError(w, r, http.StatusBadRequest,
			errors.NewValidationError("port", raw, "port must be an integer between 1 and 65535"))
		return
	}
	writeJSON(w, r, http.StatusOK, ports.PortInfo(port))
}

// TargetValidationRequest asks whether a target and port list are scannable.
type TargetValidationRequest struct {
	Target string `json:"target" validate:"required,max=253"`
	Ports  string `json:"ports,omitempty" validate:"max=4096"`
}

// TargetValidationResponse reports the outcome of a validation request.
type TargetValidationResponse struct {
	Target    string `json:"target"`
	Valid     bool   `json:"valid"`
	Address   string `json:"address,omitempty"`
	PortCount int    `json:"port_count,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ValidateTarget handles POST /api/v1/targets/validate. Malformed requests
// get 400; a target that does not resolve is reported with valid=false.
func (h *CatalogHandler) ValidateTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetValidationRequest
	if err := parseJSON(w, r, &req, h.maxRequestSize); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validateStruct(h.validator, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp := TargetValidationResponse{Target: strings.TrimSpace(req.Target)}
	if req.Ports != "" {
		list, err := ports.Expand(req.Ports)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		resp.PortCount = len(list)
	}

	ctx, cancel := context.WithTimeout(r.Context(), resolveTimeout)
	defer cancel()

	addr, err := h.resolver.ResolveTarget(ctx, resp.Target)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Valid = true
		resp.Address = addr
	}
	writeJSON(w, r, http.StatusOK, resp)
}
