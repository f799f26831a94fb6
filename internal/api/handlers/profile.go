package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/ports"
	"github.com/anstrom/portsweep/internal/profiles"
)

// ProfileHandler serves the scan profile catalog.
type ProfileHandler struct {
	profiles *profiles.Manager
	logger   *logging.Logger
}

// NewProfileHandler creates a new profile handler.
func NewProfileHandler(manager *profiles.Manager, logger *logging.Logger) *ProfileHandler {
	return &ProfileHandler{
		profiles: manager,
		logger:   logger.WithComponent("profiles"),
	}
}

// ProfileResponse is the API view of a profile.
type ProfileResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Ports       string `json:"ports"`
	PortCount   int    `json:"port_count"`
	Concurrency int    `json:"concurrency"`
	TimeoutMS   int64  `json:"timeout_ms"`
	BuiltIn     bool   `json:"built_in"`
}

// ListProfiles handles GET /api/v1/profiles.
func (h *ProfileHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	list := h.profiles.List()
	out := make([]ProfileResponse, 0, len(list))
	for _, p := range list {
		out = append(out, h.toResponse(p))
	}
	writeJSON(w, r, http.StatusOK, ListResponse{Data: out, Total: int64(len(out))})
}

// GetProfile handles GET /api/v1/profiles/{name}.
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.Get(mux.Vars(r)["name"])
	if err != nil {
		// unknown profiles are a lookup miss here, not a bad request
		writeError(w, r, http.StatusNotFound, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.toResponse(p))
}

func (h *ProfileHandler) toResponse(p profiles.Profile) ProfileResponse {
	resp := ProfileResponse{
		Name:        p.Name,
		Description: p.Description,
		Ports:       p.Ports,
		Concurrency: p.Concurrency,
		TimeoutMS:   p.Timeout.Milliseconds(),
		BuiltIn:     p.BuiltIn,
	}
	if list, err := ports.Expand(p.Ports); err == nil {
		resp.PortCount = len(list)
	} else {
		h.logger.Warn("Profile has an invalid port list", "profile", p.Name, "error", err)
	}
	return resp
}
