package httptransport

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"geofuse/internal/convergence"
	"geofuse/internal/fusion"
	"geofuse/internal/signal/models"
	"geofuse/pkg/platform/httputil"
	"geofuse/pkg/platform/sentinel"
)

// CycleSource is the read side of the orchestrator.
type CycleSource interface {
	Latest() (*fusion.CycleResult, bool)
}

// Handler serves the latest fused cycle as read-only JSON.
type Handler struct {
	cycles CycleSource
	logger *slog.Logger
}

func NewHandler(cycles CycleSource, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cycles: cycles, logger: logger}
}

// Register mounts the read endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", h.HandleSnapshot)
		r.Get("/status", h.HandleStatus)
		r.Get("/clusters", h.HandleClusters)
		r.Get("/countries/{iso2}", h.HandleCountry)
	})
}

type statusResponse struct {
	CycleID     uuid.UUID                             `json:"cycle_id"`
	CompletedAt time.Time                             `json:"completed_at"`
	Statuses    map[models.Domain]fusion.DomainStatus `json:"statuses"`
	Degraded    []models.Domain                       `json:"degraded"`
}

type clustersResponse struct {
	CycleID  uuid.UUID             `json:"cycle_id"`
	Clusters []convergence.Cluster `json:"clusters"`
}

// HandleHealth reports liveness. It does not depend on upstream sources.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if res, ok := h.cycles.Latest(); ok {
		resp["last_cycle"] = res.CompletedAt
		resp["degraded"] = len(res.Degraded)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	res, ok := h.latest(w)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	res, ok := h.latest(w)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse{
		CycleID:     res.ID,
		CompletedAt: res.CompletedAt,
		Statuses:    res.Statuses,
		Degraded:    res.Degraded,
	})
}

func (h *Handler) HandleClusters(w http.ResponseWriter, r *http.Request) {
	res, ok := h.latest(w)
	if !ok {
		return
	}
	clusters := res.Clusters
	if clusters == nil {
		clusters = []convergence.Cluster{}
	}
	httputil.WriteJSON(w, http.StatusOK, clustersResponse{CycleID: res.ID, Clusters: clusters})
}

// HandleCountry returns the latest record for one ISO-3166 alpha-2 code.
func (h *Handler) HandleCountry(w http.ResponseWriter, r *http.Request) {
	iso2 := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "iso2")))
	if !validISO2(iso2) {
		httputil.WriteError(w, fmt.Errorf("country code %q: %w", iso2, sentinel.ErrInvalidInput))
		return
	}
	res, ok := h.latest(w)
	if !ok {
		return
	}
	rec, found := res.Record(iso2)
	if !found {
		httputil.WriteError(w, fmt.Errorf("no record for %s: %w", iso2, sentinel.ErrNotFound))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) latest(w http.ResponseWriter) (*fusion.CycleResult, bool) {
	res, ok := h.cycles.Latest()
	if !ok {
		httputil.WriteError(w, fmt.Errorf("no fusion cycle has completed: %w", sentinel.ErrUnavailable))
		return nil, false
	}
	return res, true
}

func validISO2(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
