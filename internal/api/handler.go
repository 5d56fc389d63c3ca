package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"display-resolver/internal/attribution"
	"display-resolver/internal/resolver"
)

// Resolver is what the rendering layer talks to.
type Resolver interface {
	View() resolver.View
	Generation() uint64
	OnAttribution(d attribution.Data)
	ReportNavigation(rawURL string)
}

type DisplayHandler struct {
	Res Resolver
}

func NewDisplayHandler(res Resolver) *DisplayHandler {
	return &DisplayHandler{Res: res}
}

type attributionRequest struct {
	DeviceID string         `json:"device_id"`
	Data     map[string]any `json:"data"`
}

type navigationRequest struct {
	URL string `json:"url"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Display returns the current mode. While loading the client keeps its
// splash screen up and polls again.
func (h *DisplayHandler) Display(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Display-Generation", strconv.FormatUint(h.Res.Generation(), 10))
	writeJSON(w, http.StatusOK, h.Res.View())
}

func (h *DisplayHandler) Attribution(w http.ResponseWriter, r *http.Request) {
	var req attributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	d := attribution.Data{
		DeviceID:   strings.TrimSpace(req.DeviceID),
		Attributes: attribution.Normalize(req.Data),
	}
	log.Info().Str("device_id", d.DeviceID).Int("attributes", len(d.Attributes)).Msg("attribution data received")
	h.Res.OnAttribution(d)
	w.WriteHeader(http.StatusAccepted)
}

func (h *DisplayHandler) Navigation(w http.ResponseWriter, r *http.Request) {
	var req navigationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	h.Res.ReportNavigation(req.URL)
	w.WriteHeader(http.StatusAccepted)
}
