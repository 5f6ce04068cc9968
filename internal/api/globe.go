package api

import (
	"log/slog"
	"net/http"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/convert"
	"github.com/star/geoanchor/internal/registry"
)

type globeHandlers struct {
	reg    *registry.Registry
	conv   *convert.WorkerPool
	logger *slog.Logger
}

// georeference handles GET /api/v1/georeference.
func (h *globeHandlers) georeference(w http.ResponseWriter, r *http.Request) {
	v, err := h.reg.Georeference()
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// setOrigin handles PUT /api/v1/georeference/origin.
func (h *globeHandlers) setOrigin(w http.ResponseWriter, r *http.Request) {
	var body geodeticBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := body.geodetic()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.reg.SetGeoreferenceOrigin(g)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type originBody struct {
	Origin *[3]float64 `json:"origin"`
}

// worldOrigin handles GET /api/v1/world/origin.
func (h *globeHandlers) worldOrigin(w http.ResponseWriter, r *http.Request) {
	o := [3]float64(h.reg.WorldOrigin())
	writeJSON(w, http.StatusOK, originBody{Origin: &o})
}

// rebase handles POST /api/v1/world/origin.
func (h *globeHandlers) rebase(w http.ResponseWriter, r *http.Request) {
	var body originBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Origin == nil {
		writeError(w, http.StatusBadRequest, "origin is required")
		return
	}
	if err := h.reg.Rebase(mgl64.Vec3(*body.Origin)); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type convertBody struct {
	Direction string       `json:"direction"`
	Points    [][3]float64 `json:"points"`
}

// convert handles POST /api/v1/convert.
func (h *globeHandlers) convert(w http.ResponseWriter, r *http.Request) {
	var body convertBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !convert.ValidDirection(body.Direction) {
		writeError(w, http.StatusBadRequest, "unknown direction "+body.Direction)
		return
	}
	if limit := h.conv.MaxPoints(); limit > 0 && len(body.Points) > limit {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "too many points",
			"max_points": limit,
		})
		return
	}

	frame, origin, err := h.reg.Frame()
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	res, err := h.conv.Convert(r.Context(), convert.Mapping{Frame: frame, Origin: origin}, body.Direction, body.Points)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away.
			return
		}
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"direction": body.Direction,
		"count":     len(res.Points),
		"points":    res.Points,
		"invalid":   res.Invalid,
	})
}
