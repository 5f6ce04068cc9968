package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/registry"
	"github.com/star/geoanchor/internal/transform"
)

type anchorHandlers struct {
	reg    *registry.Registry
	logger *slog.Logger
}

type geodeticBody struct {
	Longitude *float64 `json:"longitude"`
	Latitude  *float64 `json:"latitude"`
	Height    float64  `json:"height"`
}

func (b *geodeticBody) geodetic() (transform.Geodetic, error) {
	if b.Longitude == nil || b.Latitude == nil {
		return transform.Geodetic{}, errors.New("longitude and latitude are required")
	}
	return transform.Geodetic{Longitude: *b.Longitude, Latitude: *b.Latitude, Height: b.Height}, nil
}

type ecefBody struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

func (b *ecefBody) vec() (mgl64.Vec3, error) {
	if b.X == nil || b.Y == nil || b.Z == nil {
		return mgl64.Vec3{}, errors.New("x, y and z are required")
	}
	return mgl64.Vec3{*b.X, *b.Y, *b.Z}, nil
}

// localBody sets a local pose either by translation only or by a full
// column-major transform.
type localBody struct {
	Translation *[3]float64  `json:"translation"`
	Transform   *[16]float64 `json:"transform"`
	Teleport    *bool        `json:"teleport"`
}

func (b *localBody) matrix() (mgl64.Mat4, error) {
	switch {
	case b.Translation != nil && b.Transform != nil:
		return mgl64.Mat4{}, errors.New("set either translation or transform, not both")
	case b.Translation != nil:
		return mgl64.Translate3D(b.Translation[0], b.Translation[1], b.Translation[2]), nil
	case b.Transform != nil:
		m := transform.MatrixFromArray(*b.Transform)
		if m[3] != 0 || m[7] != 0 || m[11] != 0 || m[15] != 1 {
			return mgl64.Mat4{}, errors.New("transform must be affine (bottom row 0 0 0 1)")
		}
		return m, nil
	default:
		return mgl64.Mat4{}, errors.New("translation or transform is required")
	}
}

type spawnBody struct {
	ID       string        `json:"id"`
	Local    *localBody    `json:"local"`
	Geodetic *geodeticBody `json:"geodetic"`
	ECEF     *ecefBody     `json:"ecef"`

	Teleport          *bool `json:"teleport_when_updating_transform"`
	AdjustOrientation *bool `json:"adjust_orientation_for_globe_when_moving"`
}

func (b *spawnBody) spec() (registry.Spec, error) {
	spec := registry.Spec{
		ID:                b.ID,
		Teleport:          b.Teleport,
		AdjustOrientation: b.AdjustOrientation,
	}
	if b.Local != nil {
		m, err := b.Local.matrix()
		if err != nil {
			return spec, err
		}
		spec.Local = &m
	}
	if b.Geodetic != nil {
		g, err := b.Geodetic.geodetic()
		if err != nil {
			return spec, err
		}
		spec.Geodetic = &g
	}
	if b.ECEF != nil {
		v, err := b.ECEF.vec()
		if err != nil {
			return spec, err
		}
		spec.ECEF = &v
	}
	return spec, nil
}

// list handles GET /api/v1/anchors.
func (h *anchorHandlers) list(w http.ResponseWriter, r *http.Request) {
	views := h.reg.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"anchors": views,
		"count":   len(views),
	})
}

// spawn handles POST /api/v1/anchors.
func (h *anchorHandlers) spawn(w http.ResponseWriter, r *http.Request) {
	var body spawnBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec, err := body.spec()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.reg.Spawn(spec)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/anchors/"+v.ID)
	writeJSON(w, http.StatusCreated, v)
}

// get handles GET /api/v1/anchors/{id}.
func (h *anchorHandlers) get(w http.ResponseWriter, r *http.Request) {
	v, err := h.reg.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// remove handles DELETE /api/v1/anchors/{id}.
func (h *anchorHandlers) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Remove(r.PathValue("id")); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respond writes the view produced by a mutation.
func (h *anchorHandlers) respond(w http.ResponseWriter, r *http.Request, v registry.View, err error) {
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// moveGeodetic handles POST /api/v1/anchors/{id}/geodetic.
func (h *anchorHandlers) moveGeodetic(w http.ResponseWriter, r *http.Request) {
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
	v, err := h.reg.MoveToGeodetic(r.PathValue("id"), g)
	h.respond(w, r, v, err)
}

// moveECEF handles POST /api/v1/anchors/{id}/ecef.
func (h *anchorHandlers) moveECEF(w http.ResponseWriter, r *http.Request) {
	var body ecefBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := body.vec()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.reg.MoveToECEF(r.PathValue("id"), p)
	h.respond(w, r, v, err)
}

// moveLocal handles POST /api/v1/anchors/{id}/local.
func (h *anchorHandlers) moveLocal(w http.ResponseWriter, r *http.Request) {
	var body localBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := body.matrix()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	teleport := true
	if body.Teleport != nil {
		teleport = *body.Teleport
	}
	v, err := h.reg.MoveLocal(r.PathValue("id"), m, teleport)
	h.respond(w, r, v, err)
}

// snap handles POST /api/v1/anchors/{id}/snap.
func (h *anchorHandlers) snap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.reg.Snap(r.PathValue("id"), body.Mode)
	h.respond(w, r, v, err)
}

// setFlags handles PATCH /api/v1/anchors/{id}/flags.
func (h *anchorHandlers) setFlags(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Teleport          *bool `json:"teleport_when_updating_transform"`
		AdjustOrientation *bool `json:"adjust_orientation_for_globe_when_moving"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.reg.SetFlags(r.PathValue("id"), body.Teleport, body.AdjustOrientation)
	h.respond(w, r, v, err)
}
