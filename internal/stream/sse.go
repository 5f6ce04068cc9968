// Package stream implements Server-Sent Events (SSE) streaming of settled
// anchor poses. Clients connect via GET /api/v1/stream/anchors and receive an
// event every time an anchor finishes a settle pass.
//
// SSE message format:
//
//	data: {"type":"anchor","id":"crane","trigger":"geodetic","longitude":...,"ecef":[...],...}\n\n
//
// The first message is always metadata, followed by one "anchor" message per
// currently known anchor:
//
//	data: {"type":"metadata","georeference":"default","anchors":3,"t":"..."}\n\n
//
// Keep-alive comments (:\n\n) are sent every KeepaliveInterval while idle.
// Reconnecting clients receive a fresh metadata message and snapshot.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/star/geoanchor/internal/httputil"
	"github.com/star/geoanchor/internal/metrics"
)

const maxFilterIDs = 100

var validID = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Config holds streaming configuration loaded from environment variables.
type Config struct {
	MaxConcurrentPerIP int                 // Max concurrent streams per IP (default: 10).
	MaxTotal           int                 // Max concurrent streams overall (default: 1000).
	KeepaliveInterval  time.Duration       // Keep-alive ping interval (default: 30s).
	ClientIP           httputil.IPResolver // Identifies clients for the per-IP limit.
}

// Source provides the current state sent when a stream opens.
type Source interface {
	GeoreferenceName() string
	Updates(ids []string) []Update
}

// Handler manages SSE streaming connections.
type Handler struct {
	hub     *Hub
	source  Source
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler.
func NewHandler(hub *Hub, source Source, config Config, logger *slog.Logger) *Handler {
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 30 * time.Second
	}
	return &Handler{
		hub:     hub,
		source:  source,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP, config.MaxTotal),
		logger:  logger.With("component", "stream"),
	}
}

// Active returns the number of open streams.
func (h *Handler) Active() int {
	return h.limiter.active()
}

// parseIDs validates the optional ids filter ("a,b,c").
func parseIDs(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) > maxFilterIDs {
		return nil, fmt.Errorf("at most %d ids", maxFilterIDs)
	}
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if !validID.MatchString(p) {
			return nil, fmt.Errorf("invalid id %q", p)
		}
		ids = append(ids, p)
	}
	return ids, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HandleAnchors serves the SSE anchor stream.
// GET /api/v1/stream/anchors?ids=a,b
func (h *Handler) HandleAnchors(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ids parameter: "+err.Error())
		return
	}

	ip := h.config.ClientIP.ClientIP(r)
	if !h.limiter.acquire(ip) {
		metrics.IncStreamErrors("rate_limit")
		h.logger.Warn("stream rate limit exceeded",
			"remote_ip", ip,
			"current_count", h.limiter.count(ip),
		)
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}

	metrics.IncStreamConnections("connect")
	metrics.IncStreamsActive()

	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
		"filter_ids", len(ids),
	)

	defer func() {
		h.limiter.release(ip)
		metrics.IncStreamConnections("disconnect")
		metrics.DecStreamsActive()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the snapshot so no settle pass falls between the two.
	updates, cancel := h.hub.Subscribe(ids)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Clear the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c := &client{
		w:       w,
		flusher: flusher,
		rc:      rc,
		ip:      ip,
		logger:  h.logger,
	}

	// Jittered retry interval (3-7s) spreads reconnects after a restart.
	retryMs := 3000 + rand.Intn(4000)
	fmt.Fprintf(w, "retry: %d\n\n", retryMs)
	flusher.Flush()

	snapshot := h.source.Updates(ids)
	meta := metadataMessage{
		Type:         "metadata",
		Georeference: h.source.GeoreferenceName(),
		Anchors:      len(snapshot),
		T:            time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.sendJSON(meta); err != nil {
		metrics.IncStreamErrors("send_error")
		h.logger.Warn("stream send error (metadata)", "remote_ip", ip, "error", err)
		return
	}
	for _, u := range snapshot {
		if err := c.sendJSON(u); err != nil {
			metrics.IncStreamErrors("send_error")
			h.logger.Warn("stream send error (snapshot)", "remote_ip", ip, "error", err)
			return
		}
	}

	keepalive := time.NewTicker(h.config.KeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case data := <-updates:
			if err := c.sendRaw(data); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
				return
			}
			keepalive.Reset(h.config.KeepaliveInterval)

		case <-keepalive.C:
			if err := c.sendKeepalive(); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

type metadataMessage struct {
	Type         string `json:"type"`
	Georeference string `json:"georeference"`
	Anchors      int    `json:"anchors"`
	T            string `json:"t"`
}
