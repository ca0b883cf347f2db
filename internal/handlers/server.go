// Package handlers exposes the runtime over HTTP: a WebSocket carrying the
// session protocol and REST endpoints for sessions, tunnels and forwards.
package handlers

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gluk-w/claworc/termrt/internal/logging"
	"github.com/gluk-w/claworc/termrt/internal/metrics"
	"github.com/gluk-w/claworc/termrt/internal/middleware"
	"github.com/gluk-w/claworc/termrt/internal/orchestrator"
	"github.com/gluk-w/claworc/termrt/internal/portfwd"
	"github.com/gluk-w/claworc/termrt/internal/revtunnel"
)

// Handler serves one Runtime.
type Handler struct {
	rt  *orchestrator.Runtime
	hub *hub
	log zerolog.Logger

	originPatterns []string
}

// New builds a Handler and subscribes it to tunnel and forward changes,
// which are broadcast to every WebSocket client. originPatterns lists the
// cross-origin hosts allowed to open the WebSocket.
func New(rt *orchestrator.Runtime, originPatterns []string) *Handler {
	h := &Handler{
		rt:             rt,
		hub:            newHub(),
		log:            logging.Component("http"),
		originPatterns: originPatterns,
	}
	rt.OnTunnelChange(func(c revtunnel.StateChange) {
		h.hub.broadcast(wsMessage{Type: msgTunnelState, Tunnel: &c})
	})
	rt.OnForwardChange(func(f portfwd.Forward) {
		h.hub.broadcast(wsMessage{Type: msgForwardChanged, InstanceID: f.InstanceID, Forward: &f})
	})
	return h
}

// Routes returns the router. Requests from outside allowed are rejected;
// a nil list allows everyone.
func (h *Handler) Routes(allowed []*net.IPNet) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(h.log))
	r.Use(chimw.Recoverer)
	r.Use(middleware.AllowSources(allowed))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws", h.ServeWS)

		r.Get("/machines", h.ListMachines)

		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{id}", h.GetSession)
		r.Delete("/sessions/{id}", h.DeleteSession)
		r.Get("/sessions/{id}/history", h.GetHistory)
		r.Get("/sessions/{id}/forwards", h.ListSessionForwards)
		r.Post("/sessions/{id}/forwards", h.CreateForward)
		r.Delete("/sessions/{id}/forwards", h.PurgeForwards)

		r.Get("/forwards", h.ListForwards)
		r.Get("/forwards/rows", h.ListForwardRows)
		r.Delete("/forwards/{fid}", h.DeleteForward)
		r.Post("/forwards/{fid}/reconnect", h.ReconnectForward)

		r.Get("/tunnels", h.ListTunnels)
		r.Get("/tunnels/{machineId}/transitions", h.GetTransitions)
		r.Post("/tunnels/{machineId}/reconnect", h.ReconnectTunnel)

		r.Get("/ports", h.ListPorts)
		r.Get("/audit", h.GetAuditEvents)

		r.Get("/logs", GetServerLogs)
		r.Delete("/logs", ClearServerLogs)
	})
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	unhealthy := 0
	tunnels := h.rt.TunnelStatuses()
	for _, t := range tunnels {
		if t.HealthState == revtunnel.StateFailed {
			unhealthy++
		}
	}
	status := "healthy"
	if unhealthy > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"sessions":       len(h.rt.Sessions()),
		"tunnels":        len(tunnels),
		"failed_tunnels": unhealthy,
	})
}
