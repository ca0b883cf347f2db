package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/termrt/internal/portscan"
)

type forwardRequest struct {
	RemotePort int `json:"remotePort"`
}

func (h *Handler) ListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.TunnelStatuses())
}

func (h *Handler) GetTransitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.TunnelTransitions(chi.URLParam(r, "machineId")))
}

// ReconnectTunnel is the operator action that revives a failed tunnel.
func (h *Handler) ReconnectTunnel(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineId")
	if err := h.rt.ForceReconnect(machineID); err != nil {
		writeRuntimeError(w, err)
		return
	}
	h.log.Info().Str("machine", machineID).Msg("tunnel reconnect requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

func (h *Handler) ListForwards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.Forwards(r.URL.Query().Get("instanceId")))
}

func (h *Handler) ListSessionForwards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.Forwards(chi.URLParam(r, "id")))
}

// ListForwardRows returns persisted rows, which outlive sessions and
// restarts.
func (h *Handler) ListForwardRows(w http.ResponseWriter, r *http.Request) {
	rows, err := h.rt.ForwardRows(r.Context(), r.URL.Query().Get("instanceId"))
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) CreateForward(w http.ResponseWriter, r *http.Request) {
	var body forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	f, err := h.rt.StartForward(r.Context(), chi.URLParam(r, "id"), body.RemotePort)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (h *Handler) PurgeForwards(w http.ResponseWriter, r *http.Request) {
	n, err := h.rt.PurgeForwards(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *Handler) DeleteForward(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.StopForward(chi.URLParam(r, "fid")); err != nil {
		writeRuntimeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ReconnectForward(w http.ResponseWriter, r *http.Request) {
	f, err := h.rt.ReconnectForward(chi.URLParam(r, "fid"))
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, f)
}

func (h *Handler) ListPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := h.rt.DetectedPorts()
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	if ports == nil {
		ports = []portscan.DetectedPort{}
	}
	writeJSON(w, http.StatusOK, ports)
}
