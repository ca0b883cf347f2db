package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/termrt/internal/terminal"
)

func (h *Handler) ListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := h.rt.Machines(r.Context())
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.Sessions())
}

// CreateSession spawns a session. A body naming machineId runs it over SSH
// on that machine; otherwise it is local.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var cfg terminal.SpawnConfig
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	// Connection details come from the inventory only.
	cfg.SSH = nil

	info, err := h.rt.SpawnInstance(r.Context(), cfg)
	if err != nil {
		h.log.Warn().Err(err).Str("machine", cfg.MachineID).Msg("spawn session")
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := h.rt.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.rt.CloseInstance(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetHistory returns the raw output history for replay into a terminal
// emulator.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	data, err := h.rt.History(chi.URLParam(r, "id"))
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
