package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gluk-w/claworc/termrt/internal/orchestrator"
	"github.com/gluk-w/claworc/termrt/internal/portfwd"
	"github.com/gluk-w/claworc/termrt/internal/revtunnel"
	"github.com/gluk-w/claworc/termrt/internal/sshconn"
	"github.com/gluk-w/claworc/termrt/internal/terminal"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// statusFor maps runtime errors onto HTTP status codes.
func statusFor(err error) int {
	var connErr *sshconn.ConnectionError
	switch {
	case errors.Is(err, terminal.ErrNotFound),
		errors.Is(err, orchestrator.ErrUnknownMachine),
		errors.Is(err, revtunnel.ErrNotFound),
		errors.Is(err, portfwd.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, terminal.ErrDuplicate), errors.Is(err, terminal.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, terminal.ErrInvalidSize),
		errors.Is(err, terminal.ErrInputTooLarge),
		errors.Is(err, portfwd.ErrNotCandidate):
		return http.StatusBadRequest
	case errors.Is(err, sshconn.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeRuntimeError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
