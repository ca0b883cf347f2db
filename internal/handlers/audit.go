package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gluk-w/claworc/termrt/internal/database"
)

// GetAuditEvents returns a page of the audit trail, newest first.
//
// Query parameters:
//
//	instance_id - filter by session ID
//	machine_id  - filter by machine ID
//	event_type  - filter by event type
//	since       - RFC3339 timestamp, only entries at or after this time
//	until       - RFC3339 timestamp, only entries at or before this time
//	limit       - max entries to return (default 50, max 1000)
//	offset      - pagination offset
func (h *Handler) GetAuditEvents(w http.ResponseWriter, r *http.Request) {
	q, msg := parseAuditQuery(r.URL.Query())
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	res, err := h.rt.AuditEvents(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit events")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseAuditQuery(v url.Values) (database.AuditQuery, string) {
	q := database.AuditQuery{
		InstanceID: v.Get("instance_id"),
		MachineID:  v.Get("machine_id"),
		EventType:  v.Get("event_type"),
	}
	if s := v.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, "Invalid since timestamp (use RFC3339)"
		}
		q.Since = &t
	}
	if s := v.Get("until"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, "Invalid until timestamp (use RFC3339)"
		}
		q.Until = &t
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return q, "Invalid limit"
		}
		q.Limit = n
	}
	if s := v.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, "Invalid offset"
		}
		q.Offset = n
	}
	return q, ""
}
