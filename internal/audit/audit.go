// Package audit records session, tunnel and forward lifecycle events to the
// database and prunes them after a retention period.
package audit

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/gluk-w/claworc/termrt/internal/database"
	"github.com/gluk-w/claworc/termrt/internal/logging"
	"github.com/gluk-w/claworc/termrt/internal/logutil"
)

// Event types.
const (
	EventSessionStart     = "session_start"
	EventSessionExit      = "session_exit"
	EventSessionClosed    = "session_closed"
	EventTunnelState      = "tunnel_state"
	EventTunnelReconnect  = "tunnel_reconnect_requested"
	EventForwardState     = "forward_state"
	EventForwardReconnect = "forward_reconnect_requested"
)

// DefaultRetentionDays is used when no retention period is configured.
const DefaultRetentionDays = 90

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
	retentionSchedule = "@daily"
)

// Entry is one event to record.
type Entry struct {
	EventType  string
	InstanceID string
	MachineID  string
	Details    string
}

// QueryResult is one page of audit events.
type QueryResult struct {
	Entries []database.AuditEvent `json:"entries"`
	Total   int64                 `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// Auditor writes audit events. A nil *Auditor discards everything, so
// callers need not check whether auditing is enabled.
type Auditor struct {
	store         *database.Store
	retentionDays int
	nowFn         func() time.Time
	log           zerolog.Logger
}

// New returns an Auditor writing to store. retentionDays <= 0 selects
// DefaultRetentionDays.
func New(store *database.Store, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		store:         store,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		log:           logging.Component("audit"),
	}
}

// Record stores e. Failures are logged, not returned: losing an audit row
// never fails the operation being audited.
func (a *Auditor) Record(e Entry) {
	if a == nil {
		return
	}
	row := &database.AuditEvent{
		EventType:  e.EventType,
		InstanceID: e.InstanceID,
		MachineID:  e.MachineID,
		Details:    e.Details,
		CreatedAt:  a.nowFn(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.AddAuditEvent(ctx, row); err != nil {
		a.log.Error().Err(err).Str("event", e.EventType).Msg("write audit event")
		return
	}
	a.log.Debug().Str("event", e.EventType).Str("instance", e.InstanceID).
		Str("machine", e.MachineID).Str("details", logutil.Snippet(e.Details, 256)).Msg("audit")
}

// Query returns a page of events, newest first. Limit defaults to 50 and is
// capped at 1000.
func (a *Auditor) Query(ctx context.Context, q database.AuditQuery) (*QueryResult, error) {
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}
	q.Limit = min(q.Limit, maxQueryLimit)
	if q.Offset < 0 {
		q.Offset = 0
	}
	entries, total, err := a.store.QueryAuditEvents(ctx, q)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []database.AuditEvent{}
	}
	return &QueryResult{Entries: entries, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// Purge deletes events older than days, or the retention period when days
// is not positive.
func (a *Auditor) Purge(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	n, err := a.store.PurgeAuditEvents(ctx, a.nowFn().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.log.Info().Int64("count", n).Int("days", days).Msg("purged audit events")
	}
	return n, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// StartRetention purges once and then daily until ctx is cancelled.
func (a *Auditor) StartRetention(ctx context.Context) error {
	c := cron.New()
	job := func() {
		if _, err := a.Purge(ctx, 0); err != nil {
			a.log.Error().Err(err).Msg("purge audit events")
		}
	}
	if _, err := c.AddFunc(retentionSchedule, job); err != nil {
		return err
	}
	job()
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}
