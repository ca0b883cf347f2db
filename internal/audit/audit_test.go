package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gluk-w/claworc/termrt/internal/database"
)

func newAuditor(t *testing.T) (*Auditor, *database.Store) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, 0), db
}

func TestRecordAndQuery(t *testing.T) {
	a, _ := newAuditor(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	a.nowFn = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	a.Record(Entry{EventType: EventSessionStart, InstanceID: "s1", MachineID: "m1"})
	a.Record(Entry{EventType: EventTunnelState, MachineID: "m1", Details: "healthy"})
	a.Record(Entry{EventType: EventSessionExit, InstanceID: "s1", MachineID: "m1", Details: "code=0"})

	res, err := a.Query(ctx, database.AuditQuery{})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if res.Total != 3 || len(res.Entries) != 3 || res.Limit != defaultQueryLimit {
		t.Fatalf("Query() = total %d, %d entries, limit %d", res.Total, len(res.Entries), res.Limit)
	}
	if res.Entries[0].EventType != EventSessionExit {
		t.Fatalf("newest entry = %q, want %q", res.Entries[0].EventType, EventSessionExit)
	}

	res, err = a.Query(ctx, database.AuditQuery{InstanceID: "s1", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 || len(res.Entries) != 1 {
		t.Fatalf("filtered Query() = total %d, %d entries", res.Total, len(res.Entries))
	}

	since := base.Add(2 * time.Minute)
	res, _ = a.Query(ctx, database.AuditQuery{Since: &since})
	if res.Total != 2 {
		t.Fatalf("Query(since) total = %d, want 2", res.Total)
	}

	res, _ = a.Query(ctx, database.AuditQuery{Limit: 5000})
	if res.Limit != maxQueryLimit {
		t.Fatalf("limit = %d, want %d", res.Limit, maxQueryLimit)
	}

	res, _ = a.Query(ctx, database.AuditQuery{EventType: "nothing"})
	if res.Entries == nil || len(res.Entries) != 0 {
		t.Fatalf("empty Query() entries = %#v", res.Entries)
	}
}

func TestPurge(t *testing.T) {
	a, _ := newAuditor(t)
	ctx := context.Background()

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	a.nowFn = func() time.Time { return now.AddDate(0, 0, -100) }
	a.Record(Entry{EventType: EventSessionStart, InstanceID: "old"})
	a.nowFn = func() time.Time { return now.AddDate(0, 0, -10) }
	a.Record(Entry{EventType: EventSessionStart, InstanceID: "recent"})
	a.nowFn = func() time.Time { return now }

	n, err := a.Purge(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("Purge(0) = %d, %v; want 1", n, err)
	}
	n, err = a.Purge(ctx, 5)
	if err != nil || n != 1 {
		t.Fatalf("Purge(5) = %d, %v; want 1", n, err)
	}
	res, _ := a.Query(ctx, database.AuditQuery{})
	if res.Total != 0 {
		t.Fatalf("total after purge = %d", res.Total)
	}
}

func TestStartRetentionPurgesImmediately(t *testing.T) {
	a, _ := newAuditor(t)
	a.nowFn = func() time.Time { return time.Now().AddDate(0, 0, -200) }
	a.Record(Entry{EventType: EventForwardState, InstanceID: "s1"})
	a.nowFn = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.StartRetention(ctx); err != nil {
		t.Fatalf("StartRetention() error: %v", err)
	}
	res, _ := a.Query(context.Background(), database.AuditQuery{})
	if res.Total != 0 {
		t.Fatalf("total = %d, want 0", res.Total)
	}
}

func TestNilAuditorDiscards(t *testing.T) {
	var a *Auditor
	a.Record(Entry{EventType: EventSessionStart})
}

func TestDefaults(t *testing.T) {
	if got := New(nil, 0).RetentionDays(); got != DefaultRetentionDays {
		t.Fatalf("RetentionDays() = %d", got)
	}
	if got := New(nil, 7).RetentionDays(); got != 7 {
		t.Fatalf("RetentionDays() = %d", got)
	}
}
