package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "termrt.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMachineUpsertAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetMachine(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMachine(missing) error = %v, want ErrNotFound", err)
	}

	m := Machine{ID: "m1", Name: "Build", Host: "10.0.0.5", Username: "dev"}
	if err := s.UpsertMachine(ctx, m); err != nil {
		t.Fatalf("UpsertMachine() error: %v", err)
	}
	got, err := s.GetMachine(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMachine() error: %v", err)
	}
	if got.Host != "10.0.0.5" || got.Port != 22 || got.Name != "Build" {
		t.Fatalf("machine = %+v", got)
	}

	m.Host = "10.0.0.6"
	m.Port = 2222
	m.PrivateKeyPath = "/keys/build"
	if err := s.UpsertMachine(ctx, m); err != nil {
		t.Fatalf("second UpsertMachine() error: %v", err)
	}
	got, _ = s.GetMachine(ctx, "m1")
	p := got.Params()
	if p.Host != "10.0.0.6" || p.Port != 2222 || p.PrivateKeyPath != "/keys/build" || p.Username != "dev" {
		t.Fatalf("params after update = %+v", p)
	}

	all, err := s.ListMachines(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListMachines() = %d, %v; want 1 row", len(all), err)
	}

	if err := s.UpsertMachine(ctx, Machine{Host: "x"}); err == nil {
		t.Fatal("UpsertMachine() without id succeeded")
	}
	if err := s.DeleteMachine(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMachine() error: %v", err)
	}
	if _, err := s.GetMachine(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMachine() after delete error = %v", err)
	}
}

func TestForwardRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []PortForward{
		{ID: "f1", InstanceID: "i1", RemotePort: 5173, LocalPort: 5173, Status: "active", CreatedAt: now},
		{ID: "f2", InstanceID: "i1", RemotePort: 3000, LocalPort: 3001, Status: "reconnecting", ReconnectAttempts: 2, CreatedAt: now},
		{ID: "f3", InstanceID: "i2", RemotePort: 8080, LocalPort: 8080, Status: "failed", CreatedAt: now},
	}
	for _, r := range rows {
		if err := s.SaveForward(ctx, r); err != nil {
			t.Fatalf("SaveForward(%s) error: %v", r.ID, err)
		}
	}

	got, err := s.ListForwards(ctx, "i1")
	if err != nil {
		t.Fatalf("ListForwards() error: %v", err)
	}
	if len(got) != 2 || got[0].RemotePort != 3000 || got[1].RemotePort != 5173 {
		t.Fatalf("ListForwards(i1) = %+v", got)
	}

	// Zero values must be written, not skipped.
	if err := s.UpdateForward(ctx, PortForward{ID: "f2", LocalPort: 3001, Status: "active"}); err != nil {
		t.Fatalf("UpdateForward() error: %v", err)
	}
	got, _ = s.ListForwards(ctx, "i1")
	if got[0].Status != "active" || got[0].ReconnectAttempts != 0 {
		t.Fatalf("after update = %+v", got[0])
	}
	if err := s.UpdateForward(ctx, PortForward{ID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateForward(missing) error = %v", err)
	}

	n, err := s.MarkStaleForwards(ctx, "runtime restarted")
	if err != nil || n != 2 {
		t.Fatalf("MarkStaleForwards() = %d, %v; want 2", n, err)
	}
	all, _ := s.ListForwards(ctx, "")
	for _, r := range all {
		switch r.ID {
		case "f3":
			if r.Status != "failed" {
				t.Errorf("failed row touched: %+v", r)
			}
		default:
			if r.Status != "closed" || r.LastError != "runtime restarted" {
				t.Errorf("row %s = %+v, want closed", r.ID, r)
			}
		}
	}

	n, err = s.DeleteForwards(ctx, "i1")
	if err != nil || n != 2 {
		t.Fatalf("DeleteForwards() = %d, %v; want 2", n, err)
	}
	if all, _ := s.ListForwards(ctx, ""); len(all) != 1 {
		t.Fatalf("rows left = %d, want 1", len(all))
	}
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSetting(missing) error = %v", err)
	}
	if err := s.SetSetting(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSetting(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, err := s.GetSetting(ctx, "k"); err != nil || v != "v2" {
		t.Fatalf("GetSetting() = %q, %v; want v2", v, err)
	}
	if err := s.DeleteSetting(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSetting(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSetting() after delete error = %v", err)
	}
}

func TestImportInventory(t *testing.T) {
	s := openTestStore(t)
	path := filepath.Join(t.TempDir(), "machines.yaml")
	os.WriteFile(path, []byte(`machines:
  - id: build-1
    name: Build box
    host: 10.0.0.12
    username: dev
  - id: gpu
    host: gpu.internal
    port: 2200
    username: ml
    private_key_path: /keys/gpu
`), 0644)

	n, err := s.ImportInventory(context.Background(), path)
	if err != nil || n != 2 {
		t.Fatalf("ImportInventory() = %d, %v; want 2", n, err)
	}
	gpu, err := s.GetMachine(context.Background(), "gpu")
	if err != nil {
		t.Fatal(err)
	}
	if gpu.Port != 2200 || gpu.PrivateKeyPath != "/keys/gpu" {
		t.Fatalf("gpu = %+v", gpu)
	}
	build, _ := s.GetMachine(context.Background(), "build-1")
	if build.Port != 22 || build.Name != "Build box" {
		t.Fatalf("build-1 = %+v", build)
	}
}

func TestLoadInventory_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing id", "machines:\n  - host: a\n    username: u\n"},
		{"missing host", "machines:\n  - id: a\n    username: u\n"},
		{"duplicate", "machines:\n  - id: a\n    host: h\n    username: u\n  - id: a\n    host: h\n    username: u\n"},
		{"bad yaml", "machines: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "m.yaml")
			os.WriteFile(path, []byte(tt.body), 0644)
			if _, err := LoadInventory(path); err == nil {
				t.Fatal("LoadInventory() succeeded")
			}
		})
	}
	if _, err := LoadInventory(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadInventory(absent) succeeded")
	}
}
