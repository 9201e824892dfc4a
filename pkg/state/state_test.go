package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/convoyctl/convoy/pkg/config"
)

func TestStore_LoadMissingReturnsEmptyState(t *testing.T) {
	store := NewStore(t.TempDir())

	st, err := store.Load("demo")
	if err != nil {
		t.Fatalf("expected empty state, got: %v", err)
	}
	if st.Project != "demo" {
		t.Errorf("expected project name carried into fresh state, got %q", st.Project)
	}
	if len(st.Servers) != 0 || len(st.Services) != 0 || len(st.ScriptRuns) != 0 {
		t.Errorf("fresh state must be empty: %+v", st)
	}
}

func TestStore_SaveThenLoadRoundTrips(t *testing.T) {
	store := NewStore(t.TempDir())

	st, _ := store.Load("demo")
	st.Servers["web"] = ServerState{Provider: "hetzner", ID: "42", PublicIP: "203.0.113.7", Health: HealthHealthy}
	st.Services["api"] = ServiceState{Image: "nginx:1.27", Replicas: 1, Containers: []string{"demo-api"}}
	st.ScriptRuns[ScriptRunKey("bootstrap", "web")] = ScriptRunState{LastHash: "abc", LastRunUnix: 100}

	if err := store.Save(st); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if st.UpdatedAtUnix == 0 {
		t.Error("save must refresh the update timestamp")
	}

	loaded, err := store.Load("demo")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.Servers["web"].PublicIP != "203.0.113.7" {
		t.Errorf("server state lost on round trip: %+v", loaded.Servers["web"])
	}
	if loaded.Services["api"].Image != "nginx:1.27" {
		t.Errorf("service state lost on round trip: %+v", loaded.Services["api"])
	}
	if loaded.ScriptRuns["bootstrap@web"].LastHash != "abc" {
		t.Errorf("script run state lost on round trip: %+v", loaded.ScriptRuns)
	}
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	st, _ := store.Load("demo")
	if err := store.Save(st); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "demo.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only demo.json, got %v", names)
	}
}

func TestStore_LoadRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	if err := os.WriteFile(filepath.Join(dir, "demo.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to seed corrupt file: %v", err)
	}
	if _, err := store.Load("demo"); err == nil {
		t.Fatal("expected parse error for corrupt state file")
	}
}

func TestStore_SanitizesProjectFileName(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	st, _ := store.Load("my app/prod")
	if err := store.Save(st); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "my-app-prod.json")); err != nil {
		t.Errorf("expected sanitized state file name: %v", err)
	}
}

func TestClassifyHealth(t *testing.T) {
	cases := []struct {
		status string
		want   HealthState
	}{
		{"running", HealthHealthy},
		{"Up 3 hours", HealthHealthy},
		{"started", HealthHealthy},
		{"restarting", HealthDegraded},
		{"creating", HealthDegraded},
		{"initializing", HealthDegraded},
		{"exited (1)", HealthUnhealthy},
		{"off", HealthUnhealthy},
		{"", HealthUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyHealth(tc.status); got != tc.want {
			t.Errorf("ClassifyHealth(%q) = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestDetectDrift_SetDifferences(t *testing.T) {
	cfg := &config.Config{
		Project: config.Project{Name: "demo"},
		Services: map[string]config.Service{
			"s1": {Image: "a:1"},
			"s2": {Image: "b:1"},
		},
	}
	st := &LocalState{
		Project: "demo",
		Services: map[string]ServiceState{
			"s2": {Image: "b:1"},
			"s3": {Image: "c:1"},
		},
		Servers: map[string]ServerState{},
	}

	report := st.DetectDrift(cfg)
	if !reflect.DeepEqual(report.MissingServicesInCache, []string{"s1"}) {
		t.Errorf("expected missing [s1], got %v", report.MissingServicesInCache)
	}
	if !reflect.DeepEqual(report.ExtraServicesInCache, []string{"s3"}) {
		t.Errorf("expected extra [s3], got %v", report.ExtraServicesInCache)
	}
	if report.Empty() {
		t.Error("drift report with differences must not be empty")
	}
}

func TestDetectDrift_ServerDifferences(t *testing.T) {
	cfg := &config.Config{
		Project: config.Project{Name: "demo"},
		Infra: &config.Infra{Servers: []config.Server{
			{Name: "web", Provider: "hetzner", Region: "nbg1", ServerType: "cx22", SSHKey: "k"},
		}},
	}
	st := &LocalState{
		Project:  "demo",
		Servers:  map[string]ServerState{"old": {Provider: "hetzner"}},
		Services: map[string]ServiceState{},
	}

	report := st.DetectDrift(cfg)
	if !reflect.DeepEqual(report.MissingServersInCache, []string{"web"}) {
		t.Errorf("expected missing [web], got %v", report.MissingServersInCache)
	}
	if !reflect.DeepEqual(report.ExtraServersInCache, []string{"old"}) {
		t.Errorf("expected extra [old], got %v", report.ExtraServersInCache)
	}
}

func TestDetectDrift_CleanStateIsEmpty(t *testing.T) {
	cfg := &config.Config{
		Project:  config.Project{Name: "demo"},
		Services: map[string]config.Service{"api": {Image: "a:1"}},
	}
	st := &LocalState{
		Project:  "demo",
		Servers:  map[string]ServerState{},
		Services: map[string]ServiceState{"api": {Image: "a:1"}},
	}
	if report := st.DetectDrift(cfg); !report.Empty() {
		t.Errorf("expected no drift, got %+v", report)
	}
}

func TestDriftReport_SerializesStableFieldNames(t *testing.T) {
	raw, err := json.Marshal(DriftReport{MissingServersInCache: []string{"web"}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `"missing_servers_in_cache":["web"]`
	if got := string(raw); !strings.Contains(got, want) {
		t.Errorf("expected %s in %s", want, got)
	}
}
