// Package state persists the last-observed server/service/script state per
// project and computes drift against desired configuration. The state file is
// an advisory cache, never authoritative: commands that can cheaply
// re-observe reality overwrite it, and its absence is a valid empty state.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/convoyctl/convoy/pkg/config"
)

// HealthState classifies observed server/service health. It is derived from
// provider/runtime status strings, never set directly by user input.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// ClassifyHealth maps a raw status string to a HealthState. Running states
// are healthy, transitional states degraded, everything else unhealthy; an
// empty status is unknown.
func ClassifyHealth(status string) HealthState {
	s := strings.ToLower(strings.TrimSpace(status))
	switch {
	case s == "":
		return HealthUnknown
	case strings.HasPrefix(s, "up") || strings.Contains(s, "running") || strings.Contains(s, "started"):
		return HealthHealthy
	case strings.Contains(s, "creating") || strings.Contains(s, "restarting") ||
		strings.Contains(s, "starting") || strings.Contains(s, "initializing"):
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// ServerState is the last-observed provider state for one declared server.
type ServerState struct {
	Provider        string      `json:"provider"`
	ID              string      `json:"id,omitempty"`
	PublicIP        string      `json:"public_ip,omitempty"`
	FloatingIP      string      `json:"floating_ip,omitempty"`
	Health          HealthState `json:"health,omitempty"`
	LastStatus      string      `json:"last_status,omitempty"`
	LastCheckedUnix int64       `json:"last_checked_unix,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
}

// ServiceState is the last-observed runtime state for one declared service.
type ServiceState struct {
	Image             string      `json:"image"`
	Replicas          int         `json:"replicas"`
	Containers        []string    `json:"containers"`
	Health            HealthState `json:"health,omitempty"`
	LastStatus        string      `json:"last_status,omitempty"`
	LastCheckedUnix   int64       `json:"last_checked_unix,omitempty"`
	LastError         string      `json:"last_error,omitempty"`
	LastDeployCommand string      `json:"last_deploy_command,omitempty"`
	LastDeployUnix    int64       `json:"last_deploy_unix,omitempty"`
	ImageOrigin       string      `json:"image_origin,omitempty"`
}

// ScriptRunState records the last execution of a script on one target,
// keyed "script@server". Idempotency is deliberately per (script, host): a
// script retargeted to a new server re-runs there.
type ScriptRunState struct {
	LastHash    string `json:"last_hash,omitempty"`
	LastRunUnix int64  `json:"last_run_unix,omitempty"`
}

// LocalState is the persisted per-project record. It is owned exclusively by
// the orchestrator process: read at the start of every command, rewritten
// atomically at the end. Single-writer usage is assumed, not enforced.
type LocalState struct {
	Project       string                    `json:"project"`
	UpdatedAtUnix int64                     `json:"updated_at_unix"`
	Servers       map[string]ServerState    `json:"servers"`
	Services      map[string]ServiceState   `json:"services"`
	ScriptRuns    map[string]ScriptRunState `json:"script_runs,omitempty"`
}

// DriftReport is a set-difference between desired configuration and the
// cached state, per resource class. It is recomputed on every status read
// and never persisted.
type DriftReport struct {
	MissingServersInCache  []string `json:"missing_servers_in_cache"`
	ExtraServersInCache    []string `json:"extra_servers_in_cache"`
	MissingServicesInCache []string `json:"missing_services_in_cache"`
	ExtraServicesInCache   []string `json:"extra_services_in_cache"`
}

// Empty reports whether the drift report contains no differences.
func (d DriftReport) Empty() bool {
	return len(d.MissingServersInCache) == 0 && len(d.ExtraServersInCache) == 0 &&
		len(d.MissingServicesInCache) == 0 && len(d.ExtraServicesInCache) == 0
}

// ScriptRunKey builds the map key for a (script, server) pair.
func ScriptRunKey(script, server string) string {
	return script + "@" + server
}

// Store reads and writes per-project state files under a base directory.
type Store struct {
	baseDir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{baseDir: dir}
}

// DefaultStore creates a store at the fixed per-user location
// (~/.convoy/state).
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory for local state: %w", err)
	}
	return NewStore(filepath.Join(home, ".convoy", "state")), nil
}

// Load reads the state for a project, returning a fresh empty state when no
// prior file exists.
func (s *Store) Load(project string) (*LocalState, error) {
	st := &LocalState{
		Project:       project,
		UpdatedAtUnix: time.Now().Unix(),
		Servers:       make(map[string]ServerState),
		Services:      make(map[string]ServiceState),
		ScriptRuns:    make(map[string]ScriptRunState),
	}

	path := s.path(project)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local state file %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("failed to parse local state file %s: %w", path, err)
	}
	if st.Project == "" {
		st.Project = project
	}
	if st.Servers == nil {
		st.Servers = make(map[string]ServerState)
	}
	if st.Services == nil {
		st.Services = make(map[string]ServiceState)
	}
	if st.ScriptRuns == nil {
		st.ScriptRuns = make(map[string]ScriptRunState)
	}
	return st, nil
}

// Save atomically rewrites the state file, refreshing the update timestamp.
// The document is written to a temp file in the same directory and renamed
// over the target so a failed write never leaves a half-written cache.
func (s *Store) Save(st *LocalState) error {
	st.UpdatedAtUnix = time.Now().Unix()

	path := s.path(st.Project)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create local state directory %s: %w", dir, err)
	}

	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode local state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write local state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to flush local state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace local state file %s: %w", path, err)
	}
	return nil
}

func (s *Store) path(project string) string {
	return filepath.Join(s.baseDir, sanitizeProjectKey(project)+".json")
}

// sanitizeProjectKey maps a project name to a safe file stem.
func sanitizeProjectKey(project string) string {
	var b strings.Builder
	for _, r := range project {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

// DetectDrift compares desired configuration against the cached state by
// name only. Health and image equality are deliberately out of scope here;
// the drift command performs the finer-grained comparison.
func (st *LocalState) DetectDrift(cfg *config.Config) DriftReport {
	desiredServers := make(map[string]struct{})
	if cfg.Infra != nil {
		for _, s := range cfg.Infra.Servers {
			desiredServers[s.Name] = struct{}{}
		}
	}
	desiredServices := make(map[string]struct{}, len(cfg.Services))
	for name := range cfg.Services {
		desiredServices[name] = struct{}{}
	}

	cachedServers := make(map[string]struct{}, len(st.Servers))
	for name := range st.Servers {
		cachedServers[name] = struct{}{}
	}
	cachedServices := make(map[string]struct{}, len(st.Services))
	for name := range st.Services {
		cachedServices[name] = struct{}{}
	}

	return DriftReport{
		MissingServersInCache:  difference(desiredServers, cachedServers),
		ExtraServersInCache:    difference(cachedServers, desiredServers),
		MissingServicesInCache: difference(desiredServices, cachedServices),
		ExtraServicesInCache:   difference(cachedServices, desiredServices),
	}
}

// difference returns the sorted members of a not present in b.
func difference(a, b map[string]struct{}) []string {
	out := make([]string, 0)
	for name := range a {
		if _, ok := b[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
