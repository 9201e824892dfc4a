package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestNewMetricsDisabledIsNoop(t *testing.T) {
	m := NewMetrics(DefaultConfig().Metrics)
	if m.Handler() != nil {
		t.Fatal("disabled metrics must expose no handler")
	}
	// Record calls on a disabled instance must be safe no-ops.
	m.RecordReconcileStarted("demo")
	m.RecordReconcileCompleted("demo", "success", time.Second)
	m.RecordDeploy("web-1", "success", time.Second)
	m.RecordDriftDetection("clean")
}

func TestNewMetricsEnabledGathersEveryFamily(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, Namespace: "convoy", Listen: ":0"})
	if m.Handler() == nil {
		t.Fatal("enabled metrics must expose a handler")
	}

	m.RecordReconcileStarted("demo")
	m.RecordReconcileCompleted("demo", "success", 2*time.Second)
	m.RecordProvisionAttempt("hetzner", "success")
	m.RecordDeploy("web-1", "success", time.Second)
	m.RecordRollback("success")
	m.RecordRetry("provision")
	m.RecordScriptRun("bootstrap", "success")
	m.RecordDriftDetection("clean")

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	gathered := make(map[string]bool, len(families))
	for _, fam := range families {
		gathered[fam.GetName()] = true
	}
	for _, name := range []string{
		"convoy_reconciles_started_total",
		"convoy_reconciles_completed_total",
		"convoy_reconcile_duration_seconds",
		"convoy_provision_attempts_total",
		"convoy_deploys_total",
		"convoy_deploy_duration_seconds",
		"convoy_rollbacks_total",
		"convoy_retries_total",
		"convoy_script_runs_total",
		"convoy_drift_detections_total",
	} {
		if !gathered[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, Namespace: "convoy", Listen: ":0"})
	m.RecordDeploy("web-1", "success", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "convoy_deploys_total") {
		t.Fatalf("exposition output missing deploy counter:\n%s", body)
	}
	if !strings.Contains(body, `target="web-1"`) {
		t.Fatalf("exposition output missing deploy labels:\n%s", body)
	}
}

func TestNewTracerDisabledStillProducesSpans(t *testing.T) {
	tr, err := NewTracer(TracingConfig{}, "convoy", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	_, span := tr.StartReconcileSpan(context.Background(), "demo", "up")
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewTracerStdoutExporter(t *testing.T) {
	cfg := TracingConfig{
		Enabled:       true,
		Exporter:      "stdout",
		SamplingRate:  1.0,
		ExportTimeout: time.Second,
	}
	tr, err := NewTracer(cfg, "convoy", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	_, span := tr.StartDeploySpan(context.Background(), "api", "web-1")
	RecordError(span, errors.New("gate failed"))
	span.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown must flush the exported spans: %v", err)
	}
}

func TestNewTracerRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracer(TracingConfig{Enabled: true, Exporter: "jaeger"}, "convoy", "test")
	if err == nil || !strings.Contains(err.Error(), "unsupported trace exporter") {
		t.Fatalf("expected unsupported exporter error, got: %v", err)
	}
}

func TestComponentLoggerTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	previous := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = previous }()

	logger := ComponentLogger("audit")
	logger.Info().Msg("run recorded")
	if !strings.Contains(buf.String(), `"component":"audit"`) {
		t.Fatalf("log entry missing component tag: %s", buf.String())
	}
}
