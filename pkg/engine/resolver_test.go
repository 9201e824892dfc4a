package engine

import (
	"errors"
	"testing"

	"github.com/convoyctl/convoy/pkg/config"
)

func svc(deps ...string) config.Service {
	return config.Service{Image: "nginx:latest", Ports: []int{80}, DependsOn: deps}
}

func TestOrder_ResolvesNestedDependencies(t *testing.T) {
	services := map[string]config.Service{
		"db":  svc(),
		"api": svc("db"),
		"web": svc("api"),
	}

	order, err := Order(services, "web")
	if err != nil {
		t.Fatalf("expected order, got: %v", err)
	}
	want := []string{"db", "api", "web"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestOrder_RootLimitsToClosure(t *testing.T) {
	services := map[string]config.Service{
		"db":       svc(),
		"api":      svc("db"),
		"unrelated": svc(),
	}

	order, err := Order(services, "api")
	if err != nil {
		t.Fatalf("expected order, got: %v", err)
	}
	if len(order) != 2 || order[0] != "db" || order[1] != "api" {
		t.Fatalf("expected [db api], got %v", order)
	}
}

func TestOrder_FullSetIsDeterministic(t *testing.T) {
	services := map[string]config.Service{
		"zeta":  svc("alpha"),
		"alpha": svc(),
		"mid":   svc("alpha"),
	}

	first, err := Order(services, "")
	if err != nil {
		t.Fatalf("expected order, got: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Order(services, "")
		if err != nil {
			t.Fatalf("expected order, got: %v", err)
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("order not deterministic: %v vs %v", first, again)
			}
		}
	}
	if first[0] != "alpha" {
		t.Errorf("dependency must precede dependents, got %v", first)
	}
	if len(first) != 3 {
		t.Errorf("expected all services exactly once, got %v", first)
	}
}

func TestOrder_EveryDependencyPrecedesDependent(t *testing.T) {
	services := map[string]config.Service{
		"a": svc(),
		"b": svc("a"),
		"c": svc("a", "b"),
		"d": svc("c"),
		"e": svc("b", "d"),
	}

	order, err := Order(services, "")
	if err != nil {
		t.Fatalf("expected order, got: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, name := range order {
		if _, dup := pos[name]; dup {
			t.Fatalf("duplicate entry %q in %v", name, order)
		}
		pos[name] = i
	}
	for name, s := range services {
		for _, dep := range s.DependsOn {
			if pos[dep] >= pos[name] {
				t.Errorf("dependency %q must precede %q in %v", dep, name, order)
			}
		}
	}
}

func TestOrder_DetectsCycles(t *testing.T) {
	services := map[string]config.Service{
		"a": svc("b"),
		"b": svc("a"),
	}

	order, err := Order(services, "a")
	if err == nil {
		t.Fatalf("expected cycle error, got order %v", order)
	}
	var cycleErr *CircularDependencyError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CircularDependencyError, got: %v", err)
	}
	if cycleErr.Service != "a" && cycleErr.Service != "b" {
		t.Errorf("cycle error must name an offending service, got %q", cycleErr.Service)
	}
	if order != nil {
		t.Errorf("no partial order may be emitted on error, got %v", order)
	}
}

func TestOrder_DetectsMissingDependency(t *testing.T) {
	services := map[string]config.Service{
		"api": svc("ghost"),
	}

	_, err := Order(services, "api")
	var missingErr *UnknownDependencyError
	if !errors.As(err, &missingErr) {
		t.Fatalf("expected UnknownDependencyError, got: %v", err)
	}
	if missingErr.Service != "api" || missingErr.Missing != "ghost" {
		t.Errorf("unexpected error details: %+v", missingErr)
	}
}

func TestOrder_RejectsUnknownRoot(t *testing.T) {
	_, err := Order(map[string]config.Service{"api": svc()}, "ghost")
	var unknownErr *UnknownServiceError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownServiceError, got: %v", err)
	}
}

func TestOrder_SharedDependencyEmittedOnce(t *testing.T) {
	services := map[string]config.Service{
		"db":  svc(),
		"api": svc("db"),
		"job": svc("db", "api"),
	}

	order, err := Order(services, "job")
	if err != nil {
		t.Fatalf("expected order, got: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 unique entries, got %v", order)
	}
}
