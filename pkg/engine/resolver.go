package engine

import (
	"fmt"
	"sort"

	"github.com/convoyctl/convoy/pkg/config"
)

// CircularDependencyError reports a dependency cycle, naming the service at
// which the cycle was detected.
type CircularDependencyError struct {
	Service string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular service dependency detected while resolving %q", e.Service)
}

// UnknownDependencyError reports a dependency on a service that is not
// declared in the configuration.
type UnknownDependencyError struct {
	Service string
	Missing string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("service %q depends on missing service %q", e.Service, e.Missing)
}

// UnknownServiceError reports a root service that is not declared.
type UnknownServiceError struct {
	Service string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("service %q not found in configuration", e.Service)
}

// visit colors for the traversal.
type visitColor int

const (
	colorUnvisited visitColor = iota
	colorInProgress
	colorDone
)

// Order computes a deterministic, dependency-respecting deployment order.
// With a root, only the root and its transitive dependency closure are
// resolved; without one, the full service set is resolved with roots iterated
// in lexicographic order so the result is stable across runs. A dependency
// always precedes its dependents in the returned slice, and no name appears
// twice. On error no partial ordering is returned.
func Order(services map[string]config.Service, root string) ([]string, error) {
	r := &resolver{
		services: services,
		colors:   make(map[string]visitColor, len(services)),
	}

	if root != "" {
		if _, ok := services[root]; !ok {
			return nil, &UnknownServiceError{Service: root}
		}
		if err := r.visit(root); err != nil {
			return nil, err
		}
		return r.ordered, nil
	}

	roots := make([]string, 0, len(services))
	for name := range services {
		roots = append(roots, name)
	}
	sort.Strings(roots)
	for _, name := range roots {
		if err := r.visit(name); err != nil {
			return nil, err
		}
	}
	return r.ordered, nil
}

type resolver struct {
	services map[string]config.Service
	colors   map[string]visitColor
	ordered  []string
}

func (r *resolver) visit(name string) error {
	switch r.colors[name] {
	case colorDone:
		return nil
	case colorInProgress:
		return &CircularDependencyError{Service: name}
	}
	r.colors[name] = colorInProgress

	svc, ok := r.services[name]
	if !ok {
		return &UnknownServiceError{Service: name}
	}

	// Sorted dependency iteration keeps the emitted order deterministic
	// regardless of declaration order.
	deps := append([]string(nil), svc.DependsOn...)
	sort.Strings(deps)
	for _, dep := range deps {
		if _, ok := r.services[dep]; !ok {
			return &UnknownDependencyError{Service: name, Missing: dep}
		}
		if err := r.visit(dep); err != nil {
			return err
		}
	}

	r.colors[name] = colorDone
	r.ordered = append(r.ordered, name)
	return nil
}
