package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/convoyctl/convoy/pkg/auth"
)

// Factory builds a provider from the token store.
type Factory func(store auth.Store) (Provider, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register adds a provider factory under a name. Registration happens at
// startup; duplicate names are a programming error.
func Register(name string, factory Factory) {
	key := auth.NormalizeProvider(name)
	if key == "" {
		panic("providers: empty provider name")
	}
	if factory == nil {
		panic("providers: nil factory")
	}

	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[key]; exists {
		panic(fmt.Sprintf("providers: provider %q already registered", name))
	}
	registry[key] = factory
}

// Get builds the named provider with credentials from the store.
func Get(name string, store auth.Store) (Provider, error) {
	mu.RLock()
	factory, ok := registry[auth.NormalizeProvider(name)]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("providers: unknown provider %q (registered: %v)", name, List())
	}
	return factory(store)
}

// List returns the registered provider names, sorted.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset clears the registry. Intended for use in tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = map[string]Factory{}
}
