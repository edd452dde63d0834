package statistics

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Options carries what sink factories may need from the host process.
type Options struct {
	Logger *slog.Logger
}

// Factory is a constructor function that creates a new Sink instance.
type Factory func(opts Options) (Sink, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a sink factory available by name.
// It is typically called from an init() function in the adapter package.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("statistics: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New creates a new Sink by name using the registered factory.
func New(name string, opts Options) (Sink, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("statistics: unknown sink %q", name)
	}
	return factory(opts)
}

// Available returns the sorted names of all registered sinks.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
