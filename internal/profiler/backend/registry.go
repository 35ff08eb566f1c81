package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/armadaproject/profiler/internal/profiler/configuration"
)

// Constructor builds an uninitialized backend from its configuration.
type Constructor func(config configuration.BackendConfig) (Backend, error)

// Registry maps engine names to backend constructors.
type Registry struct {
	constructors map[string]Constructor
	mutex        sync.RWMutex
}

// DefaultRegistry is populated by the backends shipped with the profiler.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{constructors: map[string]Constructor{}}
}

// Register adds a constructor under the given name. Registering a name twice panics.
func (r *Registry) Register(name string, constructor Constructor) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.constructors[name]; exists {
		panic(fmt.Sprintf("backend %q registered twice", name))
	}
	r.constructors[name] = constructor
}

// Names returns the registered engine names in lexical order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the backend selected by config.Engine.
func (r *Registry) New(config configuration.BackendConfig) (Backend, error) {
	r.mutex.RLock()
	constructor, ok := r.constructors[config.Engine]
	r.mutex.RUnlock()
	if !ok {
		return nil, &ConfigurationError{
			Message: fmt.Sprintf("backend not found for %q, available backends are [%s]",
				config.Engine, strings.Join(r.Names(), ", ")),
		}
	}
	b, err := constructor(config)
	if err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("cannot create backend %q: %v", config.Engine, err)}
	}
	return b, nil
}

func Register(name string, constructor Constructor) {
	DefaultRegistry.Register(name, constructor)
}

func New(config configuration.BackendConfig) (Backend, error) {
	return DefaultRegistry.New(config)
}
