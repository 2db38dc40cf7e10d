package executor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/yairfalse/argus/policy"
)

// Registry maps action types to their default connector and connector names
// to connectors. An action naming a connector explicitly bypasses the
// default.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]Connector
	byDefault map[policy.ActionType]Connector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]Connector),
		byDefault: make(map[policy.ActionType]Connector),
	}
}

// Register makes c available by name and the default for the given types.
func (r *Registry) Register(c Connector, defaults ...policy.ActionType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName[c.Name()] = c
	for _, t := range defaults {
		r.byDefault[t] = c
	}
}

// Resolve finds the connector for an action.
func (r *Registry) Resolve(action policy.Action) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if action.Connector != "" {
		c, ok := r.byName[action.Connector]
		if !ok {
			return nil, fmt.Errorf("%w: connector %q is not registered", ErrNoConnector, action.Connector)
		}
		return c, nil
	}
	c, ok := r.byDefault[action.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnector, action.Type)
	}
	return c, nil
}

// Names lists registered connectors.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
