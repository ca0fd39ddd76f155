package instance

import (
	"sort"
	"sync"

	"pgrestgw/pkg/models"
)

// Registry maps instance names to handles. A name maps to exactly one
// Instance for the lifetime of the registry.
type Registry struct {
	platform  Platform
	clock     Clock
	observer  Observer
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry creates a registry that opens handles through platform.
func NewRegistry(platform Platform, clock Clock, observer Observer) *Registry {
	if clock == nil {
		clock = SystemClock
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Registry{
		platform:  platform,
		clock:     clock,
		observer:  observer,
		instances: make(map[string]*Instance),
	}
}

// Acquire returns the instance for name, opening it on first reference.
func (r *Registry) Acquire(name string) *Instance {
	r.mu.RLock()
	inst, ok := r.instances[name]
	r.mu.RUnlock()
	if ok {
		return inst
	}

	r.mu.Lock()
	inst, ok = r.instances[name]
	if !ok {
		inst = newInstance(r.platform.Open(name), r.clock.Now())
		r.instances[name] = inst
	}
	r.mu.Unlock()

	if !ok {
		r.observer.InstanceRegistered(name)
	}
	return inst
}

// Lookup returns the instance for name without creating it.
func (r *Registry) Lookup(name string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}

// Recycled moves an instance back to cold after its platform stopped it.
// The next acquisition probes it again.
func (r *Registry) Recycled(name string) {
	inst, ok := r.Lookup(name)
	if !ok {
		return
	}
	inst.markCold()
	r.observer.InstanceRecycled(name)
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Statuses returns every instance status sorted by name.
func (r *Registry) Statuses() []models.InstanceStatus {
	r.mu.RLock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.RUnlock()

	now := r.clock.Now()
	statuses := make([]models.InstanceStatus, 0, len(instances))
	for _, inst := range instances {
		statuses = append(statuses, inst.status(now))
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}
