package guard

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/ernie/warden/internal/domain"
)

// Registry holds every managed server instance and fans their events into
// one shared stream.
type Registry struct {
	mu        sync.RWMutex
	instances map[int64]*Instance
	events    chan domain.Event
	closed    bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[int64]*Instance),
		events:    make(chan domain.Event, 256),
	}
}

// Events returns the merged event stream across all instances
func (r *Registry) Events() <-chan domain.Event { return r.events }

// Add registers an instance under its configured ID and starts pumping its
// events into the shared stream. The instance itself is not started.
func (r *Registry) Add(inst *Instance) error {
	id := inst.Config().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("registry closed")
	}
	if _, exists := r.instances[id]; exists {
		return fmt.Errorf("server id %d already registered", id)
	}
	r.instances[id] = inst

	go r.pump(inst)
	return nil
}

// pump forwards one instance's events to the shared stream. Instance
// channels are never closed, so pumps run for the life of the process.
// Drops when the shared stream is full, same policy as the per-instance
// channel.
func (r *Registry) pump(inst *Instance) {
	for ev := range inst.Events() {
		select {
		case r.events <- ev:
		default:
		}
	}
}

// Remove stops an instance and drops it from the registry
func (r *Registry) Remove(ctx context.Context, id int64) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("server id %d not registered", id)
	}
	inst.Close(ctx)
	return nil
}

// Get returns the instance registered under id
func (r *Registry) Get(id int64) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// List returns all instances ordered by server ID
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Config().ID < out[b].Config().ID })
	return out
}

// StartAll starts every registered instance. A failed start marks that
// instance Error and moves on; the other servers are not held hostage.
func (r *Registry) StartAll(ctx context.Context) {
	for _, inst := range r.List() {
		if err := inst.Start(ctx); err != nil {
			log.Printf("guard: starting %s: %v", inst.Config().Name, err)
		}
	}
}

// StopAll stops every registered instance
func (r *Registry) StopAll(ctx context.Context) {
	for _, inst := range r.List() {
		inst.Stop(ctx)
	}
}

// Broadcast says a message on every online instance
func (r *Registry) Broadcast(ctx context.Context, message string) {
	for _, inst := range r.List() {
		if inst.State() != domain.StateOnline {
			continue
		}
		if err := inst.Broadcast(ctx, message); err != nil {
			log.Printf("guard: broadcast to %s: %v", inst.Config().Name, err)
		}
	}
}

// Close stops and tears down every instance and rejects further Adds. The
// shared stream stays open: pump goroutines outlive the registry and a
// close would race their sends.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.instances = make(map[int64]*Instance)
	r.mu.Unlock()

	for _, inst := range instances {
		inst.Close(ctx)
	}
}
