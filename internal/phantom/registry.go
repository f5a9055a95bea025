package phantom

import (
	"log/slog"
	"sync"
	"time"
)

// Factory builds the controller for a session on first use.
type Factory func(key SessionKey) *Controller

// Registry owns one controller per (world, room, user) session. Controllers
// are never shared across rooms or across clients.
type Registry struct {
	mu          sync.Mutex
	controllers map[SessionKey]*Controller
	factory     Factory
}

// NewRegistry creates a registry that builds controllers with factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		controllers: make(map[SessionKey]*Controller),
		factory:     factory,
	}
}

// NewGeneratorRegistry creates a registry whose controllers share gen and opts.
func NewGeneratorRegistry(gen Generator, opts Options) *Registry {
	return NewRegistry(func(key SessionKey) *Controller {
		return NewController(key, gen, opts)
	})
}

// Get returns the session's controller, creating it if needed.
func (r *Registry) Get(key SessionKey) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.controllers[key]; ok {
		return c
	}
	c := r.factory(key)
	r.controllers[key] = c
	slog.Debug("Phantom controller created", "world_id", key.WorldID, "room_id", key.RoomID, "user_id", key.UserID)
	return c
}

// Lookup returns the session's controller without creating one.
func (r *Registry) Lookup(key SessionKey) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[key]
	return c, ok
}

// Len returns the number of live controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// Close tears down the controller for a session, cancelling any in-flight turn.
func (r *Registry) Close(key SessionKey) {
	r.mu.Lock()
	c, ok := r.controllers[key]
	delete(r.controllers, key)
	r.mu.Unlock()

	if ok {
		c.Close()
		slog.Info("Phantom controller closed", "world_id", key.WorldID, "room_id", key.RoomID, "user_id", key.UserID)
	}
}

// EvictIdle closes controllers idle for at least ttl and returns how many were removed.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	r.mu.Lock()
	var idle []*Controller
	for key, c := range r.controllers {
		if c.IdleFor(ttl) {
			idle = append(idle, c)
			delete(r.controllers, key)
		}
	}
	r.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	return len(idle)
}

// CloseAll tears down every controller.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Controller, 0, len(r.controllers))
	for key, c := range r.controllers {
		all = append(all, c)
		delete(r.controllers, key)
	}
	r.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
