package irq

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrAlreadyConnected = errors.New("instance already has an interrupt vector")
	ErrVectorInUse      = errors.New("interrupt vector is in use")
	ErrNotConnected     = errors.New("instance has no interrupt vector")
)

// Handler runs in interrupt context. It must not block.
type Handler func()

// Host is the platform's interrupt controller.
type Host interface {
	Install(vector int, h Handler) error
	Remove(vector int) error
	EnableLine(vector int)
	DisableLine(vector int)
}

// Registry tracks which vector each driver instance is connected to.
type Registry struct {
	host Host

	mu         sync.Mutex
	byInstance map[any]int
	byVector   map[int]any
}

func NewRegistry(host Host) *Registry {
	return &Registry{
		host:       host,
		byInstance: make(map[any]int),
		byVector:   make(map[int]any),
	}
}

// Connect installs h on vector for instance and enables the line.
func (r *Registry) Connect(instance any, vector int, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.byInstance[instance]; ok {
		return fmt.Errorf("%w: vector %d", ErrAlreadyConnected, v)
	}
	if _, ok := r.byVector[vector]; ok {
		return fmt.Errorf("%w: %d", ErrVectorInUse, vector)
	}

	if err := r.host.Install(vector, h); err != nil {
		return fmt.Errorf("install handler on vector %d: %w", vector, err)
	}
	r.byInstance[instance] = vector
	r.byVector[vector] = instance
	r.host.EnableLine(vector)
	return nil
}

// Disconnect disables and removes the handler of instance.
func (r *Registry) Disconnect(instance any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnect(instance)
}

func (r *Registry) disconnect(instance any) error {
	v, ok := r.byInstance[instance]
	if !ok {
		return ErrNotConnected
	}

	r.host.DisableLine(v)
	delete(r.byInstance, instance)
	delete(r.byVector, v)

	if err := r.host.Remove(v); err != nil {
		return fmt.Errorf("remove handler from vector %d: %w", v, err)
	}
	return nil
}

// Vector returns the vector instance is connected to.
func (r *Registry) Vector(instance any) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byInstance[instance]
	return v, ok
}

// Len returns the number of connected instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byInstance)
}

// Close disconnects every instance.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for instance := range r.byInstance {
		if err := r.disconnect(instance); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
