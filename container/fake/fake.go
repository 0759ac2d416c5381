// Package fake provides an in-memory container.Runtime for tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/projecteru2/sprout/container"
)

// compile-time interface check.
var _ container.Runtime = (*Runtime)(nil)

// Runtime keeps containers in a map. Error fields inject failures into the
// matching operation.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*container.State
	specs      map[string]container.Spec
	pulled     map[string]int
	seq        int

	PullErr   error
	LaunchErr error
	StartErr  error
	StopErr   error
	RemoveErr error
	// ExitOnLaunch makes launched containers report status exited.
	ExitOnLaunch bool
}

// New returns an empty Runtime.
func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*container.State),
		specs:      make(map[string]container.Spec),
		pulled:     make(map[string]int),
	}
}

func (r *Runtime) Version(context.Context) (string, error) { return "fake", nil }

func (r *Runtime) PullImage(_ context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PullErr != nil {
		return r.PullErr
	}
	r.pulled[image]++
	return nil
}

func (r *Runtime) Launch(_ context.Context, spec container.Spec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.LaunchErr != nil {
		return "", r.LaunchErr
	}
	if _, ok := r.containers[spec.Name]; ok {
		return "", fmt.Errorf("%s: %w", spec.Name, container.ErrNameInUse)
	}
	r.seq++
	st := &container.State{
		ID:        fmt.Sprintf("c%04d", r.seq),
		Name:      spec.Name,
		Status:    "running",
		Running:   true,
		Health:    container.HealthHealthy,
		StartedAt: time.Now(),
	}
	if r.ExitOnLaunch {
		st.Status, st.Running, st.ExitCode = "exited", false, 1
	}
	r.containers[spec.Name] = st
	r.specs[spec.Name] = spec
	return st.ID, nil
}

func (r *Runtime) Start(_ context.Context, name string) error {
	return r.set(name, r.StartErr, true)
}

func (r *Runtime) Stop(_ context.Context, name string, _ time.Duration) error {
	return r.set(name, r.StopErr, false)
}

func (r *Runtime) Restart(_ context.Context, name string, _ time.Duration) error {
	return r.set(name, r.StartErr, true)
}

func (r *Runtime) Remove(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RemoveErr != nil {
		return r.RemoveErr
	}
	delete(r.containers, name)
	delete(r.specs, name)
	return nil
}

func (r *Runtime) Inspect(_ context.Context, name string) (*container.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.containers[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, container.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (r *Runtime) Logs(_ context.Context, name string, _ int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[name]; !ok {
		return "", fmt.Errorf("%s: %w", name, container.ErrNotFound)
	}
	return "database system is ready to accept connections\n", nil
}

func (r *Runtime) Close() error { return nil }

// Has reports whether a container called name exists.
func (r *Runtime) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.containers[name]
	return ok
}

// SpecOf returns the spec a container was launched with.
func (r *Runtime) SpecOf(name string) (container.Spec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.specs[name]
	return s, ok
}

// Names returns every container name.
func (r *Runtime) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.containers))
	for n := range r.containers {
		out = append(out, n)
	}
	return out
}

// SetRunning flips a container's state, simulating an out-of-band change.
func (r *Runtime) SetRunning(name string, running bool) {
	_ = r.set(name, nil, running)
}

func (r *Runtime) set(name string, inject error, running bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inject != nil {
		return inject
	}
	st, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, container.ErrNotFound)
	}
	st.Running = running
	st.Status = "running"
	if !running {
		st.Status = "exited"
	}
	return nil
}
