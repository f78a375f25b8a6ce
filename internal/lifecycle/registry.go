package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Handler reacts to one lifecycle event.
type Handler func(ctx context.Context, ev *Event)

var (
	// ErrDuplicateHandler indicates a phase already has a handler registered.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrNoHandler indicates install/activate was dispatched with nothing registered.
	ErrNoHandler = errors.New("no handler registered")
)

// Registry binds handlers to phases. Each worker owns its own registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Phase]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Phase]Handler)}
}

// Register stores the handler for phase.
func (r *Registry) Register(phase Phase, handler Handler) error {
	if !phase.valid() {
		return fmt.Errorf("unknown phase %q", phase)
	}
	if handler == nil {
		return errors.New("handler required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[phase]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, phase)
	}
	r.handlers[phase] = handler
	return nil
}

// MustRegister panics on registration failure.
func (r *Registry) MustRegister(phase Phase, handler Handler) {
	if err := r.Register(phase, handler); err != nil {
		panic(err)
	}
}

// Lookup retrieves the handler registered for phase.
func (r *Registry) Lookup(phase Phase) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[phase]
	return handler, ok
}

// Status returns "registered" or "missing" for phase.
func (r *Registry) Status(phase Phase) string {
	if _, ok := r.Lookup(phase); ok {
		return "registered"
	}
	return "missing"
}

// Snapshot returns the status of every known phase.
func (r *Registry) Snapshot() map[string]string {
	out := make(map[string]string, len(Phases()))
	for _, phase := range Phases() {
		out[string(phase)] = r.Status(phase)
	}
	return out
}

// Dispatch runs the handler for ev.Phase, resolves its RespondWith (fetch
// only) and then waits for every WaitUntil task. A fetch event without a
// handler is left unhandled so the caller can pass it through.
func (r *Registry) Dispatch(ctx context.Context, ev *Event) error {
	if ev == nil {
		return errors.New("event required")
	}
	handler, ok := r.Lookup(ev.Phase)
	if !ok {
		if ev.Phase == PhaseFetch {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNoHandler, ev.Phase)
	}

	handler(ctx, ev)

	var respondErr error
	if fn := ev.responder(); fn != nil {
		resp, err := fn(ctx)
		if err != nil {
			respondErr = err
		} else {
			ev.setResponse(resp)
		}
	}

	var waitErrs []error
	for _, task := range ev.takeWaits() {
		if err := task(ctx); err != nil {
			waitErrs = append(waitErrs, err)
		}
	}

	if respondErr != nil {
		return respondErr
	}
	return errors.Join(waitErrs...)
}
