// Package lifecycle models the install/activate/fetch lifecycle of the offline
// worker as explicit handler registration plus synthetic events, so the worker
// logic can be driven by the CLI, the HTTP gateway or tests alike.
package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/agas-ashram/swcache/internal/cache"
)

// Phase names a lifecycle event.
type Phase string

const (
	PhaseInstall  Phase = "install"
	PhaseActivate Phase = "activate"
	PhaseFetch    Phase = "fetch"
)

// Phases lists every known phase in lifecycle order.
func Phases() []Phase {
	return []Phase{PhaseInstall, PhaseActivate, PhaseFetch}
}

func (p Phase) valid() bool {
	switch p {
	case PhaseInstall, PhaseActivate, PhaseFetch:
		return true
	}
	return false
}

// ErrAlreadyResponded is returned when RespondWith is called twice on one event.
var ErrAlreadyResponded = errors.New("event already has a response")

// ResponseFunc produces the response for an intercepted fetch.
type ResponseFunc func(ctx context.Context) (*cache.Response, error)

// Event carries one lifecycle dispatch. Handlers extend its lifetime with
// WaitUntil and, for fetch events, claim the request with RespondWith.
type Event struct {
	Phase   Phase
	Request *http.Request

	mu       sync.Mutex
	waits    []func(context.Context) error
	respond  ResponseFunc
	response *cache.Response
}

// NewEvent builds an install or activate event.
func NewEvent(phase Phase) *Event {
	return &Event{Phase: phase}
}

// NewFetchEvent builds a fetch event for req.
func NewFetchEvent(req *http.Request) *Event {
	return &Event{Phase: PhaseFetch, Request: req}
}

// WaitUntil registers a task the dispatcher must finish before the event
// is considered complete.
func (e *Event) WaitUntil(task func(ctx context.Context) error) {
	if task == nil {
		return
	}
	e.mu.Lock()
	e.waits = append(e.waits, task)
	e.mu.Unlock()
}

// RespondWith claims a fetch event. Without it the request falls through to
// the network untouched.
func (e *Event) RespondWith(fn ResponseFunc) error {
	if fn == nil {
		return errors.New("response func required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.respond != nil {
		return ErrAlreadyResponded
	}
	e.respond = fn
	return nil
}

// Handled reports whether a handler called RespondWith.
func (e *Event) Handled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.respond != nil
}

// Response returns the response produced during Dispatch, if any.
func (e *Event) Response() *cache.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

func (e *Event) takeWaits() []func(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	waits := e.waits
	e.waits = nil
	return waits
}

func (e *Event) responder() ResponseFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.respond
}

func (e *Event) setResponse(resp *cache.Response) {
	e.mu.Lock()
	e.response = resp
	e.mu.Unlock()
}
