package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/poolq/poolq/errors"
	"github.com/poolq/poolq/queue"
)

// Performs the work named by an entry's Handler field.  A returned error
// counts as a failed attempt; the result is stored on the entry either way.
type Handler interface {
	Execute(ctx context.Context, entry *queue.Entry) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, entry *queue.Entry) (json.RawMessage, error)

func (f HandlerFunc) Execute(
	ctx context.Context,
	entry *queue.Entry) (json.RawMessage, error) {

	return f(ctx, entry)
}

// Maps handler names to handlers.  Safe for concurrent use.
type Registry struct {
	mutex    sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, handler Handler) error {
	if name == "" || handler == nil {
		return errors.New("Handler registration requires a name and a handler")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.handlers[name]; ok {
		return errors.Newf("Handler %q is already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// Same as Register, but panics on error.
func (r *Registry) MustRegister(name string, handler Handler) {
	if err := r.Register(name, handler); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	handler, ok := r.handlers[name]
	return handler, ok
}

// Registered names, sorted.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
