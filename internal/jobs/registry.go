package jobs

import (
	"fmt"
	"iter"

	"github.com/tendant/sad-worker/internal/process"
	"github.com/tendant/sad-worker/pkg/schema"
)

// Registry is the static table of job handlers, kept in registration order.
type Registry struct {
	order    []string
	handlers map[string]Handler
}

func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		name := h.Name()
		if name == "" || name == schema.AllJobs {
			return nil, fmt.Errorf("invalid job name %q", name)
		}
		if _, dup := r.handlers[name]; dup {
			return nil, fmt.Errorf("job %q registered twice", name)
		}
		r.order = append(r.order, name)
		r.handlers[name] = h
	}
	return r, nil
}

// Names returns the registered job names in order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Resolve yields the handlers a request asks for. "all" yields every handler
// in registration order. An unknown name yields a nil handler with an
// unknown_job error in its place so the caller can report it and move on.
func (r *Registry) Resolve(req schema.JobRequest) iter.Seq2[Handler, error] {
	return func(yield func(Handler, error) bool) {
		if req.All {
			for _, name := range r.order {
				if !yield(r.handlers[name], nil) {
					return
				}
			}
			return
		}
		seen := make(map[string]struct{}, len(req.Names))
		for _, name := range req.Names {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			h, ok := r.handlers[name]
			if !ok {
				if !yield(nil, process.UnknownJob(name)) {
					return
				}
				continue
			}
			if !yield(h, nil) {
				return
			}
		}
	}
}
