package dispatch

import (
	"context"
	"fmt"
)

const coordinatorName = "coordinator"

// HandlerKind is the closed set of handler capabilities. Routing is an
// exhaustive switch over this type so a new handler is a compile-time
// decision, not a silent fallback.
type HandlerKind int

const (
	HandlerChat HandlerKind = iota
	HandlerContent
	HandlerAnalytics
	HandlerScheduler
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerChat:
		return "chat"
	case HandlerContent:
		return "content"
	case HandlerAnalytics:
		return "analytics"
	case HandlerScheduler:
		return "scheduler"
	}
	return fmt.Sprintf("handler(%d)", int(k))
}

// Handler is one capability implementation. It mutates the run state,
// typically by setting the response text, and may decline to reply.
type Handler interface {
	Handle(ctx context.Context, state *State) error
}

// Registry binds each handler kind to its implementation.
type Registry struct {
	handlers map[HandlerKind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[HandlerKind]Handler{}}
}

func (r *Registry) Register(kind HandlerKind, h Handler) {
	if h == nil {
		panic("dispatch: handler cannot be nil")
	}
	r.handlers[kind] = h
}

func (r *Registry) resolve(kind HandlerKind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("dispatch: no handler registered for %s", kind)
	}
	return h, nil
}

// kindForIntent maps a classified intent label to a handler. Unknown
// labels fall back to the conversational handler.
func kindForIntent(intent string) HandlerKind {
	switch intent {
	case "content_creation":
		return HandlerContent
	case "analytics":
		return HandlerAnalytics
	case "schedule":
		return HandlerScheduler
	case "greeting", "query", "complaint", "praise", "purchase", "other":
		return HandlerChat
	default:
		return HandlerChat
	}
}
