package control

import (
	"fmt"
)

// Handler processes one call event.
type Handler func(meta CallMetaData) error

// Router dispatches parsed control messages to the handler registered for
// their callEvent.
type Router struct {
	handlers  map[CallEvent]Handler
	onUnknown func(meta CallMetaData)
}

// NewRouter creates a router. onUnknown, if non-nil, is called for messages
// whose event has no handler.
func NewRouter(onUnknown func(meta CallMetaData)) *Router {
	return &Router{handlers: make(map[CallEvent]Handler), onUnknown: onUnknown}
}

// Register adds a handler for a specific call event.
func (r *Router) Register(event CallEvent, h Handler) {
	r.handlers[event] = h
}

// Dispatch routes meta to its handler. Unknown events are not an error.
func (r *Router) Dispatch(meta CallMetaData) error {
	h, ok := r.handlers[meta.CallEvent]
	if !ok {
		if r.onUnknown != nil {
			r.onUnknown(meta)
		}
		return nil
	}
	if err := h(meta); err != nil {
		return fmt.Errorf("%s: %w", meta.CallEvent, err)
	}
	return nil
}
