package lsp

import (
	"sync"
)

// EventKind names a class of server-pushed event. The well-known kinds are
// listed below; notifications with no dedicated kind are routed under their
// wire method name, so unknown kinds are accepted and simply have no
// subscribers until someone registers one.
type EventKind string

const (
	// EventDiagnostics carries PublishDiagnosticsParams.
	EventDiagnostics EventKind = "diagnostics"
	// EventLog carries LogMessageParams, including server stderr lines.
	EventLog EventKind = "log"
	// EventShowMessage carries ShowMessageParams.
	EventShowMessage EventKind = "showMessage"
	// EventError carries an error, typically a *ProtocolError.
	EventError EventKind = "error"
	// EventClose carries the process exit code as an int.
	EventClose EventKind = "close"
)

// Handler receives one event payload. Handlers run on the connection's
// reader goroutine and must return quickly; anything slow should hand off to
// its own goroutine.
type Handler func(payload any)

// Disposer removes exactly the registration that produced it. Calling it
// more than once is a no-op.
type Disposer func()

// Router fans server-pushed events out to subscribers. Handlers for a kind
// run in registration order against a snapshot taken when dispatch starts,
// so a handler removing itself or a sibling mid-dispatch does not affect the
// current pass. A panicking handler does not stop the remaining handlers.
type Router struct {
	mu        sync.Mutex
	nextToken int64
	subs      map[EventKind][]subscription
}

type subscription struct {
	token   int64
	handler Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{subs: make(map[EventKind][]subscription)}
}

// Subscribe registers a handler for an event kind and returns its disposer.
func (r *Router) Subscribe(kind EventKind, h Handler) Disposer {
	r.mu.Lock()
	r.nextToken++
	token := r.nextToken
	r.subs[kind] = append(r.subs[kind], subscription{token: token, handler: h})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subs[kind]
		for i, s := range subs {
			if s.token == token {
				r.subs[kind] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Dispatch invokes every handler currently registered for kind, in
// registration order.
func (r *Router) Dispatch(kind EventKind, payload any) {
	r.mu.Lock()
	snapshot := make([]subscription, len(r.subs[kind]))
	copy(snapshot, r.subs[kind])
	r.mu.Unlock()

	for _, s := range snapshot {
		invoke(s.handler, payload)
	}
}

// invoke isolates handler panics from the dispatch pass.
func invoke(h Handler, payload any) {
	defer func() {
		_ = recover()
	}()
	h(payload)
}

// SubscriberCount reports the number of handlers registered for kind.
func (r *Router) SubscriberCount(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[kind])
}
