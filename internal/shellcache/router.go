package shellcache

import (
	"context"
	"net/http"
)

type (
	InstallHandler  func(ctx context.Context) error
	ActivateHandler func(ctx context.Context) error
	MessageHandler  func(ctx context.Context, msg Message)
	FetchHandler    func(ctx context.Context, req *http.Request) Response
)

// Router holds one handler per worker event kind. Events with no handler
// are no-ops; an unhandled fetch goes straight to the network.
type Router struct {
	install  InstallHandler
	activate ActivateHandler
	message  MessageHandler
	fetch    FetchHandler
}

func NewRouter() *Router { return &Router{} }

func (r *Router) OnInstall(h InstallHandler)   { r.install = h }
func (r *Router) OnActivate(h ActivateHandler) { r.activate = h }
func (r *Router) OnMessage(h MessageHandler)   { r.message = h }
func (r *Router) OnFetch(h FetchHandler)       { r.fetch = h }

func (r *Router) DispatchInstall(ctx context.Context) error {
	if r.install == nil {
		return nil
	}
	return r.install(ctx)
}

func (r *Router) DispatchActivate(ctx context.Context) error {
	if r.activate == nil {
		return nil
	}
	return r.activate(ctx)
}

func (r *Router) DispatchMessage(ctx context.Context, msg Message) {
	if r.message == nil {
		return
	}
	r.message(ctx, msg)
}

// DispatchFetch reports false when no fetch handler is registered.
func (r *Router) DispatchFetch(ctx context.Context, req *http.Request) (Response, bool) {
	if r.fetch == nil {
		return Response{}, false
	}
	return r.fetch(ctx, req), true
}
