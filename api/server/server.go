// Package server wires the HTTP layer: the router, the middleware chain
// and the translation from handler errors to HTTP responses.
package server

import (
	"context"
	"net/http"

	"github.com/containerd/log"
	"github.com/gorilla/mux"

	"github.com/latticeweb/lattice/api/server/httputils"
	"github.com/latticeweb/lattice/api/server/middleware"
)

// Server assembles the request router for a daemon handler.
type Server struct {
	middlewares []middleware.Middleware
}

// New creates a Server with an empty middleware chain.
func New() *Server {
	return &Server{}
}

// UseMiddleware appends a middleware to the chain. Middlewares run in
// registration order, outermost first.
func (s *Server) UseMiddleware(m middleware.Middleware) {
	s.middlewares = append(s.middlewares, m)
}

// makeHTTPHandler wraps an APIFunc in the middleware chain and the error
// writer.
func (s *Server) makeHTTPHandler(handler httputils.APIFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		handlerFunc := handler
		for _, m := range s.middlewares {
			handlerFunc = m(handlerFunc)
		}
		vars := mux.Vars(r)
		if vars == nil {
			vars = make(map[string]string)
		}
		if err := handlerFunc(ctx, w, r, vars); err != nil {
			log.G(ctx).WithError(err).WithFields(log.Fields{
				"method": r.Method,
				"uri":    r.RequestURI,
			}).Debug("handler returned an error")
			httputils.WriteError(ctx, w, err)
		}
	}
}

// CreateMux builds the router: every path funnels into the daemon's
// lifecycle handler.
func (s *Server) CreateMux(d http.Handler) *mux.Router {
	m := mux.NewRouter()
	m.PathPrefix("/").Handler(s.makeHTTPHandler(func(_ context.Context, w http.ResponseWriter, r *http.Request, _ map[string]string) error {
		d.ServeHTTP(w, r)
		return nil
	}))
	return m
}
