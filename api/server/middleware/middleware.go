// Package middleware wraps API handlers with cross-cutting request
// behavior: debug body dumps and the server identification header.
package middleware

import "github.com/latticeweb/lattice/api/server/httputils"

// Middleware is an adapter to allow the use of ordinary functions as API
// filters. Any function with the appropriate signature can be registered
// as a middleware.
type Middleware func(handler httputils.APIFunc) httputils.APIFunc
