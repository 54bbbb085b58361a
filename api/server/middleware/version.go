package middleware

import (
	"context"
	"net/http"

	"github.com/latticeweb/lattice/api/server/httputils"
)

// ServerHeaderMiddleware stamps every response with the Server header so
// clients and proxies can identify the software.
func ServerHeaderMiddleware(software string) Middleware {
	return func(handler httputils.APIFunc) httputils.APIFunc {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
			w.Header().Set("Server", software)
			return handler(ctx, w, r, vars)
		}
	}
}
