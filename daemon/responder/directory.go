package responder

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/hub/address"
)

// Directory answers requests that resolve to a filesystem directory:
// slashless URIs bounce externally to the slashed form, slashed ones
// restart internally on the index document or the configured sitemap.
type Directory struct {
	Base
	dir *hub.Directory
}

// NewDirectory is the factory for directory nodes.
func NewDirectory(env *reqenv.Env, node *hub.Node) Responder {
	if node == nil {
		return nil
	}
	dir, ok := node.Value().(*hub.Directory)
	if !ok {
		return nil
	}
	return &Directory{dir: dir}
}

// Compile implements Responder.
func (d *Directory) Compile(ctx context.Context, env *reqenv.Env) error {
	req, res := env.Req, env.Res
	if !req.TrailingSlash && !address.IsRoot(req.URI) {
		loc := req.URI + address.Separator
		if req.RawQuery != "" {
			loc += "?" + req.RawQuery
		}
		res.Redirect(loc, http.StatusFound)
		return nil
	}

	index := env.Conf.GetString("handlers/response/index", "index.html")
	if ok, err := d.dir.Has(index); err == nil && ok {
		res.InternalRedirect = address.Append(req.URI, index)
		return nil
	}

	if sitemap := env.Conf.GetString("ext/sitemap/addr", ""); sitemap != "" {
		res.InternalRedirect = sitemap
		return nil
	}
	return errdefs.NotFound(errors.Errorf("%s has no index", req.URI))
}
