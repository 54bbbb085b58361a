package responder

import (
	"context"
	"net/http"
	"regexp"

	"github.com/containerd/log"

	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/hub"
)

// Redirect kinds, in the order the tables are consulted.
const (
	redirAlias = "alias"
	redirMoved = "redirect"
	redirGone  = "gone"
)

// Redirect applies the config-declared alias, redirect and gone tables.
// The factory declines when no table entry matches, letting dispatch fall
// through to the content responders.
type Redirect struct {
	Base
	kind   string
	target string
}

// NewRedirect is the factory for the redirect tables. Each table under
// handlers/redirect/<kind> maps a URI regex to a target (ignored for
// gone). Entries are tried in order; regex capture groups expand into
// the target.
func NewRedirect(env *reqenv.Env, _ *hub.Node) Responder {
	for _, kind := range []string{redirAlias, redirMoved, redirGone} {
		table := env.Conf.GetMap("handlers/redirect/" + kind)
		if table == nil {
			continue
		}
		var found *Redirect
		table.Range(func(expr string, value interface{}) bool {
			re, err := regexp.Compile(expr)
			if err != nil {
				log.L.WithError(err).Warnf("redirect pattern %q", expr)
				return true
			}
			if !re.MatchString(env.Req.URI) {
				return true
			}
			target, _ := hub.ScalarText(value)
			found = &Redirect{
				kind:   kind,
				target: re.ReplaceAllString(env.Req.URI, target),
			}
			return false
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// Compile implements Responder.
func (r *Redirect) Compile(_ context.Context, env *reqenv.Env) error {
	res := env.Res
	switch r.kind {
	case redirAlias:
		res.InternalRedirect = r.target
	case redirMoved:
		res.Redirect(r.target, http.StatusMovedPermanently)
	case redirGone:
		res.Status = http.StatusGone
		res.Standalone = true
	}
	return nil
}
