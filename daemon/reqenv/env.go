package reqenv

import (
	"context"
	"time"

	"github.com/latticeweb/lattice/daemon/config"
	"github.com/latticeweb/lattice/daemon/rescache"
	"github.com/latticeweb/lattice/daemon/session"
	"github.com/latticeweb/lattice/hub"
)

// Expander is the template engine contract responders format content
// through. The default expander is the identity.
type Expander interface {
	Expand(ctx context.Context, env *Env, content string) (string, error)
}

// Converter is the image transform contract. A nil or disabled converter
// makes the image responder report conversion unavailable.
type Converter interface {
	// Convert derives a transformed image file from src, returning the
	// path of the generated file.
	Convert(ctx context.Context, src string, params map[string]string) (string, error)
}

// Subrequester runs a nested request against the same /sys scope and
// returns the produced response.
type Subrequester interface {
	Subrequest(ctx context.Context, env *Env, uri string) (*Response, error)
}

// Env is the environment handle a responder receives: the request pair,
// the hub scope, the vhost's shared services, and the external
// collaborators. Legacy designs made this process-global state; here it
// is passed explicitly.
type Env struct {
	Req *Request
	Res *Response

	Scope    *hub.Scope
	Conf     *config.Overlay
	Sessions *session.Manager
	Cache    *rescache.Cache
	Perms    *session.Table
	User     *session.User

	Expander  Expander
	Converter Converter
	Subreq    Subrequester

	// TmpDir is the vhost's sys_tmp_dir.
	TmpDir string
	// DocRoot is the vhost's document root.
	DocRoot string
	// ServerName is the configured vhost hostname ("ANY" disables the
	// same-origin check).
	ServerName string
}

// Now returns the request's time source.
func (e *Env) Now() time.Time { return time.Now() }

// IdentityExpander is the default template engine: it returns content
// unchanged.
type IdentityExpander struct{}

// Expand implements Expander.
func (IdentityExpander) Expand(_ context.Context, _ *Env, content string) (string, error) {
	return content, nil
}
