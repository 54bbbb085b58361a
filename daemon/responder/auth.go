package responder

import (
	"context"
	"net/http"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/api/types"
	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/hub/address"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// DefaultAuthURI is where the auth responder answers unless
// handlers/auth/uri overrides it.
const DefaultAuthURI = "/api/auth"

// Auth drives the login protocol over HTTP: token hands out the current
// auth token, login validates the hash chain and sets the credential
// cookie, logout tears the login down.
type Auth struct {
	Base
}

// NewAuth is the factory for the auth endpoint.
func NewAuth(env *reqenv.Env, _ *hub.Node) Responder {
	base := env.Conf.GetString("handlers/auth/uri", DefaultAuthURI)
	if !address.HasPrefix(env.Req.URI, base) {
		return nil
	}
	return &Auth{}
}

// CanPost implements Responder: login posts the credential form.
func (Auth) CanPost() bool { return true }

// MaxPostSize implements Responder. Credential posts are tiny.
func (Auth) MaxPostSize() int64 { return 16 * 1024 }

// Compile implements Responder.
func (a *Auth) Compile(ctx context.Context, env *reqenv.Env) error {
	cmd := env.Req.XArg("X-Command")
	if cmd == "" {
		base := env.Conf.GetString("handlers/auth/uri", DefaultAuthURI)
		segs := address.Split(env.Req.URI)
		if len(segs) > address.Depth(base) {
			cmd = segs[address.Depth(base)]
		}
	}
	switch cmd {
	case "token":
		return a.token(env)
	case "login":
		return a.login(ctx, env)
	case "logout":
		return a.logout(ctx, env)
	}
	return errdefs.InvalidParameter(errors.Errorf("unknown auth command %q", cmd))
}

func envelope(body interface{}) *types.Envelope {
	return &types.Envelope{Head: types.Head{Meta: &types.Meta{Type: "data-hash"}}, Body: body}
}

func (a *Auth) token(env *reqenv.Env) error {
	tk, err := env.Sessions.Token(env.Req.SID)
	if err != nil {
		return err
	}
	body := ordmap.New()
	body.Set("token", tk)
	env.Res.Envelope = envelope(body)
	return nil
}

func (a *Auth) login(ctx context.Context, env *reqenv.Env) error {
	params, err := env.Req.CGI()
	if err != nil {
		return err
	}
	un := paramText(params, "un")
	h2 := paramText(params, "h2")
	if un == "" || h2 == "" {
		return errdefs.InvalidParameter(errors.New("un and h2 are required"))
	}
	k, v, err := env.Sessions.Login(env.Req.SID, un, h2)
	if err != nil {
		return err
	}
	log.G(ctx).WithField("un", un).Info("login")
	env.Res.SetCookie(&http.Cookie{
		Name:     k,
		Value:    v,
		Path:     "/",
		HttpOnly: true,
	})
	body := ordmap.New()
	body.Set("un", un)
	env.Res.Envelope = envelope(body)
	return nil
}

func (a *Auth) logout(ctx context.Context, env *reqenv.Env) error {
	k := env.Sessions.AuthCookieName(env.Req.SID)
	v := env.Req.Cookie(k)
	if err := env.Sessions.Logout(env.Req.SID, v); err != nil {
		return err
	}
	log.G(ctx).Info("logout")
	if k != "" {
		env.Res.SetCookie(&http.Cookie{Name: k, Value: "", Path: "/", MaxAge: -1})
	}
	env.Res.Envelope = envelope(nil)
	return nil
}

func paramText(m *ordmap.Map, key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := hub.ScalarText(v)
	return s
}
