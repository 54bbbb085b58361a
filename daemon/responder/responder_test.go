package responder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"

	"github.com/latticeweb/lattice/daemon/config"
	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/daemon/session"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

func newEnv(t *testing.T, target, conf string) *reqenv.Env {
	t.Helper()
	dir := fs.NewDir(t, "responder", fs.WithFile("conf.hf", conf))
	t.Cleanup(dir.Remove)
	ov, err := config.NewOverlay(dir.Join("conf.hf"))
	assert.NilError(t, err)
	r := httptest.NewRequest(http.MethodGet, target, nil)
	return &reqenv.Env{
		Req:      reqenv.New(r, reqenv.Options{}),
		Res:      reqenv.NewResponse(),
		Conf:     ov,
		Expander: reqenv.IdentityExpander{},
	}
}

type stubResponder struct {
	Base
	name string
}

func (stubResponder) Compile(context.Context, *reqenv.Env) error { return nil }

func stubFactory(name string) Factory {
	return func(*reqenv.Env, *hub.Node) Responder { return stubResponder{name: name} }
}

func TestRegistrySelectNewestWins(t *testing.T) {
	env := newEnv(t, "http://x.example/p", "")
	reg := NewRegistry()
	assert.NilError(t, reg.Add("first", Criteria{}, stubFactory("first")))
	assert.NilError(t, reg.Add("second", Criteria{}, stubFactory("second")))

	inst, name := reg.Select(context.Background(), env, nil, "file-text")
	assert.Check(t, is.Equal(name, "second"))
	assert.Check(t, is.Equal(inst.(stubResponder).name, "second"))
}

func TestRegistryDecliningFactoryFallsThrough(t *testing.T) {
	env := newEnv(t, "http://x.example/p", "")
	reg := NewRegistry()
	assert.NilError(t, reg.Add("fallback", Criteria{}, stubFactory("fallback")))
	assert.NilError(t, reg.Add("picky", Criteria{}, func(*reqenv.Env, *hub.Node) Responder {
		return nil
	}))

	_, name := reg.Select(context.Background(), env, nil, "file-text")
	assert.Check(t, is.Equal(name, "fallback"))
}

func TestRegistryCriteria(t *testing.T) {
	env := newEnv(t, "http://x.example/img/pic.png?resize=200", "")
	reg := NewRegistry()
	assert.NilError(t, reg.Add("typed", Criteria{Typeof: "directory"}, stubFactory("typed")))
	assert.NilError(t, reg.Add("wrong-uri", Criteria{URIMatch: `\.txt$`}, stubFactory("wrong-uri")))
	assert.NilError(t, reg.Add("img", Criteria{
		URIMatch: `(?i)\.png$`,
		Param:    map[string]string{"resize": "200"},
	}, stubFactory("img")))

	_, name := reg.Select(context.Background(), env, nil, "file-binary")
	assert.Check(t, is.Equal(name, "img"))
}

func TestRegistryMatchMethod(t *testing.T) {
	docroot := fs.NewDir(t, "docroot")
	defer docroot.Remove()
	h, err := hub.New(docroot.Path())
	assert.NilError(t, err)
	assert.NilError(t, h.RegisterCode("/lib/is-report", func(_ context.Context, params *ordmap.Map) (interface{}, error) {
		uri, _ := params.Get("uri")
		if uri == "/reports/q3" {
			return "1", nil
		}
		return "0", nil
	}))

	env := newEnv(t, "http://x.example/reports/q3", "")
	env.Scope = hub.NewScope(h)
	reg := NewRegistry()
	assert.NilError(t, reg.Add("report", Criteria{MatchMethod: "/lib/is-report"}, stubFactory("report")))

	_, name := reg.Select(context.Background(), env, nil, "directory")
	assert.Check(t, is.Equal(name, "report"))

	env.Req.URI = "/elsewhere"
	_, name = reg.Select(context.Background(), env, nil, "directory")
	assert.Check(t, is.Equal(name, ""))
}

func TestRegistryRejectsBadPattern(t *testing.T) {
	reg := NewRegistry()
	err := reg.Add("broken", Criteria{URIMatch: "("}, stubFactory("broken"))
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func dirNode(t *testing.T, docroot *fs.Dir, uri string) (*reqenv.Env, *hub.Node) {
	t.Helper()
	h, err := hub.New(docroot.Path())
	assert.NilError(t, err)
	env := newEnv(t, "http://x.example"+uri, "")
	env.Scope = hub.NewScope(h)
	node, err := env.Scope.Get(env.Req.URI)
	assert.NilError(t, err)
	return env, node
}

func TestDirectoryRedirectsSlashless(t *testing.T) {
	docroot := fs.NewDir(t, "docroot", fs.WithDir("sub"))
	defer docroot.Remove()
	env, node := dirNode(t, docroot, "/sub?k=1")

	inst := NewDirectory(env, node)
	assert.Assert(t, inst != nil)
	assert.NilError(t, inst.Compile(context.Background(), env))
	assert.Check(t, is.Equal(env.Res.Status, http.StatusFound))
	assert.Check(t, is.Equal(env.Res.Headers.Get("Location"), "/sub/?k=1"))
}

func TestDirectoryServesIndex(t *testing.T) {
	docroot := fs.NewDir(t, "docroot",
		fs.WithDir("sub", fs.WithFile("index.html", "<html/>")))
	defer docroot.Remove()
	env, node := dirNode(t, docroot, "/sub/")

	inst := NewDirectory(env, node)
	assert.Assert(t, inst != nil)
	assert.NilError(t, inst.Compile(context.Background(), env))
	assert.Check(t, is.Equal(env.Res.InternalRedirect, "/sub/index.html"))
}

func TestDirectoryFallsBackToSitemap(t *testing.T) {
	docroot := fs.NewDir(t, "docroot", fs.WithDir("sub"))
	defer docroot.Remove()
	h, err := hub.New(docroot.Path())
	assert.NilError(t, err)

	env := newEnv(t, "http://x.example/sub/", "ext = {\n  sitemap = {\n    addr = /map.html\n  }\n}\n")
	env.Scope = hub.NewScope(h)
	node, err := env.Scope.Get("/sub")
	assert.NilError(t, err)

	inst := NewDirectory(env, node)
	assert.Assert(t, inst != nil)
	assert.NilError(t, inst.Compile(context.Background(), env))
	assert.Check(t, is.Equal(env.Res.InternalRedirect, "/map.html"))
}

func TestDirectoryWithoutIndexIsNotFound(t *testing.T) {
	docroot := fs.NewDir(t, "docroot", fs.WithDir("sub"))
	defer docroot.Remove()
	env, node := dirNode(t, docroot, "/sub/")

	inst := NewDirectory(env, node)
	assert.Assert(t, inst != nil)
	err := inst.Compile(context.Background(), env)
	assert.Check(t, errdefs.IsNotFound(err))
}

const redirectConf = `handlers = {
  redirect = {
    alias = {
      ^/docs/(.*)$ = /manual/$1
    }
    redirect = {
      ^/old$ = /new
    }
    gone = {
      ^/retired$ = -
    }
  }
}
`

func TestRedirectAlias(t *testing.T) {
	env := newEnv(t, "http://x.example/docs/intro", redirectConf)
	inst := NewRedirect(env, nil)
	assert.Assert(t, inst != nil)
	assert.NilError(t, inst.Compile(context.Background(), env))
	assert.Check(t, is.Equal(env.Res.InternalRedirect, "/manual/intro"))
}

func TestRedirectMoved(t *testing.T) {
	env := newEnv(t, "http://x.example/old", redirectConf)
	inst := NewRedirect(env, nil)
	assert.Assert(t, inst != nil)
	assert.NilError(t, inst.Compile(context.Background(), env))
	assert.Check(t, is.Equal(env.Res.Status, http.StatusMovedPermanently))
	assert.Check(t, is.Equal(env.Res.Headers.Get("Location"), "/new"))
}

func TestRedirectGone(t *testing.T) {
	env := newEnv(t, "http://x.example/retired", redirectConf)
	inst := NewRedirect(env, nil)
	assert.Assert(t, inst != nil)
	assert.NilError(t, inst.Compile(context.Background(), env))
	assert.Check(t, is.Equal(env.Res.Status, http.StatusGone))
	assert.Check(t, env.Res.Standalone)
}

func TestRedirectDeclinesUnmatched(t *testing.T) {
	env := newEnv(t, "http://x.example/live", redirectConf)
	assert.Check(t, NewRedirect(env, nil) == nil)
}

func fileNode(t *testing.T, docroot *fs.Dir, uri string) (*reqenv.Env, *hub.Node) {
	t.Helper()
	h, err := hub.New(docroot.Path())
	assert.NilError(t, err)
	env := newEnv(t, "http://x.example"+uri, "")
	env.Scope = hub.NewScope(h)
	node, err := env.Scope.Get(env.Req.URI)
	assert.NilError(t, err)
	return env, node
}

func TestStandardExpandsText(t *testing.T) {
	docroot := fs.NewDir(t, "docroot", fs.WithFile("page.html", "hello"))
	defer docroot.Remove()
	env, node := fileNode(t, docroot, "/page.html")

	inst := NewStandard(env, node)
	assert.Assert(t, inst != nil)
	assert.NilError(t, inst.Compile(context.Background(), env))
	assert.Check(t, is.Equal(string(env.Res.Body), "hello"))
	assert.Check(t, env.Res.CanCache)
	assert.Check(t, is.Equal(env.Res.SendFile, ""))
}

func TestStandardSendsBinary(t *testing.T) {
	docroot := fs.NewDir(t, "docroot", fs.WithFile("pic.png", "\x89PNG"))
	defer docroot.Remove()
	env, node := fileNode(t, docroot, "/pic.png")

	inst := NewStandard(env, node)
	assert.Assert(t, inst != nil)
	assert.NilError(t, inst.Compile(context.Background(), env))
	assert.Check(t, env.Res.Binmode)
	assert.Check(t, is.Equal(env.Res.SendFile, docroot.Join("pic.png")))
	assert.Check(t, is.Equal(env.Res.Headers.Get("Content-Type"), "image/png"))
}

func TestAuthTokenCommand(t *testing.T) {
	tmp := fs.NewDir(t, "sessions")
	defer tmp.Remove()
	env := newEnv(t, "http://x.example/api/auth/token", "")
	env.Sessions = session.NewManager(tmp.Path(), nil)
	env.Req.SID, _ = env.Sessions.EnsureSID("")

	inst := NewAuth(env, nil)
	assert.Assert(t, inst != nil)
	assert.NilError(t, inst.Compile(context.Background(), env))

	body, ok := env.Res.Envelope.Body.(*ordmap.Map)
	assert.Assert(t, ok)
	tk, ok := body.Get("token")
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(len(tk.(string)), 32))
}

func TestAuthDeclinesOffBase(t *testing.T) {
	env := newEnv(t, "http://x.example/elsewhere", "")
	assert.Check(t, NewAuth(env, nil) == nil)
}

func TestAuthUnknownCommand(t *testing.T) {
	env := newEnv(t, "http://x.example/api/auth/bogus", "")
	inst := NewAuth(env, nil)
	assert.Assert(t, inst != nil)
	err := inst.Compile(context.Background(), env)
	assert.Check(t, errdefs.IsInvalidParameter(err))
}
