package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"

	"github.com/latticeweb/lattice/api/types"
	"github.com/latticeweb/lattice/daemon/config"
	"github.com/latticeweb/lattice/daemon/reqenv"
)

const pageHTML = "<html><head></head><body>hello</body></html>\n"

func testDaemon(t *testing.T, extraConf string) *Daemon {
	t.Helper()
	tmp := fs.NewDir(t, "lattice-tmp")
	t.Cleanup(tmp.Remove)
	docroot := fs.NewDir(t, "docroot",
		fs.WithFile("page.html", pageHTML),
		fs.WithFile("data.hf", "title = Example\n"),
		fs.WithDir("sub",
			fs.WithFile("index.html", "<html><body>sub index</body></html>\n"),
		),
		fs.WithDir("static",
			fs.WithFile("plain.txt", "static bytes\n"),
		),
		fs.WithDir("secret",
			fs.WithFile("x.html", "<html><body>secret</body></html>\n"),
		),
		fs.WithDir("res",
			fs.WithDir("login",
				fs.WithFile("index.html", "<html><body>please log in</body></html>\n"),
			),
		),
		fs.WithFile("conf.hf", "sys_tmp_dir = "+tmp.Path()+"\n"+extraConf),
	)
	t.Cleanup(docroot.Remove)

	d, err := New(&config.Daemon{
		Listen: "127.0.0.1:0",
		Vhosts: []config.Vhost{{
			Hostname: "example.test",
			DocRoot:  docroot.Path(),
			Configs:  []string{docroot.Join("conf.hf")},
		}},
	}, nil)
	assert.NilError(t, err)
	t.Cleanup(d.Shutdown)
	return d
}

func doGet(t *testing.T, d *Daemon, target string, hdrs ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://example.test"+target, nil)
	for i := 0; i < len(hdrs); i += 2 {
		req.Header.Set(hdrs[i], hdrs[i+1])
	}
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	return rec
}

func TestServeTextFile(t *testing.T) {
	d := testDaemon(t, "")
	rec := doGet(t, d, "/page.html")

	assert.Check(t, is.Equal(rec.Code, http.StatusOK))
	assert.Check(t, is.Contains(rec.Body.String(), "hello"))
	assert.Check(t, is.Equal(rec.Header().Get("Cache-Control"), "must-revalidate"))
	assert.Check(t, strings.Contains(rec.Header().Get("Content-Type"), "text/html"))

	// the browser-session cookie rolls on every response with a fresh
	// expiry
	cookies := rec.Result().Cookies()
	assert.Check(t, len(cookies) >= 1)
	assert.Check(t, is.Equal(len(cookies[0].Value), 33))
	assert.Check(t, cookies[0].Expires.After(time.Now()))
}

func TestSysIsForbidden(t *testing.T) {
	d := testDaemon(t, "")
	rec := doGet(t, d, "/sys/server")
	assert.Check(t, is.Equal(rec.Code, http.StatusForbidden))
}

func TestForbiddenPattern(t *testing.T) {
	d := testDaemon(t, "handlers = {\n  access = {\n    forbidden = [\n      ^/secret/\n    ]\n  }\n}\n")
	rec := doGet(t, d, "/secret/x.html")
	assert.Check(t, is.Equal(rec.Code, http.StatusForbidden))
}

func TestDirectoryRedirectsWithoutSlash(t *testing.T) {
	d := testDaemon(t, "")
	rec := doGet(t, d, "/sub")
	assert.Check(t, is.Equal(rec.Code, http.StatusFound))
	assert.Check(t, is.Equal(rec.Header().Get("Location"), "/sub/"))
}

func TestDirectoryServesIndex(t *testing.T) {
	d := testDaemon(t, "")
	rec := doGet(t, d, "/sub/")
	assert.Check(t, is.Equal(rec.Code, http.StatusOK))
	assert.Check(t, is.Contains(rec.Body.String(), "sub index"))
}

func TestTrailingSlashOnFileIsNotFound(t *testing.T) {
	d := testDaemon(t, "")
	rec := doGet(t, d, "/page.html/")
	assert.Check(t, is.Equal(rec.Code, http.StatusNotFound))
}

func TestCachedResponseRevalidates(t *testing.T) {
	d := testDaemon(t, "")

	first := doGet(t, d, "/page.html")
	assert.Check(t, is.Equal(first.Code, http.StatusOK))
	etag := first.Header().Get("ETag")
	assert.Check(t, etag != "")

	since := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	second := doGet(t, d, "/page.html", "If-Modified-Since", since)
	assert.Check(t, is.Equal(second.Code, http.StatusNotModified))
	assert.Check(t, is.Equal(second.Header().Get("ETag"), etag))
	// the 304 replays the stored headers
	assert.Check(t, strings.Contains(second.Header().Get("Content-Type"), "text/html"))
	assert.Check(t, is.Equal(second.Body.Len(), 0))
}

func TestCacheInvalidatedByFileChange(t *testing.T) {
	d := testDaemon(t, "")
	first := doGet(t, d, "/page.html")
	assert.Check(t, is.Equal(first.Code, http.StatusOK))

	p := filepath.Join(d.conf.Vhosts[0].DocRoot, "page.html")
	assert.NilError(t, os.WriteFile(p, []byte("<html><body>changed</body></html>\n"), 0o644))
	future := time.Now().Add(time.Hour)
	assert.NilError(t, os.Chtimes(p, future, future))

	// the stale entry must not satisfy revalidation once its source moved
	since := time.Now().Add(2 * time.Hour).UTC().Format(http.TimeFormat)
	rec := doGet(t, d, "/page.html", "If-Modified-Since", since)
	assert.Check(t, is.Equal(rec.Code, http.StatusOK))
	assert.Check(t, is.Contains(rec.Body.String(), "changed"))
}

func TestNoStoreResponseIsNotStored(t *testing.T) {
	d := testDaemon(t, "")
	v, err := d.vhost(d.conf.Vhosts[0])
	assert.NilError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/volatile.html", nil)
	r := reqenv.New(req, reqenv.Options{})
	res := reqenv.NewResponse()
	res.Status = http.StatusOK
	res.CanCache = true
	res.Body = []byte("volatile")
	res.Headers.Set("Cache-Control", "no-store")

	rtag, rtagStr := r.Fingerprint()
	c := &requestCycle{
		d:            d,
		v:            v,
		env:          &reqenv.Env{Req: r, Res: res, Conf: v.conf, Cache: v.cache},
		rtag:         rtag,
		rtagStr:      rtagStr,
		cacheEnabled: true,
		compiled:     true,
		deps:         map[string]int64{},
	}
	c.updateCache(context.Background())

	m, err := v.cache.Load(rtag)
	assert.NilError(t, err)
	assert.Check(t, is.Nil(m))
}

func TestPermissionDeniedServesLoginPage(t *testing.T) {
	d := testDaemon(t, "permissions = {\n  ^/secret/ = *=NONE\n}\n")
	rec := doGet(t, d, "/secret/x.html")

	assert.Check(t, is.Equal(rec.Code, http.StatusUnauthorized))
	assert.Check(t, is.Equal(rec.Header().Get("WWW-Authenticate"), "Web"))
	assert.Check(t, is.Contains(rec.Body.String(), "please log in"))
}

func TestEnvelopeIsTheFailureChannel(t *testing.T) {
	d := testDaemon(t, "")
	rec := doGet(t, d, "/missing.html", "Accept", "application/json")

	assert.Check(t, is.Equal(rec.Code, http.StatusOK))
	var env types.Envelope
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Assert(t, env.Head.Error != nil)
	assert.Check(t, is.Equal(env.Head.Error.Type, "DoesNotExist"))
}

func TestIgnoredURIPassesThrough(t *testing.T) {
	d := testDaemon(t, "handlers = {\n  response = {\n    ignore = [\n      ^/static/\n    ]\n  }\n}\n")
	rec := doGet(t, d, "/static/plain.txt")
	assert.Check(t, is.Equal(rec.Code, http.StatusOK))
	assert.Check(t, is.Equal(rec.Body.String(), "static bytes\n"))
}

func TestHubAPIFetchEndToEnd(t *testing.T) {
	d := testDaemon(t, "")
	rec := doGet(t, d, "/api/hub/fetch?target=/data.hf/title",
		"Accept", "application/json",
		"Referer", "http://example.test/")

	assert.Check(t, is.Equal(rec.Code, http.StatusOK))
	var env types.Envelope
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Assert(t, env.Head.Meta != nil)
	assert.Check(t, is.Equal(env.Head.Meta.Addr, "/data.hf/title"))
	assert.Check(t, is.Equal(env.Body, interface{}("Example")))
}

func TestHubAPIFetchDirectoryListing(t *testing.T) {
	d := testDaemon(t, "")
	rec := doGet(t, d, "/api/hub/fetch?target=/sub",
		"Accept", "application/json",
		"Referer", "http://example.test/")
	assert.Check(t, is.Equal(rec.Code, http.StatusOK))

	var env types.Envelope
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	body, ok := env.Body.(map[string]interface{})
	assert.Assert(t, ok)
	names := make([]string, 0, len(body))
	for name := range body {
		names = append(names, name)
	}
	sort.Strings(names)
	if diff := cmp.Diff([]string{"index.html"}, names); diff != "" {
		t.Fatalf("unexpected listing (-want +got):\n%s", diff)
	}
	entry, ok := body["index.html"].(map[string]interface{})
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(entry["addr"], interface{}("/sub/index.html")))
}

func TestCrossOriginAPIRequestRefused(t *testing.T) {
	d := testDaemon(t, "")
	rec := doGet(t, d, "/api/hub/fetch?target=/data.hf/title",
		"Referer", "http://evil.example/")
	assert.Check(t, is.Equal(rec.Code, http.StatusForbidden))
}

func TestUnknownHostIsNotFound(t *testing.T) {
	d := testDaemon(t, "")
	req := httptest.NewRequest(http.MethodGet, "http://other.test/page.html", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Check(t, is.Equal(rec.Code, http.StatusNotFound))
}

func TestConfigRuleOverridesBuiltin(t *testing.T) {
	d := testDaemon(t, "handlers = {\n  response = {\n    responders = {\n      blank = {\n        uri_match = ^/page\\.html$\n        implementation = empty\n      }\n    }\n  }\n}\n")
	rec := doGet(t, d, "/page.html")
	assert.Check(t, is.Equal(rec.Code, http.StatusOK))
	assert.Check(t, is.Equal(rec.Body.Len(), 0))
}

func TestRequestHistoryRing(t *testing.T) {
	d := testDaemon(t, "debug = {\n  req_hist_size = 2\n}\n")
	for i := 0; i < 3; i++ {
		doGet(t, d, "/page.html")
	}
	v, err := d.vhost(d.conf.Vhosts[0])
	assert.NilError(t, err)
	assert.Check(t, is.Equal(v.reqHistList().Len(), 2))
}
