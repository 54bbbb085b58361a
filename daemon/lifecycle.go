package daemon

import (
	"context"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/api/types"
	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/daemon/rescache"
	"github.com/latticeweb/lattice/daemon/responder"
	"github.com/latticeweb/lattice/daemon/session"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/hub/address"
	"github.com/latticeweb/lattice/pkg/ioutils"
)

const (
	// maxRedirectDepth bounds internal redirect chains.
	maxRedirectDepth = 10

	defaultLoginPage   = "/res/login/index.html"
	defaultAuthTimeout = 30 * time.Minute

	softwareName = "lattice"
)

// requestCycle carries one request through the lifecycle phases.
type requestCycle struct {
	d *Daemon
	v *Vhost

	env      *reqenv.Env
	registry *responder.Registry
	forbidden []*regexp.Regexp
	ignore    []*regexp.Regexp

	node   *hub.Node
	typeof string
	resp   responder.Responder

	cookieKey string

	// response cache state
	rtag         string
	rtagStr      string
	locked       bool
	cacheEnabled bool
	meta         *rescache.Meta
	fromCache    bool
	notModified  bool
	compiled     bool
	deps         map[string]int64

	passThrough bool
	started     time.Time
}

func (d *Daemon) serveRequest(v *Vhost, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	started := v.clock.Now()

	// new-request-cycle: config refresh and filesystem cache expiry
	v.refresh(ctx)
	v.hub.Expire()
	perms, registry, opts, forbidden, ignore := v.snapshot()

	req := reqenv.New(r, opts)
	res := reqenv.NewResponse()
	scope := hub.NewScope(v.hub)
	env := &reqenv.Env{
		Req:        req,
		Res:        res,
		Scope:      scope,
		Conf:       v.conf,
		Sessions:   v.sessions,
		Cache:      v.cache,
		Perms:      perms,
		Expander:   reqenv.IdentityExpander{},
		TmpDir:     v.tmpDir,
		DocRoot:    v.DocRoot,
		ServerName: v.Hostname,
	}
	c := &requestCycle{
		d:         d,
		v:         v,
		env:       env,
		registry:  registry,
		forbidden: forbidden,
		ignore:    ignore,
		deps:      map[string]int64{},
		started:   started,
	}
	env.Subreq = c

	c.bindSys()
	c.run(ctx)
	if c.passThrough {
		c.servePassThrough(w, r)
		return
	}
	c.send(ctx, w)
	c.cleanup(ctx)
}

// phase runs fn and records its duration in the phase metric and the
// /sys/stopwatch tree.
func (c *requestCycle) phase(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	requestActions.WithValues(name).Update(elapsed)
	_ = c.env.Scope.SetSys("/sys/stopwatch/"+name, elapsed.Seconds())
	return err
}

// bindSys seeds the per-request /sys tree.
func (c *requestCycle) bindSys() {
	s := c.env.Scope
	_ = s.SetSys("/sys/server/hostname", c.v.Hostname)
	_ = s.SetSys("/sys/server/port", c.v.Port)
	_ = s.SetSys("/sys/server/doc_root", c.v.DocRoot)
	_ = s.SetSys("/sys/server/software", softwareName)
	_ = s.SetSys("/sys/server/req_hist", c.v.reqHistList())
	_ = s.SetSys("/sys/request/method", c.env.Req.Method)
	_ = s.SetSys("/sys/request/scheme", c.env.Req.Scheme)
	_ = s.SetSys("/sys/request/uri", c.env.Req.URI)
	_ = s.SetSys("/sys/request/hostname", c.env.Req.Hostname)
}

// run drives map / header-parse / fixup / respond, looping on internal
// redirects.
func (c *requestCycle) run(ctx context.Context) {
	for depth := 0; ; depth++ {
		if depth > maxRedirectDepth {
			c.fail(ctx, errdefs.System(errTooDeep(c.env.Req.URI)))
			return
		}
		if err := c.phase("map", func() error { return c.mapToStorage(ctx) }); err != nil {
			c.fail(ctx, err)
			return
		}
		if c.passThrough {
			return
		}
		if depth == 0 {
			if err := c.phase("header_parse", func() error { return c.headerParse(ctx) }); err != nil {
				c.fail(ctx, err)
				return
			}
		}
		if err := c.phase("fixup", func() error { return c.fixup(ctx) }); err != nil {
			c.fail(ctx, err)
			return
		}
		if !c.fromCache && !c.notModified && !c.compiled {
			if err := c.phase("respond", func() error { return c.respond(ctx) }); err != nil {
				c.fail(ctx, err)
				return
			}
		}
		next := c.env.Res.InternalRedirect
		if next == "" {
			return
		}
		c.restartOn(next)
	}
}

// restartOn rewinds the cycle for an internal redirect, keeping the
// session state and any queued cookies.
func (c *requestCycle) restartOn(next string) {
	uri, query := next, ""
	if i := strings.IndexByte(next, '?'); i >= 0 {
		uri, query = next[:i], next[i+1:]
	}
	c.env.Req.PushURI(address.Normalize(uri))
	if query != "" {
		c.env.Req.RawQuery = query
	}
	res := reqenv.NewResponse()
	res.Cookies = c.env.Res.Cookies
	c.env.Res = res

	c.node = nil
	c.typeof = ""
	c.resp = nil
	c.unlockCache()
	c.meta = nil
	c.fromCache = false
	c.notModified = false
	c.compiled = false
	c.cacheEnabled = false
	c.deps = map[string]int64{}
}

// mapToStorage resolves the URI against the hub and rejects forbidden
// addresses. Ignored URIs are served straight from the docroot.
func (c *requestCycle) mapToStorage(ctx context.Context) error {
	req := c.env.Req
	if address.HasPrefix(req.URI, hub.SysBase) {
		return errdefs.Forbidden(errForbiddenURI(req.URI))
	}
	for _, re := range c.forbidden {
		if re.MatchString(req.URI) {
			return errdefs.Forbidden(errForbiddenURI(req.URI))
		}
	}
	for _, re := range c.ignore {
		if re.MatchString(req.URI) {
			c.passThrough = true
			return nil
		}
	}

	n, err := c.env.Scope.Get(req.URI)
	if err != nil {
		if errdefs.IsNotFound(err) {
			// dispatch may still produce a response (redirect tables,
			// endpoint responders)
			return nil
		}
		return err
	}
	if req.TrailingSlash && !n.IsContainer() {
		return errdefs.NotFound(errNoSuchNode(req.URI + address.Separator))
	}
	c.node = n
	c.typeof = c.v.hub.Typeof(n)
	return nil
}

// headerParse derives the session identity: the cookie key, the SID and
// the authenticated user if the auth cookie checks out.
func (c *requestCycle) headerParse(ctx context.Context) error {
	req := c.env.Req
	conf := c.env.Conf

	var refererHost string
	if ref := req.Headers.Get("Referer"); ref != "" {
		if i := strings.Index(ref, "://"); i >= 0 {
			rest := ref[i+3:]
			if j := strings.IndexAny(rest, "/:"); j >= 0 {
				rest = rest[:j]
			}
			refererHost = rest
		}
	}
	var forwarded []string
	if xff := req.Headers.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if p := strings.TrimSpace(part); p != "" {
				forwarded = append(forwarded, p)
			}
		}
	}
	c.cookieKey = session.CookieKey(session.CookieKeyParts{
		Scheme:          req.Scheme,
		Hostname:        req.Hostname,
		ForwardedFor:    forwarded,
		RefererHostname: refererHost,
		ShareSchemes:    conf.GetBool("session/share_http_schemes"),
	})

	sid, fresh := c.env.Sessions.EnsureSID(req.Cookie(c.cookieKey))
	req.SID, req.SIDFresh = sid, fresh
	if fresh {
		sessionsCounter.Inc()
	}
	_ = c.env.Scope.SetSys("/sys/session/sid", sid)

	authKey := c.env.Sessions.AuthCookieName(sid)
	if cv := req.Cookie(authKey); cv != "" {
		timeout := conf.GetLifetime("handlers/auth/timeout", defaultAuthTimeout)
		user, err := c.env.Sessions.Authenticate(sid, cv, timeout)
		if err != nil {
			log.G(ctx).WithError(err).WithField("sid", sid).Debug("session authentication failed")
		} else {
			c.env.User = user
			req.Username = user.Name
			req.Groups = user.Groups
			_ = c.env.Scope.SetSys("/sys/user/un", user.Name)
		}
	}
	return nil
}

// fixup attaches the responder, enforces permissions, and consults the
// response cache. Directory responders run here directly.
func (c *requestCycle) fixup(ctx context.Context) error {
	env := c.env
	resp, rule := c.registry.Select(ctx, env, c.node, c.typeof)
	if resp == nil {
		return errdefs.NotFound(errNoSuchNode(env.Req.URI))
	}
	c.resp = resp
	log.G(ctx).WithFields(log.Fields{"uri": env.Req.URI, "rule": rule}).Debug("responder attached")

	if env.Perms != nil && !env.Perms.Allowed(env.Req.URI, env.User, resp.PermissionMode()) {
		return errdefs.AccessDenied(errNotAuthorized(env.Req.URI))
	}

	if strings.HasPrefix(c.typeof, hub.TagDirectory) {
		c.compiled = true
		return resp.Compile(ctx, env)
	}

	if env.Req.Method != http.MethodGet || env.Conf.GetBool("debug/disable_cache") {
		return nil
	}
	c.rtag, c.rtagStr = env.Req.Fingerprint()
	env.Cache.Lock(c.rtag)
	c.locked = true
	c.cacheEnabled = true

	meta, err := env.Cache.Load(c.rtag)
	if err != nil {
		log.G(ctx).WithError(err).Warn("loading cache meta")
	}
	newest := env.Cache.Validate(meta, env.Conf.Mtime())
	if meta != nil && !newest.IsZero() {
		cacheHits.Inc()
		c.meta = meta
		if c.modifiedSinceSatisfied(newest) {
			c.notModified = true
			env.Res.Status = http.StatusNotModified
			replayHeaders(env.Res, meta)
			env.Res.ETag = meta.Etag
			return nil
		}
		return c.serveCached(meta, newest)
	}
	cacheMisses.Inc()
	c.meta = meta
	env.Scope.OnAccess(func(e hub.AccessEntry) {
		if _, seen := c.deps[e.Path]; seen {
			return
		}
		if e.Mtime.IsZero() {
			c.deps[e.Path] = rescache.DepMissing
			return
		}
		c.deps[e.Path] = rescache.Stamp(e.Mtime)
	})
	return nil
}

// replayHeaders restores the headers recorded at store time. Set-Cookie
// and Last-Modified were stripped there and are recomputed at send.
func replayHeaders(res *reqenv.Response, m *rescache.Meta) {
	for name, vals := range m.Headers {
		for _, v := range vals {
			res.Headers.Add(name, v)
		}
	}
}

func (c *requestCycle) modifiedSinceSatisfied(newest time.Time) bool {
	ims := c.env.Req.Headers.Get("If-Modified-Since")
	if ims == "" {
		return false
	}
	since, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return !newest.Truncate(time.Second).After(since)
}

// serveCached replays the stored response.
func (c *requestCycle) serveCached(m *rescache.Meta, newest time.Time) error {
	res := c.env.Res
	if m.SendFile != "" {
		res.SendFile = m.SendFile
	} else {
		body, err := os.ReadFile(c.env.Cache.BodyPath(m.Etag))
		if err != nil {
			// stale meta without its blob: recompile
			c.meta = nil
			cacheMisses.Inc()
			return nil
		}
		res.Body = body
		res.Standalone = true
	}
	replayHeaders(res, m)
	res.ETag = m.Etag
	res.Mtime = newest
	c.fromCache = true
	return nil
}

// respond runs the live compile: body admission, input filtering, and
// the responder itself.
func (c *requestCycle) respond(ctx context.Context) error {
	env := c.env
	req := env.Req

	hasBody := req.Body != nil && (req.ContentLength > 0 || req.ContentLength == -1)
	if hasBody && (req.Method == http.MethodPost || req.Method == http.MethodPut) {
		if !c.resp.CanPost() {
			return errdefs.InvalidParameter(errNoPost(req.URI))
		}
		limit := c.resp.MaxPostSize()
		if limit > 0 && req.ContentLength > limit {
			return errdefs.Conflict(errTooLarge(req.ContentLength, limit))
		}
		var reader io.Reader = req.Body
		if limit > 0 {
			reader = io.LimitReader(req.Body, limit+1)
		}
		orig := req.Body
		req.Body = ioutils.NewReadCloserWrapper(c.resp.InputFilter(env, reader), orig.Close)
	}

	_ = env.Scope.SetSys("/sys/log/access", len(env.Scope.AccessLog()))
	c.compiled = true
	return c.resp.Compile(ctx, env)
}

// Subrequest implements reqenv.Subrequester: a nested request sharing
// the parent's scope, run through map / fixup / respond without send or
// cleanup.
func (c *requestCycle) Subrequest(ctx context.Context, env *reqenv.Env, uri string) (*reqenv.Response, error) {
	if env.Req.Depth >= maxRedirectDepth {
		return nil, errdefs.System(errTooDeep(uri))
	}
	subReq := *env.Req
	subReq.URI = address.Normalize(uri)
	subReq.RawQuery = ""
	subReq.QS = nil
	subReq.Body = nil
	subReq.ContentLength = 0
	subReq.Method = http.MethodGet
	subReq.Depth = env.Req.Depth + 1

	sub := &requestCycle{
		d:         c.d,
		v:         c.v,
		registry:  c.registry,
		forbidden: c.forbidden,
		ignore:    c.ignore,
		deps:      c.deps,
		started:   c.started,
	}
	subEnv := *env
	subEnv.Req = &subReq
	subEnv.Res = reqenv.NewResponse()
	sub.env = &subEnv
	subEnv.Subreq = sub
	sub.cookieKey = c.cookieKey

	if err := sub.mapToStorage(ctx); err != nil {
		return nil, err
	}
	if sub.passThrough {
		return nil, errdefs.Forbidden(errForbiddenURI(uri))
	}
	if err := sub.fixup(ctx); err != nil {
		sub.unlockCache()
		return nil, err
	}
	sub.unlockCache()
	if !sub.compiled && !sub.fromCache && !sub.notModified {
		if err := sub.resp.Compile(ctx, &subEnv); err != nil {
			return nil, err
		}
	}
	return subEnv.Res, nil
}

func (c *requestCycle) unlockCache() {
	if c.locked {
		c.env.Cache.Unlock(c.rtag)
		c.locked = false
	}
}

// fail converts an error into the response per the taxonomy. Envelope
// clients get the error inside the envelope head with HTTP 200.
func (c *requestCycle) fail(ctx context.Context, err error) {
	env := c.env
	status := errdefs.StatusCode(err)

	if errdefs.IsCrossScheme(err) {
		var scheme string
		if cs, ok := err.(errdefs.ErrCrossScheme); ok {
			scheme = cs.RequiredScheme()
		}
		target := scheme + "://" + env.Req.Hostname + env.Req.URI
		if env.Req.RawQuery != "" {
			target += "?" + env.Req.RawQuery
		}
		env.Res.Redirect(target, http.StatusFound)
		return
	}

	if status >= 500 {
		log.G(ctx).WithError(err).WithField("uri", env.Req.URI).Error("request failed")
	} else {
		log.G(ctx).WithError(err).WithFields(log.Fields{"uri": env.Req.URI, "status": status}).Debug("request refused")
	}

	if wantsEnvelope(env.Req) {
		env.Res.Status = http.StatusOK
		env.Res.Envelope = &types.Envelope{
			Head: types.Head{Error: &types.Error{Type: errdefs.Kind(err), Message: err.Error()}},
		}
		return
	}

	env.Res.Status = status
	env.Res.Standalone = true
	env.Res.Headers.Set("Content-Type", "text/html; charset=utf-8")
	switch status {
	case http.StatusUnauthorized:
		env.Res.Headers.Set("WWW-Authenticate", "Web")
		env.Res.Body = c.loginPage(ctx)
	default:
		env.Res.Body = []byte("<html><body><h1>" + strconv.Itoa(status) + " " + http.StatusText(status) + "</h1></body></html>\n")
	}
}

// loginPage loads the configured login document for 401 bodies.
func (c *requestCycle) loginPage(ctx context.Context) []byte {
	addr := c.env.Conf.GetString("handlers/auth/login_page", defaultLoginPage)
	n, err := c.env.Scope.Get(addr)
	if err == nil {
		if f, ok := n.Storage().(*hub.File); ok {
			if raw, err := f.Raw(); err == nil {
				return raw
			}
		}
	}
	log.G(ctx).WithField("addr", addr).Debug("login page unavailable")
	return []byte("<html><body><h1>401 Authorization Required</h1></body></html>\n")
}

// send materializes headers and cookies and writes the response.
func (c *requestCycle) send(ctx context.Context, w http.ResponseWriter) {
	err := c.phase("send", func() error { return c.writeResponse(ctx, w) })
	if err != nil {
		log.G(ctx).WithError(err).Warn("writing response")
	}
}

func (c *requestCycle) writeResponse(ctx context.Context, w http.ResponseWriter) error {
	env := c.env
	res := env.Res

	if !res.Standalone {
		formatResponse(env)
	}
	if res.ETag == "" && c.compiled && c.cacheEnabled && res.Status == http.StatusOK {
		res.ETag = rescache.EtagFor(res.Body)
	}

	h := w.Header()
	for name, vals := range res.Headers {
		h[name] = vals
	}
	if c.cookieKey != "" {
		timeout := env.Conf.GetLifetime("handlers/auth/timeout", defaultAuthTimeout)
		http.SetCookie(w, &http.Cookie{
			Name:     c.cookieKey,
			Value:    env.Req.SID,
			Path:     "/",
			Expires:  c.v.clock.Now().Add(timeout),
			HttpOnly: true,
		})
	}
	for _, ck := range res.Cookies {
		http.SetCookie(w, ck)
	}
	if res.ETag != "" {
		h.Set("ETag", res.ETag)
	}
	if !res.Mtime.IsZero() {
		h.Set("Last-Modified", res.Mtime.UTC().Format(http.TimeFormat))
	}
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", "must-revalidate")
	}

	if res.Status == http.StatusNotModified {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	if res.SendFile != "" {
		return c.sendFile(w, res)
	}
	if h.Get("Content-Type") == "" && len(res.Body) > 0 {
		h.Set("Content-Type", "text/html; charset=utf-8")
	}
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(res.Status)
	if env.Req.Method != http.MethodHead {
		_, _ = w.Write(res.Body)
	}
	return nil
}

func (c *requestCycle) sendFile(w http.ResponseWriter, res *reqenv.Response) error {
	f, err := os.Open(res.SendFile)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	h := w.Header()
	if h.Get("Content-Type") == "" {
		if ct := mime.TypeByExtension(filepath.Ext(res.SendFile)); ct != "" {
			h.Set("Content-Type", ct)
		}
	}
	h.Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	w.WriteHeader(res.Status)
	if c.env.Req.Method != http.MethodHead {
		_, err = io.Copy(w, f)
	}
	return err
}

// cleanup updates the cache, flushes the change log and records the
// request summary.
func (c *requestCycle) cleanup(ctx context.Context) {
	_ = c.phase("cleanup", func() error {
		c.updateCache(ctx)
		c.unlockCache()

		if changes := c.env.Scope.ChangeLog(); len(changes) > 0 {
			c.v.feed.Flush(changes)
		}

		status := c.env.Res.Status
		requestsCounter.WithValues(strconv.Itoa(status)).Inc()
		c.v.recordHistory(c.env.Req, status, time.Since(c.started))

		if status >= 500 && c.env.Conf.GetBool("debug/terminate_on_error") {
			log.G(ctx).Error("terminating on 5xx per debug/terminate_on_error")
			c.d.Terminate()
		}
		return nil
	})
}

func (c *requestCycle) updateCache(ctx context.Context) {
	if !c.cacheEnabled {
		return
	}
	env := c.env
	switch {
	case c.notModified && c.meta != nil:
		if err := env.Cache.Touch(c.rtag, c.meta); err != nil {
			log.G(ctx).WithError(err).Warn("touching cache meta")
		}
	case c.compiled && env.Res.Status == http.StatusOK &&
		rescache.Storable(env.Req.Method, env.Res.CanCache, env.Res.Headers):
		m := &rescache.Meta{
			URI:      env.Req.URI,
			QS:       env.Req.RawQuery,
			RtagStr:  c.rtagStr,
			SendFile: env.Res.SendFile,
			Mtime:    rescache.Stamp(env.Res.Mtime),
			Deps:     c.deps,
			CfgMtime: rescache.Stamp(env.Conf.Mtime()),
		}
		if c.node != nil {
			if st := c.node.Storage(); st != nil {
				m.Path = st.Path()
				if m.Mtime == 0 {
					m.Mtime = rescache.Stamp(st.Mtime())
				}
			}
		}
		if err := env.Cache.Store(c.rtag, m, env.Res.Body, env.Res.Headers); err != nil {
			log.G(ctx).WithError(err).Warn("storing cache entry")
		} else {
			cacheStores.Inc()
		}
	case c.compiled && c.meta != nil:
		env.Cache.Purge(c.rtag)
	}
}

// wantsEnvelope reports whether the client negotiated a structured
// response type, making the envelope the failure channel.
func wantsEnvelope(req *reqenv.Request) bool {
	accept := req.XArg("X-Accept")
	if accept == "" {
		accept = req.Headers.Get("Accept")
	}
	for _, t := range []string{"text/data-xfr", "application/json", "text/json", "text/json-hash"} {
		if strings.Contains(accept, t) {
			return true
		}
	}
	return false
}

// servePassThrough serves an ignored URI straight off the docroot.
func (c *requestCycle) servePassThrough(w http.ResponseWriter, r *http.Request) {
	p := filepath.Join(c.v.DocRoot, filepath.FromSlash(strings.TrimPrefix(c.env.Req.URI, "/")))
	http.ServeFile(w, r, p)
}

func errForbiddenURI(uri string) error { return errors.Errorf("%s is forbidden", uri) }
func errNoSuchNode(uri string) error   { return errors.Errorf("%s does not exist", uri) }
func errNotAuthorized(uri string) error {
	return errors.Errorf("%s requires authorization", uri)
}
func errNoPost(uri string) error {
	return errors.Errorf("%s does not accept a request body", uri)
}
func errTooLarge(n, limit int64) error {
	return errors.Errorf("request body of %d bytes exceeds the limit of %d", n, limit)
}
func errTooDeep(uri string) error {
	return errors.Errorf("redirect depth exceeded resolving %s", uri)
}
