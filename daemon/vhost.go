package daemon

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/daemon/config"
	"github.com/latticeweb/lattice/daemon/events"
	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/daemon/rescache"
	"github.com/latticeweb/lattice/daemon/responder"
	"github.com/latticeweb/lattice/daemon/responder/hubapi"
	"github.com/latticeweb/lattice/daemon/session"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// Vhost is one served site: a document root with its hub, config overlay,
// sessions, response cache and dispatch rules. Vhosts are created lazily
// on first request and recycled across requests.
type Vhost struct {
	Hostname string
	Port     int
	DocRoot  string

	hub      *hub.Hub
	conf     *config.Overlay
	sessions *session.Manager
	cache    *rescache.Cache
	feed     *events.Feed
	clock    clock.Clock
	tmpDir   string

	// mu guards the config-derived state below; requests take the read
	// side, reconfiguration the write side.
	mu        sync.RWMutex
	perms     *session.Table
	registry  *responder.Registry
	opts      reqenv.Options
	forbidden []*regexp.Regexp
	ignore    []*regexp.Regexp

	histMu sync.Mutex
	hist   []*ordmap.Map
}

func newVhost(cfg config.Vhost, clk clock.Clock) (*Vhost, error) {
	if clk == nil {
		clk = clock.NewClock()
	}
	ov, err := config.NewOverlay(cfg.Configs...)
	if err != nil {
		return nil, errors.Wrapf(err, "vhost %s", cfg.Hostname)
	}
	tmpDir := ov.GetString("sys_tmp_dir", "")
	if tmpDir == "" || !filepath.IsAbs(tmpDir) {
		return nil, errdefs.InvalidParameter(errors.Errorf("vhost %s: sys_tmp_dir must be absolute", cfg.Hostname))
	}
	h, err := hub.New(cfg.DocRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "vhost %s", cfg.Hostname)
	}
	v := &Vhost{
		Hostname: cfg.Hostname,
		Port:     cfg.Port,
		DocRoot:  cfg.DocRoot,
		hub:      h,
		conf:     ov,
		sessions: session.NewManager(tmpDir, clk),
		cache:    rescache.New(filepath.Join(tmpDir, "response", "cache"), clk),
		feed:     events.NewFeed(filepath.Join(tmpDir, "changelog.log")),
		clock:    clk,
		tmpDir:   tmpDir,
	}
	if err := v.applyConfig(context.Background()); err != nil {
		return nil, err
	}
	return v, nil
}

// refresh re-checks the config stack and re-applies derived state when
// the overlay rebuilt. Called at the top of every request cycle.
func (v *Vhost) refresh(ctx context.Context) {
	changed, err := v.conf.Refresh()
	if err != nil {
		log.G(ctx).WithError(err).Warnf("refreshing config for %s", v.Hostname)
		return
	}
	if !changed {
		return
	}
	v.hub.Expire()
	if err := v.applyConfig(ctx); err != nil {
		log.G(ctx).WithError(err).Errorf("re-applying config for %s", v.Hostname)
	}
}

// applyConfig rebuilds every config-derived structure: mounts, the
// permission table, the user store, dispatch rules and request options.
func (v *Vhost) applyConfig(ctx context.Context) error {
	if err := v.applyMounts(); err != nil {
		return err
	}

	perms, err := session.CompilePermissions(v.conf.GetMap("permissions"))
	if err != nil {
		return err
	}

	if path := v.conf.GetString("handlers/auth/users", ""); path != "" {
		key := v.conf.GetString("handlers/auth/password_key", "")
		v.sessions.SetUsers(session.NewUsers(path, key))
	}

	reg := responder.NewRegistry()
	v.registerFactories(reg)
	if err := v.addBuiltinRules(reg); err != nil {
		return err
	}
	if err := v.addConfigRules(reg); err != nil {
		return err
	}

	forbidden, err := compilePatterns(v.conf.GetList("handlers/access/forbidden"))
	if err != nil {
		return err
	}
	ignore, err := compilePatterns(v.conf.GetList("handlers/response/ignore"))
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.perms = perms
	v.registry = reg
	v.forbidden = forbidden
	v.ignore = ignore
	v.opts = reqenv.Options{
		TrustURISchemeHeader: v.conf.GetBool("modules/ssl/trust_uri_scheme_header"),
		URISchemeHeaderName:  v.conf.GetString("modules/ssl/uri_scheme_header_name", ""),
	}
	v.mu.Unlock()

	v.runPostConfInit(ctx)
	return nil
}

// applyMounts reconciles the hub's mount table with the config's mounts
// mapping.
func (v *Vhost) applyMounts() error {
	desired := map[string]string{}
	if m := v.conf.GetMap("mounts"); m != nil {
		var err error
		m.Range(func(addr string, value interface{}) bool {
			dir, ok := hub.ScalarText(value)
			if !ok || !filepath.IsAbs(dir) {
				err = errdefs.InvalidParameter(errors.Errorf("mount %s must name an absolute path", addr))
				return false
			}
			desired[addr] = dir
			return true
		})
		if err != nil {
			return err
		}
	}
	for _, mp := range v.hub.Mounts() {
		if dir, ok := desired[mp.Addr]; ok && dir == mp.Dir {
			delete(desired, mp.Addr)
			continue
		}
		if err := v.hub.Umount(mp.Addr); err != nil {
			return err
		}
	}
	for addr, dir := range desired {
		if err := v.hub.Mount(addr, dir); err != nil {
			return err
		}
	}
	return nil
}

// registerFactories binds the factory names config-declared rules can
// refer to.
func (v *Vhost) registerFactories(reg *responder.Registry) {
	reg.RegisterName("standard", responder.NewStandard)
	reg.RegisterName("data", responder.NewData)
	reg.RegisterName("empty", responder.NewEmpty)
	reg.RegisterName("exec", responder.NewExec)
	reg.RegisterName("directory", responder.NewDirectory)
	reg.RegisterName("image", responder.NewImage)
	reg.RegisterName("redirect", responder.NewRedirect)
	reg.RegisterName("auth", responder.NewAuth)
	reg.RegisterName("hubapi", hubapi.New)
}

// addBuiltinRules installs the core dispatch table. Later rules win, so
// the endpoint responders come after the content fallbacks.
func (v *Vhost) addBuiltinRules(reg *responder.Registry) error {
	type entry struct {
		name     string
		criteria responder.Criteria
		factory  responder.Factory
	}
	for _, e := range []entry{
		{"standard", responder.Criteria{TypeofMatch: `^file-`}, responder.NewStandard},
		{"data", responder.Criteria{TypeofMatch: `^data-`}, responder.NewData},
		{"exec", responder.Criteria{Typeof: hub.TagCode}, responder.NewExec},
		{"directory", responder.Criteria{TypeofMatch: `^directory`}, responder.NewDirectory},
		{"image", responder.Criteria{URIMatch: `(?i)\.(jpe?g|gif|png)$`}, responder.NewImage},
		{"redirect", responder.Criteria{}, responder.NewRedirect},
		{"auth", responder.Criteria{}, responder.NewAuth},
		{"hubapi", responder.Criteria{}, hubapi.New},
	} {
		if err := reg.Add(e.name, e.criteria, e.factory); err != nil {
			return err
		}
	}
	return nil
}

// addConfigRules installs handlers/response/responders entries on top of
// the builtins. Each entry maps a rule name to its criteria plus an
// "implementation" key naming a registered factory.
func (v *Vhost) addConfigRules(reg *responder.Registry) error {
	rules := v.conf.GetMap("handlers/response/responders")
	if rules == nil {
		return nil
	}
	var outer error
	rules.Range(func(name string, value interface{}) bool {
		spec, ok := value.(*ordmap.Map)
		if !ok {
			outer = errdefs.InvalidParameter(errors.Errorf("responder rule %s must be a mapping", name))
			return false
		}
		impl := ruleText(spec, "implementation")
		factory, ok := reg.Named(impl)
		if !ok {
			outer = errdefs.InvalidParameter(errors.Errorf("responder rule %s names unknown implementation %q", name, impl))
			return false
		}
		outer = reg.Add(name, criteriaFrom(spec), factory)
		return outer == nil
	})
	return outer
}

func criteriaFrom(spec *ordmap.Map) responder.Criteria {
	c := responder.Criteria{
		Typeof:      ruleText(spec, "typeof"),
		TypeofMatch: ruleText(spec, "typeof_match"),
		URI:         ruleText(spec, "uri"),
		URIMatch:    ruleText(spec, "uri_match"),
		QSMatch:     ruleText(spec, "qs_match"),
		MatchMethod: ruleText(spec, "match_method"),
	}
	c.Param = ruleMap(spec, "param")
	c.ParamMatch = ruleMap(spec, "param_match")
	c.XArgs = ruleMap(spec, "xargs")
	c.XArgsMatch = ruleMap(spec, "xargs_match")
	return c
}

func ruleText(spec *ordmap.Map, key string) string {
	v, ok := spec.Get(key)
	if !ok {
		return ""
	}
	s, _ := hub.ScalarText(v)
	return s
}

func ruleMap(spec *ordmap.Map, key string) map[string]string {
	v, ok := spec.Get(key)
	if !ok {
		return nil
	}
	m, ok := v.(*ordmap.Map)
	if !ok {
		return nil
	}
	out := make(map[string]string, m.Len())
	m.Range(func(k string, value interface{}) bool {
		s, _ := hub.ScalarText(value)
		out[k] = s
		return true
	})
	return out
}

// runPostConfInit invokes the configured post-reload hook, a code node
// named by the post_conf_init key.
func (v *Vhost) runPostConfInit(ctx context.Context) {
	addr := v.conf.GetString("post_conf_init", "")
	if addr == "" {
		return
	}
	scope := hub.NewScope(v.hub)
	n, err := scope.Get(addr)
	if err != nil {
		log.G(ctx).WithError(err).Warnf("post_conf_init %s", addr)
		return
	}
	fn, ok := n.Value().(hub.CodeFunc)
	if !ok {
		log.G(ctx).Warnf("post_conf_init %s is not code", addr)
		return
	}
	if _, err := fn(ctx, ordmap.New()); err != nil {
		log.G(ctx).WithError(err).Warnf("post_conf_init %s", addr)
	}
}

func compilePatterns(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, errdefs.InvalidParameter(errors.Wrapf(err, "pattern %q", expr))
		}
		out = append(out, re)
	}
	return out, nil
}

// recordHistory appends a request summary to the debug ring when
// debug/req_hist_size enables it.
func (v *Vhost) recordHistory(req *reqenv.Request, status int, elapsed time.Duration) {
	size := v.conf.GetInt("debug/req_hist_size", 0)
	if size <= 0 {
		return
	}
	entry := ordmap.New()
	entry.Set("time", v.clock.Now().Format(time.RFC3339))
	entry.Set("method", req.Method)
	entry.Set("uri", req.URI)
	entry.Set("status", status)
	entry.Set("elapsed", elapsed.Seconds())

	v.histMu.Lock()
	v.hist = append(v.hist, entry)
	if len(v.hist) > size {
		v.hist = v.hist[len(v.hist)-size:]
	}
	v.histMu.Unlock()
}

// reqHistList snapshots the debug ring for /sys/server/req_hist.
func (v *Vhost) reqHistList() *ordmap.List {
	v.histMu.Lock()
	defer v.histMu.Unlock()
	out := ordmap.NewList()
	for _, e := range v.hist {
		out.Append(e.Clone())
	}
	return out
}

// snapshot returns the read-side view of the config-derived state.
func (v *Vhost) snapshot() (*session.Table, *responder.Registry, reqenv.Options, []*regexp.Regexp, []*regexp.Regexp) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.perms, v.registry, v.opts, v.forbidden, v.ignore
}

// Close releases the vhost's long-lived resources.
func (v *Vhost) Close() {
	v.feed.Close()
}
