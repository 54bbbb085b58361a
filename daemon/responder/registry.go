// Package responder implements the rule-matched dispatch that picks the
// component producing each response, and the built-in responders: the
// directory walker, content formatters, the image transform front end,
// redirect tables and the login endpoint.
package responder

import (
	"context"
	"io"
	"regexp"
	"sync"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// Responder produces one response. Compile mutates the response state in
// the environment; the lifecycle handles sending.
type Responder interface {
	// PermissionMode is the mode string (letters of rwxvq) the request
	// must hold on its URI.
	PermissionMode() string
	// CanPost reports whether the responder accepts request bodies.
	CanPost() bool
	// CanUpload reports whether the responder accepts multipart uploads.
	CanUpload() bool
	// MaxPostSize bounds the request body in bytes; 0 means unlimited.
	MaxPostSize() int64
	// InputFilter may wrap the body reader while it is being consumed,
	// e.g. to record upload progress. Returning r unchanged is the
	// common case.
	InputFilter(env *reqenv.Env, r io.Reader) io.Reader
	// Compile produces the response.
	Compile(ctx context.Context, env *reqenv.Env) error
}

// Base supplies the default responder surface: read permission, no body,
// no upload, no size bound, no input filter.
type Base struct{}

func (Base) PermissionMode() string                           { return "r" }
func (Base) CanPost() bool                                    { return false }
func (Base) CanUpload() bool                                  { return false }
func (Base) MaxPostSize() int64                               { return 0 }
func (Base) InputFilter(_ *reqenv.Env, r io.Reader) io.Reader { return r }

// Factory instantiates a responder for a request, or returns nil to
// decline despite matching criteria.
type Factory func(env *reqenv.Env, node *hub.Node) Responder

// Criteria are the matching conditions of one dispatch rule. All present
// conditions must hold.
type Criteria struct {
	Typeof      string
	TypeofMatch string
	URI         string
	URIMatch    string
	QSMatch     string
	Param       map[string]string
	ParamMatch  map[string]string
	XArgs       map[string]string
	XArgsMatch  map[string]string
	// MatchMethod names a code node which decides the match, invoked
	// with {uri, typeof} parameters.
	MatchMethod string
	// Match short-circuits to true when set and returning true, the way
	// a responder class's own match_request would.
	Match func(uri string, node *hub.Node) bool
}

type rule struct {
	name     string
	criteria Criteria
	typeofRE *regexp.Regexp
	uriRE    *regexp.Regexp
	qsRE     *regexp.Regexp
	paramREs map[string]*regexp.Regexp
	xargsREs map[string]*regexp.Regexp
	factory  Factory
}

// Registry holds dispatch rules and the named factories config entries
// can refer to.
type Registry struct {
	mu    sync.RWMutex
	rules []rule
	named map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{named: map[string]Factory{}}
}

// RegisterName binds a factory name for config-declared rules.
func (reg *Registry) RegisterName(name string, f Factory) {
	reg.mu.Lock()
	reg.named[name] = f
	reg.mu.Unlock()
}

// Named returns the factory registered under name.
func (reg *Registry) Named(name string) (Factory, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	f, ok := reg.named[name]
	return f, ok
}

// Add appends a dispatch rule. Rules added later win: selection walks in
// reverse insertion order.
func (reg *Registry) Add(name string, c Criteria, f Factory) error {
	r := rule{name: name, criteria: c, factory: f}
	var err error
	compile := func(expr string) *regexp.Regexp {
		if err != nil || expr == "" {
			return nil
		}
		var re *regexp.Regexp
		re, err = regexp.Compile(expr)
		return re
	}
	r.typeofRE = compile(c.TypeofMatch)
	r.uriRE = compile(c.URIMatch)
	r.qsRE = compile(c.QSMatch)
	if len(c.ParamMatch) > 0 {
		r.paramREs = make(map[string]*regexp.Regexp, len(c.ParamMatch))
		for k, expr := range c.ParamMatch {
			r.paramREs[k] = compile(expr)
		}
	}
	if len(c.XArgsMatch) > 0 {
		r.xargsREs = make(map[string]*regexp.Regexp, len(c.XArgsMatch))
		for k, expr := range c.XArgsMatch {
			r.xargsREs[k] = compile(expr)
		}
	}
	if err != nil {
		return errdefs.InvalidParameter(errors.Wrapf(err, "responder rule %s", name))
	}
	reg.mu.Lock()
	reg.rules = append(reg.rules, r)
	reg.mu.Unlock()
	return nil
}

// Select picks the responder for a request: the newest rule whose
// criteria all hold and whose factory returns a non-nil instance. The
// second return names the winning rule.
func (reg *Registry) Select(ctx context.Context, env *reqenv.Env, node *hub.Node, typeof string) (Responder, string) {
	reg.mu.RLock()
	rules := reg.rules
	reg.mu.RUnlock()
	for i := len(rules) - 1; i >= 0; i-- {
		r := &rules[i]
		if !r.matches(ctx, env, node, typeof) {
			continue
		}
		if inst := r.factory(env, node); inst != nil {
			return inst, r.name
		}
	}
	return nil, ""
}

func (r *rule) matches(ctx context.Context, env *reqenv.Env, node *hub.Node, typeof string) bool {
	c := &r.criteria
	if c.Match != nil && c.Match(env.Req.URI, node) {
		return true
	}
	if c.Typeof != "" && c.Typeof != typeof {
		return false
	}
	if r.typeofRE != nil && !r.typeofRE.MatchString(typeof) {
		return false
	}
	if c.URI != "" && c.URI != env.Req.URI {
		return false
	}
	if r.uriRE != nil && !r.uriRE.MatchString(env.Req.URI) {
		return false
	}
	if r.qsRE != nil && !r.qsRE.MatchString(env.Req.RawQuery) {
		return false
	}
	for k, want := range c.Param {
		if env.Req.QSValue(k) != want {
			return false
		}
	}
	for k, re := range r.paramREs {
		if !re.MatchString(env.Req.QSValue(k)) {
			return false
		}
	}
	for k, want := range c.XArgs {
		if env.Req.XArg(k) != want {
			return false
		}
	}
	for k, re := range r.xargsREs {
		if !re.MatchString(env.Req.XArg(k)) {
			return false
		}
	}
	if c.MatchMethod != "" {
		return r.runMatchMethod(ctx, env, typeof)
	}
	return true
}

func (r *rule) runMatchMethod(ctx context.Context, env *reqenv.Env, typeof string) bool {
	n, err := env.Scope.Get(r.criteria.MatchMethod)
	if err != nil {
		log.G(ctx).WithError(err).Warnf("match method %s", r.criteria.MatchMethod)
		return false
	}
	fn, ok := n.Value().(hub.CodeFunc)
	if !ok {
		return false
	}
	params := ordmap.New()
	params.Set("uri", env.Req.URI)
	params.Set("typeof", typeof)
	out, err := fn(ctx, params)
	if err != nil {
		log.G(ctx).WithError(err).Warnf("match method %s", r.criteria.MatchMethod)
		return false
	}
	s, _ := hub.ScalarText(out)
	return s != "" && s != "0" && s != "false"
}
