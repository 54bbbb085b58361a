// Package hubapi implements the structured-data RPC surface: a responder
// answering under /api/hub whose verbs mirror the tree operations, plus
// the spooled upload/download transfers with observable progress.
package hubapi

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/api/types"
	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/daemon/responder"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/hub/address"
	"github.com/latticeweb/lattice/pkg/dataxfr"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// DefaultURI is where the API answers unless handlers/hub/uri overrides
// it.
const DefaultURI = "/api/hub"

// Verbs that mutate the tree and therefore need write permission on top
// of the read set.
var writeVerbs = map[string]bool{
	"store":    true,
	"update":   true,
	"insert":   true,
	"remove":   true,
	"rename":   true,
	"copy":     true,
	"move":     true,
	"reorder":  true,
	"create":   true,
	"upload":   true,
	"download": true,
}

var knownVerbs = map[string]bool{
	"fetch":             true,
	"store":             true,
	"update":            true,
	"insert":            true,
	"remove":            true,
	"rename":            true,
	"copy":              true,
	"move":              true,
	"reorder":           true,
	"create":            true,
	"upload":            true,
	"download":          true,
	"upload_progress":   true,
	"download_progress": true,
	"batch":             true,
}

// API is the hub data responder. One instance serves one request; the
// verb is fixed at dispatch time.
type API struct {
	responder.Base
	verb    string
	maxPost int64

	// filter is installed by InputFilter for uploads so Compile can read
	// back the spooled byte count.
	filter *progressReader
}

// New is the factory for the data API. The verb comes from X-Command or
// the URI segment after the base.
func New(env *reqenv.Env, _ *hub.Node) responder.Responder {
	base := env.Conf.GetString("handlers/hub/uri", DefaultURI)
	if !address.HasPrefix(env.Req.URI, base) {
		return nil
	}
	verb := env.Req.XArg("X-Command")
	if verb == "" {
		segs := address.Split(env.Req.URI)
		if len(segs) > address.Depth(base) {
			verb = segs[address.Depth(base)]
		}
	}
	return &API{
		verb:    verb,
		maxPost: env.Conf.GetSize("handlers/hub/max_post_size", 0),
	}
}

// PermissionMode implements responder.Responder. Every verb needs the
// read set; mutating verbs add write.
func (a *API) PermissionMode() string {
	if writeVerbs[a.verb] {
		return "rvqw"
	}
	return "rvq"
}

// CanPost implements responder.Responder.
func (a *API) CanPost() bool { return true }

// CanUpload implements responder.Responder.
func (a *API) CanUpload() bool { return a.verb == "upload" }

// MaxPostSize implements responder.Responder.
func (a *API) MaxPostSize() int64 { return a.maxPost }

// Compile implements responder.Responder.
func (a *API) Compile(ctx context.Context, env *reqenv.Env) error {
	if !knownVerbs[a.verb] {
		return errdefs.InvalidParameter(errors.Errorf("unknown verb %q", a.verb))
	}
	if err := assertSameOrigin(env); err != nil {
		return err
	}
	params, err := requestParams(env)
	if err != nil {
		return err
	}
	return a.run(ctx, env, params)
}

func (a *API) run(ctx context.Context, env *reqenv.Env, params *ordmap.Map) error {
	switch a.verb {
	case "fetch":
		return a.fetch(ctx, env, params)
	case "store":
		return a.store(ctx, env, params)
	case "update":
		return a.update(ctx, env, params)
	case "insert":
		return a.insert(ctx, env, params)
	case "remove":
		return a.remove(ctx, env, params)
	case "rename":
		return a.rename(ctx, env, params)
	case "copy":
		return a.copyMove(ctx, env, params, false)
	case "move":
		return a.copyMove(ctx, env, params, true)
	case "reorder":
		return a.reorder(ctx, env, params)
	case "create":
		return a.create(ctx, env, params)
	case "upload":
		return a.upload(ctx, env, params)
	case "download":
		return a.download(ctx, env, params)
	case "upload_progress", "download_progress":
		return a.progress(ctx, env)
	case "batch":
		return a.batch(ctx, env, params)
	}
	return errdefs.InvalidParameter(errors.Errorf("unknown verb %q", a.verb))
}

// assertSameOrigin requires the Referer's top two host labels to match
// the served name. Loopback and the ANY/ALL wildcards are exempt so
// scripted clients work against development servers.
func assertSameOrigin(env *reqenv.Env) error {
	server := env.ServerName
	switch strings.ToUpper(server) {
	case "", "ANY", "ALL":
		return nil
	}
	if server == "127.0.0.1" {
		return nil
	}
	ref := env.Req.Headers.Get("Referer")
	if ref == "" {
		return errdefs.Forbidden(errors.New("missing referer"))
	}
	u, err := url.Parse(ref)
	if err != nil || u.Hostname() == "" {
		return errdefs.Forbidden(errors.Errorf("unparsable referer %q", ref))
	}
	if topTwoLabels(u.Hostname()) != topTwoLabels(server) {
		return errdefs.Forbidden(errors.Errorf("cross-origin referer %q", u.Hostname()))
	}
	return nil
}

func topTwoLabels(host string) string {
	labels := strings.Split(strings.ToLower(host), ".")
	if n := len(labels); n > 2 {
		labels = labels[n-2:]
	}
	return strings.Join(labels, ".")
}

// requestParams decodes the verb parameters: a posted JSON or data-XFR
// body when present, the CGI parameters otherwise.
func requestParams(env *reqenv.Env) (*ordmap.Map, error) {
	req := env.Req
	if req.Method != http.MethodPost || req.Body == nil {
		return req.CGI()
	}
	ct, _, _ := mime.ParseMediaType(req.Headers.Get("Content-Type"))
	switch ct {
	case "application/json", "text/json":
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, errdefs.System(errors.Wrap(err, "reading request body"))
		}
		return decodeParams(raw)
	case dataxfr.ContentType:
		_, body, err := dataxfr.Decode(req.Body)
		if err != nil {
			return nil, errdefs.InvalidParameter(err)
		}
		return decodeParams(body)
	}
	return req.CGI()
}

// decodeParams accepts a parameter mapping or, for batch, a bare array of
// sub-request mappings, which is rehomed under the requests key.
func decodeParams(raw []byte) (*ordmap.Map, error) {
	v, err := ordmap.DecodeJSON(raw)
	if err != nil {
		return nil, errdefs.InvalidParameter(errors.Wrap(err, "decoding parameters"))
	}
	switch t := v.(type) {
	case *ordmap.Map:
		return t, nil
	case *ordmap.List:
		m := ordmap.New()
		m.Set("requests", t)
		return m, nil
	}
	return nil, errdefs.InvalidParameter(errors.New("parameters must be a mapping"))
}

func paramText(m *ordmap.Map, key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := hub.ScalarText(v)
	return s
}

func paramBool(m *ordmap.Map, key string) bool {
	s := strings.ToLower(paramText(m, key))
	return s != "" && s != "0" && s != "false" && s != "none"
}

// envelope installs the response envelope for the node, optionally with a
// body payload.
func envelope(env *reqenv.Env, meta *types.Meta, body interface{}) {
	env.Res.Envelope = &types.Envelope{Head: types.Head{Meta: meta}, Body: body}
}

// metaOf summarizes a node for the envelope head.
func metaOf(env *reqenv.Env, n *hub.Node) *types.Meta {
	m := &types.Meta{
		Addr: n.Addr(),
		Type: env.Scope.Hub().Typeof(n),
		Size: n.Size(),
	}
	if mt := n.Mtime(); !mt.IsZero() {
		m.Mtime = mt.Unix()
	}
	return m
}
