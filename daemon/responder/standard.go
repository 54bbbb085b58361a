package responder

import (
	"context"
	"mime"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/api/types"
	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// Standard serves file-backed content: textual files run through the
// template expander, binary ones go out via the zero-copy path.
type Standard struct {
	Base
	file *hub.File
}

// NewStandard is the factory for file nodes.
func NewStandard(env *reqenv.Env, node *hub.Node) Responder {
	if node == nil {
		return nil
	}
	f, ok := node.Value().(*hub.File)
	if !ok {
		return nil
	}
	return &Standard{file: f}
}

// Compile implements Responder.
func (s *Standard) Compile(ctx context.Context, env *reqenv.Env) error {
	res := env.Res
	res.CanCache = true
	res.Mtime = s.file.Mtime()
	if ct := mime.TypeByExtension(filepath.Ext(s.file.Path())); ct != "" {
		res.Headers.Set("Content-Type", ct)
	}

	switch s.file.Tag() {
	case hub.TagFileText, hub.TagFileHash, hub.TagFileJSON:
		raw, err := s.file.Raw()
		if err != nil {
			return err
		}
		expanded, err := env.Expander.Expand(ctx, env, string(raw))
		if err != nil {
			return errdefs.System(errors.Wrapf(err, "expanding %s", s.file.Addr()))
		}
		res.Body = []byte(expanded)
	default:
		res.Binmode = true
		res.SendFile = s.file.Path()
	}
	return nil
}

// Data formats a structured data node into the response envelope.
type Data struct {
	Base
	node *hub.Node
}

// NewData is the factory for data nodes.
func NewData(env *reqenv.Env, node *hub.Node) Responder {
	if node == nil {
		return nil
	}
	switch node.Value().(type) {
	case *ordmap.Map, *ordmap.List:
		return &Data{node: node}
	}
	if _, ok := hub.ScalarText(node.Value()); ok {
		return &Data{node: node}
	}
	return nil
}

// Compile implements Responder.
func (d *Data) Compile(ctx context.Context, env *reqenv.Env) error {
	res := env.Res
	res.CanCache = true
	res.Mtime = d.node.Mtime()
	res.Envelope = &types.Envelope{
		Head: types.Head{Meta: &types.Meta{
			Addr:  d.node.Addr(),
			Type:  env.Scope.Hub().Typeof(d.node),
			Mtime: d.node.Mtime().Unix(),
			Size:  d.node.Size(),
		}},
		Body: d.node.Value(),
	}
	return nil
}

// Empty produces a bodyless 200. Matched by config rules that want a URI
// acknowledged without content.
type Empty struct {
	Base
}

// NewEmpty is the factory for the empty responder.
func NewEmpty(_ *reqenv.Env, _ *hub.Node) Responder { return &Empty{} }

// Compile implements Responder.
func (e *Empty) Compile(_ context.Context, env *reqenv.Env) error {
	env.Res.Standalone = true
	env.Res.Body = nil
	return nil
}

// Exec invokes a code node with the request parameters and formats its
// result.
type Exec struct {
	Base
	node *hub.Node
	fn   hub.CodeFunc
}

// NewExec is the factory for code nodes.
func NewExec(env *reqenv.Env, node *hub.Node) Responder {
	if node == nil {
		return nil
	}
	fn, ok := node.Value().(hub.CodeFunc)
	if !ok {
		return nil
	}
	return &Exec{node: node, fn: fn}
}

// PermissionMode implements Responder: running code demands execute.
func (e *Exec) PermissionMode() string { return "rx" }

// Compile implements Responder.
func (e *Exec) Compile(ctx context.Context, env *reqenv.Env) error {
	params, err := env.Req.CGI()
	if err != nil {
		return err
	}
	out, err := e.fn(ctx, params)
	if err != nil {
		return err
	}
	env.Res.Envelope = &types.Envelope{
		Head: types.Head{Meta: &types.Meta{
			Addr: e.node.Addr(),
			Type: hub.TagCode,
		}},
		Body: out,
	}
	return nil
}
