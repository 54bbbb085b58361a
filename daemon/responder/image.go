package responder

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
)

var imageURI = regexp.MustCompile(`(?i)\.(jpe?g|gif|png)$`)

// Image fronts the external image conversion library: resize and attach
// requests, plus automatic watermarking for configured paths, produce a
// derived file served by the zero-copy path.
type Image struct {
	Base
	file *hub.File
}

// MatchImage reports whether the request asks for an image transform:
// an image URI with a resize or attach parameter, or one under a
// configured watermark path.
func MatchImage(env *reqenv.Env, node *hub.Node) bool {
	if node == nil || !imageURI.MatchString(env.Req.URI) {
		return false
	}
	if env.Req.QSValue("resize") != "" || env.Req.QSValue("attach") != "" {
		return true
	}
	for _, prefix := range env.Conf.GetList("handlers/image/watermark") {
		if strings.HasPrefix(env.Req.URI, prefix) {
			return true
		}
	}
	return false
}

// NewImage is the factory for image transforms.
func NewImage(env *reqenv.Env, node *hub.Node) Responder {
	if !MatchImage(env, node) {
		return nil
	}
	f, ok := node.Value().(*hub.File)
	if !ok {
		return nil
	}
	return &Image{file: f}
}

// Compile implements Responder.
func (i *Image) Compile(ctx context.Context, env *reqenv.Env) error {
	if env.Converter == nil {
		return errdefs.System(errors.New("image conversion unavailable"))
	}
	params := map[string]string{}
	for _, key := range []string{"resize", "attach"} {
		if v := env.Req.QSValue(key); v != "" {
			params[key] = v
		}
	}
	for _, prefix := range env.Conf.GetList("handlers/image/watermark") {
		if strings.HasPrefix(env.Req.URI, prefix) {
			params["watermark"] = "1"
			break
		}
	}
	out, err := env.Converter.Convert(ctx, i.file.Path(), params)
	if err != nil {
		return errdefs.System(errors.Wrapf(err, "converting %s", i.file.Addr()))
	}
	res := env.Res
	res.CanCache = true
	res.Binmode = true
	res.Mtime = i.file.Mtime()
	res.SendFile = out
	if params["attach"] != "" {
		res.Headers.Set("Content-Disposition", "attachment")
	}
	return nil
}
